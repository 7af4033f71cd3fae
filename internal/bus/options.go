package bus

// EmitOption customises an emitted event.
type EmitOption func(*Event)

// WithSource sets the emitting service name.
func WithSource(source string) EmitOption {
	return func(e *Event) { e.Source = source }
}

// WithScope tags the event with an audience scope.
func WithScope(scope Scope) EmitOption {
	return func(e *Event) { e.Scope = scope }
}

// WithPriority sets the processing priority.
func WithPriority(p Priority) EmitOption {
	return func(e *Event) { e.Priority = p }
}

// WithTenant sets the tenant id.
func WithTenant(tenantID string) EmitOption {
	return func(e *Event) { e.TenantID = tenantID }
}

// WithCorrelation sets the correlation id.
func WithCorrelation(correlationID string) EmitOption {
	return func(e *Event) { e.CorrelationID = correlationID }
}

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) EmitOption {
	return func(e *Event) { e.MaxRetries = n }
}

// WithTags attaches free-form tags.
func WithTags(tags ...string) EmitOption {
	return func(e *Event) { e.Tags = append(e.Tags, tags...) }
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]interface{}) EmitOption {
	return func(e *Event) { e.Metadata = md }
}

// SubscribeOption customises a subscription.
type SubscribeOption func(*Subscription)

// WithSubscriber names the subscribing component.
func WithSubscriber(name string) SubscribeOption {
	return func(s *Subscription) { s.Subscriber = name }
}

// WithSubscriptionScope limits the subscription to events of one scope.
func WithSubscriptionScope(scope Scope) SubscribeOption {
	return func(s *Subscription) { s.Scope = scope }
}

// WithHandlerPriority orders handler execution; higher runs first.
func WithHandlerPriority(p int) SubscribeOption {
	return func(s *Subscription) { s.Priority = p }
}

// WithFilters adds equality filters evaluated against the event payload.
func WithFilters(filters map[string]interface{}) SubscribeOption {
	return func(s *Subscription) { s.Filters = filters }
}

// Blocking marks the handler as potentially slow; it will run on the bounded
// worker pool instead of inline on the dispatch loop.
func Blocking() SubscribeOption {
	return func(s *Subscription) { s.Blocking = true }
}
