package redis

import (
	"strings"
)

// KeyBuilder helps build Redis keys according to our naming convention.
// Keys are colon separated: <namespace>:<context>[:<entity>[:<attribute>]].
type KeyBuilder struct {
	namespace string
	context   string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace.
func NewKeyBuilder(namespace, context string) *KeyBuilder {
	return &KeyBuilder{
		namespace: strings.ToLower(namespace),
		context:   strings.ToLower(context),
	}
}

// Build creates a Redis key following our naming convention.
func (kb *KeyBuilder) Build(parts ...string) string {
	all := []string{kb.namespace}
	if kb.context != "" {
		all = append(all, kb.context)
	}
	all = append(all, parts...)
	return strings.Join(all, ":")
}

// BuildPattern creates a Redis key pattern for searching.
func (kb *KeyBuilder) BuildPattern(parts ...string) string {
	return kb.Build(parts...) + ":*"
}

// Prefix returns the namespace:context prefix.
func (kb *KeyBuilder) Prefix() string {
	if kb.context == "" {
		return kb.namespace
	}
	return kb.namespace + ":" + kb.context
}

// WithContext creates a new key builder with a different context.
func (kb *KeyBuilder) WithContext(context string) *KeyBuilder {
	return NewKeyBuilder(kb.namespace, context)
}
