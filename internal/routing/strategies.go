package routing

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// executeStrategy runs the rule's delivery strategy over the matched
// endpoints and returns the aggregate response.
func (r *Router) executeStrategy(ctx context.Context, rule *RoutingRule, msg *RoutedMessage, endpoints []*ServiceEndpoint) (map[string]interface{}, error) {
	switch rule.Strategy {
	case StrategyBroadcast:
		return r.broadcast(ctx, msg, endpoints)
	case StrategyRoundRobin:
		return r.roundRobin(ctx, rule, msg, endpoints)
	case StrategyPriority:
		return r.byPriority(ctx, msg, endpoints)
	case StrategyLoadBalanced:
		return r.loadBalanced(ctx, msg, endpoints)
	case StrategyFailover:
		return r.failover(ctx, msg, endpoints)
	default:
		return nil, fmt.Errorf("unknown routing strategy %q", rule.Strategy)
	}
}

// broadcast delivers to every endpoint concurrently and merges responses.
// A single response passes through unchanged; multiple responses merge
// into an envelope with concatenated data arrays.
func (r *Router) broadcast(ctx context.Context, msg *RoutedMessage, endpoints []*ServiceEndpoint) (map[string]interface{}, error) {
	var mu sync.Mutex
	responses := make([]map[string]interface{}, 0, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	for _, ep := range endpoints {
		ep := ep
		g.Go(func() error {
			resp, err := r.deliverTo(gctx, msg, ep)
			if err != nil {
				// Broadcast tolerates individual failures; the caller sees
				// the responses that did arrive.
				return nil
			}
			mu.Lock()
			responses = append(responses, resp)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	switch len(responses) {
	case 0:
		return nil, fmt.Errorf("broadcast produced no responses for message %s", msg.ID)
	case 1:
		return responses[0], nil
	}

	merged := map[string]interface{}{
		"status":           "success",
		"merged_responses": true,
		"response_count":   len(responses),
		"responses":        responses,
	}
	var data []interface{}
	for _, resp := range responses {
		if arr, ok := resp["data"].([]interface{}); ok {
			data = append(data, arr...)
		} else if d, ok := resp["data"]; ok {
			data = append(data, d)
		}
	}
	if len(data) > 0 {
		merged["data"] = data
	}
	return merged, nil
}

// roundRobin advances the per-rule counter and delivers to the selected
// endpoint. Counters are per-replica; cluster-wide rotation is approximate.
func (r *Router) roundRobin(ctx context.Context, rule *RoutingRule, msg *RoutedMessage, endpoints []*ServiceEndpoint) (map[string]interface{}, error) {
	r.mu.Lock()
	counter := r.rr[rule.ID]
	r.rr[rule.ID] = counter + 1
	r.mu.Unlock()

	if err := r.back.SetRoundRobin(ctx, rule.ID, counter+1); err != nil {
		r.log.Debug("Round robin counter persist failed", zap.Error(err))
	}
	return r.deliverTo(ctx, msg, endpoints[counter%len(endpoints)])
}

// byPriority tries endpoints in descending endpoint priority until one
// delivery succeeds.
func (r *Router) byPriority(ctx context.Context, msg *RoutedMessage, endpoints []*ServiceEndpoint) (map[string]interface{}, error) {
	ordered := append([]*ServiceEndpoint(nil), endpoints...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		return ordered[i].ID < ordered[j].ID
	})
	return r.tryInOrder(ctx, msg, ordered)
}

// loadBalanced delivers to the endpoint with the lowest load score.
func (r *Router) loadBalanced(ctx context.Context, msg *RoutedMessage, endpoints []*ServiceEndpoint) (map[string]interface{}, error) {
	r.mu.RLock()
	best := endpoints[0]
	bestScore := best.loadScore()
	for _, ep := range endpoints[1:] {
		if score := ep.loadScore(); score < bestScore {
			best = ep
			bestScore = score
		}
	}
	r.mu.RUnlock()
	return r.deliverTo(ctx, msg, best)
}

// failover orders endpoints by (priority desc, healthy first) and tries
// each until one succeeds.
func (r *Router) failover(ctx context.Context, msg *RoutedMessage, endpoints []*ServiceEndpoint) (map[string]interface{}, error) {
	ordered := append([]*ServiceEndpoint(nil), endpoints...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Priority != ordered[j].Priority {
			return ordered[i].Priority > ordered[j].Priority
		}
		hi, hj := ordered[i].Health == HealthHealthy, ordered[j].Health == HealthHealthy
		if hi != hj {
			return hi
		}
		return ordered[i].ID < ordered[j].ID
	})
	return r.tryInOrder(ctx, msg, ordered)
}

func (r *Router) tryInOrder(ctx context.Context, msg *RoutedMessage, ordered []*ServiceEndpoint) (map[string]interface{}, error) {
	var lastErr error
	for _, ep := range ordered {
		if msg.visited(ep.ID) {
			continue
		}
		resp, err := r.deliverTo(ctx, msg, ep)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("all endpoints already attempted for message %s", msg.ID)
	}
	return nil, lastErr
}
