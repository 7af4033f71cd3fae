package pubsub

import (
	"fmt"
	"time"

	"github.com/taxpoynt/messagefabric/internal/bus"
)

// passesFilters evaluates every named filter against the publication. The
// publication is delivered only when all filters pass.
func passesFilters(filters map[string]interface{}, pub *Publication) bool {
	for name, arg := range filters {
		switch name {
		case "tenant_filter":
			if pub.TenantID != fmt.Sprint(arg) {
				return false
			}
		case "priority_filter":
			if pub.Priority < bus.ParsePriority(fmt.Sprint(arg)) {
				return false
			}
		case "time_filter":
			if !passesTimeFilter(arg, pub) {
				return false
			}
		default:
			// Unknown filter names compare directly against payload then
			// header values.
			if got, ok := pub.Payload[name]; ok {
				if fmt.Sprint(got) != fmt.Sprint(arg) {
					return false
				}
				continue
			}
			if got, ok := pub.Headers[name]; ok {
				if got != fmt.Sprint(arg) {
					return false
				}
				continue
			}
			return false
		}
	}
	return true
}

// passesTimeFilter accepts publications inside an after/before window. The
// argument is a map with optional RFC3339 "after" and "before" entries.
func passesTimeFilter(arg interface{}, pub *Publication) bool {
	window, ok := arg.(map[string]interface{})
	if !ok {
		return true
	}
	if raw, ok := window["after"]; ok {
		if t, err := time.Parse(time.RFC3339, fmt.Sprint(raw)); err == nil && pub.PublishedAt.Before(t) {
			return false
		}
	}
	if raw, ok := window["before"]; ok {
		if t, err := time.Parse(time.RFC3339, fmt.Sprint(raw)); err == nil && pub.PublishedAt.After(t) {
			return false
		}
	}
	return true
}
