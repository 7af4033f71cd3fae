package routing

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/taxpoynt/messagefabric/internal/bus"
)

// programCache holds compiled condition expressions keyed by source text.
var programCache sync.Map

// ruleConditionsMet evaluates a rule's conditions map against a message.
// The "expression" key compiles to a boolean expression over the message
// environment; every other key compares for equality against the payload.
func ruleConditionsMet(rule *RoutingRule, msg *RoutedMessage) bool {
	for key, want := range rule.Conditions {
		if key == "expression" {
			if !evalExpression(fmt.Sprint(want), msg) {
				return false
			}
			continue
		}
		got, ok := msg.Payload[key]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// ruleFiltersPass evaluates a rule's filters against the routing context.
func ruleFiltersPass(rule *RoutingRule, msg *RoutedMessage) bool {
	for key, want := range rule.Filters {
		switch key {
		case "tenant_id":
			if msg.Context.TenantID != fmt.Sprint(want) {
				return false
			}
		case "min_priority":
			if msg.Priority < bus.ParsePriority(fmt.Sprint(want)) {
				return false
			}
		default:
			got, ok := msg.Payload[key]
			if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
				return false
			}
		}
	}
	return true
}

// evalExpression runs a compiled condition. Compile or runtime errors make
// the condition fail closed.
func evalExpression(src string, msg *RoutedMessage) bool {
	env := map[string]interface{}{
		"payload":        msg.Payload,
		"operation":      msg.Operation,
		"message_type":   string(msg.Type),
		"priority":       msg.Priority.String(),
		"tenant_id":      msg.Context.TenantID,
		"source_service": msg.Context.SourceService,
		"target_role":    string(msg.Context.TargetRole),
	}

	var program *vm.Program
	if cached, ok := programCache.Load(src); ok {
		program = cached.(*vm.Program)
	} else {
		compiled, err := expr.Compile(src, expr.AllowUndefinedVariables(), expr.AsBool())
		if err != nil {
			return false
		}
		programCache.Store(src, compiled)
		program = compiled
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false
	}
	pass, ok := result.(bool)
	return ok && pass
}
