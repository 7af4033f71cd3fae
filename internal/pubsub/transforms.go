package pubsub

import (
	"fmt"
	"time"
)

// applyTransforms runs the transform chain over a copy of the payload.
// Transform errors are swallowed and the pre-transform payload forwarded.
func applyTransforms(rules []TransformRule, payload map[string]interface{}) map[string]interface{} {
	if len(rules) == 0 {
		return payload
	}
	out := copyPayload(payload)
	for _, rule := range rules {
		transformed, err := applyTransform(rule, out)
		if err != nil {
			continue
		}
		out = transformed
	}
	return out
}

func applyTransform(rule TransformRule, payload map[string]interface{}) (map[string]interface{}, error) {
	switch rule.Name {
	case "add_timestamp":
		payload["transformed_at"] = time.Now().UTC().Format(time.RFC3339)
		return payload, nil
	case "flatten_payload":
		return flatten("", payload), nil
	case "extract_fields":
		fields, ok := rule.Args["fields"].([]string)
		if !ok {
			raw, ok := rule.Args["fields"].([]interface{})
			if !ok {
				return nil, fmt.Errorf("extract_fields requires a fields list")
			}
			for _, f := range raw {
				fields = append(fields, fmt.Sprint(f))
			}
		}
		out := make(map[string]interface{}, len(fields))
		for _, f := range fields {
			if v, ok := payload[f]; ok {
				out[f] = v
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown transform %q", rule.Name)
	}
}

// flatten rewrites nested maps into dotted keys.
func flatten(prefix string, in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func copyPayload(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
