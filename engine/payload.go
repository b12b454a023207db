package engine

import (
	"encoding/json"
)

// normalize forces v through a JSON round-trip so every recorded payload is
// exactly what a store would hand back after persistence: maps keyed by
// string, []any slices, float64 numbers. Non-serializable values fail as
// KindSerialization before any state change.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, Errorf(KindSerialization, "payload is not JSON-serializable: %v", err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, Errorf(KindSerialization, "payload does not round-trip: %v", err)
	}
	return out, nil
}

// NormalizePayload is the exported JSON boundary used by the worker to
// validate activity results before they enter history.
func NormalizePayload(v any) (any, error) {
	return normalize(v)
}

// normalizeArgs round-trips an argument list.
func normalizeArgs(args []any) ([]any, error) {
	if len(args) == 0 {
		return []any{}, nil
	}
	v, err := normalize(args)
	if err != nil {
		return nil, err
	}
	out, ok := v.([]any)
	if !ok {
		return nil, Errorf(KindSerialization, "arguments do not round-trip to a JSON list")
	}
	return out, nil
}

// normalizeObject round-trips a JSON object, mapping nil to the empty object.
func normalizeObject(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return map[string]any{}, nil
	}
	v, err := normalize(m)
	if err != nil {
		return nil, err
	}
	out, ok := v.(map[string]any)
	if !ok {
		return nil, Errorf(KindSerialization, "payload does not round-trip to a JSON object")
	}
	return out, nil
}

// asInt coerces the numeric representations a JSON round-trip can produce.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}
