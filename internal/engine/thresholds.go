package engine

// Thresholds tune classification per event kind. The outer key is the
// event kind, the inner map holds kind-specific knobs.
type Thresholds map[string]map[string]interface{}

// DefaultThresholds returns the built-in tuning. Callers override
// individual leaves via MergeThresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		"error": {
			"max_consecutive":   3,
			"escalate_on_fatal": false,
		},
		"test_failure": {
			"max_consecutive": 2,
		},
		"context_exhaustion": {
			"usage_percent": 90.0,
		},
		"stuck": {
			"restart_after": 3,
		},
		"auth_required": {},
	}
}

// MergeThresholds deep-merges override into base, preferring override
// leaves. Neither input is mutated.
func MergeThresholds(base, override Thresholds) Thresholds {
	out := make(Thresholds, len(base))
	for kind, knobs := range base {
		cp := make(map[string]interface{}, len(knobs))
		for k, v := range knobs {
			cp[k] = v
		}
		out[kind] = cp
	}
	for kind, knobs := range override {
		dst, ok := out[kind]
		if !ok {
			dst = make(map[string]interface{}, len(knobs))
			out[kind] = dst
		}
		for k, v := range knobs {
			dst[k] = v
		}
	}
	return out
}

// intKnob reads an integer tuning value, accepting the numeric types
// yaml and json decoding produce.
func (t Thresholds) intKnob(kind, name string, fallback int) int {
	knobs, ok := t[kind]
	if !ok {
		return fallback
	}
	switch v := knobs[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func (t Thresholds) boolKnob(kind, name string, fallback bool) bool {
	knobs, ok := t[kind]
	if !ok {
		return fallback
	}
	if v, ok := knobs[name].(bool); ok {
		return v
	}
	return fallback
}
