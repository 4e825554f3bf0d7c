package engine

import (
	"encoding/json"
	"strconv"
	"strings"
)

// DefaultKomi is sent when a call's config carries no komi.
const DefaultKomi = 7.5

// Config holds per-call options keyed by name, as sent by the caller.
type Config map[string]interface{}

// Komi returns the "komi" option, or DefaultKomi if it is missing or not a number.
func (c Config) Komi() float64 {
	if f, ok := c.float("komi"); ok {
		return f
	}
	return DefaultKomi
}

// RequestID returns the caller's "request_id", which is echoed back untouched.
func (c Config) RequestID() string {
	switch v := c["request_id"].(type) {
	case string:
		return v
	case nil:
		return ""
	case json.Number:
		return v.String()
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// ReplayHistory reports whether Score should establish the board from the history first.
func (c Config) ReplayHistory() bool {
	switch v := c["replay_history"].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func (c Config) float(key string) (float64, bool) {
	switch v := c[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}
