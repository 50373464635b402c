package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// parseFields turns repeated --field key=value flags into a payload map.
// Values are coerced to bool or number when they parse as one, so
// "--field value=1200.50" stores a number rather than a string.
func parseFields(fields []string) (map[string]any, error) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid field %q, expected key=value", f)
		}
		out[key] = coerceValue(value)
	}
	return out, nil
}

func coerceValue(s string) any {
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}
