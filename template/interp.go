package template

import (
	"fmt"
	"regexp"
	"strings"
)

// placeholderRe matches {{dot.path}} placeholders in step config values.
var placeholderRe = regexp.MustCompile(`\{\{\s*([^}\s]+)\s*\}\}`)

// Interpolate resolves {{path}} placeholders in s by dot-path lookup
// against the context. A placeholder that is the entire string and
// resolves to a non-string value is returned as that value, preserving
// its type; otherwise resolved values are rendered into the string.
// Unresolvable placeholders are left intact.
func Interpolate(s string, ctx map[string]any) any {
	matches := placeholderRe.FindAllStringSubmatchIndex(s, -1)
	if len(matches) == 0 {
		return s
	}

	// Whole-string placeholder keeps the resolved value's type.
	if len(matches) == 1 && matches[0][0] == 0 && matches[0][1] == len(s) {
		path := s[matches[0][2]:matches[0][3]]
		if val, ok := LookupPath(ctx, path); ok {
			return val
		}
		return s
	}

	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		path := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(m, "{{"), "}}"))
		if val, ok := LookupPath(ctx, path); ok {
			return fmt.Sprint(val)
		}
		return m
	})
}

// InterpolateMap resolves placeholders in every string value of a config
// map, recursing into nested maps and slices. The input map is not
// mutated.
func InterpolateMap(config map[string]any, ctx map[string]any) map[string]any {
	if config == nil {
		return nil
	}
	out := make(map[string]any, len(config))
	for k, v := range config {
		out[k] = interpolateValue(v, ctx)
	}
	return out
}

func interpolateValue(v any, ctx map[string]any) any {
	switch val := v.(type) {
	case string:
		return Interpolate(val, ctx)
	case map[string]any:
		return InterpolateMap(val, ctx)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = interpolateValue(item, ctx)
		}
		return out
	default:
		return v
	}
}
