package template

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// LookupPath resolves a dot-delimited path against a nested map.
// Returns the value and whether it was present.
func LookupPath(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}

	var current any = root
	for _, seg := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Eval evaluates a single condition against the given context. Unknown
// operators evaluate permissively to true so that schema drift in stored
// templates does not silently block triggering; the mismatch is logged
// as a warning.
func (c Condition) Eval(ctx map[string]any, logger *slog.Logger) bool {
	val, present := LookupPath(ctx, c.Field)

	switch c.Operator {
	case OpExists:
		return present
	case OpNotExists:
		return !present
	case OpEquals:
		return present && looseEqual(val, c.Value)
	case OpNotEquals:
		return !present || !looseEqual(val, c.Value)
	case OpContains:
		return contains(val, c.Value)
	case OpNotContains:
		return !contains(val, c.Value)
	case OpGreaterThan:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		return aok && bok && a > b
	case OpLessThan:
		a, aok := toFloat(val)
		b, bok := toFloat(c.Value)
		return aok && bok && a < b
	case OpIn:
		return inList(val, c.Value)
	case OpNotIn:
		return !inList(val, c.Value)
	case OpRegex:
		s, ok := val.(string)
		if !ok {
			return false
		}
		pattern, ok := c.Value.(string)
		if !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			if logger != nil {
				logger.Warn("invalid regex in condition",
					slog.String("field", c.Field),
					slog.String("pattern", pattern),
					slog.String("error", err.Error()),
				)
			}
			return false
		}
		return re.MatchString(s)
	default:
		if logger != nil {
			logger.Warn("unknown condition operator, evaluating as true",
				slog.String("field", c.Field),
				slog.String("operator", string(c.Operator)),
			)
		}
		return true
	}
}

// EvalAll reports whether every condition holds against the context.
// An empty condition list passes.
func EvalAll(conds []Condition, ctx map[string]any, logger *slog.Logger) bool {
	for _, c := range conds {
		if !c.Eval(ctx, logger) {
			return false
		}
	}
	return true
}

// Eval evaluates a branch predicate against the context.
func (b Branch) Eval(ctx map[string]any, logger *slog.Logger) bool {
	return Condition{Field: b.Field, Operator: b.Operator, Value: b.Value}.Eval(ctx, logger)
}

// looseEqual compares values across the numeric representations JSON
// decoding produces (float64 for all numbers) and falls back to string
// rendering for everything else.
func looseEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// contains handles both substring match on strings and membership in
// slices.
func contains(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		return strings.Contains(h, fmt.Sprint(needle))
	case []any:
		for _, item := range h {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		for _, item := range h {
			if item == fmt.Sprint(needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// inList reports whether val is a member of the list-valued condition
// value.
func inList(val, list any) bool {
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if looseEqual(val, item) {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if looseEqual(val, item) {
				return true
			}
		}
	}
	return false
}
