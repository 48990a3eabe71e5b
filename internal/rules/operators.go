package rules

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Operator compares a resolved context value with a configured value.
type Operator string

const (
	OpEquals      Operator = "="
	OpNotEquals   Operator = "!="
	OpGreater     Operator = ">"
	OpGreaterEq   Operator = ">="
	OpLess        Operator = "<"
	OpLessEq      Operator = "<="
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpStartsWith  Operator = "starts_with"
	OpEndsWith    Operator = "ends_with"
	OpLike        Operator = "like"
	OpNotLike     Operator = "not_like"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpExists      Operator = "exists"
	OpNotExists   Operator = "not_exists"
)

var operatorAliases = map[string]Operator{
	"==":        OpEquals,
	"eq":        OpEquals,
	"equals":    OpEquals,
	"ne":        OpNotEquals,
	"<>":        OpNotEquals,
	"gt":        OpGreater,
	"gte":       OpGreaterEq,
	"lt":        OpLess,
	"lte":       OpLessEq,
	"glob":      OpLike,
	"match":     OpLike,
	"not_match": OpNotLike,
}

// ParseOperator normalizes an operator name, falling back to def when raw is
// empty.
func ParseOperator(raw string, def Operator) (Operator, error) {
	trimmed := strings.ToLower(strings.TrimSpace(raw))
	if trimmed == "" {
		return def, nil
	}
	if alias, ok := operatorAliases[trimmed]; ok {
		return alias, nil
	}
	op := Operator(trimmed)
	switch op {
	case OpEquals, OpNotEquals, OpGreater, OpGreaterEq, OpLess, OpLessEq,
		OpContains, OpNotContains, OpStartsWith, OpEndsWith, OpLike, OpNotLike,
		OpIn, OpNotIn, OpExists, OpNotExists:
		return op, nil
	}
	return "", fmt.Errorf("rules: unknown operator %q", raw)
}

// negation maps each negative operator to its positive counterpart.
var negation = map[Operator]Operator{
	OpNotEquals:   OpEquals,
	OpNotContains: OpContains,
	OpNotLike:     OpLike,
	OpNotIn:       OpIn,
}

// Compare applies op. present reports whether actual resolved at all; a value
// that is absent never satisfies a positive comparison. A list on the expected
// side matches when any element matches.
func Compare(op Operator, actual any, present bool, expected any) (bool, error) {
	switch op {
	case OpExists:
		return present, nil
	case OpNotExists:
		return !present, nil
	}
	if positive, ok := negation[op]; ok {
		matched, err := Compare(positive, actual, present, expected)
		if err != nil {
			return false, err
		}
		return !matched, nil
	}
	if !present {
		return false, nil
	}

	if op == OpIn {
		op = OpEquals
		if list, ok := expected.(string); ok {
			expected = splitList(list)
		}
	}
	candidates := toList(expected)
	if op == OpContains {
		if items, ok := actualList(actual); ok {
			for _, want := range candidates {
				for _, item := range items {
					if Stringify(item) == Stringify(want) {
						return true, nil
					}
				}
			}
			return false, nil
		}
	}
	for _, want := range candidates {
		matched, err := compareOne(op, actual, want)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func compareOne(op Operator, actual, expected any) (bool, error) {
	switch op {
	case OpEquals:
		if b, ok := expected.(bool); ok {
			return Truthy(actual) == b, nil
		}
		if a, ok := toFloat(actual); ok {
			if e, ok := toFloat(expected); ok {
				return a == e, nil
			}
		}
		return Stringify(actual) == Stringify(expected), nil
	case OpGreater, OpGreaterEq, OpLess, OpLessEq:
		a, ok := toFloat(actual)
		if !ok {
			return false, fmt.Errorf("rules: %q is not numeric", Stringify(actual))
		}
		e, ok := toFloat(expected)
		if !ok {
			return false, fmt.Errorf("rules: %q is not numeric", Stringify(expected))
		}
		switch op {
		case OpGreater:
			return a > e, nil
		case OpGreaterEq:
			return a >= e, nil
		case OpLess:
			return a < e, nil
		default:
			return a <= e, nil
		}
	case OpContains:
		return strings.Contains(Stringify(actual), Stringify(expected)), nil
	case OpStartsWith:
		return strings.HasPrefix(Stringify(actual), Stringify(expected)), nil
	case OpEndsWith:
		return strings.HasSuffix(Stringify(actual), Stringify(expected)), nil
	case OpLike:
		g, err := compileGlob(Stringify(expected))
		if err != nil {
			return false, err
		}
		return g.Match(Stringify(actual)), nil
	}
	return false, fmt.Errorf("rules: unsupported operator %q", op)
}

var globCache sync.Map

func compileGlob(pattern string) (glob.Glob, error) {
	if cached, ok := globCache.Load(pattern); ok {
		return cached.(glob.Glob), nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("rules: invalid pattern %q: %w", pattern, err)
	}
	globCache.Store(pattern, g)
	return g, nil
}

func toList(v any) []any {
	switch val := v.(type) {
	case []any:
		return val
	case []string:
		out := make([]any, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	}
	return []any{v}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func actualList(v any) ([]any, bool) {
	switch val := v.(type) {
	case []any:
		return val, true
	case []string:
		return toList(val), true
	}
	return nil, false
}

func toFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint64:
		return float64(val), true
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	}
	return 0, false
}
