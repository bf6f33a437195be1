package query

import (
	"fmt"
	"strings"

	"github.com/asaidimu/go-fhirstore/core/schema"
)

// Matches evaluates a filter against a document. A nil filter matches every
// document. Unknown operators and malformed filters return an error rather
// than silently excluding documents.
func Matches(doc schema.Document, filter *QueryFilter) (bool, error) {
	if filter == nil {
		return true, nil
	}

	switch {
	case filter.Condition != nil:
		return matchCondition(doc, filter.Condition)
	case filter.Group != nil:
		return matchGroup(doc, filter.Group)
	default:
		return false, fmt.Errorf("filter has neither condition nor group")
	}
}

func matchGroup(doc schema.Document, g *FilterGroup) (bool, error) {
	switch g.Operator {
	case LogicalAnd:
		for i := range g.Conditions {
			ok, err := Matches(doc, &g.Conditions[i])
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case LogicalOr:
		for i := range g.Conditions {
			ok, err := Matches(doc, &g.Conditions[i])
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case LogicalNot:
		if len(g.Conditions) != 1 {
			return false, fmt.Errorf("not group requires exactly one condition, got %d", len(g.Conditions))
		}
		ok, err := Matches(doc, &g.Conditions[0])
		if err != nil {
			return false, err
		}
		return !ok, nil
	default:
		return false, fmt.Errorf("unsupported logical operator %q", g.Operator)
	}
}

func matchCondition(doc schema.Document, c *FilterCondition) (bool, error) {
	values, found := lookup(doc, strings.Split(c.Field, "."))

	switch c.Operator {
	case ComparisonOperatorExists:
		return found, nil
	case ComparisonOperatorNotExists:
		return !found, nil
	}

	if !found {
		return false, nil
	}

	// A path through an array yields several candidate values; the condition
	// holds if any of them satisfies it, except for negative operators which
	// must hold for all.
	negative := c.Operator == ComparisonOperatorNeq || c.Operator == ComparisonOperatorNin
	for _, v := range values {
		ok, err := compare(v, c.Operator, c.Value)
		if err != nil {
			return false, err
		}
		if negative && !ok {
			return false, nil
		}
		if !negative && ok {
			return true, nil
		}
	}
	return negative, nil
}

// lookup walks a dot path through nested maps, fanning out over arrays.
func lookup(value any, path []string) ([]any, bool) {
	if len(path) == 0 {
		if items, ok := value.([]any); ok {
			return items, len(items) > 0
		}
		return []any{value}, true
	}

	switch v := value.(type) {
	case map[string]any:
		child, ok := v[path[0]]
		if !ok {
			return nil, false
		}
		return lookup(child, path[1:])
	case schema.Document:
		child, ok := v[path[0]]
		if !ok {
			return nil, false
		}
		return lookup(child, path[1:])
	case []any:
		var out []any
		for _, item := range v {
			if vals, ok := lookup(item, path); ok {
				out = append(out, vals...)
			}
		}
		return out, len(out) > 0
	default:
		return nil, false
	}
}

func compare(actual any, op ComparisonOperator, expected FilterValue) (bool, error) {
	switch op {
	case ComparisonOperatorEq:
		return equal(actual, expected), nil
	case ComparisonOperatorNeq:
		return !equal(actual, expected), nil
	case ComparisonOperatorLt, ComparisonOperatorLte, ComparisonOperatorGt, ComparisonOperatorGte:
		return ordered(actual, op, expected)
	case ComparisonOperatorIn, ComparisonOperatorNin:
		items, err := valueList(expected)
		if err != nil {
			return false, err
		}
		contains := false
		for _, item := range items {
			if equal(actual, item) {
				contains = true
				break
			}
		}
		if op == ComparisonOperatorIn {
			return contains, nil
		}
		return !contains, nil
	default:
		return false, fmt.Errorf("unsupported comparison operator %q", op)
	}
}

func valueList(v FilterValue) ([]any, error) {
	switch items := v.(type) {
	case []any:
		return items, nil
	case []FilterValue:
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("in/nin requires a list value, got %T", v)
	}
}

// equal compares scalars with numeric widening, so 30 and 30.0 and int64(30)
// are the same value regardless of which decoder produced them.
func equal(a, b any) bool {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
		return false
	}
	return a == b
}

func ordered(actual any, op ComparisonOperator, expected FilterValue) (bool, error) {
	if af, aok := asFloat(actual); aok {
		bf, bok := asFloat(expected)
		if !bok {
			return false, nil
		}
		switch op {
		case ComparisonOperatorLt:
			return af < bf, nil
		case ComparisonOperatorLte:
			return af <= bf, nil
		case ComparisonOperatorGt:
			return af > bf, nil
		default:
			return af >= bf, nil
		}
	}

	as, aok := actual.(string)
	bs, bok := expected.(string)
	if !aok || !bok {
		return false, nil
	}
	switch op {
	case ComparisonOperatorLt:
		return as < bs, nil
	case ComparisonOperatorLte:
		return as <= bs, nil
	case ComparisonOperatorGt:
		return as > bs, nil
	default:
		return as >= bs, nil
	}
}

func asFloat(v any) (float64, bool) {
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
	default:
		return 0, false
	}
}
