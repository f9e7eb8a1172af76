package filter

import (
	"fmt"
	"sort"
)

// Parse builds an expression from a configuration mapping of field to
// criterion. A scalar criterion is an equality; a mapping may combine the
// operators eq, in, not_in, gt, gte, lt and lte. Nested keys are joined with dots
// when the mapping holds no operators.
func Parse(criteria map[string]any) (Expression, error) {
	var e Expression
	if err := parseInto(&e, "", criteria); err != nil {
		return Expression{}, err
	}
	return e, nil
}

var operators = map[string]bool{
	"eq": true, "in": true, "not_in": true,
	"gt": true, "gte": true, "lt": true, "lte": true,
}

func parseInto(e *Expression, prefix string, criteria map[string]any) error {
	keys := make([]string, 0, len(criteria))
	for k := range criteria {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}

		sub, ok := criteria[k].(map[string]any)
		if !ok {
			cond, err := NewMatch(key, criteria[k])
			if err != nil {
				return err
			}
			e.must = append(e.must, cond)
			continue
		}
		if !hasOperator(sub) {
			if err := parseInto(e, key, sub); err != nil {
				return err
			}
			continue
		}
		if err := parseOperators(e, key, sub); err != nil {
			return err
		}
	}
	return nil
}

func hasOperator(m map[string]any) bool {
	for k := range m {
		if operators[k] {
			return true
		}
	}
	return false
}

func parseOperators(e *Expression, key string, ops map[string]any) error {
	var r Range
	var hasRange bool

	names := make([]string, 0, len(ops))
	for op := range ops {
		names = append(names, op)
	}
	sort.Strings(names)

	for _, op := range names {
		v := ops[op]
		switch op {
		case "eq":
			cond, err := NewMatch(key, v)
			if err != nil {
				return err
			}
			e.must = append(e.must, cond)
		case "in", "not_in":
			list, ok := v.([]any)
			if !ok {
				return fmt.Errorf("%s.%s must be a list", key, op)
			}
			cond, err := NewIn(key, list...)
			if err != nil {
				return err
			}
			if op == "in" {
				e.must = append(e.must, cond)
			} else {
				e.mustNot = append(e.mustNot, cond)
			}
		case "gt", "gte", "lt", "lte":
			n, err := Normalize(v)
			f, ok := n.(float64)
			if err != nil || !ok {
				return fmt.Errorf("%s.%s must be a number", key, op)
			}
			hasRange = true
			switch op {
			case "gt":
				r.gt = &f
			case "gte":
				r.gte = &f
			case "lt":
				r.lt = &f
			case "lte":
				r.lte = &f
			}
		default:
			return fmt.Errorf("unknown operator %q for %s", op, key)
		}
	}

	if hasRange {
		checked, err := NewRangeFilter(r.gt, r.gte, r.lt, r.lte)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		e.must = append(e.must, Condition{key: key, kind: KindRange, rangeExpr: &checked})
	}
	return nil
}
