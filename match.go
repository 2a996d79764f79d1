package docq

import (
	"cmp"
	"reflect"
	"regexp"
	"strings"
)

// Matches reports whether doc satisfies every field matcher. It is used when
// a query plan cannot satisfy the selector with the index range alone.
func (sel Selector) Matches(doc Document) bool {
	for field, m := range sel {
		if !m.matches(doc.Get(field)) {
			return false
		}
	}
	return true
}

// Compile returns sel with $regex patterns compiled and $in/$nin operands
// converted to []any, so that matching a document does no per-call setup.
// Matchers that need no conversion are shared with sel. An invalid pattern
// compiles to a nil *regexp.Regexp, which matches nothing.
func (sel Selector) Compile() Selector {
	var result Selector
	for field, m := range sel {
		cm := m.compile()
		if cm == nil {
			continue
		}
		if result == nil {
			result = make(Selector, len(sel))
			for f, m := range sel {
				result[f] = m
			}
		}
		result[field] = cm
	}
	if result == nil {
		return sel
	}
	return result
}

// compile returns nil when m is already in matching form.
func (m Matcher) compile() Matcher {
	var result Matcher
	set := func(op Operator, v any) {
		if result == nil {
			result = make(Matcher, len(m))
			for op, v := range m {
				result[op] = v
			}
		}
		result[op] = v
	}
	for op, operand := range m {
		switch op {
		case OpRegex:
			if pattern, ok := operand.(string); ok {
				re, _ := regexp.Compile(pattern)
				set(op, re)
			}
		case OpIn, OpNin:
			if _, ok := operand.([]any); !ok {
				list, _ := anySlice(operand)
				set(op, list)
			}
		}
	}
	return result
}

// anySlice converts any slice or array to []any.
func anySlice(v any) ([]any, bool) {
	if list, ok := v.([]any); ok {
		return list, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	list := make([]any, rv.Len())
	for i := range list {
		list[i] = rv.Index(i).Interface()
	}
	return list, true
}

func (m Matcher) matches(v any) bool {
	for op, operand := range m {
		if !matchOp(op, v, operand) {
			return false
		}
	}
	return true
}

func matchOp(op Operator, v, operand any) bool {
	switch op {
	case OpEq:
		return valuesEqual(v, operand)
	case OpNe:
		return !valuesEqual(v, operand)
	case OpGt, OpGte, OpLt, OpLte:
		c, ok := compareComparable(v, operand)
		if !ok {
			return false
		}
		switch op {
		case OpGt:
			return c > 0
		case OpGte:
			return c >= 0
		case OpLt:
			return c < 0
		default:
			return c <= 0
		}
	case OpIn, OpNin:
		list, _ := anySlice(operand)
		found := false
		for _, el := range list {
			if valuesEqual(v, el) {
				found = true
				break
			}
		}
		return found == (op == OpIn)
	case OpExists:
		want, _ := operand.(bool)
		return (v != nil) == want
	case OpRegex:
		s, isStr := v.(string)
		if !isStr {
			return false
		}
		switch pattern := operand.(type) {
		case *regexp.Regexp:
			return pattern != nil && pattern.MatchString(s)
		case string:
			re, err := regexp.Compile(pattern)
			return err == nil && re.MatchString(s)
		default:
			return false
		}
	default:
		return false
	}
}

func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	c, ok := compareComparable(a, b)
	return ok && c == 0
}

// compareComparable compares two values of the same kind (numbers, strings,
// booleans). Values of different kinds are not comparable.
func compareComparable(a, b any) (int, bool) {
	if an, ok := numberValue(a); ok {
		bn, ok := numberValue(b)
		if !ok {
			return 0, false
		}
		return cmp.Compare(an, bn), true
	}
	switch a := a.(type) {
	case string:
		b, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(a, b), true
	case bool:
		b, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp.Compare(boolRank(a), boolRank(b)), true
	default:
		return 0, false
	}
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

// typeRank orders values of different kinds: missing < boolean < number < string < other.
func typeRank(v any) int {
	if v == nil {
		return 0
	}
	if _, ok := numberValue(v); ok {
		return 2
	}
	switch v.(type) {
	case bool:
		return 1
	case string:
		return 3
	default:
		return 4
	}
}

func compareValues(a, b any) int {
	ra, rb := typeRank(a), typeRank(b)
	if ra != rb {
		return cmp.Compare(ra, rb)
	}
	c, _ := compareComparable(a, b)
	return c
}

// SortComparator returns a comparison function for sort, suitable for
// slices.SortFunc. Used when the plan's index order does not satisfy it.
func SortComparator(sort []SortField) func(a, b Document) int {
	getters := make([]valueGetter, len(sort))
	for i, sf := range sort {
		getters[i] = compilePath(sf.Field)
	}
	return func(a, b Document) int {
		for i, sf := range sort {
			c := compareValues(getters[i](a), getters[i](b))
			if c != 0 {
				if sf.Direction == Desc {
					return -c
				}
				return c
			}
		}
		return 0
	}
}
