package docq

import (
	"reflect"
	"strings"
)

// Sentinels standing in for +/- infinity in plan keys. Both are plain
// JSON-serializable values so plans can be handed to a remote storage.
// IndexMin is the most negative safe integer rather than -Inf, which would
// not survive JSON encoding.
const (
	IndexMax         = string(IndexMaxChar)
	IndexMin float64 = -9007199254740991
)

func IsIndexMin(v any) bool {
	if _, isStr := v.(string); isStr {
		return false
	}
	f, ok := numberValue(v)
	return ok && f == IndexMin
}

func IsIndexMax(v any) bool {
	s, ok := v.(string)
	return ok && s == IndexMax
}

func isSentinel(v any) bool {
	return IsIndexMin(v) || IsIndexMax(v)
}

const (
	pointsPerMatchingKey = 10
	pointsPerEqualKey    = 15
	pointsForSortedIndex = 5
)

// QueryPlan tells a storage which index to scan and between which keys.
// StartKeys/EndKeys hold one bound per index field, to be turned into scan
// boundaries with IndexEncoder.LowerBound/UpperBound.
type QueryPlan struct {
	Index                    []string `json:"index"`
	StartKeys                []any    `json:"startKeys"`
	EndKeys                  []any    `json:"endKeys"`
	InclusiveStart           bool     `json:"inclusiveStart"`
	InclusiveEnd             bool     `json:"inclusiveEnd"`
	SortSatisfiedByIndex     bool     `json:"sortSatisfiedByIndex"`
	SelectorSatisfiedByIndex bool     `json:"selectorSatisfiedByIndex"`
	Score                    int      `json:"score"`
}

// PlanQuery picks the best index for q. When q.Index is set, that index is
// used regardless of its score. Among equally scored indexes the one
// declared first wins.
func PlanQuery(scm *Schema, q Query) (*QueryPlan, error) {
	for field := range q.Selector {
		if _, ok := scm.Field(field); !ok {
			return nil, schemaErrf(field, nil, "selector field not in schema")
		}
	}
	for _, sf := range q.Sort {
		if _, ok := scm.Field(sf.Field); !ok {
			return nil, schemaErrf(sf.Field, nil, "sort field not in schema")
		}
	}

	indexes := scm.indexes
	if len(q.Index) > 0 {
		for _, path := range q.Index {
			if _, err := scm.indexField(q.Index, path); err != nil {
				return nil, err
			}
		}
		indexes = [][]string{q.Index}
	}
	if len(indexes) == 0 {
		return nil, ErrNoIndex
	}

	// Fields every matching document has the same value for, like a boolean
	// constrained by $eq, do not affect the order.
	sortIrrelevant := make(map[string]bool)
	for field, m := range q.Selector {
		fs, _ := scm.Field(field)
		if _, ok := m[OpEq]; ok && fs.Type == TypeBoolean {
			sortIrrelevant[field] = true
		}
	}
	sortFields := make([]string, 0, len(q.Sort))
	for _, sf := range q.Sort {
		sortFields = append(sortFields, sf.Field)
	}
	optimalSort := joinRelevant(sortFields, sortIrrelevant)
	hasDescSort := q.hasDescSort()

	var best *QueryPlan
	for _, index := range indexes {
		plan, exact := planForIndex(scm, index, q.Selector)
		plan.SortSatisfiedByIndex = !hasDescSort && optimalSort == joinRelevant(index, sortIrrelevant)
		plan.SelectorSatisfiedByIndex = exact && isSelectorSatisfiedByIndex(index, q.Selector)
		plan.Score = RateQueryPlan(plan)
		if best == nil || plan.Score > best.Score {
			best = plan
		}
	}
	return best, nil
}

func joinRelevant(fields []string, irrelevant map[string]bool) string {
	var buf strings.Builder
	for _, f := range fields {
		if irrelevant[f] {
			continue
		}
		if buf.Len() > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(f)
	}
	return buf.String()
}

// planForIndex computes per-field bounds. Once a field contributes an
// exclusive bound, unconstrained later fields take the opposite sentinel so
// the composed range is never looser than the selector. The second result is
// false when some operand cannot be encoded exactly (out of the declared
// numeric range, more fraction digits than multipleOf, truncated string,
// wrong type), in which case the range is a superset and results must be
// filtered.
func planForIndex(scm *Schema, index []string, sel Selector) (*QueryPlan, bool) {
	plan := &QueryPlan{
		Index:     append([]string(nil), index...),
		StartKeys: make([]any, len(index)),
		EndKeys:   make([]any, len(index)),
	}
	inclusiveStart, inclusiveEnd := true, true
	exact := true

	for i, field := range index {
		fs, _ := scm.Field(field)
		var start, end any
		fieldInclusiveStart, fieldInclusiveEnd := true, true
		// With several operators on one side, the tightest one wins.
		setStart := func(v any, inclusive bool) {
			if start != nil {
				if c, ok := compareComparable(v, start); ok && (c < 0 || (c == 0 && inclusive)) {
					return
				}
			}
			start, fieldInclusiveStart = v, inclusive
		}
		setEnd := func(v any, inclusive bool) {
			if end != nil {
				if c, ok := compareComparable(v, end); ok && (c > 0 || (c == 0 && inclusive)) {
					return
				}
			}
			end, fieldInclusiveEnd = v, inclusive
		}

		for _, op := range sel[field].sortedOps() {
			if !op.logical() {
				continue
			}
			v := sel[field][op]
			if (op == OpGt && belowMinimum(fs, v)) || (op == OpLt && aboveMaximum(fs, v)) {
				continue
			}
			// An operand that is clamped, truncated or rounded down shares
			// its encoding with values on both sides of it, so an exclusive
			// bound on it could drop matches.
			inexact := !encodableExactly(fs, v)
			if inexact {
				exact = false
			}
			switch op {
			case OpEq:
				setStart(v, true)
				setEnd(v, true)
			case OpGte:
				setStart(v, true)
			case OpGt:
				setStart(v, inexact)
			case OpLte:
				setEnd(v, true)
			case OpLt:
				setEnd(v, inexact)
			}
		}

		if start == nil {
			if inclusiveStart {
				start = IndexMin
			} else {
				start = IndexMax
			}
		}
		if end == nil {
			if inclusiveEnd {
				end = IndexMax
			} else {
				end = IndexMin
			}
		}
		inclusiveStart = inclusiveStart && fieldInclusiveStart
		inclusiveEnd = inclusiveEnd && fieldInclusiveEnd

		plan.StartKeys[i] = start
		plan.EndKeys[i] = end
	}
	plan.InclusiveStart = inclusiveStart
	plan.InclusiveEnd = inclusiveEnd
	return plan, exact
}

func encodableExactly(fs *FieldSchema, v any) bool {
	switch fs.Type {
	case TypeString:
		s, ok := v.(string)
		return ok && len([]rune(s)) <= fs.MaxLength
	case TypeBoolean:
		_, ok := v.(bool)
		return ok
	default:
		n, ok := numberValue(v)
		if !ok || n < *fs.Minimum || n > *fs.Maximum {
			return false
		}
		nl := ParseNumericLength(fs)
		return nl.Exact(n)
	}
}

// A $gt below the declared minimum (or $lt above the maximum) matches every
// valid document, so it is dropped instead of being clamped into an
// exclusive bound that would lose the boundary value.
func belowMinimum(fs *FieldSchema, v any) bool {
	if !fs.Type.numeric() {
		return false
	}
	n, ok := numberValue(v)
	return ok && n < *fs.Minimum
}

func aboveMaximum(fs *FieldSchema, v any) bool {
	if !fs.Type.numeric() {
		return false
	}
	n, ok := numberValue(v)
	return ok && n > *fs.Maximum
}

// isSelectorSatisfiedByIndex reports whether scanning the index range alone
// yields exactly the matching documents: every selector field is in the
// index and uses range operators only, the selector fields form a prefix of
// the index, at most one field has a non-equality lower bound and at most
// one a non-equality upper bound, and nothing is constrained after the
// first range field.
func isSelectorSatisfiedByIndex(index []string, sel Selector) bool {
	inIndex := make(map[string]bool, len(index))
	for _, f := range index {
		inIndex[f] = true
	}
	for field, m := range sel {
		if !inIndex[field] {
			return false
		}
		for op := range m {
			if !op.logical() {
				return false
			}
		}
	}

	var seenLowerRange, seenUpperRange, seenRange bool
	for _, field := range index {
		m, ok := sel[field]
		if !ok || len(m) == 0 {
			continue
		}
		if seenRange {
			return false
		}
		_, hasEq := m[OpEq]
		_, hasGt := m[OpGt]
		_, hasGte := m[OpGte]
		_, hasLt := m[OpLt]
		_, hasLte := m[OpLte]
		hasLower := hasEq || hasGt || hasGte
		hasUpper := hasEq || hasLt || hasLte
		if (seenLowerRange && hasLower) || (seenUpperRange && hasUpper) {
			return false
		}
		if hasGt || hasGte {
			seenLowerRange = true
		}
		if hasLt || hasLte {
			seenUpperRange = true
		}
		seenRange = seenLowerRange || seenUpperRange
	}

	remaining := len(sel)
	for _, field := range index {
		if remaining == 0 {
			break
		}
		if _, ok := sel[field]; !ok {
			return false
		}
		remaining--
	}
	return true
}

// RateQueryPlan scores a plan; higher is better. Only the contiguous
// constrained prefix of the index counts.
func RateQueryPlan(plan *QueryPlan) int {
	nonMinKeys := countUntilNot(len(plan.StartKeys), func(i int) bool {
		return !isSentinel(plan.StartKeys[i])
	})
	nonMaxKeys := countUntilNot(len(plan.EndKeys), func(i int) bool {
		return !isSentinel(plan.EndKeys[i])
	})
	equalKeys := countUntilNot(len(plan.StartKeys), func(i int) bool {
		return !isSentinel(plan.StartKeys[i]) && keysEqual(plan.StartKeys[i], plan.EndKeys[i])
	})

	score := nonMinKeys*pointsPerMatchingKey + nonMaxKeys*pointsPerMatchingKey + equalKeys*pointsPerEqualKey
	if plan.SortSatisfiedByIndex {
		score += pointsForSortedIndex
	}
	return score
}

func countUntilNot(n int, f func(i int) bool) int {
	for i := 0; i < n; i++ {
		if !f(i) {
			return i
		}
	}
	return n
}

func keysEqual(a, b any) bool {
	if an, ok := numberValue(a); ok {
		bn, ok := numberValue(b)
		return ok && an == bn
	}
	switch a := a.(type) {
	case string:
		b, ok := b.(string)
		return ok && a == b
	case bool:
		b, ok := b.(bool)
		return ok && a == b
	default:
		return reflect.DeepEqual(a, b)
	}
}
