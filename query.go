package docq

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Operator is a Mango-style field operator.
type Operator string

const (
	OpEq     Operator = "$eq"
	OpNe     Operator = "$ne"
	OpGt     Operator = "$gt"
	OpGte    Operator = "$gte"
	OpLt     Operator = "$lt"
	OpLte    Operator = "$lte"
	OpIn     Operator = "$in"
	OpNin    Operator = "$nin"
	OpExists Operator = "$exists"
	OpRegex  Operator = "$regex"
)

func (op Operator) known() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpNin, OpExists, OpRegex:
		return true
	default:
		return false
	}
}

// Only these operators translate into index ranges.
func (op Operator) logical() bool {
	switch op {
	case OpEq, OpGt, OpGte, OpLt, OpLte:
		return true
	default:
		return false
	}
}

func (op Operator) lowerBound() bool {
	return op == OpEq || op == OpGt || op == OpGte
}

func (op Operator) upperBound() bool {
	return op == OpEq || op == OpLt || op == OpLte
}

// Matcher holds the operators applied to a single field.
type Matcher map[Operator]any

// sortedOps returns the operators in a stable order.
func (m Matcher) sortedOps() []Operator {
	ops := make([]Operator, 0, len(m))
	for op := range m {
		ops = append(ops, op)
	}
	slices.Sort(ops)
	return ops
}

// Selector maps dotted field paths to their matchers. All fields must match.
type Selector map[string]Matcher

// ParseSelector converts a decoded JSON selector. A plain value is shorthand
// for $eq.
func ParseSelector(raw map[string]any) (Selector, error) {
	sel := make(Selector, len(raw))
	for field, val := range raw {
		if strings.HasPrefix(field, "$") {
			return nil, fmt.Errorf("unsupported top-level operator %s", field)
		}
		m, ok := val.(map[string]any)
		if !ok || !isOperatorMap(m) {
			sel[field] = Matcher{OpEq: val}
			continue
		}
		matcher := make(Matcher, len(m))
		for k, v := range m {
			op := Operator(k)
			if !op.known() {
				return nil, fmt.Errorf("unknown operator %s on %s", k, field)
			}
			matcher[op] = v
		}
		sel[field] = matcher
	}
	return sel, nil
}

func isOperatorMap(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func (sel *Selector) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s, err := ParseSelector(raw)
	if err != nil {
		return err
	}
	*sel = s
	return nil
}

// Fields returns the selector's field paths, sorted.
func (sel Selector) Fields() []string {
	fields := make([]string, 0, len(sel))
	for f := range sel {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}

type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

type SortField struct {
	Field     string
	Direction Direction
}

func (sf SortField) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]Direction{sf.Field: sf.Direction})
}

// UnmarshalJSON accepts the {"field": "asc"} form.
func (sf *SortField) UnmarshalJSON(data []byte) error {
	var m map[string]Direction
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if len(m) != 1 {
		return fmt.Errorf("sort entry must have exactly one field: %s", data)
	}
	for f, d := range m {
		if d != Asc && d != Desc {
			return fmt.Errorf("invalid sort direction %q for %s", d, f)
		}
		*sf = SortField{f, d}
	}
	return nil
}

type Query struct {
	Selector Selector    `json:"selector"`
	Sort     []SortField `json:"sort,omitempty"`
	Index    []string    `json:"index,omitempty"`
	Skip     int         `json:"skip,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}

func ParseQuery(data []byte) (Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		return Query{}, fmt.Errorf("query: %w", err)
	}
	if q.Selector == nil {
		q.Selector = Selector{}
	}
	return q, nil
}

func (q Query) hasDescSort() bool {
	for _, sf := range q.Sort {
		if sf.Direction == Desc {
			return true
		}
	}
	return false
}

// NormalizeQuery fills in the defaults a storage expects: an empty selector,
// a sort order (the explicit index fields, or else the primary key), and the
// primary key as the final sort tie-break. The selector comes back compiled,
// see Selector.Compile.
func NormalizeQuery(scm *Schema, q Query) Query {
	n := q
	if n.Selector == nil {
		n.Selector = Selector{}
	}
	n.Selector = n.Selector.Compile()
	n.Sort = slices.Clone(q.Sort)
	if len(n.Sort) == 0 {
		if len(q.Index) > 0 {
			for _, f := range q.Index {
				n.Sort = append(n.Sort, SortField{f, Asc})
			}
		} else {
			n.Sort = []SortField{{scm.PrimaryKey(), Asc}}
		}
	}
	if !slices.ContainsFunc(n.Sort, func(sf SortField) bool { return sf.Field == scm.PrimaryKey() }) {
		n.Sort = append(n.Sort, SortField{scm.PrimaryKey(), Asc})
	}
	if q.Index != nil {
		n.Index = slices.Clone(q.Index)
	}
	return n
}
