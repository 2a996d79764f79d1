package docq

import (
	"encoding/json"
	"reflect"
	"regexp"
	"slices"
	"testing"
)

func TestParseQuery(t *testing.T) {
	q := must(ParseQuery([]byte(`{
		"selector": {"name": "bob", "age": {"$gte": 18, "$lt": 65}, "address": {"zip": "123"}},
		"sort": [{"age": "desc"}, {"name": "asc"}],
		"skip": 2,
		"limit": 10
	}`)))
	deepEqual(t, q.Selector["name"], Matcher{OpEq: "bob"})
	deepEqual(t, q.Selector["age"], Matcher{OpGte: float64(18), OpLt: float64(65)})
	// A plain object without operators is an equality on the whole object.
	deepEqual(t, q.Selector["address"], Matcher{OpEq: map[string]any{"zip": "123"}})
	deepEqual(t, q.Sort, []SortField{{"age", Desc}, {"name", Asc}})
	deepEqual(t, q.Skip, 2)
	deepEqual(t, q.Limit, 10)
	deepEqual(t, q.Selector.Fields(), []string{"address", "age", "name"})

	q = must(ParseQuery([]byte(`{}`)))
	deepEqual(t, q.Selector, Selector{})
}

func TestParseQueryErrors(t *testing.T) {
	for _, s := range []string{
		`{"selector": {"$or": []}}`,
		`{"selector": {"a": {"$near": 5}}}`,
		`{"sort": [{"a": "up"}]}`,
		`{"sort": [{"a": "asc", "b": "asc"}]}`,
		`{"selector": 5}`,
	} {
		if _, err := ParseQuery([]byte(s)); err == nil {
			t.Errorf("** ParseQuery(%s) succeeded, wanted error", s)
		}
	}
}

func TestSortFieldJSON(t *testing.T) {
	data := must(json.Marshal([]SortField{{"a", Asc}, {"b", Desc}}))
	deepEqual(t, string(data), `[{"a":"asc"},{"b":"desc"}]`)
}

func TestNormalizeQuery(t *testing.T) {
	tests := []struct {
		name string
		q    Query
		exp  []SortField
	}{
		{"empty sort", Query{}, []SortField{{"id", Asc}}},
		{"explicit index", Query{Index: []string{"age"}}, []SortField{{"age", Asc}, {"id", Asc}}},
		{"sort without pk", Query{Sort: []SortField{{"age", Desc}}}, []SortField{{"age", Desc}, {"id", Asc}}},
		{"sort with pk", Query{Sort: []SortField{{"id", Desc}, {"age", Asc}}}, []SortField{{"id", Desc}, {"age", Asc}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NormalizeQuery(encSchema, tt.q)
			deepEqual(t, n.Sort, tt.exp)
			if n.Selector == nil {
				t.Errorf("** Selector is nil")
			}
		})
	}

	orig := Query{Sort: []SortField{{"age", Asc}}}
	NormalizeQuery(encSchema, orig)
	deepEqual(t, len(orig.Sort), 1)
}

func TestSelectorMatches(t *testing.T) {
	doc := Document{
		"id":      "a",
		"name":    "bob",
		"age":     int64(30),
		"active":  true,
		"address": map[string]any{"zip": "123"},
	}
	tests := []struct {
		sel string
		exp bool
	}{
		{`{}`, true},
		{`{"name": "bob"}`, true},
		{`{"name": "alice"}`, false},
		{`{"age": 30}`, true},
		{`{"age": {"$gt": 29, "$lte": 30}}`, true},
		{`{"age": {"$gt": 30}}`, false},
		{`{"age": {"$lt": "x"}}`, false},
		{`{"age": {"$ne": 31}}`, true},
		{`{"age": {"$in": [1, 30]}}`, true},
		{`{"age": {"$nin": [1, 30]}}`, false},
		{`{"nickname": {"$exists": false}}`, true},
		{`{"name": {"$exists": true}}`, true},
		{`{"name": {"$regex": "^b.b$"}}`, true},
		{`{"age": {"$regex": "3"}}`, false},
		{`{"address.zip": "123"}`, true},
		{`{"address.zip": {"$gte": "200"}}`, false},
		{`{"active": true, "name": "bob"}`, true},
		{`{"active": false}`, false},
		{`{"nickname": null}`, true},
	}
	for _, tt := range tests {
		var sel Selector
		ensure(json.Unmarshal([]byte(tt.sel), &sel))
		if a := sel.Matches(doc); a != tt.exp {
			t.Errorf("** %s matches = %v, wanted %v", tt.sel, a, tt.exp)
		}
	}
}

func TestSelectorMatchesGoSlices(t *testing.T) {
	doc := Document{"id": "x", "name": "bob", "age": 30}
	tests := []struct {
		name string
		sel  Selector
		exp  bool
	}{
		{"strings in", Selector{"name": {OpIn: []string{"alice", "bob"}}}, true},
		{"strings nin", Selector{"name": {OpNin: []string{"bob"}}}, false},
		{"ints in", Selector{"age": {OpIn: []int{1, 30}}}, true},
		{"ints nin", Selector{"age": {OpNin: []int{1, 2}}}, true},
		{"floats in", Selector{"age": {OpIn: []float64{30}}}, true},
		{"array in", Selector{"name": {OpIn: [2]string{"bob", "eve"}}}, true},
		{"scalar in", Selector{"name": {OpIn: "bob"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if a := tt.sel.Matches(doc); a != tt.exp {
				t.Errorf("** Matches = %v, wanted %v", a, tt.exp)
			}
			if a := tt.sel.Compile().Matches(doc); a != tt.exp {
				t.Errorf("** compiled Matches = %v, wanted %v", a, tt.exp)
			}
		})
	}
}

func TestSelectorCompile(t *testing.T) {
	sel := Selector{
		"name": {OpRegex: "^b.b$", OpExists: true},
		"age":  {OpIn: []int{30}},
		"id":   {OpEq: "x"},
		"bad":  {OpRegex: "("},
	}
	compiled := NormalizeQuery(encSchema, Query{Selector: sel}).Selector

	re, ok := compiled["name"][OpRegex].(*regexp.Regexp)
	if !ok || re.String() != "^b.b$" {
		t.Fatalf("** $regex operand = %#v, wanted compiled ^b.b$", compiled["name"][OpRegex])
	}
	deepEqual(t, compiled["name"][OpExists], any(true))
	deepEqual(t, compiled["age"][OpIn], any([]any{30}))
	deepEqual(t, compiled["bad"][OpRegex], any((*regexp.Regexp)(nil)))

	// The caller's selector is left alone.
	deepEqual(t, sel["name"][OpRegex], any("^b.b$"))
	deepEqual(t, sel["age"][OpIn], any([]int{30}))

	doc := Document{"id": "x", "name": "bob", "age": 30, "bad": "("}
	deepEqual(t, compiled.Matches(doc), false)
	delete(compiled, "bad")
	deepEqual(t, compiled.Matches(doc), true)
	deepEqual(t, compiled.Matches(Document{"id": "x", "name": "bab", "age": 31}), false)

	plain := Selector{"id": {OpEq: "x"}}
	deepEqual(t, reflect.ValueOf(plain.Compile()).Pointer(), reflect.ValueOf(plain).Pointer())
}

func TestSortComparator(t *testing.T) {
	docs := []Document{
		{"id": "c", "age": 30},
		{"id": "a", "age": 30.0},
		{"id": "b"},
		{"id": "d", "age": "old"},
		{"id": "e", "age": int64(12)},
	}
	slices.SortStableFunc(docs, SortComparator([]SortField{{"age", Desc}, {"id", Asc}}))
	var ids []string
	for _, d := range docs {
		ids = append(ids, d.StringAt("id"))
	}
	// Strings sort after numbers, missing values first.
	deepEqual(t, ids, []string{"d", "a", "c", "e", "b"})
}
