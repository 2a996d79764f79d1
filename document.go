package docq

import (
	"strings"
)

// Document is a JSON-shaped document. Nested objects are map[string]any
// (or Document), arrays are []any.
type Document map[string]any

type valueGetter func(doc Document) any

// compilePath returns an accessor for a dotted path. Splitting happens once,
// so the accessor is cheap enough for per-write use.
func compilePath(path string) valueGetter {
	if !strings.Contains(path, ".") {
		return func(doc Document) any {
			return doc[path]
		}
	}
	parts := strings.Split(path, ".")
	return func(doc Document) any {
		var cur any = doc
		for _, p := range parts {
			switch m := cur.(type) {
			case Document:
				cur = m[p]
			case map[string]any:
				cur = m[p]
			default:
				return nil
			}
		}
		return cur
	}
}

func (doc Document) Get(path string) any {
	return compilePath(path)(doc)
}

// Set assigns a value at a dotted path, creating intermediate objects.
func (doc Document) Set(path string, value any) {
	parts := strings.Split(path, ".")
	m := map[string]any(doc)
	for _, p := range parts[:len(parts)-1] {
		switch next := m[p].(type) {
		case map[string]any:
			m = next
		case Document:
			m = next
		default:
			child := make(map[string]any)
			m[p] = child
			m = child
		}
	}
	m[parts[len(parts)-1]] = value
}

func (doc Document) StringAt(path string) string {
	s, _ := doc.Get(path).(string)
	return s
}

func (doc Document) Rev() string {
	s, _ := doc[RevisionField].(string)
	return s
}

func (doc Document) Deleted() bool {
	b, _ := doc[DeletedField].(bool)
	return b
}

// Clone returns a deep copy of doc, so that a failing modifier cannot leave
// partial changes in a state that is still in use.
func Clone(doc Document) Document {
	if doc == nil {
		return nil
	}
	return cloneMap(doc)
}

func cloneMap(m map[string]any) map[string]any {
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case Document:
		return Document(cloneMap(v))
	case map[string]any:
		return cloneMap(v)
	case []any:
		c := make([]any, len(v))
		for i, el := range v {
			c[i] = cloneValue(el)
		}
		return c
	case []string:
		return append([]string(nil), v...)
	case []byte:
		return append([]byte(nil), v...)
	default:
		return v
	}
}
