package docq

import (
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
)

const (
	RevisionField = "_rev"
	DeletedField  = "_deleted"
)

type FieldType string

const (
	TypeString  FieldType = "string"
	TypeBoolean FieldType = "boolean"
	TypeNumber  FieldType = "number"
	TypeInteger FieldType = "integer"
	TypeObject  FieldType = "object"
	TypeArray   FieldType = "array"
)

func (t FieldType) indexable() bool {
	switch t {
	case TypeString, TypeBoolean, TypeNumber, TypeInteger:
		return true
	default:
		return false
	}
}

func (t FieldType) numeric() bool {
	return t == TypeNumber || t == TypeInteger
}

// UnmarshalJSON accepts both "string" and ["string", "null"] forms.
func (t *FieldType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = FieldType(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("invalid type %s", data)
	}
	for _, s := range list {
		if s != "null" {
			*t = FieldType(s)
			return nil
		}
	}
	*t = ""
	return nil
}

// SchemaDef is the JSON form of a collection schema.
type SchemaDef struct {
	Version    int                     `json:"version"`
	PrimaryKey string                  `json:"primaryKey"`
	Type       FieldType               `json:"type,omitempty"`
	Properties map[string]*PropertyDef `json:"properties"`
	Required   []string                `json:"required,omitempty"`
	Indexes    []IndexDef              `json:"indexes,omitempty"`
}

type PropertyDef struct {
	Type       FieldType               `json:"type,omitempty"`
	MaxLength  *int                    `json:"maxLength,omitempty"`
	Minimum    *float64                `json:"minimum,omitempty"`
	Maximum    *float64                `json:"maximum,omitempty"`
	MultipleOf *float64                `json:"multipleOf,omitempty"`
	Properties map[string]*PropertyDef `json:"properties,omitempty"`
	Required   []string                `json:"required,omitempty"`
}

// IndexDef is a declared index: an ordered list of dotted field paths.
type IndexDef []string

// UnmarshalJSON accepts "field" as a shorthand for ["field"].
func (idx *IndexDef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*idx = IndexDef{s}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("invalid index %s", data)
	}
	*idx = IndexDef(list)
	return nil
}

// FieldSchema is the resolved descriptor of a single (possibly nested) field.
type FieldSchema struct {
	Path       string
	Type       FieldType
	MaxLength  int
	Minimum    *float64
	Maximum    *float64
	MultipleOf *float64
}

// Schema is an immutable, normalized collection schema. It is safe for
// concurrent use.
type Schema struct {
	primaryKey string
	indexes    [][]string
	fields     map[string]*FieldSchema
	def        *SchemaDef
}

func ParseSchema(data []byte) (*Schema, error) {
	var def SchemaDef
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}
	return NewSchema(&def)
}

func MustParseSchema(data string) *Schema {
	return must(ParseSchema([]byte(data)))
}

// NewSchema normalizes def and validates that the primary key and every
// declared index resolve to indexable fields.
//
// Normalization adds the _rev and _deleted properties, appends the primary
// key to every index that does not already end with it (so ["id","name"]
// becomes ["id","name","id"]), drops duplicate indexes, and adds the
// primary key index when no declared index starts with the primary key.
func NewSchema(def *SchemaDef) (*Schema, error) {
	if def.PrimaryKey == "" {
		return nil, schemaErrf("", nil, "primaryKey is required")
	}
	def = normalizeSchemaDef(def)

	scm := &Schema{
		primaryKey: def.PrimaryKey,
		fields:     make(map[string]*FieldSchema),
		def:        def,
	}
	collectFields(scm.fields, "", def.Properties)

	pk := scm.fields[def.PrimaryKey]
	if pk == nil {
		return nil, schemaErrf(def.PrimaryKey, nil, "primary key is not a declared property")
	}
	if pk.Type != TypeString || pk.MaxLength <= 0 {
		return nil, schemaErrf(def.PrimaryKey, nil, "primary key must be a string with maxLength")
	}

	seen := make(map[string]bool)
	startsWithPK := false
	for _, decl := range def.Indexes {
		index := slices.Clone([]string(decl))
		index = withTrailingPK(index, def.PrimaryKey)
		key := strings.Join(index, ",")
		if seen[key] {
			continue
		}
		seen[key] = true
		for _, path := range index {
			if _, err := scm.indexField(index, path); err != nil {
				return nil, err
			}
		}
		if index[0] == def.PrimaryKey {
			startsWithPK = true
		}
		scm.indexes = append(scm.indexes, index)
	}
	if !startsWithPK {
		scm.indexes = append(scm.indexes, []string{def.PrimaryKey})
	}
	return scm, nil
}

// withTrailingPK returns index ending with pk. Index keys carry the primary
// key in their last characters.
func withTrailingPK(index []string, pk string) []string {
	if len(index) > 0 && index[len(index)-1] == pk {
		return index
	}
	return append(slices.Clip(index), pk)
}

func normalizeSchemaDef(def *SchemaDef) *SchemaDef {
	n := *def
	n.Type = TypeObject
	n.Properties = make(map[string]*PropertyDef, len(def.Properties)+2)
	for k, v := range def.Properties {
		n.Properties[k] = v
	}
	if n.Properties[RevisionField] == nil {
		n.Properties[RevisionField] = &PropertyDef{Type: TypeString}
	}
	if n.Properties[DeletedField] == nil {
		n.Properties[DeletedField] = &PropertyDef{Type: TypeBoolean}
	}
	if !slices.Contains(n.Required, def.PrimaryKey) {
		n.Required = append(slices.Clone(n.Required), def.PrimaryKey)
	}
	return &n
}

func collectFields(dst map[string]*FieldSchema, prefix string, props map[string]*PropertyDef) {
	for name, p := range props {
		if p == nil {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		fs := &FieldSchema{
			Path:       path,
			Type:       p.Type,
			Minimum:    p.Minimum,
			Maximum:    p.Maximum,
			MultipleOf: p.MultipleOf,
		}
		if p.MaxLength != nil {
			fs.MaxLength = *p.MaxLength
		}
		dst[path] = fs
		if len(p.Properties) > 0 {
			collectFields(dst, path, p.Properties)
		}
	}
}

func (scm *Schema) PrimaryKey() string {
	return scm.primaryKey
}

// Indexes returns the normalized indexes in declaration order.
func (scm *Schema) Indexes() [][]string {
	result := make([][]string, len(scm.indexes))
	for i, index := range scm.indexes {
		result[i] = slices.Clone(index)
	}
	return result
}

// Field resolves a dotted path like "address.zip" to its descriptor.
func (scm *Schema) Field(path string) (*FieldSchema, bool) {
	fs, ok := scm.fields[path]
	return fs, ok
}

// FieldPaths lists every resolvable path, sorted.
func (scm *Schema) FieldPaths() []string {
	paths := make([]string, 0, len(scm.fields))
	for p := range scm.fields {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// PrimaryKeyWidth is the width, in characters, of the trailing primary key
// component of every indexable string.
func (scm *Schema) PrimaryKeyWidth() int {
	return scm.fields[scm.primaryKey].MaxLength
}

// Def returns the normalized definition. Callers must not modify it.
func (scm *Schema) Def() *SchemaDef {
	return scm.def
}

func (scm *Schema) indexField(index []string, path string) (*FieldSchema, error) {
	fs, ok := scm.fields[path]
	if !ok {
		return nil, schemaErrf(path, index, "not in schema")
	}
	if !fs.Type.indexable() {
		return nil, schemaErrf(path, index, "type %q cannot be indexed", fs.Type)
	}
	switch {
	case fs.Type == TypeString:
		if fs.MaxLength <= 0 {
			return nil, schemaErrf(path, index, "indexed string needs maxLength")
		}
	case fs.Type.numeric():
		if fs.Minimum == nil || fs.Maximum == nil || fs.MultipleOf == nil {
			return nil, schemaErrf(path, index, "indexed number needs minimum, maximum and multipleOf")
		}
		if *fs.MultipleOf <= 0 || *fs.Maximum < *fs.Minimum {
			return nil, schemaErrf(path, index, "invalid numeric range")
		}
	}
	return fs, nil
}
