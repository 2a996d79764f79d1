package docq

import (
	"strings"
	"unicode/utf8"
)

const (
	// indexPadChar pads strings and is the minimum fill of string bounds.
	// Primary keys must not start or end with it.
	indexPadChar = ' '

	// IndexMaxChar is the maximum-order filler used by bound strings. It
	// sorts after every character an indexed value is expected to contain.
	IndexMaxChar = '\uffff'
)

// indexField is one precompiled component of an index: how to read the value
// from a document and how wide its encoding is.
type indexField struct {
	schema *FieldSchema
	get    valueGetter
	num    NumericLength // only for number/integer fields
	width  int
}

// IndexEncoder maps documents to fixed-width, order-preserving indexable
// strings for one index. It is immutable and safe for concurrent use.
//
// For documents A and B, IndexableString(A) < IndexableString(B) exactly when
// A sorts before B comparing the index fields in order, ascending. With the
// primary key as the last component the strings are unique per document.
type IndexEncoder struct {
	index  []string
	fields []indexField
	width  int
}

// CompileIndex precomputes accessors and widths for index. Every field must
// resolve in the schema to an indexable type.
func CompileIndex(scm *Schema, index []string) (*IndexEncoder, error) {
	enc := &IndexEncoder{
		index:  append([]string(nil), index...),
		fields: make([]indexField, len(index)),
	}
	for i, path := range index {
		fs, err := scm.indexField(index, path)
		if err != nil {
			return nil, err
		}
		f := indexField{
			schema: fs,
			get:    compilePath(path),
		}
		switch fs.Type {
		case TypeString:
			f.width = fs.MaxLength
		case TypeBoolean:
			f.width = 1
		default:
			f.num = ParseNumericLength(fs)
			f.width = f.num.Width()
		}
		enc.fields[i] = f
		enc.width += f.width
	}
	return enc, nil
}

func (enc *IndexEncoder) Index() []string {
	return append([]string(nil), enc.index...)
}

// Width is the length, in characters, of every string this encoder produces.
func (enc *IndexEncoder) Width() int {
	return enc.width
}

// IndexableString encodes doc.
func (enc *IndexEncoder) IndexableString(doc Document) string {
	buf := make([]byte, 0, enc.width+8)
	return string(enc.AppendKey(buf, doc))
}

// AppendKey appends the indexable string of doc to buf. It does not allocate
// when buf has enough capacity and indexed strings are ASCII.
func (enc *IndexEncoder) AppendKey(buf []byte, doc Document) []byte {
	for i := range enc.fields {
		f := &enc.fields[i]
		v := f.get(doc)
		switch f.schema.Type {
		case TypeString:
			s, _ := v.(string)
			buf = appendPadded(buf, s, f.width, indexPadChar)
		case TypeBoolean:
			if b, _ := v.(bool); b {
				buf = append(buf, '1')
			} else {
				buf = append(buf, '0')
			}
		default:
			n, _ := numberValue(v)
			buf = f.num.appendNumber(buf, n)
		}
	}
	return buf
}

// appendPadded appends s truncated or right-padded to exactly width characters.
func appendPadded(buf []byte, s string, width int, pad rune) []byte {
	n := 0
	for i := range s {
		if n == width {
			s = s[:i]
			break
		}
		n++
	}
	buf = append(buf, s...)
	return appendRepeated(buf, pad, width-n)
}

func appendRepeated(buf []byte, r rune, n int) []byte {
	for i := 0; i < n; i++ {
		buf = utf8.AppendRune(buf, r)
	}
	return buf
}

// PrimaryKeyFromIndexableString recovers the primary key from the trailing
// pkWidth characters of an indexable string.
func PrimaryKeyFromIndexableString(s string, pkWidth int) string {
	i := len(s)
	for n := 0; n < pkWidth && i > 0; n++ {
		_, size := utf8.DecodeLastRuneInString(s[:i])
		i -= size
	}
	return strings.Trim(s[i:], string(indexPadChar))
}
