package docq

// LowerBound encodes the start of a range scan. Per index field, bounds[i]
// is a concrete value, IndexMin, IndexMax, or nil (absent; so are missing
// trailing elements). An absent lower bound fills with the minimum when
// inclusive and with the maximum when exclusive, so that an exclusive range
// starts after every key sharing the preceding prefix.
func (enc *IndexEncoder) LowerBound(bounds []any, inclusive bool) string {
	buf := make([]byte, 0, enc.width+8)
	return string(enc.appendBound(buf, bounds, inclusive, true))
}

// UpperBound encodes the end of a range scan. An absent upper bound fills
// with the maximum when inclusive and with the minimum when exclusive.
func (enc *IndexEncoder) UpperBound(bounds []any, inclusive bool) string {
	buf := make([]byte, 0, enc.width+8)
	return string(enc.appendBound(buf, bounds, inclusive, false))
}

func (enc *IndexEncoder) appendBound(buf []byte, bounds []any, inclusive, lower bool) []byte {
	for i := range enc.fields {
		f := &enc.fields[i]
		var b any
		if i < len(bounds) {
			b = bounds[i]
		}
		switch {
		case b == nil:
			if lower == inclusive {
				buf = f.appendMinFill(buf)
			} else {
				buf = appendRepeated(buf, IndexMaxChar, f.width)
			}
		case IsIndexMin(b):
			buf = f.appendMinFill(buf)
		case IsIndexMax(b):
			buf = appendRepeated(buf, IndexMaxChar, f.width)
		default:
			buf = f.appendValue(buf, b)
		}
	}
	return buf
}

func (f *indexField) appendMinFill(buf []byte) []byte {
	switch f.schema.Type {
	case TypeString:
		return appendRepeated(buf, indexPadChar, f.width)
	default:
		return appendRepeated(buf, '0', f.width)
	}
}

func (f *indexField) appendValue(buf []byte, v any) []byte {
	switch f.schema.Type {
	case TypeString:
		s, _ := v.(string)
		return appendPadded(buf, s, f.width, indexPadChar)
	case TypeBoolean:
		if b, _ := v.(bool); b {
			return append(buf, '1')
		}
		return append(buf, '0')
	default:
		n, _ := numberValue(v)
		return f.num.appendNumber(buf, n)
	}
}

// LowerBoundString compiles the index and encodes a lower bound. Prefer
// IndexEncoder.LowerBound with a cached encoder on hot paths.
func LowerBoundString(scm *Schema, index []string, bounds []any, inclusive bool) (string, error) {
	enc, err := CompileIndex(scm, index)
	if err != nil {
		return "", err
	}
	return enc.LowerBound(bounds, inclusive), nil
}

// UpperBoundString is the upper-bound counterpart of LowerBoundString.
func UpperBoundString(scm *Schema, index []string, bounds []any, inclusive bool) (string, error) {
	enc, err := CompileIndex(scm, index)
	if err != nil {
		return "", err
	}
	return enc.UpperBound(bounds, inclusive), nil
}
