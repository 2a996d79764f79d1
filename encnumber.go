package docq

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// maxIndexDecimals keeps the fractional part representable as uint64.
const maxIndexDecimals = 18

// NumericLength fixes the width of a numeric field inside an indexable
// string, derived from the field's minimum, maximum and multipleOf.
type NumericLength struct {
	Minimum        float64
	Maximum        float64
	NonDecimals    int
	Decimals       int
	RoundedMinimum int64
}

func ParseNumericLength(fs *FieldSchema) NumericLength {
	minimum := math.Floor(*fs.Minimum)
	maximum := math.Ceil(*fs.Maximum)
	span := uint64(maximum - minimum)

	var decimals int
	step := strconv.FormatFloat(*fs.MultipleOf, 'f', -1, 64)
	if _, frac, ok := strings.Cut(step, "."); ok {
		decimals = min(len(frac), maxIndexDecimals)
	}
	return NumericLength{
		Minimum:        minimum,
		Maximum:        maximum,
		NonDecimals:    len(strconv.FormatUint(span, 10)),
		Decimals:       decimals,
		RoundedMinimum: int64(minimum),
	}
}

func (nl *NumericLength) Width() int {
	return nl.NonDecimals + nl.Decimals
}

func (nl *NumericLength) clamp(v float64) float64 {
	if math.IsNaN(v) {
		v = 0
	}
	if v < nl.Minimum {
		return nl.Minimum
	}
	if v > nl.Maximum {
		return nl.Maximum
	}
	return v
}

// appendNumber appends the fixed-width encoding of v. Out-of-range values
// encode exactly like the nearest boundary.
func (nl *NumericLength) appendNumber(buf []byte, v float64) []byte {
	v = nl.clamp(v)
	intPart, frac := splitFixed(v, nl.Decimals)
	buf = appendZeroPadded(buf, uint64(intPart-nl.RoundedMinimum), nl.NonDecimals)
	if nl.Decimals > 0 {
		buf = appendZeroPadded(buf, frac, nl.Decimals)
	}
	return buf
}

// splitFixed rounds v down to a multiple of 10^-decimals and returns the
// integer part (floor) and the fractional digits as an integer in
// [0, 10^decimals). It works on the shortest decimal form of v, so values
// like 0.1 are not distorted by binary floating point.
func splitFixed(v float64, decimals int) (int64, uint64) {
	neg := v < 0
	s := strconv.FormatFloat(math.Abs(v), 'f', -1, 64)
	intDigits, fracDigits, _ := strings.Cut(s, ".")

	intAbs, err := strconv.ParseUint(intDigits, 10, 64)
	if err != nil {
		intAbs = math.MaxInt64
	}

	var frac uint64
	for i := 0; i < decimals; i++ {
		frac *= 10
		if i < len(fracDigits) {
			frac += uint64(fracDigits[i] - '0')
		}
	}
	truncated := hasExtraDigits(fracDigits, decimals)

	if !neg {
		return int64(intAbs), frac
	}

	scale := pow10(decimals)
	if truncated {
		frac++
		if frac == scale {
			intAbs++
			frac = 0
		}
	}
	if frac == 0 {
		return -int64(intAbs), 0
	}
	return -int64(intAbs) - 1, scale - frac
}

func hasExtraDigits(fracDigits string, decimals int) bool {
	return len(fracDigits) > decimals && strings.Trim(fracDigits[decimals:], "0") != ""
}

// Exact reports whether v encodes without clamping or dropping fraction
// digits.
func (nl *NumericLength) Exact(v float64) bool {
	if v < nl.Minimum || v > nl.Maximum {
		return false
	}
	_, fracDigits, _ := strings.Cut(strconv.FormatFloat(math.Abs(v), 'f', -1, 64), ".")
	return !hasExtraDigits(fracDigits, nl.Decimals)
}

func pow10(n int) uint64 {
	v := uint64(1)
	for i := 0; i < n; i++ {
		v *= 10
	}
	return v
}

func appendZeroPadded(buf []byte, v uint64, width int) []byte {
	var digits [20]byte
	d := strconv.AppendUint(digits[:0], v, 10)
	for i := len(d); i < width; i++ {
		buf = append(buf, '0')
	}
	return append(buf, d...)
}

// numberValue converts any JSON or Go numeric representation to float64.
func numberValue(v any) (float64, bool) {
	switch v := v.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
