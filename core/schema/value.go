package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// Value is a typed measurement value. The active member is determined
// by Type; accessing another member returns that member's zero value.
type Value struct {
	Type FieldType

	intVal    int64   // int32, int64, guid
	uintVal   uint64  // uint32, uint64
	doubleVal float64 // double
	boolVal   bool
	strVal    string // string
	blobVal   []byte // blob

	vecInt    []int64   // [int32], [int64]
	vecUint   []uint64  // [uint32], [uint64]
	vecDouble []float64 // [double]
	vecBool   []bool    // [bool]
}

func Int32Value(v int32) Value    { return Value{Type: TypeInt32, intVal: int64(v)} }
func Uint32Value(v uint32) Value  { return Value{Type: TypeUint32, uintVal: uint64(v)} }
func Int64Value(v int64) Value    { return Value{Type: TypeInt64, intVal: v} }
func Uint64Value(v uint64) Value  { return Value{Type: TypeUint64, uintVal: v} }
func DoubleValue(v float64) Value { return Value{Type: TypeDouble, doubleVal: v} }
func BoolValue(v bool) Value      { return Value{Type: TypeBool, boolVal: v} }
func StringValue(v string) Value  { return Value{Type: TypeString, strVal: v} }
func BlobValue(v []byte) Value    { return Value{Type: TypeBlob, blobVal: v} }
func GUIDValue(v uint64) Value    { return Value{Type: TypeGUID, intVal: int64(v)} }

func VectorInt32Value(v []int32) Value {
	w := make([]int64, len(v))
	for i, x := range v {
		w[i] = int64(x)
	}
	return Value{Type: TypeVectorInt32, vecInt: w}
}

func VectorUint32Value(v []uint32) Value {
	w := make([]uint64, len(v))
	for i, x := range v {
		w[i] = uint64(x)
	}
	return Value{Type: TypeVectorUint32, vecUint: w}
}

func VectorInt64Value(v []int64) Value   { return Value{Type: TypeVectorInt64, vecInt: v} }
func VectorUint64Value(v []uint64) Value { return Value{Type: TypeVectorUint64, vecUint: v} }
func VectorDoubleValue(v []float64) Value {
	return Value{Type: TypeVectorDouble, vecDouble: v}
}
func VectorBoolValue(v []bool) Value { return Value{Type: TypeVectorBool, vecBool: v} }

func (v Value) Int32() int32    { return int32(v.intVal) }
func (v Value) Uint32() uint32  { return uint32(v.uintVal) }
func (v Value) Int64() int64    { return v.intVal }
func (v Value) Uint64() uint64  { return v.uintVal }
func (v Value) Double() float64 { return v.doubleVal }
func (v Value) Bool() bool      { return v.boolVal }
func (v Value) Text() string    { return v.strVal }
func (v Value) Blob() []byte    { return v.blobVal }
func (v Value) GUID() uint64    { return uint64(v.intVal) }

// VectorJSON renders a vector value as a JSON array, the storage form
// used for TEXT vector columns.
func (v Value) VectorJSON() string {
	var b strings.Builder
	b.WriteByte('[')

	writeSep := func(i int) {
		if i > 0 {
			b.WriteByte(',')
		}
	}

	switch v.Type {
	case TypeVectorInt32, TypeVectorInt64:
		for i, x := range v.vecInt {
			writeSep(i)
			b.WriteString(strconv.FormatInt(x, 10))
		}
	case TypeVectorUint32, TypeVectorUint64:
		for i, x := range v.vecUint {
			writeSep(i)
			b.WriteString(strconv.FormatUint(x, 10))
		}
	case TypeVectorDouble:
		for i, x := range v.vecDouble {
			writeSep(i)
			b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
		}
	case TypeVectorBool:
		for i, x := range v.vecBool {
			writeSep(i)
			if x {
				b.WriteString("true")
			} else {
				b.WriteString("false")
			}
		}
	}

	b.WriteByte(']')
	return b.String()
}

// ParseValue converts the textual wire representation of a single field
// into a typed Value according to the expected field type.
func ParseValue(typ FieldType, text string) (Value, error) {
	switch typ {
	case TypeInt32:
		n, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return Value{}, err
		}
		return Int32Value(int32(n)), nil

	case TypeUint32:
		n, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return Value{}, err
		}
		return Uint32Value(uint32(n)), nil

	case TypeInt64:
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Int64Value(n), nil

	case TypeUint64:
		n, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return Uint64Value(n), nil

	case TypeGUID:
		n, err := strconv.ParseUint(text, 10, 64)
		if err != nil {
			return Value{}, err
		}
		return GUIDValue(n), nil

	case TypeDouble:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return Value{}, err
		}
		return DoubleValue(f), nil

	case TypeBool:
		switch strings.ToLower(text) {
		case "true", "t", "1":
			return BoolValue(true), nil
		case "false", "f", "0":
			return BoolValue(false), nil
		}
		return Value{}, fmt.Errorf("bad bool value '%s'", text)

	case TypeString:
		return StringValue(unescapeText(text)), nil

	case TypeBlob:
		// blobs come base64-less on the text protocol: hex encoded
		b, err := decodeHex(text)
		if err != nil {
			return Value{}, err
		}
		return BlobValue(b), nil
	}

	if typ.IsVector() {
		return parseVector(typ, text)
	}

	return Value{}, fmt.Errorf("unsupported type %s", typ)
}

func parseVector(typ FieldType, text string) (Value, error) {
	cols := strings.Fields(text)
	if len(cols) < 1 {
		return Value{}, fmt.Errorf("empty vector")
	}

	// first token is the element count
	n, err := strconv.Atoi(cols[0])
	if err != nil || n != len(cols)-1 {
		return Value{}, fmt.Errorf("bad vector length prefix '%s' for %d elements", cols[0], len(cols)-1)
	}
	cols = cols[1:]

	v := Value{Type: typ}
	switch typ {
	case TypeVectorInt32, TypeVectorInt64:
		bits := 32
		if typ == TypeVectorInt64 {
			bits = 64
		}
		v.vecInt = make([]int64, len(cols))
		for i, c := range cols {
			if v.vecInt[i], err = strconv.ParseInt(c, 10, bits); err != nil {
				return Value{}, err
			}
		}
	case TypeVectorUint32, TypeVectorUint64:
		bits := 32
		if typ == TypeVectorUint64 {
			bits = 64
		}
		v.vecUint = make([]uint64, len(cols))
		for i, c := range cols {
			if v.vecUint[i], err = strconv.ParseUint(c, 10, bits); err != nil {
				return Value{}, err
			}
		}
	case TypeVectorDouble:
		v.vecDouble = make([]float64, len(cols))
		for i, c := range cols {
			if v.vecDouble[i], err = strconv.ParseFloat(c, 64); err != nil {
				return Value{}, err
			}
		}
	case TypeVectorBool:
		v.vecBool = make([]bool, len(cols))
		for i, c := range cols {
			switch strings.ToLower(c) {
			case "true", "t", "1":
				v.vecBool[i] = true
			case "false", "f", "0":
				v.vecBool[i] = false
			default:
				return Value{}, fmt.Errorf("bad bool element '%s'", c)
			}
		}
	}

	return v, nil
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex blob")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		hi, ok1 := hexNibble(s[2*i])
		lo, ok2 := hexNibble(s[2*i+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("bad hex byte '%s'", s[2*i:2*i+2])
		}
		out[i] = hi<<4 | lo
	}
	return out, nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// unescapeText undoes the tab/newline escaping applied by injection
// points so that strings can carry field and record separators.
func unescapeText(s string) string {
	if !strings.ContainsRune(s, '\\') {
		return s
	}

	var b strings.Builder
	isEscape := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isEscape {
			switch c {
			case 't':
				b.WriteByte('\t')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			default:
				b.WriteByte(c)
			}
			isEscape = false
			continue
		}
		if c == '\\' {
			isEscape = true
			continue
		}
		b.WriteByte(c)
	}
	if isEscape {
		b.WriteByte('\\')
	}
	return b.String()
}
