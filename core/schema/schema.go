package schema

import (
	"fmt"
	"strconv"
	"strings"
)

// FieldType is the semantic type of a measurement column.
type FieldType int

const (
	TypeUnknown FieldType = iota
	TypeInt32
	TypeUint32
	TypeInt64
	TypeUint64
	TypeDouble
	TypeBool
	TypeString
	TypeBlob
	TypeGUID
	TypeVectorInt32
	TypeVectorUint32
	TypeVectorInt64
	TypeVectorUint64
	TypeVectorDouble
	TypeVectorBool

	// TypePrimaryKey is the sentinel for an auto-assigned tuple id
	// column. It never appears on the wire; only server-side schemas
	// use it, as the first field.
	TypePrimaryKey
)

var typeNames = map[FieldType]string{
	TypeInt32:        "int32",
	TypeUint32:       "uint32",
	TypeInt64:        "int64",
	TypeUint64:       "uint64",
	TypeDouble:       "double",
	TypeBool:         "bool",
	TypeString:       "string",
	TypeBlob:         "blob",
	TypeGUID:         "guid",
	TypeVectorInt32:  "[int32]",
	TypeVectorUint32: "[uint32]",
	TypeVectorInt64:  "[int64]",
	TypeVectorUint64: "[uint64]",
	TypeVectorDouble: "[double]",
	TypeVectorBool:   "[bool]",
}

var namesToType = func() map[string]FieldType {
	m := make(map[string]FieldType, len(typeNames))
	for t, n := range typeNames {
		m[n] = t
	}
	// aliases kept for older injection points
	m["long"] = TypeInt32
	m["integer"] = TypeInt32
	m["real"] = TypeDouble
	return m
}()

func (t FieldType) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// IsVector reports whether t is a homogeneous vector type.
func (t FieldType) IsVector() bool {
	return t >= TypeVectorInt32 && t <= TypeVectorBool
}

// TypeFromName resolves a textual type name to a FieldType (TypeUnknown if none).
func TypeFromName(name string) FieldType {
	return namesToType[strings.ToLower(name)]
}

// Field is a single named, typed column of a schema.
type Field struct {
	Name string
	Type FieldType
}

// Schema is a named, ordered list of fields. Immutable once registered
// with a database.
type Schema struct {
	Name   string
	Fields []Field
}

// New builds a schema after validating field name uniqueness.
func New(name string, fields []Field) (*Schema, error) {
	if name == "" {
		return nil, fmt.Errorf("schema has no name")
	}

	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema '%s' has a field without a name", name)
		}
		if f.Type == TypeUnknown {
			return nil, fmt.Errorf("schema '%s': field '%s' has unknown type", name, f.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return nil, fmt.Errorf("schema '%s': duplicate field '%s'", name, f.Name)
		}
		seen[f.Name] = struct{}{}
	}

	return &Schema{Name: name, Fields: fields}, nil
}

// ToMeta renders the schema in its stored text form:
// "<index> <name> <f1>:<type1> ... <fN>:<typeN>".
// The index is assigned by the session and not part of the schema itself.
func (s *Schema) ToMeta(index int) string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(index))
	b.WriteByte(' ')
	b.WriteString(s.Name)
	for _, f := range s.Fields {
		b.WriteByte(' ')
		b.WriteString(f.Name)
		b.WriteByte(':')
		b.WriteString(f.Type.String())
	}
	return b.String()
}

// FromMeta parses the stored text form produced by ToMeta.
func FromMeta(meta string) (index int, s *Schema, err error) {
	cols := strings.Fields(meta)
	if len(cols) < 2 {
		return 0, nil, fmt.Errorf("schema meta '%s' too short", meta)
	}

	index, err = strconv.Atoi(cols[0])
	if err != nil {
		return 0, nil, fmt.Errorf("schema meta '%s': bad index: %s", meta, err.Error())
	}

	fields := make([]Field, 0, len(cols)-2)
	for _, col := range cols[2:] {
		nt := strings.SplitN(col, ":", 2)
		if len(nt) != 2 {
			return 0, nil, fmt.Errorf("schema meta '%s': bad field spec '%s'", meta, col)
		}
		typ := TypeFromName(nt[1])
		if typ == TypeUnknown {
			return 0, nil, fmt.Errorf("schema meta '%s': unknown type '%s'", meta, nt[1])
		}
		fields = append(fields, Field{Name: nt[0], Type: typ})
	}

	s, err = New(cols[1], fields)
	if err != nil {
		return 0, nil, err
	}
	return index, s, nil
}
