// Package avroschema generates Avro JSON schemas from plain Go
// descriptor values rather than from reflection over arbitrary
// struct tags — see SPEC_FULL.md §9 "Runtime type introspection."
// Route registration builds a RecordDescriptor by hand for its
// request and response types; Generate walks it.
package avroschema

// Kind tags the shape a FieldType takes.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindInt
	KindLong
	KindFloat
	KindDouble
	KindBytes
	KindString
	KindTimestampMicros
	KindDate
	KindTimeMicros
	KindUUID
	KindDecimal
	KindFixedBytes // constrained byte string of fixed length -> "Bytes_N"
	KindRecord
	KindEnum
	KindFixed
	KindArray
	KindMap
	KindUnion
	KindRef // bare reference to an already-emitted named type
)

// FieldType is a recursive description of one Avro type. Only the
// fields relevant to Kind are populated.
type FieldType struct {
	Kind Kind

	// KindDecimal
	Precision int
	Scale     int

	// KindFixedBytes
	FixedSize int

	// KindArray
	Array *FieldType
	// KindMap (always string-keyed)
	MapValue *FieldType
	// KindUnion, declaration order preserved
	Union []FieldType

	// KindRecord / KindEnum / KindFixed
	Record *RecordDescriptor
	Enum   *EnumDescriptor
	Fixed  *FixedDescriptor

	// KindRef
	Ref string
}

// Field is one entry of a RecordDescriptor's field list.
type Field struct {
	Name       string
	Doc        string
	Type       FieldType
	HasDefault bool
	Default    any
}

// RecordDescriptor is the user-facing input to the generator for a
// record (or error) type.
type RecordDescriptor struct {
	Name      string
	Namespace string // empty: inherit the enclosing namespace
	Doc       string
	Fields    []Field
}

// EnumDescriptor describes an Avro enum type.
type EnumDescriptor struct {
	Name      string
	Namespace string
	Doc       string
	Symbols   []string
}

// FixedDescriptor describes an explicitly named Avro fixed type.
type FixedDescriptor struct {
	Name      string
	Namespace string
	Size      int
}

// Convenience constructors for scalar and logical field types.

func Null() FieldType            { return FieldType{Kind: KindNull} }
func Boolean() FieldType         { return FieldType{Kind: KindBoolean} }
func Int() FieldType             { return FieldType{Kind: KindInt} }
func Long() FieldType            { return FieldType{Kind: KindLong} }
func Float() FieldType           { return FieldType{Kind: KindFloat} }
func Double() FieldType          { return FieldType{Kind: KindDouble} }
func Bytes() FieldType           { return FieldType{Kind: KindBytes} }
func String() FieldType          { return FieldType{Kind: KindString} }
func TimestampMicros() FieldType { return FieldType{Kind: KindTimestampMicros} }
func Date() FieldType            { return FieldType{Kind: KindDate} }
func TimeMicros() FieldType      { return FieldType{Kind: KindTimeMicros} }
func UUID() FieldType            { return FieldType{Kind: KindUUID} }

func Decimal(precision, scale int) FieldType {
	return FieldType{Kind: KindDecimal, Precision: precision, Scale: scale}
}

func FixedBytes(size int) FieldType {
	return FieldType{Kind: KindFixedBytes, FixedSize: size}
}

func Ref(name string) FieldType { return FieldType{Kind: KindRef, Ref: name} }

func Array(item FieldType) FieldType {
	return FieldType{Kind: KindArray, Array: &item}
}

func Map(value FieldType) FieldType {
	return FieldType{Kind: KindMap, MapValue: &value}
}

func Union(members ...FieldType) FieldType {
	return FieldType{Kind: KindUnion, Union: members}
}

func NullableOf(t FieldType) FieldType {
	return FieldType{Kind: KindUnion, Union: []FieldType{Null(), t}}
}

func RecordType(d *RecordDescriptor) FieldType { return FieldType{Kind: KindRecord, Record: d} }
func EnumType(d *EnumDescriptor) FieldType      { return FieldType{Kind: KindEnum, Enum: d} }
func FixedType(d *FixedDescriptor) FieldType    { return FieldType{Kind: KindFixed, Fixed: d} }
