package avroschema

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/avro-ipc/avrorpc/internal/errs"
)

var nameFormat = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func validateName(name string) error {
	if !nameFormat.MatchString(name) {
		return errs.NewSchemaError("%q does not match the avro name format: names must start with [A-Za-z_] and subsequently contain only [A-Za-z0-9_]", name)
	}
	return nil
}

func validateNamespace(namespace, parentNamespace string) error {
	for _, part := range strings.Split(namespace, ".") {
		if !nameFormat.MatchString(part) {
			return errs.NewSchemaError("%q does not match the avro namespace format: a namespace is a dot-separated sequence of names", namespace)
		}
	}
	if parentNamespace != "" && namespace != parentNamespace {
		if len(parentNamespace) >= len(namespace) ||
			!strings.HasPrefix(namespace, parentNamespace) ||
			namespace[len(parentNamespace)] != '.' {
			return errs.NewSchemaError("the enclosing namespace %q must be a subpath of the namespace %q", parentNamespace, namespace)
		}
	}
	return nil
}

// generator holds the per-top-level-call ref set (SPEC_FULL.md
// §4.1 "a ref set is maintained per top-level generation; it is
// reset between top-level calls").
type generator struct {
	refs map[string]bool
}

// Generate produces the canonical Avro JSON schema for desc. When
// isError is true the outermost record's "type" becomes "error"
// rather than "record".
func Generate(desc *RecordDescriptor, isError bool) (string, error) {
	g := &generator{refs: map[string]bool{}}
	root, err := g.genRecord(desc, "")
	if err != nil {
		return "", err
	}
	if isError {
		if om, ok := root.(*omap); ok {
			om.replace("type", "error")
		}
	}
	out, err := json.Marshal(root)
	if err != nil {
		return "", errs.NewSchemaError("marshaling generated schema: %v", err)
	}
	return string(out), nil
}

func qualify(namespace, name string) string {
	if namespace == "" {
		return name
	}
	return namespace + "." + name
}

func (g *generator) genType(ft FieldType, enclosing string) (any, error) {
	switch ft.Kind {
	case KindNull:
		return "null", nil
	case KindBoolean:
		return "boolean", nil
	case KindInt:
		return "int", nil
	case KindLong:
		return "long", nil
	case KindFloat:
		return "float", nil
	case KindDouble:
		return "double", nil
	case KindBytes:
		return "bytes", nil
	case KindString:
		return "string", nil
	case KindTimestampMicros:
		return newOmap().set("type", "long").set("logicalType", "timestamp-micros"), nil
	case KindDate:
		return newOmap().set("type", "int").set("logicalType", "date"), nil
	case KindTimeMicros:
		return newOmap().set("type", "long").set("logicalType", "time-micros"), nil
	case KindUUID:
		return newOmap().set("type", "string").set("logicalType", "uuid"), nil
	case KindDecimal:
		if ft.Precision <= 0 || ft.Scale < 0 {
			return nil, errs.NewSchemaError("decimal requires both precision and scale: got precision=%d scale=%d", ft.Precision, ft.Scale)
		}
		return newOmap().set("type", "bytes").set("logicalType", "decimal").
			set("precision", ft.Precision).set("scale", ft.Scale), nil
	case KindFixedBytes:
		if ft.FixedSize <= 0 {
			return nil, errs.NewSchemaError("fixed byte string size must be > 0, got %d", ft.FixedSize)
		}
		return g.genFixed(&FixedDescriptor{Name: fixedBytesName(ft.FixedSize), Size: ft.FixedSize}, enclosing)
	case KindRef:
		return ft.Ref, nil
	case KindArray:
		item, err := g.genType(*ft.Array, enclosing)
		if err != nil {
			return nil, err
		}
		return newOmap().set("type", "array").set("items", item), nil
	case KindMap:
		val, err := g.genType(*ft.MapValue, enclosing)
		if err != nil {
			return nil, err
		}
		return newOmap().set("type", "map").set("values", val), nil
	case KindUnion:
		members := make([]any, 0, len(ft.Union))
		for _, m := range ft.Union {
			v, err := g.genType(m, enclosing)
			if err != nil {
				return nil, err
			}
			members = append(members, v)
		}
		return members, nil
	case KindEnum:
		return g.genEnum(ft.Enum, enclosing)
	case KindFixed:
		return g.genFixed(ft.Fixed, enclosing)
	case KindRecord:
		return g.genRecord(ft.Record, enclosing)
	default:
		return nil, errs.NewSchemaError("unknown field type kind %d", ft.Kind)
	}
}

func fixedBytesName(size int) string {
	return "Bytes_" + itoa(size)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func isNullableWithNilDefault(f Field) bool {
	if !f.HasDefault || f.Default != nil {
		return false
	}
	if f.Type.Kind != KindUnion || len(f.Type.Union) != 2 {
		return false
	}
	return f.Type.Union[0].Kind == KindNull || f.Type.Union[1].Kind == KindNull
}

func reorderNullFirst(ft FieldType) FieldType {
	if ft.Union[0].Kind == KindNull {
		return ft
	}
	return FieldType{Kind: KindUnion, Union: []FieldType{ft.Union[1], ft.Union[0]}}
}

func (g *generator) genRecord(desc *RecordDescriptor, enclosing string) (any, error) {
	if err := validateName(desc.Name); err != nil {
		return nil, err
	}

	namespace := desc.Namespace
	if namespace == "" {
		namespace = enclosing
	}
	if desc.Namespace != "" {
		if err := validateNamespace(desc.Namespace, enclosing); err != nil {
			return nil, err
		}
	} else if namespace != "" {
		if err := validateNamespace(namespace, ""); err != nil {
			return nil, err
		}
	}

	qualified := qualify(namespace, desc.Name)
	if g.refs[qualified] {
		return desc.Name, nil
	}
	g.refs[qualified] = true

	fields := make([]any, 0, len(desc.Fields))
	for _, f := range desc.Fields {
		if err := validateName(f.Name); err != nil {
			return nil, err
		}
		fo := newOmap().set("name", f.Name)

		if isNullableWithNilDefault(f) {
			t, err := g.genType(reorderNullFirst(f.Type), namespace)
			if err != nil {
				return nil, err
			}
			fo.set("type", t)
		} else {
			t, err := g.genType(f.Type, namespace)
			if err != nil {
				return nil, err
			}
			fo.set("type", t)
			if f.HasDefault {
				fo.set("default", f.Default)
			}
		}
		fields = append(fields, fo)
	}

	out := newOmap().set("type", "record").set("name", desc.Name).set("fields", fields)
	if desc.Namespace != "" {
		out.set("namespace", desc.Namespace)
	}
	return out, nil
}

func (g *generator) genEnum(desc *EnumDescriptor, enclosing string) (any, error) {
	if err := validateName(desc.Name); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(desc.Symbols))
	for _, s := range desc.Symbols {
		if seen[s] {
			return nil, errs.NewSchemaError("enum %s: duplicate symbol %q", desc.Name, s)
		}
		seen[s] = true
	}

	symbols := make([]any, len(desc.Symbols))
	for i, s := range desc.Symbols {
		symbols[i] = s
	}

	out := newOmap().set("type", "enum").set("name", desc.Name).set("symbols", symbols)
	if desc.Namespace != "" {
		if err := validateNamespace(desc.Namespace, enclosing); err != nil {
			return nil, err
		}
		out.set("namespace", desc.Namespace)
	}
	return out, nil
}

func (g *generator) genFixed(desc *FixedDescriptor, enclosing string) (any, error) {
	if err := validateName(desc.Name); err != nil {
		return nil, err
	}
	if desc.Size <= 0 {
		return nil, errs.NewSchemaError("fixed %s: size must be > 0", desc.Name)
	}

	qualified := qualify(desc.Namespace, desc.Name)
	if g.refs[qualified] {
		return desc.Name, nil
	}
	g.refs[qualified] = true

	out := newOmap().set("type", "fixed").set("name", desc.Name).set("size", desc.Size)
	if desc.Namespace != "" {
		if err := validateNamespace(desc.Namespace, enclosing); err != nil {
			return nil, err
		}
		out.set("namespace", desc.Namespace)
	}
	return out, nil
}
