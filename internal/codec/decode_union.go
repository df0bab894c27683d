package codec

import (
	"reflect"
	"strings"

	"github.com/hamba/avro/v2"

	"github.com/avro-ipc/avrorpc/internal/errs"
)

// DecodeUnionBranch decodes data (bytes written per union) into the
// generic field tree of whichever branch was selected, alongside
// that branch's full name. It stops one step short of a concrete
// destination type — callers that know which Go type a branch
// corresponds to use FromRecordFields to finish the job. This mirrors
// EncodeUnionBranch's name-based approach on the decode side, needed
// because the client gateway cannot know ahead of time which of
// several record branches a server actually sent.
func DecodeUnionBranch(union avro.Schema, data []byte) (string, map[string]any, error) {
	us, ok := union.(*avro.UnionSchema)
	if !ok {
		return "", nil, errs.NewTypeError("schema is not a union: %s", union.Type())
	}
	c := &cursor{buf: data}
	raw, err := rawDecode(us, c)
	if err != nil {
		return "", nil, err
	}
	return unpackUnionRecord(raw)
}

// ResolveUnion behaves like NewResolvingDecoder(writer, reader).Decode
// but for a union reader schema, where no single destination type is
// known ahead of time: it runs the same raw-decode/resolve pipeline
// and reports which reader branch survived resolution along with
// that branch's field tree, instead of re-encoding into bytes for a
// concrete struct.
func ResolveUnion(writer, reader avro.Schema, data []byte) (string, map[string]any, error) {
	c := &cursor{buf: data}
	raw, err := rawDecode(writer, c)
	if err != nil {
		return "", nil, err
	}
	resolved, err := resolveValue(reader, writer, raw)
	if err != nil {
		return "", nil, err
	}
	return unpackUnionRecord(resolved)
}

func unpackUnionRecord(v any) (string, map[string]any, error) {
	uv, ok := v.(unionVal)
	if !ok {
		return "", nil, errs.NewTypeError("expected a union value, got %T", v)
	}
	name, ok := schemaFullName(uv.Schema)
	if !ok {
		return "", nil, errs.NewTypeError("union branch of type %s has no full name", uv.Schema.Type())
	}
	fields, ok := uv.Value.(map[string]any)
	if !ok {
		return "", nil, errs.NewTypeError("expected union branch %s to decode as a record, got %T", name, uv.Value)
	}
	return name, fields, nil
}

// FromRecordFields is the inverse of ToRecordFields: it populates an
// ordinary Go struct (matched by `avro` tag, falling back to field
// name) from the generic field tree DecodeUnionBranch/ResolveUnion
// produce.
func FromRecordFields(fields map[string]any, dest any) error {
	rv := reflect.ValueOf(dest)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errs.NewTypeError("FromRecordFields requires a non-nil pointer, got %T", dest)
	}
	return assignStruct(fields, rv.Elem())
}

func assignStruct(fields map[string]any, rv reflect.Value) error {
	t := rv.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		tag, _, _ := strings.Cut(f.Tag.Get("avro"), ",")
		if tag == "" {
			tag = f.Name
		}
		v, ok := fields[tag]
		if !ok {
			continue
		}
		if err := assignValue(v, rv.Field(i)); err != nil {
			return errs.NewTypeError("field %s: %v", tag, err)
		}
	}
	return nil
}

func assignValue(v any, field reflect.Value) error {
	if uv, ok := v.(unionVal); ok {
		if uv.Value == nil {
			field.Set(reflect.Zero(field.Type()))
			return nil
		}
		return assignValue(uv.Value, field)
	}
	if v == nil {
		field.Set(reflect.Zero(field.Type()))
		return nil
	}

	switch field.Kind() {
	case reflect.Ptr:
		elem := reflect.New(field.Type().Elem())
		if err := assignValue(v, elem.Elem()); err != nil {
			return err
		}
		field.Set(elem)
		return nil
	case reflect.Struct:
		m, ok := v.(map[string]any)
		if !ok {
			return errs.NewTypeError("expected record, got %T", v)
		}
		return assignStruct(m, field)
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.Uint8 {
			b, ok := v.([]byte)
			if !ok {
				return errs.NewTypeError("expected bytes, got %T", v)
			}
			field.SetBytes(b)
			return nil
		}
		items, ok := v.([]any)
		if !ok {
			return errs.NewTypeError("expected array, got %T", v)
		}
		out := reflect.MakeSlice(field.Type(), len(items), len(items))
		for i, it := range items {
			if err := assignValue(it, out.Index(i)); err != nil {
				return err
			}
		}
		field.Set(out)
		return nil
	case reflect.Array:
		b, ok := v.([]byte)
		if !ok {
			return errs.NewTypeError("expected fixed bytes, got %T", v)
		}
		if len(b) != field.Len() {
			return errs.NewTypeError("fixed size mismatch: schema has %d bytes, field has %d", len(b), field.Len())
		}
		reflect.Copy(field, reflect.ValueOf(b))
		return nil
	case reflect.Map:
		m, ok := v.(map[string]any)
		if !ok {
			return errs.NewTypeError("expected map, got %T", v)
		}
		out := reflect.MakeMapWithSize(field.Type(), len(m))
		for k, val := range m {
			elem := reflect.New(field.Type().Elem()).Elem()
			if err := assignValue(val, elem); err != nil {
				return err
			}
			out.SetMapIndex(reflect.ValueOf(k), elem)
		}
		field.Set(out)
		return nil
	case reflect.String:
		s, ok := v.(string)
		if !ok {
			return errs.NewTypeError("expected string, got %T", v)
		}
		field.SetString(s)
		return nil
	case reflect.Bool:
		b, ok := v.(bool)
		if !ok {
			return errs.NewTypeError("expected bool, got %T", v)
		}
		field.SetBool(b)
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		switch n := v.(type) {
		case int32:
			field.SetInt(int64(n))
		case int64:
			field.SetInt(n)
		default:
			return errs.NewTypeError("expected integer, got %T", v)
		}
		return nil
	case reflect.Float32, reflect.Float64:
		switch n := v.(type) {
		case float32:
			field.SetFloat(float64(n))
		case float64:
			field.SetFloat(n)
		default:
			return errs.NewTypeError("expected float, got %T", v)
		}
		return nil
	default:
		return errs.NewTypeError("unsupported destination kind %s", field.Kind())
	}
}
