package codec

import (
	"bytes"
	"reflect"
	"strings"

	"github.com/hamba/avro/v2"

	"github.com/avro-ipc/avrorpc/internal/errs"
)

// EncodeUnionBranch serializes v, an ordinary Go struct, as the named
// branch of a union schema. The caller always knows exactly which
// named record it is producing (an Error, a ValidationError, or a
// route-declared error type) — so branch selection here is a direct
// name lookup rather than the ambiguous structural guess
// matchUnionBranch would have to make among several record branches
// that all present as map[string]any. This is the only place the
// dispatcher needs a union-aware encode; every other encode goes
// through the single-schema Encode, which hamba/avro's reflection-
// based Marshal already handles directly.
func EncodeUnionBranch(union avro.Schema, branchFullName string, v any) ([]byte, error) {
	us, ok := union.(*avro.UnionSchema)
	if !ok {
		return nil, errs.NewTypeError("schema is not a union: %s", union.Type())
	}

	for i, t := range us.Types() {
		name, ok := schemaFullName(t)
		if !ok || name != branchFullName {
			continue
		}
		fields, err := ToRecordFields(v)
		if err != nil {
			return nil, err
		}
		var buf bytes.Buffer
		if err := rawEncode(union, unionVal{Index: i, Schema: t, Value: fields}, &buf); err != nil {
			return nil, errs.NewTypeError("encoding %T as union branch %s: %v", v, branchFullName, err)
		}
		return buf.Bytes(), nil
	}
	return nil, errs.NewTypeError("union has no branch named %s", branchFullName)
}

func schemaFullName(s avro.Schema) (string, bool) {
	switch t := s.(type) {
	case *avro.RecordSchema:
		return t.FullName(), true
	case *avro.EnumSchema:
		return t.FullName(), true
	case *avro.FixedSchema:
		return t.FullName(), true
	}
	return "", false
}

// ToRecordFields renders an exported Go struct into the
// map[string]any shape rawEncode expects for a record, recursing
// through nested structs, slices and pointers by their `avro` tag
// name. It exists only to feed EncodeUnionBranch a value rawEncode
// can walk — ordinary (non-union) encoding never needs it.
func ToRecordFields(v any) (map[string]any, error) {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, errs.NewTypeError("nil record value")
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil, errs.NewTypeError("expected struct, got %T", v)
	}
	m, ok := toAvroTree(rv).(map[string]any)
	if !ok {
		return nil, errs.NewTypeError("expected struct to render as a record, got %T", v)
	}
	return m, nil
}

func toAvroTree(v reflect.Value) any {
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		return toAvroTree(v.Elem())
	case reflect.Struct:
		out := make(map[string]any, v.NumField())
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			tag, _, _ := strings.Cut(f.Tag.Get("avro"), ",")
			if tag == "" {
				tag = f.Name
			}
			out[tag] = toAvroTree(v.Field(i))
		}
		return out
	case reflect.Slice:
		if v.IsNil() {
			if v.Type().Elem().Kind() == reflect.Uint8 {
				return []byte{}
			}
			return []any{}
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Bytes()
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = toAvroTree(v.Index(i))
		}
		return out
	case reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return b
		}
		out := make([]any, v.Len())
		for i := range out {
			out[i] = toAvroTree(v.Index(i))
		}
		return out
	case reflect.Map:
		out := make(map[string]any, v.Len())
		for _, k := range v.MapKeys() {
			out[k.String()] = toAvroTree(v.MapIndex(k))
		}
		return out
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Float32:
		return float32(v.Float())
	case reflect.Float64:
		return v.Float()
	case reflect.Bool:
		return v.Bool()
	case reflect.String:
		return v.String()
	default:
		return v.Interface()
	}
}
