package avroschema

import "encoding/json"

// GenerateFields renders the per-field JSON descriptors that make up
// an AvroMessage's request list (SPEC_FULL.md §3, §6). Each field is
// generated with its own ref set so every type is fully inlined
// rather than referencing a name defined elsewhere in the same
// message — the distilled source's client-compatibility check
// reconstructs a record from exactly this kind of field list
// (routing.py's check_schema_compatibility), so self-contained
// fields are required, not just convenient.
func GenerateFields(fields []Field, namespace string) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(fields))
	for _, f := range fields {
		if err := validateName(f.Name); err != nil {
			return nil, err
		}
		g := &generator{refs: map[string]bool{}}

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

		b, err := json.Marshal(fo)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// GenerateNamed renders desc as a standalone named schema (record or
// error), returning it as raw JSON suitable for an AvroMessage's
// response or errors slots.
func GenerateNamed(desc *RecordDescriptor, isError bool) (json.RawMessage, error) {
	s, err := Generate(desc, isError)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(s), nil
}

// NullSchema is the raw JSON for the Avro "null" type, used as an
// AvroMessage's response when the route has no response model
// (oneWay).
var NullSchema = json.RawMessage(`"null"`)
