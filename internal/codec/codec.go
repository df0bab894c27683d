package codec

import (
	"github.com/hamba/avro/v2"

	"github.com/avro-ipc/avrorpc/internal/errs"
)

// Encode serializes v against schema. Used whenever the writer
// schema equals the reader schema — the common case.
func Encode(schema avro.Schema, v any) ([]byte, error) {
	b, err := avro.Marshal(schema, v)
	if err != nil {
		return nil, errs.NewTypeError("encoding %T against %s: %v", v, schema.Type(), err)
	}
	return b, nil
}

// Decode parses data against schema into v, with no schema
// resolution — writer and reader are the same schema.
func Decode(schema avro.Schema, data []byte, v any) error {
	if err := avro.Unmarshal(schema, data, v); err != nil {
		return errs.NewDecodeError("decoding %T against %s: %v", v, schema.Type(), err)
	}
	return nil
}
