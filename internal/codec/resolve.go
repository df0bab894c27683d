package codec

import (
	"bytes"
	"math"

	"github.com/hamba/avro/v2"

	"github.com/avro-ipc/avrorpc/internal/errs"
)

// ResolvingDecoder decodes bytes written per a writer schema into a
// value shaped by a (possibly different) reader schema, applying
// Avro's promotion, default-fill and union-resolution rules
// (SPEC_FULL.md §4.2). It is the component the compatibility cache
// stores per (clientHash, messageId) — SPEC_FULL.md §3
// CompatibilityCacheEntry.requestDeserializers.
//
// Decoding proceeds in three steps: parse the writer bytes into a
// generic value tree shaped by the writer schema (rawDecode);
// project that tree onto the reader schema's shape, applying
// promotion/defaults/union re-selection (resolveValue); re-encode
// the projected tree against the reader schema (rawEncode) and hand
// the result to hamba/avro's single-schema Unmarshal, which already
// knows how to populate an arbitrary destination struct from bytes
// written per that same schema.
type ResolvingDecoder struct {
	Writer avro.Schema
	Reader avro.Schema
}

func NewResolvingDecoder(writer, reader avro.Schema) *ResolvingDecoder {
	return &ResolvingDecoder{Writer: writer, Reader: reader}
}

func (d *ResolvingDecoder) Decode(data []byte, dest any) error {
	c := &cursor{buf: data}
	raw, err := rawDecode(d.Writer, c)
	if err != nil {
		return err
	}
	resolved, err := resolveValue(d.Reader, d.Writer, raw)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := rawEncode(d.Reader, resolved, &buf); err != nil {
		return err
	}
	return Decode(d.Reader, buf.Bytes(), dest)
}

// unionVal is the generic representation of a decoded union value:
// which branch schema was selected and the value decoded against it.
type unionVal struct {
	Index  int
	Schema avro.Schema
	Value  any
}

// --- raw decode (writer schema drives parsing) ---

type cursor struct {
	buf []byte
	pos int
}

func (c *cursor) readByte() (byte, error) {
	if c.pos >= len(c.buf) {
		return 0, errs.NewDecodeError("unexpected end of input at offset %d", c.pos)
	}
	b := c.buf[c.pos]
	c.pos++
	return b, nil
}

func (c *cursor) readN(n int) ([]byte, error) {
	if n < 0 || c.pos+n > len(c.buf) {
		return nil, errs.NewDecodeError("unexpected end of input: need %d bytes at offset %d, have %d", n, c.pos, len(c.buf)-c.pos)
	}
	b := c.buf[c.pos : c.pos+n]
	c.pos += n
	return b, nil
}

func (c *cursor) readVarint() (int64, error) {
	var x uint64
	var shift uint
	for {
		b, err := c.readByte()
		if err != nil {
			return 0, err
		}
		x |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, errs.NewDecodeError("varint too long")
		}
	}
	return int64(x>>1) ^ -(int64(x & 1)), nil
}

func (c *cursor) readFloat32() (float32, error) {
	b, err := c.readN(4)
	if err != nil {
		return 0, err
	}
	bits := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	return math.Float32frombits(bits), nil
}

func (c *cursor) readFloat64() (float64, error) {
	b, err := c.readN(8)
	if err != nil {
		return 0, err
	}
	var bits uint64
	for i := 0; i < 8; i++ {
		bits |= uint64(b[i]) << (8 * uint(i))
	}
	return math.Float64frombits(bits), nil
}

func (c *cursor) readAvroBytes() ([]byte, error) {
	n, err := c.readVarint()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errs.NewDecodeError("negative byte-string length %d", n)
	}
	raw, err := c.readN(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

func rawDecode(schema avro.Schema, c *cursor) (any, error) {
	switch schema.Type() {
	case avro.Null:
		return nil, nil
	case avro.Boolean:
		b, err := c.readByte()
		return b != 0, err
	case avro.Int:
		v, err := c.readVarint()
		return int32(v), err
	case avro.Long:
		return c.readVarint()
	case avro.Float:
		return c.readFloat32()
	case avro.Double:
		return c.readFloat64()
	case avro.Bytes:
		return c.readAvroBytes()
	case avro.String:
		b, err := c.readAvroBytes()
		if err != nil {
			return nil, err
		}
		return string(b), nil
	case avro.Fixed:
		fs := schema.(*avro.FixedSchema)
		b, err := c.readN(fs.Size())
		if err != nil {
			return nil, err
		}
		out := make([]byte, len(b))
		copy(out, b)
		return out, nil
	case avro.Enum:
		es := schema.(*avro.EnumSchema)
		idx, err := c.readVarint()
		if err != nil {
			return nil, err
		}
		symbols := es.Symbols()
		if idx < 0 || int(idx) >= len(symbols) {
			return nil, errs.NewDecodeError("enum ordinal %d out of range for %s", idx, es.FullName())
		}
		return symbols[idx], nil
	case avro.Array:
		as := schema.(*avro.ArraySchema)
		items := []any{}
		for {
			count, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			if count == 0 {
				return items, nil
			}
			if count < 0 {
				count = -count
				if _, err := c.readVarint(); err != nil { // block byte size, unused
					return nil, err
				}
			}
			for i := int64(0); i < count; i++ {
				v, err := rawDecode(as.Items(), c)
				if err != nil {
					return nil, err
				}
				items = append(items, v)
			}
		}
	case avro.Map:
		ms := schema.(*avro.MapSchema)
		out := map[string]any{}
		for {
			count, err := c.readVarint()
			if err != nil {
				return nil, err
			}
			if count == 0 {
				return out, nil
			}
			if count < 0 {
				count = -count
				if _, err := c.readVarint(); err != nil {
					return nil, err
				}
			}
			for i := int64(0); i < count; i++ {
				keyBytes, err := c.readAvroBytes()
				if err != nil {
					return nil, err
				}
				v, err := rawDecode(ms.Values(), c)
				if err != nil {
					return nil, err
				}
				out[string(keyBytes)] = v
			}
		}
	case avro.Union:
		us := schema.(*avro.UnionSchema)
		idx, err := c.readVarint()
		if err != nil {
			return nil, err
		}
		types := us.Types()
		if idx < 0 || int(idx) >= len(types) {
			return nil, errs.NewDecodeError("union branch index %d out of range", idx)
		}
		v, err := rawDecode(types[idx], c)
		if err != nil {
			return nil, err
		}
		return unionVal{Index: int(idx), Schema: types[idx], Value: v}, nil
	case avro.Record:
		rs := schema.(*avro.RecordSchema)
		out := make(map[string]any, len(rs.Fields()))
		for _, f := range rs.Fields() {
			v, err := rawDecode(f.Type(), c)
			if err != nil {
				return nil, err
			}
			out[f.Name()] = v
		}
		return out, nil
	default:
		return nil, errs.NewDecodeError("unsupported schema type %s during raw decode", schema.Type())
	}
}

// --- resolution (project writer-shaped value onto reader shape) ---

func canPromote(from, to avro.Type) bool {
	switch from {
	case avro.Int:
		return to == avro.Long || to == avro.Float || to == avro.Double
	case avro.Long:
		return to == avro.Float || to == avro.Double
	case avro.Float:
		return to == avro.Double
	case avro.String:
		return to == avro.Bytes
	case avro.Bytes:
		return to == avro.String
	}
	return false
}

func promoteValue(raw any, from, to avro.Type) (any, error) {
	switch from {
	case avro.Int:
		iv, _ := raw.(int32)
		switch to {
		case avro.Long:
			return int64(iv), nil
		case avro.Float:
			return float32(iv), nil
		case avro.Double:
			return float64(iv), nil
		}
	case avro.Long:
		lv, _ := raw.(int64)
		switch to {
		case avro.Float:
			return float32(lv), nil
		case avro.Double:
			return float64(lv), nil
		}
	case avro.Float:
		fv, _ := raw.(float32)
		if to == avro.Double {
			return float64(fv), nil
		}
	case avro.String:
		sv, _ := raw.(string)
		if to == avro.Bytes {
			return []byte(sv), nil
		}
	case avro.Bytes:
		bv, _ := raw.([]byte)
		if to == avro.String {
			return string(bv), nil
		}
	}
	return nil, errs.NewDecodeError("cannot promote %s to %s", from, to)
}

func findWriterField(readerField *avro.Field, writerFields map[string]*avro.Field) *avro.Field {
	if wf, ok := writerFields[readerField.Name()]; ok {
		return wf
	}
	for _, alias := range readerField.Aliases() {
		if wf, ok := writerFields[alias]; ok {
			return wf
		}
	}
	return nil
}

func resolveValue(reader, writer avro.Schema, raw any) (any, error) {
	if writer.Type() != reader.Type() {
		switch {
		case reader.Type() == avro.Union:
			return resolveIntoReaderUnion(reader.(*avro.UnionSchema), writer, raw)
		case writer.Type() == avro.Union:
			uv, ok := raw.(unionVal)
			if !ok {
				return nil, errs.NewDecodeError("expected union value decoding writer union")
			}
			return resolveValue(reader, uv.Schema, uv.Value)
		case canPromote(writer.Type(), reader.Type()):
			return promoteValue(raw, writer.Type(), reader.Type())
		default:
			return nil, errs.NewDecodeError("type mismatch resolving writer %s into reader %s", writer.Type(), reader.Type())
		}
	}

	switch reader.Type() {
	case avro.Record:
		rm, ok := raw.(map[string]any)
		if !ok {
			return nil, errs.NewDecodeError("expected record value")
		}
		return resolveRecord(reader.(*avro.RecordSchema), writer.(*avro.RecordSchema), rm)
	case avro.Enum:
		sym, ok := raw.(string)
		if !ok {
			return nil, errs.NewDecodeError("expected enum symbol")
		}
		return resolveEnum(reader.(*avro.EnumSchema), sym)
	case avro.Array:
		arr, ok := raw.([]any)
		if !ok {
			return nil, errs.NewDecodeError("expected array value")
		}
		return resolveArray(reader.(*avro.ArraySchema), writer.(*avro.ArraySchema), arr)
	case avro.Map:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errs.NewDecodeError("expected map value")
		}
		return resolveMap(reader.(*avro.MapSchema), writer.(*avro.MapSchema), m)
	case avro.Union:
		uv, ok := raw.(unionVal)
		if !ok {
			return nil, errs.NewDecodeError("expected union value")
		}
		return resolveIntoReaderUnion(reader.(*avro.UnionSchema), uv.Schema, uv.Value)
	default:
		return raw, nil
	}
}

func resolveIntoReaderUnion(ru *avro.UnionSchema, writerBranch avro.Schema, writerVal any) (any, error) {
	for i, rt := range ru.Types() {
		resolved, err := resolveValue(rt, writerBranch, writerVal)
		if err == nil {
			return unionVal{Index: i, Schema: rt, Value: resolved}, nil
		}
	}
	return nil, errs.NewDecodeError("no reader union branch compatible with writer type %s", writerBranch.Type())
}

func resolveRecord(reader, writer *avro.RecordSchema, raw map[string]any) (map[string]any, error) {
	writerFields := make(map[string]*avro.Field, len(writer.Fields()))
	for _, f := range writer.Fields() {
		writerFields[f.Name()] = f
		for _, alias := range f.Aliases() {
			writerFields[alias] = f
		}
	}

	out := make(map[string]any, len(reader.Fields()))
	for _, rf := range reader.Fields() {
		wf := findWriterField(rf, writerFields)
		if wf == nil {
			if !rf.HasDefault() {
				return nil, errs.NewDecodeError("field %s missing from writer and has no reader default", rf.Name())
			}
			out[rf.Name()] = rf.Default()
			continue
		}
		wv, ok := raw[wf.Name()]
		if !ok {
			return nil, errs.NewDecodeError("writer payload missing encoded field %s", wf.Name())
		}
		v, err := resolveValue(rf.Type(), wf.Type(), wv)
		if err != nil {
			return nil, err
		}
		out[rf.Name()] = v
	}
	return out, nil
}

func resolveEnum(reader *avro.EnumSchema, symbol string) (string, error) {
	for _, s := range reader.Symbols() {
		if s == symbol {
			return symbol, nil
		}
	}
	if reader.Default() != "" {
		return reader.Default(), nil
	}
	return "", errs.NewDecodeError("enum symbol %s unknown to reader and no default set", symbol)
}

func resolveArray(reader, writer *avro.ArraySchema, raw []any) ([]any, error) {
	out := make([]any, 0, len(raw))
	for _, v := range raw {
		rv, err := resolveValue(reader.Items(), writer.Items(), v)
		if err != nil {
			return nil, err
		}
		out = append(out, rv)
	}
	return out, nil
}

func resolveMap(reader, writer *avro.MapSchema, raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		rv, err := resolveValue(reader.Values(), writer.Values(), v)
		if err != nil {
			return nil, err
		}
		out[k] = rv
	}
	return out, nil
}

// --- raw encode (reader schema drives writing the resolved tree) ---

func writeVarint(buf *bytes.Buffer, v int64) {
	zz := uint64(v<<1) ^ uint64(v>>63)
	for zz >= 0x80 {
		buf.WriteByte(byte(zz) | 0x80)
		zz >>= 7
	}
	buf.WriteByte(byte(zz))
}

func writeFloat32(buf *bytes.Buffer, f float32) {
	bits := math.Float32bits(f)
	buf.WriteByte(byte(bits))
	buf.WriteByte(byte(bits >> 8))
	buf.WriteByte(byte(bits >> 16))
	buf.WriteByte(byte(bits >> 24))
}

func writeFloat64(buf *bytes.Buffer, f float64) {
	bits := math.Float64bits(f)
	for i := 0; i < 8; i++ {
		buf.WriteByte(byte(bits >> (8 * uint(i))))
	}
}

func writeAvroBytes(buf *bytes.Buffer, b []byte) {
	writeVarint(buf, int64(len(b)))
	buf.Write(b)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	}
	return 0, false
}

func goValueMatchesType(v any, t avro.Type) bool {
	if v == nil {
		return t == avro.Null
	}
	switch t {
	case avro.Boolean:
		_, ok := v.(bool)
		return ok
	case avro.Int, avro.Long:
		_, ok := toInt64(v)
		return ok
	case avro.Float:
		_, ok := v.(float32)
		return ok
	case avro.Double:
		_, ok := v.(float64)
		return ok
	case avro.Bytes, avro.Fixed:
		_, ok := v.([]byte)
		return ok
	case avro.String, avro.Enum:
		_, ok := v.(string)
		return ok
	case avro.Record, avro.Map:
		_, ok := v.(map[string]any)
		return ok
	case avro.Array:
		_, ok := v.([]any)
		return ok
	}
	return false
}

func matchUnionBranch(us *avro.UnionSchema, v any) (int, avro.Schema, error) {
	for i, t := range us.Types() {
		if goValueMatchesType(v, t.Type()) {
			return i, t, nil
		}
	}
	return 0, nil, errs.NewTypeError("no union branch matches value of type %T", v)
}

func rawEncode(schema avro.Schema, v any, buf *bytes.Buffer) error {
	switch schema.Type() {
	case avro.Null:
		return nil
	case avro.Boolean:
		b, ok := v.(bool)
		if !ok {
			return errs.NewTypeError("expected bool, got %T", v)
		}
		if b {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
		return nil
	case avro.Int, avro.Long:
		n, ok := toInt64(v)
		if !ok {
			return errs.NewTypeError("expected integer, got %T", v)
		}
		writeVarint(buf, n)
		return nil
	case avro.Float:
		f, ok := v.(float32)
		if !ok {
			if f64, ok2 := v.(float64); ok2 {
				f = float32(f64)
			} else {
				return errs.NewTypeError("expected float32, got %T", v)
			}
		}
		writeFloat32(buf, f)
		return nil
	case avro.Double:
		f, ok := v.(float64)
		if !ok {
			if f32, ok2 := v.(float32); ok2 {
				f = float64(f32)
			} else {
				return errs.NewTypeError("expected float64, got %T", v)
			}
		}
		writeFloat64(buf, f)
		return nil
	case avro.Bytes:
		b, ok := v.([]byte)
		if !ok {
			return errs.NewTypeError("expected []byte, got %T", v)
		}
		writeAvroBytes(buf, b)
		return nil
	case avro.String:
		s, ok := v.(string)
		if !ok {
			return errs.NewTypeError("expected string, got %T", v)
		}
		writeAvroBytes(buf, []byte(s))
		return nil
	case avro.Fixed:
		fs := schema.(*avro.FixedSchema)
		b, ok := v.([]byte)
		if !ok || len(b) != fs.Size() {
			return errs.NewTypeError("expected %d-byte fixed, got %T (len mismatch)", fs.Size(), v)
		}
		buf.Write(b)
		return nil
	case avro.Enum:
		es := schema.(*avro.EnumSchema)
		sym, ok := v.(string)
		if !ok {
			return errs.NewTypeError("expected enum symbol string, got %T", v)
		}
		for i, s := range es.Symbols() {
			if s == sym {
				writeVarint(buf, int64(i))
				return nil
			}
		}
		return errs.NewTypeError("symbol %s not a member of enum %s", sym, es.FullName())
	case avro.Array:
		as := schema.(*avro.ArraySchema)
		arr, ok := v.([]any)
		if !ok {
			return errs.NewTypeError("expected array, got %T", v)
		}
		if len(arr) > 0 {
			writeVarint(buf, int64(len(arr)))
			for _, item := range arr {
				if err := rawEncode(as.Items(), item, buf); err != nil {
					return err
				}
			}
		}
		writeVarint(buf, 0)
		return nil
	case avro.Map:
		ms := schema.(*avro.MapSchema)
		m, ok := v.(map[string]any)
		if !ok {
			return errs.NewTypeError("expected map, got %T", v)
		}
		if len(m) > 0 {
			writeVarint(buf, int64(len(m)))
			for k, val := range m {
				writeAvroBytes(buf, []byte(k))
				if err := rawEncode(ms.Values(), val, buf); err != nil {
					return err
				}
			}
		}
		writeVarint(buf, 0)
		return nil
	case avro.Union:
		us := schema.(*avro.UnionSchema)
		if uv, ok := v.(unionVal); ok {
			writeVarint(buf, int64(uv.Index))
			return rawEncode(uv.Schema, uv.Value, buf)
		}
		idx, branch, err := matchUnionBranch(us, v)
		if err != nil {
			return err
		}
		writeVarint(buf, int64(idx))
		return rawEncode(branch, v, buf)
	case avro.Record:
		rs := schema.(*avro.RecordSchema)
		m, ok := v.(map[string]any)
		if !ok {
			return errs.NewTypeError("expected record fields map, got %T", v)
		}
		for _, f := range rs.Fields() {
			fv, ok := m[f.Name()]
			if !ok {
				if f.HasDefault() {
					fv = f.Default()
				} else {
					return errs.NewTypeError("missing value for field %s", f.Name())
				}
			}
			if err := rawEncode(f.Type(), fv, buf); err != nil {
				return err
			}
		}
		return nil
	default:
		return errs.NewTypeError("unsupported schema type %s during raw encode", schema.Type())
	}
}
