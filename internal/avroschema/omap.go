package avroschema

import (
	"bytes"
	"encoding/json"
)

// omap is a JSON object that marshals its members in insertion
// order, giving the generator control over key order so that two
// calls to Generate on the same descriptor produce byte-identical
// output (SPEC_FULL.md §8 P2 schema canonicality).
type omap struct {
	keys []string
	vals []any
}

func newOmap() *omap { return &omap{} }

func (o *omap) set(key string, val any) *omap {
	o.keys = append(o.keys, key)
	o.vals = append(o.vals, val)
	return o
}

func (o *omap) replace(key string, val any) {
	for i, k := range o.keys {
		if k == key {
			o.vals[i] = val
			return
		}
	}
	o.set(key, val)
}

func (o *omap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.vals[i])
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
