// Package handshake implements the Apache Avro IPC handshake and
// call/response record types, grounded byte-for-byte on the
// canonical schemas vendored in the Go Avro ecosystem (see
// DESIGN.md). It holds the types only; the state machine that
// consumes them lives in internal/server and internal/client.
package handshake

import (
	"github.com/hamba/avro/v2"
)

// CanonicalHandshakeRequestSchema and CanonicalHandshakeResponseSchema
// must match the Apache Avro IPC specification byte-for-byte — any
// divergence breaks interop with other Avro IPC implementations.
const (
	CanonicalHandshakeRequestSchema = `{
  "type": "record",
  "name": "HandshakeRequest", "namespace":"org.apache.avro.ipc",
  "fields": [
    {"name": "clientHash",
     "type": {"type": "fixed", "name": "MD5", "size": 16}},
    {"name": "clientProtocol", "type": ["null", "string"]},
    {"name": "serverHash", "type": "MD5"},
    {"name": "meta", "type": ["null", {"type": "map", "values": "bytes"}]}
  ]
}`

	CanonicalHandshakeResponseSchema = `{
  "type": "record",
  "name": "HandshakeResponse", "namespace": "org.apache.avro.ipc",
  "fields": [
    {"name": "match",
     "type": {"type": "enum", "name": "HandshakeMatch",
              "symbols": ["BOTH", "CLIENT", "NONE"]}},
    {"name": "serverProtocol",
     "type": ["null", "string"]},
    {"name": "serverHash",
     "type": ["null", "MD5"]},
    {"name": "meta",
     "type": ["null", {"type": "map", "values": "bytes"}]}
  ]
}`

	// CallRequestSchema and CallResponseSchema are not part of the
	// Avro IPC handshake spec proper but follow its established
	// record shape for the framed call area (SPEC_FULL.md §3).
	CallRequestSchema = `{
  "type": "record",
  "name": "CallRequest", "namespace": "org.apache.avro.ipc",
  "fields": [
    {"name": "meta", "type": ["null", {"type": "map", "values": "bytes"}], "default": null},
    {"name": "message", "type": "string"},
    {"name": "request", "type": "bytes"}
  ]
}`

	CallResponseSchema = `{
  "type": "record",
  "name": "CallResponse", "namespace": "org.apache.avro.ipc",
  "fields": [
    {"name": "meta", "type": ["null", {"type": "map", "values": "bytes"}], "default": null},
    {"name": "error", "type": "boolean"},
    {"name": "response", "type": "bytes"}
  ]
}`

	// BuiltinErrorSchema and BuiltinValidationErrorSchema are the two
	// error records every route implicitly declares (SPEC_FULL.md §6).
	BuiltinErrorSchema = `{
  "type": "error",
  "name": "Error", "namespace": "com.avrorpc.builtin",
  "fields": [
    {"name": "refid", "type": ["null", {"type": "fixed", "name": "RefID", "size": 16}], "default": null},
    {"name": "status", "type": "int"},
    {"name": "error", "type": "string"}
  ]
}`

	BuiltinValidationErrorSchema = `{
  "type": "error",
  "name": "ValidationError", "namespace": "com.avrorpc.builtin",
  "fields": [
    {"name": "detail", "type": {"type": "array", "items": {
      "type": "record", "name": "ValidationDetail",
      "fields": [
        {"name": "loc", "type": {"type": "array", "items": "string"}},
        {"name": "msg", "type": "string"},
        {"name": "type", "type": "string"}
      ]
    }}}
  ]
}`
)

var (
	HandshakeRequestSchema  avro.Schema
	HandshakeResponseSchema avro.Schema
	CallRequestAvroSchema   avro.Schema
	CallResponseAvroSchema  avro.Schema
	BuiltinErrorAvroSchema  avro.Schema
	BuiltinValidationSchema avro.Schema
)

func init() {
	HandshakeRequestSchema = avro.MustParse(CanonicalHandshakeRequestSchema)
	HandshakeResponseSchema = avro.MustParse(CanonicalHandshakeResponseSchema)
	CallRequestAvroSchema = avro.MustParse(CallRequestSchema)
	CallResponseAvroSchema = avro.MustParse(CallResponseSchema)
	BuiltinErrorAvroSchema = avro.MustParse(BuiltinErrorSchema)
	BuiltinValidationSchema = avro.MustParse(BuiltinValidationErrorSchema)
}
