package server

import (
	"context"

	"github.com/hamba/avro/v2"

	"github.com/avro-ipc/avrorpc/internal/avroschema"
	"github.com/avro-ipc/avrorpc/internal/errs"
)

// HandlerFunc is the user-supplied endpoint body. req is nil when the
// route declares no request model. The returned value must match the
// shape of ResponseDesc (or be nil for a oneWay route); a returned
// error is classified by the errs taxonomy (Router.encodeError) into a
// CallResponse.error=true payload.
type HandlerFunc func(ctx context.Context, req any) (any, error)

// Route describes one registered endpoint (SPEC_FULL.md §4.4, §6).
type Route struct {
	Path   string
	Method string

	// RequestDesc is nil when the route expects no request body.
	RequestDesc *avroschema.RecordDescriptor
	// NewRequest constructs the zero-value destination for decoding
	// a request body. Required when RequestDesc is non-nil.
	NewRequest func() any

	// ResponseDesc is nil for a oneWay route (response type "null").
	ResponseDesc *avroschema.RecordDescriptor

	// ErrorDescs lists the route's user-declared error record types,
	// in addition to the two built-in error types every route gets.
	ErrorDescs []*avroschema.RecordDescriptor

	// StatusCode is the HTTP status used on the JSON fallback path
	// and is informational on the Avro path (always 200 there unless
	// the handshake itself could not be produced).
	StatusCode int

	Handler HandlerFunc

	messageID      string
	requestSchema  avro.Schema
	responseSchema avro.Schema
}

func validateRoute(r Route) error {
	if r.RequestDesc != nil && r.NewRequest == nil {
		return errs.NewSchemaError("route %s %s declares a request type but no NewRequest constructor", r.Method, r.Path)
	}
	if r.Method != "POST" {
		return errs.NewSchemaError("route %s %s: only POST is supported over the avro wire (SPEC_FULL.md §6)", r.Method, r.Path)
	}
	return nil
}
