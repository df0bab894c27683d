// Package examplerpc is the smoke-test endpoint wired into
// cmd/avrorpcd and driven by cmd/avrorpc-call: a minimal route
// exercising the full handshake and call path so an operator can
// verify a fresh deployment end to end without writing any
// application code.
package examplerpc

import (
	"context"
	"time"

	"github.com/avro-ipc/avrorpc/internal/avroschema"
	"github.com/avro-ipc/avrorpc/internal/server"
)

// PingRequest is the request body for the example /ping route.
type PingRequest struct {
	Message string `avro:"message"`
}

// PingResponse is the response body for the example /ping route.
type PingResponse struct {
	Message string `avro:"message"`
	Server  string `avro:"server"`
	UnixMS  int64  `avro:"unixMs"`
}

// Path and Method are the HTTP coordinates cmd/avrorpc-call targets.
const (
	Path   = "/ping"
	Method = "POST"
)

// RequestDesc describes PingRequest for schema generation.
func RequestDesc() *avroschema.RecordDescriptor {
	return &avroschema.RecordDescriptor{
		Name: "PingRequest",
		Fields: []avroschema.Field{
			{Name: "message", Type: avroschema.String()},
		},
	}
}

// ResponseDesc describes PingResponse for schema generation.
func ResponseDesc() *avroschema.RecordDescriptor {
	return &avroschema.RecordDescriptor{
		Name: "PingResponse",
		Fields: []avroschema.Field{
			{Name: "message", Type: avroschema.String()},
			{Name: "server", Type: avroschema.String()},
			{Name: "unixMs", Type: avroschema.Long()},
		},
	}
}

// NewResponse constructs the zero-value decode destination.
func NewResponse() any { return &PingResponse{} }

// Route builds the registrable server.Route for the example
// endpoint. serverName is echoed back so a caller hitting a pool of
// instances behind a load balancer can tell which one answered.
func Route(serverName string) server.Route {
	return server.Route{
		Path:         Path,
		Method:       Method,
		RequestDesc:  RequestDesc(),
		NewRequest:   func() any { return &PingRequest{} },
		ResponseDesc: ResponseDesc(),
		Handler: func(_ context.Context, req any) (any, error) {
			p := req.(*PingRequest)
			return &PingResponse{
				Message: p.Message,
				Server:  serverName,
				UnixMS:  time.Now().UnixMilli(),
			}, nil
		},
	}
}
