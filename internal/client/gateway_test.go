package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avro-ipc/avrorpc/internal/avroschema"
	"github.com/avro-ipc/avrorpc/internal/config"
	"github.com/avro-ipc/avrorpc/internal/errs"
	"github.com/avro-ipc/avrorpc/internal/metrics"
	"github.com/avro-ipc/avrorpc/internal/server"
)

type gizmoRequest struct {
	Name string `avro:"name"`
}

type gizmoResponse struct {
	Name  string `avro:"name"`
	Count int32  `avro:"count"`
}

func gizmoRequestDesc() *avroschema.RecordDescriptor {
	return &avroschema.RecordDescriptor{
		Name: "GizmoRequest",
		Fields: []avroschema.Field{
			{Name: "name", Type: avroschema.String()},
		},
	}
}

func gizmoResponseDesc() *avroschema.RecordDescriptor {
	return &avroschema.RecordDescriptor{
		Name: "GizmoResponse",
		Fields: []avroschema.Field{
			{Name: "name", Type: avroschema.String()},
			{Name: "count", Type: avroschema.Int()},
		},
	}
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Protocol.Namespace = "test.gizmos"
	cfg.Protocol.BuildTagFromVCS = false
	cfg.Cache.MaxEntries = 10

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := server.NewRouter(cfg, logger, metrics.New())

	route := server.Route{
		Path:         "/gizmos",
		Method:       "POST",
		RequestDesc:  gizmoRequestDesc(),
		NewRequest:   func() any { return &gizmoRequest{} },
		ResponseDesc: gizmoResponseDesc(),
		Handler: func(_ context.Context, req any) (any, error) {
			g := req.(*gizmoRequest)
			if g.Name == "" {
				return nil, &errs.ValidationFailure{Detail: []errs.ValidationDetail{
					{Loc: []string{"name"}, Msg: "name is required", Type: "value_error"},
				}}
			}
			return &gizmoResponse{Name: g.Name, Count: int32(len(g.Name))}, nil
		},
	}
	require.NoError(t, rt.Register(route))
	require.NoError(t, rt.Freeze())

	return httptest.NewServer(rt)
}

func newTestGateway(t *testing.T, endpoint string) *Gateway {
	t.Helper()
	gw, err := New(Config{
		Endpoint:     endpoint,
		Method:       "POST",
		Path:         "/gizmos",
		RequestDesc:  gizmoRequestDesc(),
		ResponseDesc: gizmoResponseDesc(),
		NewResponse:  func() any { return &gizmoResponse{} },
		Namespace:    "test.gizmos",
		Attempts:     3,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:      metrics.New(),
	})
	require.NoError(t, err)
	return gw
}

func TestGatewayFirstCallGetsClientMatch(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	gw := newTestGateway(t, ts.URL+"/gizmos")

	result, err := gw.Call(context.Background(), &gizmoRequest{Name: "sprocket"})
	require.NoError(t, err)

	out, ok := result.(*gizmoResponse)
	require.True(t, ok)
	assert.Equal(t, "sprocket", out.Name)
	assert.Equal(t, int32(len("sprocket")), out.Count)

	require.NotNil(t, gw.lastMatch)
	assert.Equal(t, "CLIENT", string(*gw.lastMatch))
}

func TestGatewaySubsequentCallReachesBoth(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	gw := newTestGateway(t, ts.URL+"/gizmos")

	_, err := gw.Call(context.Background(), &gizmoRequest{Name: "first"})
	require.NoError(t, err)
	require.NotNil(t, gw.lastMatch)
	require.Equal(t, "CLIENT", string(*gw.lastMatch))

	result, err := gw.Call(context.Background(), &gizmoRequest{Name: "second"})
	require.NoError(t, err)
	require.NotNil(t, gw.lastMatch)
	assert.Equal(t, "BOTH", string(*gw.lastMatch))

	out, ok := result.(*gizmoResponse)
	require.True(t, ok)
	assert.Equal(t, "second", out.Name)
}

func TestGatewayValidationFailureDecodesAsBuiltin(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	gw := newTestGateway(t, ts.URL+"/gizmos")

	_, err := gw.Call(context.Background(), &gizmoRequest{Name: ""})
	require.Error(t, err)

	var vf *errs.ValidationFailure
	require.True(t, errors.As(err, &vf))
	require.Len(t, vf.Detail, 1)
	assert.Equal(t, "name is required", vf.Detail[0].Msg)
}

func TestGatewayTransportErrorRetriesThenSucceeds(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	gw := newTestGateway(t, ts.URL+"/gizmos")

	var failuresLeft int32 = 2
	gw.cfg.HTTPClient = &http.Client{
		Transport: &flakyRoundTripper{
			failuresLeft: &failuresLeft,
			inner:        http.DefaultTransport,
		},
	}
	gw.cfg.Backoff = func(int) time.Duration { return time.Millisecond }

	result, err := gw.Call(context.Background(), &gizmoRequest{Name: "resilient"})
	require.NoError(t, err)
	out, ok := result.(*gizmoResponse)
	require.True(t, ok)
	assert.Equal(t, "resilient", out.Name)
	assert.Equal(t, int32(0), atomic.LoadInt32(&failuresLeft))
}

func TestGatewayExhaustsAttemptsOnPersistentTransportFailure(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	gw := newTestGateway(t, ts.URL+"/gizmos")

	var failuresLeft int32 = 100
	gw.cfg.HTTPClient = &http.Client{
		Transport: &flakyRoundTripper{
			failuresLeft: &failuresLeft,
			inner:        http.DefaultTransport,
		},
	}
	gw.cfg.Backoff = func(int) time.Duration { return time.Millisecond }
	gw.cfg.Attempts = 2

	_, err := gw.Call(context.Background(), &gizmoRequest{Name: "doomed"})
	require.Error(t, err)

	var te *errs.TransportError
	assert.True(t, errors.As(err, &te))
}

func TestGatewayOneWayEndpointReturnsNil(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Protocol.Namespace = "test.gizmos"
	cfg.Protocol.BuildTagFromVCS = false
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rt := server.NewRouter(cfg, logger, metrics.New())

	var received int32
	route := server.Route{
		Path:        "/gizmos/notify",
		Method:      "POST",
		RequestDesc: gizmoRequestDesc(),
		NewRequest:  func() any { return &gizmoRequest{} },
		Handler: func(_ context.Context, req any) (any, error) {
			atomic.AddInt32(&received, 1)
			return nil, nil
		},
	}
	require.NoError(t, rt.Register(route))
	require.NoError(t, rt.Freeze())

	ts := httptest.NewServer(rt)
	defer ts.Close()

	gw, err := New(Config{
		Endpoint:    ts.URL + "/gizmos/notify",
		Method:      "POST",
		Path:        "/gizmos/notify",
		RequestDesc: gizmoRequestDesc(),
		Namespace:   "test.gizmos",
		Attempts:    1,
		Logger:      logger,
		Metrics:     metrics.New(),
	})
	require.NoError(t, err)

	result, err := gw.Call(context.Background(), &gizmoRequest{Name: "ping"})
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestGatewayNoneWithoutPriorMatchIsIncompatibleProtocols(t *testing.T) {
	ts := newTestServer(t)
	defer ts.Close()
	gw := newTestGateway(t, ts.URL+"/gizmos")

	// Force a NONE outcome by pointing the message id at a route the
	// server never registered; lastMatch is nil on a fresh gateway, so
	// the first NONE is the terminal one (no prior match to drift from).
	gw.messageID = "post_does_not_exist__post"

	_, err := gw.Call(context.Background(), &gizmoRequest{Name: "orphan"})
	require.Error(t, err)

	var ipe *errs.IncompatibleProtocolsError
	assert.True(t, errors.As(err, &ipe))
}

type flakyRoundTripper struct {
	failuresLeft *int32
	inner        http.RoundTripper
}

func (f *flakyRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if atomic.LoadInt32(f.failuresLeft) > 0 {
		atomic.AddInt32(f.failuresLeft, -1)
		return nil, errors.New("simulated transport failure")
	}
	return f.inner.RoundTrip(req)
}
