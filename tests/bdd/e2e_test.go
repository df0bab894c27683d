//go:build bdd

// Package bdd drives internal/server end to end against the six
// literal scenarios of SPEC_FULL.md §8, independent of any single
// package's unit tests.
package bdd

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cucumber/godog"
	"github.com/hamba/avro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avro-ipc/avrorpc/internal/avroschema"
	"github.com/avro-ipc/avrorpc/internal/codec"
	"github.com/avro-ipc/avrorpc/internal/config"
	"github.com/avro-ipc/avrorpc/internal/errs"
	"github.com/avro-ipc/avrorpc/internal/handshake"
	"github.com/avro-ipc/avrorpc/internal/metrics"
	"github.com/avro-ipc/avrorpc/internal/server"
)

type responseModel struct {
	Result bool `avro:"result" json:"result"`
}

func responseModelDesc() *avroschema.RecordDescriptor {
	return &avroschema.RecordDescriptor{
		Name:   "ResponseModel",
		Fields: []avroschema.Field{{Name: "result", Type: avroschema.Boolean()}},
	}
}

type boundedRequest struct {
	B int32 `avro:"b"`
}

func boundedRequestDesc() *avroschema.RecordDescriptor {
	return &avroschema.RecordDescriptor{
		Name:   "BoundedRequest",
		Fields: []avroschema.Field{{Name: "b", Type: avroschema.Int()}},
	}
}

const messageID = "post_e2e__post"

// scenarioState is reset before every scenario (godog constructs a
// fresh *scenarioState per run via InitializeScenario's closure).
type scenarioState struct {
	t *testing.T

	rt   *server.Router
	ts   *httptest.Server
	resp *http.Response
	body []byte

	hsResp       handshake.Response
	callResp     handshake.CallResponse
	callConsumed int

	learnedServerHash *[16]byte
}

func (s *scenarioState) newRouter(route server.Route) {
	cfg := config.DefaultConfig()
	cfg.Protocol.Namespace = "test.e2e"
	cfg.Protocol.BuildTagFromVCS = false
	cfg.Cache.MaxEntries = 10
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s.rt = server.NewRouter(cfg, logger, metrics.New())
	require.NoError(s.t, s.rt.Register(route))
	require.NoError(s.t, s.rt.Freeze())
	s.ts = httptest.NewServer(s.rt)
}

func (s *scenarioState) aServerWithAnEndpointReturning() error {
	s.newRouter(server.Route{
		Path:         "/e2e",
		Method:       "POST",
		ResponseDesc: responseModelDesc(),
		Handler: func(_ context.Context, _ any) (any, error) {
			return &responseModel{Result: true}, nil
		},
	})
	return nil
}

func (s *scenarioState) aServerWithARegisteredEndpoint() error {
	return s.aServerWithAnEndpointReturning()
}

func (s *scenarioState) theClientPOSTsAJSONBodyWithoutAnAvroAcceptHeader() error {
	body, err := json.Marshal(map[string]any{})
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/e2e", newBodyReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	s.resp = resp
	s.body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	return err
}

func (s *scenarioState) theResponseStatusIs(status int) error {
	if s.resp.StatusCode != status {
		return fmt.Errorf("expected status %d, got %d", status, s.resp.StatusCode)
	}
	return nil
}

func (s *scenarioState) theResponseContentTypeIsJSON() error {
	ct := s.resp.Header.Get("Content-Type")
	if ct != "application/json" {
		return fmt.Errorf("expected application/json, got %q", ct)
	}
	return nil
}

func (s *scenarioState) theJSONResponseBodyIs(expected string) error {
	var got, want map[string]any
	if err := json.Unmarshal(s.body, &got); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(expected), &want); err != nil {
		return err
	}
	assert.Equal(s.t, want, got)
	return nil
}

func (s *scenarioState) theClientSendsASingleMalformedFrameContaining(payload string) error {
	// One length-prefixed frame plus the zero-length terminator: a
	// complete wire message whose accumulated bytes are not a valid
	// HandshakeRequest datum.
	return s.post(codec.FrameMessage([]byte(payload)))
}

func (s *scenarioState) post(body []byte) error {
	req, err := http.NewRequest(http.MethodPost, s.ts.URL+"/e2e", newBodyReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "avro/binary")
	req.Header.Set("Accept", "avro/binary")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	s.resp = resp
	s.body, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return err
	}
	return s.decodeFrames()
}

func (s *scenarioState) decodeFrames() error {
	hsPayload, consumed, err := codec.ConcatFrames(s.body)
	if err != nil {
		return err
	}
	var hsResp handshake.Response
	if err := codec.Decode(handshake.HandshakeResponseSchema, hsPayload, &hsResp); err != nil {
		return err
	}
	s.hsResp = hsResp
	s.callConsumed = consumed

	callPayload, _, err := codec.ConcatFrames(s.body[consumed:])
	if err != nil {
		return err
	}
	var callResp handshake.CallResponse
	if err := codec.Decode(handshake.CallResponseAvroSchema, callPayload, &callResp); err != nil {
		return err
	}
	s.callResp = callResp
	return nil
}

func (s *scenarioState) theHandshakeMatchIs(match string) error {
	if string(s.hsResp.Match) != match {
		return fmt.Errorf("expected match %s, got %s", match, s.hsResp.Match)
	}
	return nil
}

func (s *scenarioState) theResponseServerHashEqualsTheMd5OfTheServerProtocolJSON() error {
	if s.hsResp.ServerHash == nil {
		return fmt.Errorf("expected a server hash in the response")
	}
	want := md5.Sum([]byte(s.rt.ProtocolJSON()))
	if *s.hsResp.ServerHash != want {
		return fmt.Errorf("server hash mismatch")
	}
	return nil
}

func (s *scenarioState) theCallResponseIsAnErrorCarryingStatus(status int) error {
	if !s.callResp.Error {
		return fmt.Errorf("expected an error call response")
	}
	name, fields, err := decodeBuiltinErrorUnion(s.callResp.Response)
	if err != nil {
		return err
	}
	if name != "com.avrorpc.builtin.Error" {
		return fmt.Errorf("expected a built-in Error, got %s", name)
	}
	var e handshake.BuiltinError
	if err := codec.FromRecordFields(fields, &e); err != nil {
		return err
	}
	if int(e.Status) != status {
		return fmt.Errorf("expected status %d, got %d", status, e.Status)
	}
	return nil
}

func (s *scenarioState) theClientSendsAFirstRequestWithItsFullProtocolAndTheWrongServerHash() error {
	clientProtoJSON := clientProtocolJSON(s.t, responseModelDesc())
	clientHash := [16]byte{1, 2, 3}
	return s.handshakeAndCall(&clientProtoJSON, handshake.MD5Sentinel, clientHash)
}

// handshakeAndCall sends a handshake + call with no request body —
// every scenario that reaches this helper targets an endpoint that
// takes none.
func (s *scenarioState) handshakeAndCall(clientProto *string, serverHash, clientHash [16]byte) error {
	hsReq := handshake.Request{ClientHash: clientHash, ClientProtocol: clientProto, ServerHash: serverHash}
	hsBytes, err := codec.Encode(handshake.HandshakeRequestSchema, hsReq)
	if err != nil {
		return err
	}

	callReq := handshake.CallRequest{Message: messageID, Request: nil}
	callBytes, err := codec.Encode(handshake.CallRequestAvroSchema, callReq)
	if err != nil {
		return err
	}

	return s.post(append(codec.FrameMessage(hsBytes), codec.FrameMessage(callBytes)...))
}

func (s *scenarioState) theResponseServerProtocolIsPresentAndItsHashMatchesTheServers() error {
	if s.hsResp.ServerProtocol == nil {
		return fmt.Errorf("expected a server protocol in the response")
	}
	got := md5.Sum([]byte(*s.hsResp.ServerProtocol))
	want := md5.Sum([]byte(s.rt.ProtocolJSON()))
	if got != want {
		return fmt.Errorf("server protocol hash mismatch")
	}
	s.learnedServerHash = s.hsResp.ServerHash
	return nil
}

func (s *scenarioState) theCallResponseDecodesToResponseModelResultTrue() error {
	if s.callResp.Error {
		return fmt.Errorf("unexpected error call response")
	}
	schema, err := avro.Parse(mustGenerate(s.t, responseModelDesc()))
	if err != nil {
		return err
	}
	var out responseModel
	if err := codec.Decode(schema, s.callResp.Response, &out); err != nil {
		return err
	}
	if !out.Result {
		return fmt.Errorf("expected result=true")
	}
	return nil
}

func (s *scenarioState) theClientSendsASecondRequestUsingTheLearnedServerHashAndNoClientProtocol() error {
	if s.learnedServerHash == nil {
		return fmt.Errorf("no learned server hash from the prior step")
	}
	return s.handshakeAndCall(nil, *s.learnedServerHash, [16]byte{1, 2, 3})
}

func (s *scenarioState) theResponseOmitsBothServerHashAndServerProtocol() error {
	if s.hsResp.ServerHash != nil || s.hsResp.ServerProtocol != nil {
		return fmt.Errorf("expected BOTH response to omit server hash and protocol")
	}
	return nil
}

func (s *scenarioState) aServerWithAOneWayEndpointDeclaredWithStatus204() error {
	s.newRouter(server.Route{
		Path:       "/e2e",
		Method:     "POST",
		StatusCode: http.StatusNoContent,
		Handler: func(_ context.Context, _ any) (any, error) {
			return nil, nil
		},
	})
	return nil
}

func (s *scenarioState) theClientCallsTheOneWayEndpoint() error {
	clientProtoJSON := clientProtocolJSONOneWay(s.t)
	return s.handshakeAndCall(&clientProtoJSON, handshake.MD5Sentinel, [16]byte{4, 4, 4})
}

func (s *scenarioState) theServerProtocolDeclaresTheEndpointsMessageAsOneWay() error {
	var proto handshake.AvroProtocol
	if err := json.Unmarshal([]byte(s.rt.ProtocolJSON()), &proto); err != nil {
		return err
	}
	msg, ok := proto.Messages[messageID]
	if !ok {
		return fmt.Errorf("server protocol has no message %q", messageID)
	}
	if !msg.OneWay {
		return fmt.Errorf("expected oneWay=true")
	}
	return nil
}

func (s *scenarioState) theCallResponsePayloadIsEmpty() error {
	if s.callResp.Error {
		return fmt.Errorf("unexpected error call response")
	}
	if len(s.callResp.Response) != 0 {
		return fmt.Errorf("expected empty response payload, got %d bytes", len(s.callResp.Response))
	}
	return nil
}

func (s *scenarioState) aServerEndpointExpectingAPositiveFieldB() error {
	s.newRouter(server.Route{
		Path:        "/e2e",
		Method:      "POST",
		RequestDesc: boundedRequestDesc(),
		NewRequest:  func() any { return &boundedRequest{} },
		Handler: func(_ context.Context, req any) (any, error) {
			b := req.(*boundedRequest)
			if b.B <= 0 {
				return nil, &errs.ValidationFailure{Detail: []errs.ValidationDetail{
					{Loc: []string{"b"}, Msg: "b must be positive", Type: "value_error"},
				}}
			}
			return nil, nil
		},
	})
	return nil
}

func (s *scenarioState) theClientSendsBNegative2() error {
	clientProtoJSON := clientProtocolJSONBounded(s.t)
	schema, err := avro.Parse(mustGenerate(s.t, boundedRequestDesc()))
	if err != nil {
		return err
	}
	reqBytes, err := codec.Encode(schema, &boundedRequest{B: -2})
	if err != nil {
		return err
	}
	hsReq := handshake.Request{ClientHash: [16]byte{8}, ClientProtocol: &clientProtoJSON, ServerHash: handshake.MD5Sentinel}
	hsBytes, err := codec.Encode(handshake.HandshakeRequestSchema, hsReq)
	if err != nil {
		return err
	}
	callReq := handshake.CallRequest{Message: messageID, Request: reqBytes}
	callBytes, err := codec.Encode(handshake.CallRequestAvroSchema, callReq)
	if err != nil {
		return err
	}
	return s.post(append(codec.FrameMessage(hsBytes), codec.FrameMessage(callBytes)...))
}

func (s *scenarioState) theCallResponseIsAnError() error {
	if !s.callResp.Error {
		return fmt.Errorf("expected an error call response")
	}
	return nil
}

// decodeBuiltinErrorUnion decodes an error payload with the errors
// union every scenario server here carries: no route declares its own
// error types, so the union is exactly [Error, ValidationError].
func decodeBuiltinErrorUnion(payload []byte) (string, map[string]any, error) {
	union, err := avro.Parse("[" + handshake.BuiltinErrorSchema + "," + handshake.BuiltinValidationErrorSchema + "]")
	if err != nil {
		return "", nil, err
	}
	return codec.DecodeUnionBranch(union, payload)
}

func (s *scenarioState) decodingTheErrorUnionYieldsAValidationError() error {
	name, fields, err := decodeBuiltinErrorUnion(s.callResp.Response)
	if err != nil {
		return err
	}
	if name != "com.avrorpc.builtin.ValidationError" {
		return fmt.Errorf("expected a ValidationError, got %s", name)
	}
	var verr handshake.BuiltinValidationError
	if err := codec.FromRecordFields(fields, &verr); err != nil {
		return err
	}
	if len(verr.Detail) == 0 {
		return fmt.Errorf("expected at least one validation detail")
	}
	return nil
}

func newBodyReader(b []byte) io.Reader { return io.NopCloser(newByteReader(b)) }

type byteReader struct {
	b []byte
	i int
}

func newByteReader(b []byte) *byteReader { return &byteReader{b: b} }

func (r *byteReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

func clientProtocolJSON(t *testing.T, respDesc *avroschema.RecordDescriptor) string {
	t.Helper()
	respRaw, err := avroschema.GenerateNamed(respDesc, false)
	require.NoError(t, err)
	proto := handshake.AvroProtocol{
		Namespace: "test.e2e",
		Protocol:  "AvroRPC",
		Messages: map[string]handshake.AvroMessage{
			messageID: {
				Request:  []json.RawMessage{},
				Response: respRaw,
				Errors: []json.RawMessage{
					json.RawMessage(handshake.BuiltinErrorSchema),
					json.RawMessage(handshake.BuiltinValidationErrorSchema),
				},
			},
		},
	}
	b, err := json.Marshal(proto)
	require.NoError(t, err)
	return string(b)
}

func clientProtocolJSONOneWay(t *testing.T) string {
	t.Helper()
	proto := handshake.AvroProtocol{
		Namespace: "test.e2e",
		Protocol:  "AvroRPC",
		Messages: map[string]handshake.AvroMessage{
			messageID: {
				Request:  []json.RawMessage{},
				Response: avroschema.NullSchema,
				OneWay:   true,
				Errors: []json.RawMessage{
					json.RawMessage(handshake.BuiltinErrorSchema),
					json.RawMessage(handshake.BuiltinValidationErrorSchema),
				},
			},
		},
	}
	b, err := json.Marshal(proto)
	require.NoError(t, err)
	return string(b)
}

func clientProtocolJSONBounded(t *testing.T) string {
	t.Helper()
	reqFields, err := avroschema.GenerateFields(boundedRequestDesc().Fields, "")
	require.NoError(t, err)
	proto := handshake.AvroProtocol{
		Namespace: "test.e2e",
		Protocol:  "AvroRPC",
		Messages: map[string]handshake.AvroMessage{
			messageID: {
				Request:  reqFields,
				Response: avroschema.NullSchema,
				OneWay:   true,
				Errors: []json.RawMessage{
					json.RawMessage(handshake.BuiltinErrorSchema),
					json.RawMessage(handshake.BuiltinValidationErrorSchema),
				},
			},
		},
	}
	b, err := json.Marshal(proto)
	require.NoError(t, err)
	return string(b)
}

func mustGenerate(t *testing.T, desc *avroschema.RecordDescriptor) string {
	t.Helper()
	raw, err := avroschema.GenerateNamed(desc, false)
	require.NoError(t, err)
	return string(raw)
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	var s *scenarioState

	ctx.Before(func(goCtx context.Context, sc *godog.Scenario) (context.Context, error) {
		s = &scenarioState{}
		return goCtx, nil
	})
	ctx.After(func(goCtx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		if s.ts != nil {
			s.ts.Close()
		}
		return goCtx, err
	})

	ctx.Step(`^a server with an endpoint returning ResponseModel\{result:true\}$`, func() error { return s.aServerWithAnEndpointReturning() })
	ctx.Step(`^a server with a registered endpoint$`, func() error { return s.aServerWithARegisteredEndpoint() })
	ctx.Step(`^the client POSTs a JSON body without an avro accept header$`, func() error { return s.theClientPOSTsAJSONBodyWithoutAnAvroAcceptHeader() })
	ctx.Step(`^the response status is (\d+)$`, func(status int) error { return s.theResponseStatusIs(status) })
	ctx.Step(`^the response content type is JSON$`, func() error { return s.theResponseContentTypeIsJSON() })
	ctx.Step(`^the JSON response body is (.+)$`, func(expected string) error { return s.theJSONResponseBodyIs(expected) })
	ctx.Step(`^the client sends a single malformed frame containing "([^"]*)"$`, func(payload string) error {
		return s.theClientSendsASingleMalformedFrameContaining(payload)
	})
	ctx.Step(`^the handshake match is "([^"]*)"$`, func(match string) error { return s.theHandshakeMatchIs(match) })
	ctx.Step(`^the response server hash equals the md5 of the server protocol json$`, func() error {
		return s.theResponseServerHashEqualsTheMd5OfTheServerProtocolJSON()
	})
	ctx.Step(`^the call response is an error carrying status (\d+)$`, func(status int) error {
		return s.theCallResponseIsAnErrorCarryingStatus(status)
	})
	ctx.Step(`^the client sends a first request with its full protocol and the wrong server hash$`, func() error {
		return s.theClientSendsAFirstRequestWithItsFullProtocolAndTheWrongServerHash()
	})
	ctx.Step(`^the response server protocol is present and its hash matches the server's$`, func() error {
		return s.theResponseServerProtocolIsPresentAndItsHashMatchesTheServers()
	})
	ctx.Step(`^the call response decodes to ResponseModel\{result:true\}$`, func() error {
		return s.theCallResponseDecodesToResponseModelResultTrue()
	})
	ctx.Step(`^the client sends a second request using the learned server hash and no client protocol$`, func() error {
		return s.theClientSendsASecondRequestUsingTheLearnedServerHashAndNoClientProtocol()
	})
	ctx.Step(`^the response omits both server hash and server protocol$`, func() error {
		return s.theResponseOmitsBothServerHashAndServerProtocol()
	})
	ctx.Step(`^a server with a oneWay endpoint declared with status 204$`, func() error {
		return s.aServerWithAOneWayEndpointDeclaredWithStatus204()
	})
	ctx.Step(`^the client calls the oneWay endpoint$`, func() error { return s.theClientCallsTheOneWayEndpoint() })
	ctx.Step(`^the server protocol declares the endpoint's message as oneWay$`, func() error {
		return s.theServerProtocolDeclaresTheEndpointsMessageAsOneWay()
	})
	ctx.Step(`^the call response payload is empty$`, func() error { return s.theCallResponsePayloadIsEmpty() })
	ctx.Step(`^a server endpoint expecting a positive field B$`, func() error { return s.aServerEndpointExpectingAPositiveFieldB() })
	ctx.Step(`^the client sends B = -2$`, func() error { return s.theClientSendsBNegative2() })
	ctx.Step(`^the call response is an error$`, func() error { return s.theCallResponseIsAnError() })
	ctx.Step(`^decoding the error union yields a ValidationError$`, func() error { return s.decodingTheErrorUnionYieldsAValidationError() })
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
