// Package client implements the Avro RPC gateway: the client-side
// counterpart of the handshake and call dispatch implemented by
// internal/server (SPEC_FULL.md §4.5).
package client

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/hamba/avro/v2"

	"github.com/avro-ipc/avrorpc/internal/avroschema"
	"github.com/avro-ipc/avrorpc/internal/codec"
	"github.com/avro-ipc/avrorpc/internal/errs"
	"github.com/avro-ipc/avrorpc/internal/handshake"
	"github.com/avro-ipc/avrorpc/internal/metrics"
	"github.com/avro-ipc/avrorpc/internal/rpcname"
)

const (
	contentTypeAvro = "avro/binary"
	headerMatch     = "avro-handshake-match"
)

// BackoffFunc computes the sleep duration before retry attempt n (1-based).
type BackoffFunc func(attempt int) time.Duration

// DefaultBackoff is attempt**2 seconds, matching the distilled
// source's default (SPEC_FULL.md §4.5 step 6).
func DefaultBackoff(attempt int) time.Duration {
	return time.Duration(math.Pow(float64(attempt), 2) * float64(time.Second))
}

// Config configures a Gateway for a single endpoint target.
type Config struct {
	Endpoint string
	Method   string
	Path     string

	// RequestDesc is nil when the endpoint expects no request body.
	RequestDesc *avroschema.RecordDescriptor
	// ResponseDesc is nil for a oneWay endpoint.
	ResponseDesc *avroschema.RecordDescriptor
	// NewResponse constructs the zero-value decode destination.
	// Required when ResponseDesc is non-nil.
	NewResponse func() any
	// ErrorDescs lists error record types this client knows how to
	// decode beyond the two built-ins.
	ErrorDescs []*avroschema.RecordDescriptor

	// Namespace is the client's own declared protocol namespace.
	Namespace string

	Attempts int
	Timeout  time.Duration
	Backoff  BackoffFunc

	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Metrics
}

// Gateway is the client-side counterpart of internal/server's Router:
// it performs the Avro IPC handshake against one endpoint, adapts to
// the server's declared response schema, and retries transport
// failures and handshake drift per SPEC_FULL.md §4.5.
type Gateway struct {
	cfg Config

	messageID       string
	requestSchema   avro.Schema
	responseSchema  avro.Schema
	errorUnion      avro.Schema
	clientProtoJSON string

	mu             sync.Mutex
	clientHash     [16]byte
	serverHash     [16]byte
	lastMatch      *handshake.Match
	responseReader *codec.ResolvingDecoder
	errorReader    *codec.ResolvingDecoder
}

// New builds a Gateway, generating its client-side protocol
// descriptor and schemas the same way route registration does on
// the server (SPEC_FULL.md §6), so the two sides only ever need to
// agree by convention, never by shared code.
func New(cfg Config) (*Gateway, error) {
	if cfg.Method != "POST" {
		return nil, errs.NewSchemaError("gateway for %s %s: only POST is supported over the avro wire", cfg.Method, cfg.Path)
	}
	if cfg.ResponseDesc != nil && cfg.NewResponse == nil {
		return nil, errs.NewSchemaError("gateway for %s %s declares a response type but no NewResponse constructor", cfg.Method, cfg.Path)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "com.example.rpc.client"
	}

	messageID := rpcname.DeriveMessageID(cfg.Method, cfg.Path)

	var requestSchema avro.Schema
	var err error
	if cfg.RequestDesc != nil {
		reqJSON, genErr := avroschema.Generate(cfg.RequestDesc, false)
		if genErr != nil {
			return nil, genErr
		}
		requestSchema, err = avro.Parse(reqJSON)
		if err != nil {
			return nil, errs.NewSchemaError("parsing client request schema for %s: %v", messageID, err)
		}
	}

	responseSchema, err := avro.Parse(string(avroschema.NullSchema))
	if err != nil {
		return nil, errs.NewSchemaError("parsing null response schema: %v", err)
	}
	if cfg.ResponseDesc != nil {
		respJSON, genErr := avroschema.Generate(cfg.ResponseDesc, false)
		if genErr != nil {
			return nil, genErr
		}
		responseSchema, err = avro.Parse(respJSON)
		if err != nil {
			return nil, errs.NewSchemaError("parsing client response schema for %s: %v", messageID, err)
		}
	}

	errorRaws := []json.RawMessage{
		json.RawMessage(handshake.BuiltinErrorSchema),
		json.RawMessage(handshake.BuiltinValidationErrorSchema),
	}
	for _, d := range cfg.ErrorDescs {
		raw, genErr := avroschema.GenerateNamed(d, true)
		if genErr != nil {
			return nil, genErr
		}
		errorRaws = append(errorRaws, raw)
	}
	unionJSON, err := json.Marshal(errorRaws)
	if err != nil {
		return nil, errs.NewSchemaError("marshaling client error union: %v", err)
	}
	errorUnion, err := avro.Parse(string(unionJSON))
	if err != nil {
		return nil, errs.NewSchemaError("parsing client error union: %v", err)
	}

	reqFields := []json.RawMessage{}
	if cfg.RequestDesc != nil {
		reqFields, err = avroschema.GenerateFields(cfg.RequestDesc.Fields, cfg.RequestDesc.Namespace)
		if err != nil {
			return nil, err
		}
	}
	responseRaw := avroschema.NullSchema
	if cfg.ResponseDesc != nil {
		responseRaw, err = avroschema.GenerateNamed(cfg.ResponseDesc, false)
		if err != nil {
			return nil, err
		}
	}

	proto := handshake.AvroProtocol{
		Namespace: cfg.Namespace,
		Protocol:  "AvroRPC",
		Messages: map[string]handshake.AvroMessage{
			messageID: {
				Request:  reqFields,
				Response: responseRaw,
				Errors:   errorRaws,
				OneWay:   cfg.ResponseDesc == nil,
			},
		},
	}
	protoBytes, err := marshalCanonical(proto)
	if err != nil {
		return nil, errs.NewSchemaError("marshaling client protocol: %v", err)
	}

	return &Gateway{
		cfg:             cfg,
		messageID:       messageID,
		requestSchema:   requestSchema,
		responseSchema:  responseSchema,
		errorUnion:      errorUnion,
		clientProtoJSON: string(protoBytes),
		clientHash:      md5.Sum(protoBytes),
		serverHash:      handshake.MD5Sentinel,
	}, nil
}

// marshalCanonical renders v deterministically, mirroring
// internal/server's protocolState so the two sides' hashes agree
// whenever their declared schemas agree.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Call performs the endpoint invocation, retrying transport failures
// with backoff up to cfg.Attempts (SPEC_FULL.md §4.5 step 6). reqVal
// is ignored when the endpoint takes no request body; the returned
// value is nil for a oneWay endpoint.
func (g *Gateway) Call(ctx context.Context, reqVal any) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= g.cfg.Attempts; attempt++ {
		result, err := g.attempt(ctx, reqVal)
		if err == nil {
			return result, nil
		}

		var transportErr *errs.TransportError
		if !errors.As(err, &transportErr) {
			return nil, err
		}

		lastErr = err
		g.cfg.Metrics.RecordClientRetry("transport")
		if attempt == g.cfg.Attempts {
			break
		}
		select {
		case <-time.After(g.cfg.Backoff(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("exhausted %d attempts calling %s: %w", g.cfg.Attempts, g.messageID, lastErr)
}

// attempt performs one HTTP round trip, transparently retrying once
// on a NONE outcome caused by protocol drift (SPEC_FULL.md §4.5 step
// 3) — that retry is immediate, with no backoff, and is a second HTTP
// round trip that carries the full clientProtocol.
func (g *Gateway) attempt(ctx context.Context, reqVal any) (any, error) {
	for {
		result, none, err := g.roundTrip(ctx, reqVal)
		if err != nil {
			return nil, err
		}
		if !none {
			return result, nil
		}

		g.mu.Lock()
		hadMatch := g.lastMatch != nil
		g.lastMatch = nil
		g.mu.Unlock()

		if !hadMatch {
			return nil, errs.NewIncompatibleProtocolsError("server rejected handshake for %s with no earlier match to recover from", g.messageID)
		}
		// lastMatch is now nil, so the next roundTrip includes the
		// full clientProtocol and may recover to CLIENT or BOTH.
	}
}

// roundTrip performs exactly one HTTP exchange. The bool return is
// true when the handshake outcome was NONE (the caller decides
// whether to retry); err is non-nil for any other failure. The
// NONE-carried error payload is not an error here — NONE always
// carries an Error datum the dispatcher already logged server-side,
// so the client only needs the match itself to decide what's next.
func (g *Gateway) roundTrip(ctx context.Context, reqVal any) (any, bool, error) {
	reqBytes, err := g.encodeRequest(reqVal)
	if err != nil {
		return nil, false, err
	}

	g.mu.Lock()
	includeProto := g.lastMatch == nil || *g.lastMatch != handshake.MatchBoth
	sendBothHeader := g.lastMatch != nil && *g.lastMatch == handshake.MatchBoth
	var clientProtoPtr *string
	if includeProto {
		cp := g.clientProtoJSON
		clientProtoPtr = &cp
	}
	hsReq := handshake.Request{
		ClientHash:     g.clientHash,
		ClientProtocol: clientProtoPtr,
		ServerHash:     g.serverHash,
	}
	g.mu.Unlock()

	hsBytes, err := codec.Encode(handshake.HandshakeRequestSchema, hsReq)
	if err != nil {
		return nil, false, err
	}
	callReq := handshake.CallRequest{Message: g.messageID, Request: reqBytes}
	callBytes, err := codec.Encode(handshake.CallRequestAvroSchema, callReq)
	if err != nil {
		return nil, false, err
	}

	// The handshake and call regions are each their own independently
	// terminated frame message — not one message sharing a single
	// terminator — so the server can recover the split by running
	// ConcatFrames twice in sequence (SPEC_FULL.md §6).
	body := append(codec.FrameMessage(hsBytes), codec.FrameMessage(callBytes)...)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, false, errs.NewTransportError(err)
	}
	httpReq.Header.Set("Content-Type", contentTypeAvro)
	httpReq.Header.Set("Accept", "avro/binary, application/json")
	if sendBothHeader {
		httpReq.Header.Set(headerMatch, string(handshake.MatchBoth))
	}

	resp, err := g.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, false, errs.NewTransportError(err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, errs.NewTransportError(err)
	}
	if resp.StatusCode >= 500 {
		return nil, false, errs.NewTransportError(fmt.Errorf("server returned %d", resp.StatusCode))
	}
	if resp.Header.Get("Content-Type") != contentTypeAvro {
		return nil, false, g.decodeJSONError(respBody, resp.StatusCode)
	}

	// The server omits the handshake frame only when it recomputed
	// match as BOTH and we claimed BOTH via the header; the response
	// header always carries the server's true recomputed match, so
	// that (not our own request) is what decides whether a handshake
	// frame is actually present.
	responseMatchHeader := handshake.Match(resp.Header.Get(headerMatch))
	var hsResp handshake.Response
	offset := 0
	if sendBothHeader && responseMatchHeader == handshake.MatchBoth {
		hsResp = handshake.Response{Match: handshake.MatchBoth}
	} else {
		hsPayload, consumed, concatErr := codec.ConcatFrames(respBody)
		if concatErr != nil {
			return nil, false, errs.NewDecodeError("malformed handshake frame: %v", concatErr)
		}
		if decErr := codec.Decode(handshake.HandshakeResponseSchema, hsPayload, &hsResp); decErr != nil {
			return nil, false, decErr
		}
		offset = consumed
	}

	if hsResp.Match == handshake.MatchNone {
		return nil, true, nil
	}

	if hsResp.Match == handshake.MatchClient {
		if err := g.adoptServerProtocol(hsResp); err != nil {
			return nil, false, err
		}
	}

	match := hsResp.Match
	g.mu.Lock()
	g.lastMatch = &match
	g.mu.Unlock()

	callPayload, _, err := codec.ConcatFrames(respBody[offset:])
	if err != nil {
		return nil, false, errs.NewDecodeError("malformed call frame: %v", err)
	}
	if len(callPayload) == 0 {
		return nil, false, nil
	}

	var callResp handshake.CallResponse
	if err := codec.Decode(handshake.CallResponseAvroSchema, callPayload, &callResp); err != nil {
		return nil, false, err
	}

	if callResp.Error {
		return nil, false, g.decodeError(callResp.Response)
	}
	resp2, err := g.decodeResponse(callResp.Response)
	return resp2, false, err
}

func (g *Gateway) encodeRequest(reqVal any) ([]byte, error) {
	if g.cfg.RequestDesc == nil {
		return nil, nil
	}
	return codec.Encode(g.requestSchema, reqVal)
}

// adoptServerProtocol implements SPEC_FULL.md §4.5 step 4: locate the
// response (and error) schema the server actually declared for this
// message, and rebuild the resolving decoders that bridge it to this
// client's own expected types.
func (g *Gateway) adoptServerProtocol(hsResp handshake.Response) error {
	if hsResp.ServerProtocol == nil {
		return errs.NewDecodeError("CLIENT handshake match missing serverProtocol")
	}
	var serverProto handshake.AvroProtocol
	if err := json.Unmarshal([]byte(*hsResp.ServerProtocol), &serverProto); err != nil {
		return errs.NewDecodeError("server protocol is not valid JSON: %v", err)
	}
	msg, ok := serverProto.Messages[g.messageID]
	if !ok {
		return errs.NewDecodeError("server protocol does not declare message %q", g.messageID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cfg.ResponseDesc != nil {
		serverRespSchema, err := avro.Parse(string(msg.Response))
		if err != nil {
			return errs.NewDecodeError("server response schema for %q is not valid avro: %v", g.messageID, err)
		}
		g.responseReader = codec.NewResolvingDecoder(serverRespSchema, g.responseSchema)
	}

	if len(msg.Errors) > 0 {
		unionJSON, err := json.Marshal(msg.Errors)
		if err != nil {
			return errs.NewDecodeError("marshaling server error union: %v", err)
		}
		serverErrSchema, err := avro.Parse(string(unionJSON))
		if err != nil {
			return errs.NewDecodeError("server error union is not valid avro: %v", err)
		}
		g.errorReader = codec.NewResolvingDecoder(serverErrSchema, g.errorUnion)
	}

	if hsResp.ServerHash != nil {
		g.serverHash = *hsResp.ServerHash
	}
	return nil
}

func (g *Gateway) decodeResponse(data []byte) (any, error) {
	if g.cfg.ResponseDesc == nil {
		return nil, nil
	}
	dest := g.cfg.NewResponse()

	g.mu.Lock()
	reader := g.responseReader
	g.mu.Unlock()

	if reader != nil {
		if err := reader.Decode(data, dest); err != nil {
			return nil, err
		}
		return dest, nil
	}
	if err := codec.Decode(g.responseSchema, data, dest); err != nil {
		return nil, err
	}
	return dest, nil
}

func (g *Gateway) decodeError(data []byte) error {
	g.mu.Lock()
	reader := g.errorReader
	g.mu.Unlock()

	var branchName string
	var fields map[string]any
	var err error
	if reader != nil {
		branchName, fields, err = codec.ResolveUnion(reader.Writer, reader.Reader, data)
	} else {
		branchName, fields, err = codec.DecodeUnionBranch(g.errorUnion, data)
	}
	if err != nil {
		return err
	}

	switch branchName {
	case "com.avrorpc.builtin.Error":
		var e handshake.BuiltinError
		if decErr := codec.FromRecordFields(fields, &e); decErr != nil {
			return decErr
		}
		return &errs.RemoteError{TypeName: branchName, Status: int(e.Status), Message: e.Error}

	case "com.avrorpc.builtin.ValidationError":
		var ve handshake.BuiltinValidationError
		if decErr := codec.FromRecordFields(fields, &ve); decErr != nil {
			return decErr
		}
		detail := make([]errs.ValidationDetail, len(ve.Detail))
		for i, d := range ve.Detail {
			detail[i] = errs.ValidationDetail{Loc: d.Loc, Msg: d.Msg, Type: d.Type}
		}
		return &errs.ValidationFailure{Detail: detail}

	default:
		return &errs.RemoteError{TypeName: branchName, Fields: fields}
	}
}

func (g *Gateway) decodeJSONError(body []byte, status int) error {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return errs.NewTransportError(fmt.Errorf("unexpected non-avro response (status %d): %s", status, string(body)))
	}
	return errs.NewTransportError(fmt.Errorf("%s (status %d)", payload.Error, status))
}
