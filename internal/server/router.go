package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/hamba/avro/v2"

	"github.com/avro-ipc/avrorpc/internal/avroschema"
	"github.com/avro-ipc/avrorpc/internal/codec"
	"github.com/avro-ipc/avrorpc/internal/compatcache"
	"github.com/avro-ipc/avrorpc/internal/config"
	"github.com/avro-ipc/avrorpc/internal/errs"
	"github.com/avro-ipc/avrorpc/internal/handshake"
	"github.com/avro-ipc/avrorpc/internal/metrics"
	"github.com/avro-ipc/avrorpc/internal/rpcname"
)

const (
	contentTypeAvro = "avro/binary"
	headerMatch     = "avro-handshake-match"
)

// Router is the Avro IPC-over-HTTP dispatcher (SPEC_FULL.md §4.4). It
// owns the registered endpoints, the server protocol descriptor, and
// the per-client compatibility cache.
type Router struct {
	mux      chi.Router
	protocol *protocolState
	cache    *compatcache.Cache
	logger   *slog.Logger
	metrics  *metrics.Metrics

	namespace      string
	routes         map[string]*Route
	errorFullNames map[string]string // record name -> fully qualified union branch name
}

// NewRouter builds a Router ready to accept Register calls. Common
// middleware is wired the way the teacher chains it: request id,
// real ip, structured logging, metrics, then a per-request timeout —
// recovery from a panicking handler is done inside the Avro dispatch
// itself, since a bare 500 text body would not be a valid Avro
// response (SPEC_FULL.md §7).
func NewRouter(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Router {
	rt := &Router{
		mux:            chi.NewRouter(),
		protocol:       newProtocolState(cfg.Protocol.Namespace, cfg.Protocol.BuildTagFromVCS),
		cache:          compatcache.New(cfg.Cache.MaxEntries),
		logger:         logger,
		metrics:        m,
		namespace:      cfg.Protocol.Namespace,
		routes:         make(map[string]*Route),
		errorFullNames: make(map[string]string),
	}
	rt.errorFullNames["Error"] = "com.avrorpc.builtin.Error"
	rt.errorFullNames["ValidationError"] = "com.avrorpc.builtin.ValidationError"

	rt.mux.Use(middleware.RequestID)
	rt.mux.Use(middleware.RealIP)
	rt.mux.Use(rt.loggingMiddleware)
	rt.mux.Use(m.Middleware)
	rt.mux.Use(middleware.Timeout(30 * time.Second))

	rt.mux.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		m.Handler().ServeHTTP(w, r)
	})

	return rt
}

func (rt *Router) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		defer func() {
			rt.logger.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
			)
		}()
		next.ServeHTTP(ww, r)
	})
}

// Register adds one endpoint to both the HTTP mux and the server
// protocol descriptor. Calling Register twice for the same
// (method, path) is a no-op (P6): the second call is logged as a
// warning and otherwise ignored, rather than treated as an error.
func (rt *Router) Register(route Route) error {
	if err := validateRoute(route); err != nil {
		return err
	}
	messageID := rpcname.DeriveMessageID(route.Method, route.Path)
	route.messageID = messageID

	if rt.protocol.hasMessage(messageID) || rt.routes[messageID] != nil {
		rt.logger.Warn("duplicate route registration ignored", slog.String("messageId", messageID))
		return nil
	}

	var err error
	if route.RequestDesc != nil {
		reqJSON, genErr := avroschema.Generate(route.RequestDesc, false)
		if genErr != nil {
			return genErr
		}
		route.requestSchema, err = avro.Parse(reqJSON)
		if err != nil {
			return errs.NewSchemaError("parsing generated request schema for %s: %v", messageID, err)
		}
	}

	if route.ResponseDesc != nil {
		respJSON, genErr := avroschema.Generate(route.ResponseDesc, false)
		if genErr != nil {
			return genErr
		}
		route.responseSchema, err = avro.Parse(respJSON)
		if err != nil {
			return errs.NewSchemaError("parsing generated response schema for %s: %v", messageID, err)
		}
	} else {
		route.responseSchema, err = avro.Parse(string(avroschema.NullSchema))
		if err != nil {
			return errs.NewSchemaError("parsing null response schema for %s: %v", messageID, err)
		}
	}

	msg, err := rt.buildAvroMessage(route)
	if err != nil {
		return err
	}

	if err := rt.protocol.addMessage(messageID, msg, route.ErrorDescs); err != nil {
		return err
	}
	for _, d := range route.ErrorDescs {
		rt.errorFullNames[d.Name] = qualifiedErrorName(rt.namespace, d)
	}

	stored := route
	rt.routes[messageID] = &stored
	rt.mux.Post(route.Path, rt.wrapRoute(&stored))
	return nil
}

func qualifiedErrorName(parentNamespace string, d *avroschema.RecordDescriptor) string {
	if d.Namespace != "" {
		return d.Namespace + "." + d.Name
	}
	return d.Name
}

func (rt *Router) buildAvroMessage(route Route) (handshake.AvroMessage, error) {
	reqFields := []json.RawMessage{}
	var err error
	if route.RequestDesc != nil {
		reqFields, err = avroschema.GenerateFields(route.RequestDesc.Fields, route.RequestDesc.Namespace)
		if err != nil {
			return handshake.AvroMessage{}, err
		}
	}

	responseRaw := avroschema.NullSchema
	if route.ResponseDesc != nil {
		responseRaw, err = avroschema.GenerateNamed(route.ResponseDesc, false)
		if err != nil {
			return handshake.AvroMessage{}, err
		}
	}

	errorsRaw := []json.RawMessage{
		json.RawMessage(handshake.BuiltinErrorSchema),
		json.RawMessage(handshake.BuiltinValidationErrorSchema),
	}
	for _, d := range route.ErrorDescs {
		raw, genErr := avroschema.GenerateNamed(d, true)
		if genErr != nil {
			return handshake.AvroMessage{}, genErr
		}
		errorsRaw = append(errorsRaw, raw)
	}

	return handshake.AvroMessage{
		Request:  reqFields,
		Response: responseRaw,
		Errors:   errorsRaw,
		OneWay:   route.ResponseDesc == nil,
	}, nil
}

// Freeze finalizes the server protocol descriptor. Must be called
// once, after every Register call and before serving traffic (I4).
func (rt *Router) Freeze() error {
	return rt.protocol.freeze()
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// Handler exposes the underlying mux, e.g. for embedding behind a
// larger application router.
func (rt *Router) Handler() http.Handler { return rt.mux }

// ProtocolJSON returns the server protocol descriptor's exact
// serialized bytes (SPEC_FULL.md §6) — the canonicalization a client
// must treat as opaque and hash as-is, never re-derive from the
// parsed value.
func (rt *Router) ProtocolJSON() string { return rt.protocol.JSON() }

// ProtocolHash returns md5(ProtocolJSON()).
func (rt *Router) ProtocolHash() [16]byte { return rt.protocol.Hash() }

// CacheStats reports the compatibility cache's current occupancy, for
// diagnostics and tests asserting the cache never grows past its
// configured bound under concurrent load.
func (rt *Router) CacheStats() compatcache.Stats { return rt.cache.Stats() }

func (rt *Router) wrapRoute(route *Route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != contentTypeAvro {
			rt.handleJSON(w, r, route)
			return
		}
		rt.handleAvro(w, r, route)
	}
}

// handleAvro implements SPEC_FULL.md §4.4 steps 1-8.
func (rt *Router) handleAvro(w http.ResponseWriter, r *http.Request, route *Route) {
	body, err := readAll(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "reading request body: "+err.Error())
		return
	}

	hsPayload, consumed, err := codec.ConcatFrames(body)
	if err != nil {
		// The handshake region itself could not be produced at all;
		// nothing avro-shaped can be returned.
		writeJSONError(w, http.StatusBadRequest, "malformed frame envelope: "+err.Error())
		return
	}

	start := time.Now()
	var hsReq handshake.Request
	if decErr := codec.Decode(handshake.HandshakeRequestSchema, hsPayload, &hsReq); decErr != nil {
		rt.respondNoneError(w, http.StatusBadRequest, "decoding handshake request: "+decErr.Error())
		return
	}

	hsResp, entry, err := rt.settleHandshake(hsReq)
	if err != nil {
		rt.respondNoneError(w, http.StatusBadRequest, err.Error())
		return
	}
	rt.metrics.RecordHandshake(string(hsResp.Match), time.Since(start))

	hsBytes, err := codec.Encode(handshake.HandshakeResponseSchema, hsResp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encoding handshake response: "+err.Error())
		return
	}

	callPayload, _, err := codec.ConcatFrames(body[consumed:])
	if err != nil {
		rt.respondNoneError(w, http.StatusBadRequest, "malformed call frame envelope: "+err.Error())
		return
	}
	if len(callPayload) == 0 {
		rt.writeFrames(w, hsResp.Match, r, hsBytes)
		return
	}

	var callReq handshake.CallRequest
	if decErr := codec.Decode(handshake.CallRequestAvroSchema, callPayload, &callReq); decErr != nil {
		rt.respondNoneError(w, http.StatusBadRequest, "decoding call request: "+decErr.Error())
		return
	}
	metrics.SetMessageName(r.Context(), callReq.Message)

	targetRoute, ok := rt.routes[callReq.Message]
	if !ok {
		rt.respondNoneError(w, http.StatusBadRequest, "unknown message "+callReq.Message)
		return
	}

	var reqVal any
	if targetRoute.RequestDesc != nil {
		decoder, ok := entry.RequestDecoders[callReq.Message]
		if !ok {
			rt.respondNoneError(w, http.StatusBadRequest, "no request decoder negotiated for "+callReq.Message)
			return
		}
		dest := targetRoute.NewRequest()
		if decErr := decoder.Decode(callReq.Request, dest); decErr != nil {
			rt.metrics.RecordDecodeError(callReq.Message)
			rt.respondNoneError(w, http.StatusBadRequest, "decoding call body: "+decErr.Error())
			return
		}
		reqVal = dest
	}

	callBytes := rt.invokeAndEncode(r.Context(), targetRoute, reqVal)
	rt.writeFrames(w, hsResp.Match, r, hsBytes, callBytes)
}

// invokeAndEncode runs the endpoint handler and always returns a
// valid, already-framed-ready CallResponse payload — a panicking or
// erroring handler still produces a well-formed error datum rather
// than aborting the response (SPEC_FULL.md §7).
func (rt *Router) invokeAndEncode(ctx context.Context, route *Route, reqVal any) []byte {
	var result any
	var handlerErr error

	func() {
		defer func() {
			if rec := recover(); rec != nil {
				refid := uuid.New()
				rt.logger.Error("panic in endpoint handler",
					slog.String("messageId", route.messageID),
					slog.Any("panic", rec),
					slog.String("refid", refid.String()))
				refBytes := [16]byte(refid)
				handlerErr = &errs.EndpointError{
					TypeName: "Error",
					Record: handshake.BuiltinError{
						RefID:  &refBytes,
						Status: http.StatusInternalServerError,
						Error:  "Internal Server Error",
					},
				}
			}
		}()
		result, handlerErr = route.Handler(ctx, reqVal)
	}()

	if handlerErr != nil {
		return rt.encodeError(route, handlerErr)
	}

	var respBytes []byte
	var err error
	if route.ResponseDesc == nil {
		respBytes = nil
	} else {
		respBytes, err = codec.Encode(route.responseSchema, result)
	}
	if err != nil {
		rt.metrics.RecordEncodeError(route.messageID)
		return rt.encodeError(route, errs.NewTypeError("encoding response: %v", err))
	}

	resp := handshake.CallResponse{Error: false, Response: respBytes}
	out, err := codec.Encode(handshake.CallResponseAvroSchema, resp)
	if err != nil {
		rt.logger.Error("encoding call response envelope failed", slog.String("messageId", route.messageID), slog.Any("err", err))
		return nil
	}
	return out
}

// encodeError renders any handler-surfaced error as a
// CallResponse.error=true datum carrying the right branch of the
// router-wide errors union.
func (rt *Router) encodeError(route *Route, handlerErr error) []byte {
	var typeName string
	var record any
	status := http.StatusInternalServerError

	var validation *errs.ValidationFailure
	var endpoint *errs.EndpointError
	switch {
	case errors.As(handlerErr, &validation):
		typeName = "ValidationError"
		detail := make([]handshake.ValidationDetail, len(validation.Detail))
		for i, d := range validation.Detail {
			detail[i] = handshake.ValidationDetail{Loc: d.Loc, Msg: d.Msg, Type: d.Type}
		}
		record = handshake.BuiltinValidationError{Detail: detail}
		status = http.StatusUnprocessableEntity
	case errors.As(handlerErr, &endpoint):
		typeName = endpoint.TypeName
		record = endpoint.Record
	default:
		refid := uuid.New()
		refBytes := [16]byte(refid)
		rt.logger.Error("unhandled endpoint error",
			slog.String("messageId", route.messageID),
			slog.Any("err", handlerErr),
			slog.String("refid", refid.String()))
		typeName = "Error"
		record = handshake.BuiltinError{RefID: &refBytes, Status: int32(status), Error: "Internal Server Error"}
	}

	fullName, ok := rt.errorFullNames[typeName]
	if !ok {
		fullName = typeName
	}

	payload, err := codec.EncodeUnionBranch(rt.protocol.ErrorUnionSchema(), fullName, record)
	if err != nil {
		rt.logger.Error("encoding error union branch failed", slog.String("type", typeName), slog.Any("err", err))
		payload = nil
	}

	resp := handshake.CallResponse{Error: true, Response: payload}
	out, err := codec.Encode(handshake.CallResponseAvroSchema, resp)
	if err != nil {
		rt.logger.Error("encoding error call response envelope failed", slog.Any("err", err))
		return nil
	}
	return out
}

// respondNoneError builds and sends a handshake(NONE) + Error(status)
// response, per the redesign flag in SPEC_FULL.md §9: a NONE outcome
// always carries its own fresh handshake datum rather than whatever
// match an earlier, now-overridden computation produced.
func (rt *Router) respondNoneError(w http.ResponseWriter, status int, message string) {
	serverHash := rt.protocol.Hash()
	protoJSON := rt.protocol.JSON()
	hsBytes, err := codec.Encode(handshake.HandshakeResponseSchema, handshake.Response{Match: handshake.MatchNone, ServerProtocol: &protoJSON, ServerHash: &serverHash})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encoding NONE handshake: "+err.Error())
		return
	}

	refid := uuid.New()
	refBytes := [16]byte(refid)
	errRecord := handshake.BuiltinError{RefID: &refBytes, Status: int32(status), Error: message}

	errPayload, err := codec.EncodeUnionBranch(rt.protocol.ErrorUnionSchema(), "com.avrorpc.builtin.Error", errRecord)
	if err != nil {
		// the error union schema isn't frozen yet (pre-Freeze) or
		// something else went wrong encoding the error itself.
		writeJSONError(w, http.StatusInternalServerError, "encoding error payload: "+err.Error())
		return
	}

	callResp := handshake.CallResponse{Error: true, Response: errPayload}
	callBytes, err := codec.Encode(handshake.CallResponseAvroSchema, callResp)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "encoding call response: "+err.Error())
		return
	}

	w.Header().Set(headerMatch, string(handshake.MatchNone))
	w.Header().Set("Content-Type", contentTypeAvro)
	w.WriteHeader(http.StatusOK)
	// The handshake and call regions are each their own independently
	// terminated frame message (see writeFrames), so the client can
	// recover the split by running ConcatFrames twice in sequence.
	_, _ = w.Write(append(codec.FrameMessage(hsBytes), codec.FrameMessage(callBytes)...))
}

// writeFrames assembles and writes the final Avro response, honoring
// the header short-circuit: the handshake frame is dropped only when
// match is BOTH and the client signaled it already observed BOTH. The
// handshake region (when present) and the call region are each framed
// and terminated independently — not as parts of one shared-terminator
// message — so the reader can recover the split with two sequential
// ConcatFrames calls instead of a single pass that would otherwise
// swallow both regions into one payload.
func (rt *Router) writeFrames(w http.ResponseWriter, match handshake.Match, r *http.Request, hsBytes []byte, callBytes ...[]byte) {
	w.Header().Set(headerMatch, string(match))
	w.Header().Set("Content-Type", contentTypeAvro)
	w.WriteHeader(http.StatusOK)

	var out []byte
	omitHandshake := match == handshake.MatchBoth && r.Header.Get(headerMatch) == string(handshake.MatchBoth)
	if !omitHandshake {
		out = append(out, codec.FrameMessage(hsBytes)...)
	}
	out = append(out, codec.FrameMessage(callBytes...)...)
	_, _ = w.Write(out)
}

// handleJSON is the non-Avro fallback path: plain JSON in, plain
// JSON out, no handshake (SPEC_FULL.md §6).
func (rt *Router) handleJSON(w http.ResponseWriter, r *http.Request, route *Route) {
	var reqVal any
	if route.RequestDesc != nil {
		dest := route.NewRequest()
		if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
			writeJSONError(w, http.StatusBadRequest, "decoding JSON request: "+err.Error())
			return
		}
		reqVal = dest
	}

	result, err := route.Handler(r.Context(), reqVal)
	if err != nil {
		status := http.StatusInternalServerError
		var validation *errs.ValidationFailure
		if errors.As(err, &validation) {
			status = http.StatusUnprocessableEntity
		}
		writeJSONError(w, status, err.Error())
		return
	}

	status := route.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if result != nil {
		_ = json.NewEncoder(w).Encode(result)
	}
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func readAll(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()
	return io.ReadAll(r.Body)
}
