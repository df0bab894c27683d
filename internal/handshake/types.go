package handshake

import "encoding/json"

// Match is the outcome of comparing client and server protocol
// fingerprints during the handshake (SPEC_FULL.md §4.3).
type Match string

const (
	MatchBoth   Match = "BOTH"
	MatchClient Match = "CLIENT"
	MatchNone   Match = "NONE"
)

// MD5Sentinel is the all-'0' client-side sentinel serverHash used on
// a gateway's very first call (SPEC_FULL.md §4.5).
var MD5Sentinel = [16]byte{'0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0', '0'}

// Request is the wire shape of org.apache.avro.ipc.HandshakeRequest.
type Request struct {
	ClientHash     [16]byte          `avro:"clientHash"`
	ClientProtocol *string           `avro:"clientProtocol"`
	ServerHash     [16]byte          `avro:"serverHash"`
	Meta           map[string][]byte `avro:"meta"`
}

// Response is the wire shape of org.apache.avro.ipc.HandshakeResponse.
type Response struct {
	Match          Match             `avro:"match"`
	ServerProtocol *string           `avro:"serverProtocol"`
	ServerHash     *[16]byte         `avro:"serverHash"`
	Meta           map[string][]byte `avro:"meta"`
}

// CallRequest carries the framed RPC invocation.
type CallRequest struct {
	Meta    map[string][]byte `avro:"meta"`
	Message string            `avro:"message"`
	Request []byte            `avro:"request"`
}

// CallResponse carries the framed RPC result or error.
type CallResponse struct {
	Meta     map[string][]byte `avro:"meta"`
	Error    bool              `avro:"error"`
	Response []byte            `avro:"response"`
}

// BuiltinError is com.avrorpc.builtin.Error.
type BuiltinError struct {
	RefID  *[16]byte `avro:"refid"`
	Status int32     `avro:"status"`
	Error  string    `avro:"error"`
}

// ValidationDetail is one entry of a ValidationError's detail list.
type ValidationDetail struct {
	Loc  []string `avro:"loc"`
	Msg  string   `avro:"msg"`
	Type string   `avro:"type"`
}

// BuiltinValidationError is com.avrorpc.builtin.ValidationError.
type BuiltinValidationError struct {
	Detail []ValidationDetail `avro:"detail"`
}

// AvroMessage describes one RPC operation inside an AvroProtocol's
// messages map (SPEC_FULL.md §3). Types holds the full schema of
// every named type this message references; Request holds one field
// descriptor per parameter; Response and each entry of Errors are
// either a bare built-in/named type-name string or a full schema
// object — exactly the shapes the distilled source's "never
// avro-encoded, only json-stringified" dict fields take on, so these
// are raw JSON rather than Go strings (SPEC_FULL.md §6).
type AvroMessage struct {
	Doc      string            `json:"doc,omitempty"`
	Types    []json.RawMessage `json:"types,omitempty"`
	Request  []json.RawMessage `json:"request"`
	Response json.RawMessage   `json:"response"`
	Errors   []json.RawMessage `json:"errors,omitempty"`
	OneWay   bool              `json:"oneWay"`
}

// AvroProtocol is the server protocol descriptor exposed at the
// handshake and published as JSON for the wire hash (SPEC_FULL.md §6).
type AvroProtocol struct {
	Namespace string                 `json:"namespace"`
	Protocol  string                 `json:"protocol"`
	Messages  map[string]AvroMessage `json:"messages"`
}
