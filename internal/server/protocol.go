package server

import (
	"bytes"
	"crypto/md5"
	"encoding/json"
	"runtime/debug"
	"sync"

	"github.com/hamba/avro/v2"

	"github.com/avro-ipc/avrorpc/internal/avroschema"
	"github.com/avro-ipc/avrorpc/internal/errs"
	"github.com/avro-ipc/avrorpc/internal/handshake"
)

// protocolState is the process-wide, per-router server protocol
// descriptor (SPEC_FULL.md §3 "Server protocol state"). It is
// append-only during route registration and frozen before serving;
// nothing after Freeze mutates it (I4).
type protocolState struct {
	mu sync.Mutex

	namespace   string
	buildTag    string
	messages    map[string]handshake.AvroMessage
	errorOrder  []string
	errorByName map[string]json.RawMessage

	frozen bool
	json   string
	hash   [16]byte
	errors avro.Schema
}

func newProtocolState(namespace string, includeBuildTag bool) *protocolState {
	p := &protocolState{
		namespace:   namespace,
		messages:    make(map[string]handshake.AvroMessage),
		errorByName: make(map[string]json.RawMessage),
	}
	if includeBuildTag {
		if info, ok := debug.ReadBuildInfo(); ok {
			for _, s := range info.Settings {
				if s.Key == "vcs.revision" && s.Value != "" {
					p.buildTag = s.Value
					break
				}
			}
		}
	}
	p.addErrorSchema("Error", json.RawMessage(handshake.BuiltinErrorSchema))
	p.addErrorSchema("ValidationError", json.RawMessage(handshake.BuiltinValidationErrorSchema))
	return p
}

// addErrorDesc renders a user-declared error record descriptor and
// folds it into the errors union.
func (p *protocolState) addErrorDesc(desc *avroschema.RecordDescriptor) error {
	raw, err := avroschema.GenerateNamed(desc, true)
	if err != nil {
		return err
	}
	p.addErrorSchema(desc.Name, raw)
	return nil
}

func (p *protocolState) addErrorSchema(name string, schema json.RawMessage) {
	if _, exists := p.errorByName[name]; exists {
		return
	}
	p.errorByName[name] = schema
	p.errorOrder = append(p.errorOrder, name)
}

// addMessage registers a route's message descriptor. Returns an
// error (never panics) if the router is already frozen or the
// message id is a duplicate (I2).
func (p *protocolState) addMessage(messageID string, msg handshake.AvroMessage, errorDescs []*avroschema.RecordDescriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.frozen {
		return errs.NewSchemaError("cannot register message %q: protocol already frozen", messageID)
	}
	if _, exists := p.messages[messageID]; exists {
		return errs.NewSchemaError("duplicate message id %q (P6 idempotent registration: registering twice is a no-op, not an overwrite)", messageID)
	}

	p.messages[messageID] = msg
	for _, d := range errorDescs {
		if err := p.addErrorDesc(d); err != nil {
			return err
		}
	}
	return nil
}

// hasMessage reports whether messageID is already registered,
// allowing callers to implement P6 (idempotent registration) by
// skipping a duplicate Register call with only a warning.
func (p *protocolState) hasMessage(messageID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, exists := p.messages[messageID]
	return exists
}

// freeze finalizes the protocol JSON, its MD5 hash, and the errors
// union schema. Safe to call once; later calls are no-ops.
func (p *protocolState) freeze() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		return nil
	}

	namespace := p.namespace
	if p.buildTag != "" {
		namespace = namespace + "." + p.buildTag
	}

	proto := handshake.AvroProtocol{
		Namespace: namespace,
		Protocol:  "AvroRPC",
		Messages:  p.messages,
	}
	b, err := marshalCanonical(proto)
	if err != nil {
		return errs.NewSchemaError("marshaling server protocol: %v", err)
	}

	unionParts := make([]json.RawMessage, 0, len(p.errorOrder))
	for _, name := range p.errorOrder {
		unionParts = append(unionParts, p.errorByName[name])
	}
	unionJSON, err := json.Marshal(unionParts)
	if err != nil {
		return errs.NewSchemaError("marshaling error union: %v", err)
	}
	errSchema, err := avro.Parse(string(unionJSON))
	if err != nil {
		return errs.NewSchemaError("parsing error union schema: %v", err)
	}

	p.json = string(b)
	p.hash = md5.Sum(b)
	p.errors = errSchema
	p.frozen = true
	return nil
}

// marshalCanonical renders v the same way every time: Go's
// encoding/json already serializes map keys in sorted order and
// struct fields in declaration order, which is exactly the stable
// form P2 (schema canonicality) and P3 (hash stability) require.
func marshalCanonical(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (p *protocolState) JSON() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.json
}

func (p *protocolState) Hash() [16]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hash
}

func (p *protocolState) ErrorUnionSchema() avro.Schema {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errors
}
