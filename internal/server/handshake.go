package server

import (
	"encoding/hex"
	"encoding/json"

	"github.com/hamba/avro/v2"

	"github.com/avro-ipc/avrorpc/internal/codec"
	"github.com/avro-ipc/avrorpc/internal/compat"
	"github.com/avro-ipc/avrorpc/internal/compatcache"
	"github.com/avro-ipc/avrorpc/internal/errs"
	"github.com/avro-ipc/avrorpc/internal/handshake"
)

// settleHandshake implements SPEC_FULL.md §4.3: it resolves a
// client's HandshakeRequest into the cache entry describing that
// client's compatibility, then derives the HandshakeResponse to
// send back. Any error returned is a DecodeError — the caller must
// treat it as an unconditional NONE and never attempt to dispatch
// the call that follows.
func (rt *Router) settleHandshake(req handshake.Request) (handshake.Response, *compatcache.Entry, error) {
	key := hex.EncodeToString(req.ClientHash[:])

	entry, ok := rt.cache.Get(key)
	rt.metrics.RecordCacheAccess("compat", ok)
	if !ok {
		var err error
		entry, err = rt.buildCacheEntry(req)
		if err != nil {
			return handshake.Response{}, nil, err
		}
		rt.cache.Set(key, entry)
		rt.metrics.UpdateCacheSize("compat", float64(rt.cache.Stats().Size))
	}

	serverHash := rt.protocol.Hash()
	if req.ServerHash == serverHash && entry.ClientCompatible {
		return handshake.Response{Match: handshake.MatchBoth}, entry, nil
	}

	protoJSON := rt.protocol.JSON()
	hashCopy := serverHash
	return handshake.Response{
		Match:          handshake.MatchClient,
		ServerProtocol: &protoJSON,
		ServerHash:     &hashCopy,
	}, entry, nil
}

// buildCacheEntry runs check_schema_compatibility's Go equivalent: it
// parses the client's declared protocol, validates every message the
// client knows about against this router's routes, and produces a
// per-messageId resolving decoder for every request the client may
// legally send.
func (rt *Router) buildCacheEntry(req handshake.Request) (*compatcache.Entry, error) {
	if req.ClientProtocol == nil {
		return nil, errs.NewDecodeError("client request protocol was not included and client request hash was not cached")
	}

	var clientProto handshake.AvroProtocol
	if err := json.Unmarshal([]byte(*req.ClientProtocol), &clientProto); err != nil {
		return nil, errs.NewDecodeError("client protocol is not valid JSON: %v", err)
	}

	entry := &compatcache.Entry{
		ServerHash:       rt.protocol.Hash(),
		ClientProtocol:   *req.ClientProtocol,
		ClientCompatible: true,
		RequestDecoders:  make(map[string]*codec.ResolvingDecoder),
	}

	checker := compat.NewChecker()

	for messageID, clientMsg := range clientProto.Messages {
		route, ok := rt.routes[messageID]
		if !ok {
			return nil, errs.NewDecodeError("route does not exist for client protocol message %q", messageID)
		}

		if len(clientMsg.Request) > 0 {
			if route.RequestDesc == nil {
				return nil, errs.NewDecodeError("client protocol provided a request for %q but route does not expect one", messageID)
			}

			clientReqSchema, err := clientFieldsSchema(route.RequestDesc.Name, route.RequestDesc.Namespace, clientMsg.Request)
			if err != nil {
				return nil, err
			}

			result := checker.Check(route.requestSchema, clientReqSchema)
			if !result.Compatible {
				return nil, errs.NewDecodeError("client request protocol for %q is incompatible: %v", messageID, result.Messages)
			}

			entry.RequestDecoders[messageID] = codec.NewResolvingDecoder(clientReqSchema, route.requestSchema)
		} else if route.RequestDesc != nil {
			return nil, errs.NewDecodeError("client protocol did not provide a request for %q but route expects one", messageID)
		}

		clientRespIsNull := string(clientMsg.Response) == `"null"` || len(clientMsg.Response) == 0
		switch {
		case !clientRespIsNull && route.ResponseDesc != nil:
			clientRespSchema, err := avro.Parse(string(clientMsg.Response))
			if err != nil {
				return nil, errs.NewDecodeError("client response schema for %q is not valid avro: %v", messageID, err)
			}
			result := checker.Check(clientRespSchema, route.responseSchema)
			if !result.Compatible {
				entry.ClientCompatible = false
			}
		case !clientRespIsNull && route.ResponseDesc == nil:
			entry.ClientCompatible = false
		case clientRespIsNull && route.ResponseDesc != nil:
			entry.ClientCompatible = false
		}
	}

	return entry, nil
}

// clientFieldsSchema assembles the record schema implied by a
// client-declared field list (routing.py's inline
// `{'type': 'record', 'name': ..., 'fields': client_message.request}`
// construction), so it can serve as the writer schema in a
// reader/writer compatibility check against the server's own request
// schema.
func clientFieldsSchema(name, namespace string, fields []json.RawMessage) (avro.Schema, error) {
	rec := map[string]any{
		"type":   "record",
		"name":   name,
		"fields": fields,
	}
	if namespace != "" {
		rec["namespace"] = namespace
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return nil, errs.NewDecodeError("marshaling client request schema: %v", err)
	}
	schema, err := avro.Parse(string(b))
	if err != nil {
		return nil, errs.NewDecodeError("client request schema is not valid avro: %v", err)
	}
	return schema, nil
}
