// Package codec implements the Avro object-container-protocol
// framing and the binary encode/decode pair — including
// schema-resolution decode when the writer schema differs from the
// reader schema (SPEC_FULL.md §4.2).
package codec

import (
	"bytes"
	"encoding/binary"

	"github.com/avro-ipc/avrorpc/internal/errs"
)

// FrameMessage concatenates each part into its own length-prefixed
// frame and appends the zero-length terminator frame, producing a
// complete Avro IPC wire message (SPEC_FULL.md §6).
func FrameMessage(parts ...[]byte) []byte {
	var buf bytes.Buffer
	for _, p := range parts {
		writeFrame(&buf, p)
	}
	writeFrame(&buf, nil)
	return buf.Bytes()
}

func writeFrame(buf *bytes.Buffer, payload []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	buf.Write(lenBuf[:])
	buf.Write(payload)
}

// ConcatFrames reads length-prefixed frames from the front of body
// until the zero-length terminator frame, returning the
// concatenation of every non-terminator frame's payload and the
// number of bytes of body consumed (including the terminator).
//
// A single Avro datum may be split across several frames — the
// object-container-protocol's "resumable" framing described in
// SPEC_FULL.md §4.2. Since the server already holds the complete
// HTTP body in memory before dispatch (SPEC_FULL.md §4.4 step 1),
// concatenating every frame up front and decoding sequentially from
// the result is equivalent to, and simpler than, an incremental
// "need more bytes" decoder loop.
func ConcatFrames(body []byte) (payload []byte, consumed int, err error) {
	offset := 0
	for {
		if offset+4 > len(body) {
			return nil, offset, errs.NewDecodeError("truncated frame length prefix at offset %d", offset)
		}
		n := binary.BigEndian.Uint32(body[offset : offset+4])
		offset += 4
		if n == 0 {
			return payload, offset, nil
		}
		end := offset + int(n)
		if end > len(body) {
			return nil, offset, errs.NewDecodeError("truncated frame payload at offset %d (want %d bytes)", offset, n)
		}
		payload = append(payload, body[offset:end]...)
		offset = end
	}
}
