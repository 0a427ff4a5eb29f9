package rpc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// maxFrameLen bounds a single RPC frame, defending against a peer that
// claims an absurd length prefix and stalls a reader allocating for it.
const maxFrameLen = 1 << 20

// Encode serializes msg to CBOR and returns it as a body suitable for an
// onion Data frame's plaintext: a 4-byte big-endian length prefix
// followed by the CBOR bytes, the same shape as Katzenpost's
// cborplugin framing (there 2-byte length; widened here since a
// GetState reply carrying a whole chat log can exceed 64KiB).
func Encode(msg *Message) ([]byte, error) {
	b, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("rpc: encode: %w", err)
	}
	if len(b) > maxFrameLen {
		return nil, fmt.Errorf("rpc: encoded message %d bytes exceeds max frame %d", len(b), maxFrameLen)
	}
	out := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(out[:4], uint32(len(b)))
	copy(out[4:], b)
	return out, nil
}

// Decode is the inverse of Encode, reading exactly one frame from r.
func Decode(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameLen {
		return nil, fmt.Errorf("rpc: frame length %d exceeds max %d", n, maxFrameLen)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	var msg Message
	if err := cbor.Unmarshal(buf, &msg); err != nil {
		return nil, fmt.Errorf("rpc: decode: %w", err)
	}
	return &msg, nil
}

// EncodeBody CBOR-encodes a typed request/response body for embedding
// in Message.Body.
func EncodeBody(v any) ([]byte, error) {
	return cbor.Marshal(v)
}

// DecodeBody decodes msg.Body into v.
func DecodeBody(msg *Message, v any) error {
	return cbor.Unmarshal(msg.Body, v)
}
