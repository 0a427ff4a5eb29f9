package onion

import (
	"encoding/binary"
	"errors"
	"io"
)

// ErrFrameTruncated is returned when a wire buffer is too short to hold
// a well-formed Frame header.
var ErrFrameTruncated = errors.New("onion: truncated frame")

// EncodeFrame renders f as {circuit_id(8) | stream_id(4) | sequence(8) |
// len(4) | ciphertext}, the wire form relays and endpoints exchange over
// a per-hop Link once a circuit is Open. This is deliberately a flat
// binary header rather than CBOR: every hop touches every frame, so
// framing cost matters more here than at the RPC layer above it.
func EncodeFrame(f *Frame) []byte {
	out := make([]byte, 24+len(f.Ciphertext))
	binary.BigEndian.PutUint64(out[0:8], f.CircuitID)
	binary.BigEndian.PutUint32(out[8:12], f.StreamID)
	binary.BigEndian.PutUint64(out[12:20], f.Sequence)
	binary.BigEndian.PutUint32(out[20:24], uint32(len(f.Ciphertext)))
	copy(out[24:], f.Ciphertext)
	return out
}

// DecodeFrame is the inverse of EncodeFrame.
func DecodeFrame(b []byte) (*Frame, error) {
	if len(b) < 24 {
		return nil, ErrFrameTruncated
	}
	n := binary.BigEndian.Uint32(b[20:24])
	if uint32(len(b)-24) < n {
		return nil, ErrFrameTruncated
	}
	return &Frame{
		CircuitID:  binary.BigEndian.Uint64(b[0:8]),
		StreamID:   binary.BigEndian.Uint32(b[8:12]),
		Sequence:   binary.BigEndian.Uint64(b[12:20]),
		Ciphertext: append([]byte(nil), b[24:24+n]...),
	}, nil
}

// WriteFrame length-prefixes and writes an encoded frame to w, since
// frames (unlike setup packets) are not fixed-length.
func WriteFrame(w io.Writer, f *Frame) error {
	return WriteRaw(w, EncodeFrame(f))
}

// ReadFrame is the inverse of WriteFrame.
func ReadFrame(r io.Reader) (*Frame, error) {
	b, err := ReadRaw(r)
	if err != nil {
		return nil, err
	}
	return DecodeFrame(b)
}

// WriteRaw length-prefixes and writes an already-encoded frame (as
// produced by EncodeFrame, possibly already nested inside an outer
// layer's ciphertext) to w. A relay forwarding an opened inner layer to
// the next hop uses this rather than WriteFrame, since it never
// reconstructs a *Frame for bytes it does not itself originate.
func WriteRaw(w io.Writer, b []byte) error {
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(b)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadRaw is the inverse of WriteRaw, returning the encoded frame bytes
// without decoding them.
func ReadRaw(r io.Reader) ([]byte, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// CircuitIDFromNonce derives a hop's local circuit id from the setup
// nonce both the client and that hop learned during Build/Peel — taking
// a fixed prefix rather than carrying the full 32-byte nonce on every
// subsequent frame keeps per-frame overhead small.
func CircuitIDFromNonce(nonce [KeyIDLen]byte) uint64 {
	return binary.BigEndian.Uint64(nonce[:8])
}
