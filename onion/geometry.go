// Package onion implements the layered onion packet codec and the
// per-circuit routing behavior: fixed-length packet build/peel, circuit
// setup and state machine, and credit-flow-controlled stream
// multiplexing over a circuit.
//
// Grounded on Katzenpost's core/sphinx (kemsphinx.go's createKEMHeader /
// KEMUnwrap for the per-hop KEM-then-AEAD structure) and replica's
// incoming_conn.go / outgoing_conn.go for the per-peer connection and
// worker.Worker-driven read loop shape. Unlike Katzenpost's Sphinx, which
// keeps its header fixed-length across nesting via an XOR routing-info
// keystream trick, this codec keeps each hop's routing slot independent
// (a flat array of H slots rather than nested routing info) and instead
// nests the payload with a per-hop stream cipher layer — see packet.go for
// the rationale.
package onion

import (
	"errors"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

const (
	// MaxAddressLen bounds a next-hop network address as carried in a
	// routing slot's plaintext header.
	MaxAddressLen = 64
	// KeyIDLen is the width of the per-hop setup nonce carried in a
	// routing slot header, used both to bind a circuit setup to a
	// specific packet for replay rejection and, once open, as the
	// circuit id at the next hop.
	KeyIDLen = 32
	// aeadTagLen is the ChaCha20-Poly1305 authentication tag length.
	aeadTagLen = 16
	// headerPlaintextLen is the fixed plaintext size of a routing slot's
	// header before AEAD sealing: 1 flags byte, 1 address-length byte,
	// the address padded to MaxAddressLen, and the setup/key id.
	headerPlaintextLen = 1 + 1 + MaxAddressLen + KeyIDLen
	// PayloadTagLen is the zero-tag prepended to the forward payload so
	// a terminal hop can distinguish "successfully peeled to the
	// innermost layer" from "garbage," mirroring Katzenpost's
	// PayloadTagLength / utils.CtIsZero check in kemsphinx.go.
	PayloadTagLen = 16

	flagTerminal = 1 << 0
)

// Geometry fixes the byte layout of every onion packet for a given
// deployment: hop count, KEM ciphertext size (suite-dependent), and the
// forward payload capacity. All packets built under the same Geometry have
// identical length.
type Geometry struct {
	NrHops               int
	KEMCiphertextSize    int
	SlotSize             int
	ForwardPayloadLength int
	PacketLength         int
}

// NewGeometry computes a Geometry for nrHops hops of a suite whose hybrid
// KEM ciphertexts are kemCiphertextSize bytes, carrying up to
// forwardPayloadLength bytes of application payload per packet.
func NewGeometry(nrHops, kemCiphertextSize, forwardPayloadLength int) (*Geometry, error) {
	if nrHops < 2 {
		return nil, errors.New("onion: geometry requires at least 2 hops")
	}
	slotSize := kemCiphertextSize + suite.AEADNonceSize + aeadTagLen + headerPlaintextLen
	return &Geometry{
		NrHops:               nrHops,
		KEMCiphertextSize:    kemCiphertextSize,
		SlotSize:             slotSize,
		ForwardPayloadLength: forwardPayloadLength,
		PacketLength:         nrHops*slotSize + forwardPayloadLength + PayloadTagLen,
	}, nil
}

func (g *Geometry) headerBlockLength() int {
	return g.NrHops * g.SlotSize
}
