package onion

import (
	"fmt"
	"io"
	"time"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

// ClientCircuit is the originator's end-to-end view of a circuit: one
// Circuit per hop, all derived during Setup the same way each relay
// independently derives its own, plus the hop addresses needed to know
// where the entry Link should send bytes. Sealing a forward frame nests
// one AEAD layer per hop, innermost (exit) first, so each relay peels
// exactly one layer as it forwards; opening a returned frame peels in
// the opposite order.
type ClientCircuit struct {
	Path []*PathHop
	hops []*Circuit
	// ExitNonce is the setup nonce the exit hop learned during Peel, the
	// same value this circuit's originator generated for that hop. Both
	// sides know it without any extra handshake round trip, so it
	// doubles as the challenge a Proof is made against for RPCs carried
	// over this circuit.
	ExitNonce [KeyIDLen]byte
}

// BuildCircuit derives the per-hop layer keys and setup nonces the same
// way Build does internally, but keeps them (as a ClientCircuit) instead
// of discarding them once the wire packet is assembled, so the
// originator can seal and open ongoing Frames against the circuit it
// just established.
func BuildCircuit(rnd io.Reader, geo *Geometry, path []*PathHop, idleTimeout time.Duration) (*ClientCircuit, []byte, error) {
	if err := ValidatePath(geo, path); err != nil {
		return nil, nil, err
	}

	k := len(path)
	layerKeys := make([]*layerKeys, k)
	setupNonces := make([][KeyIDLen]byte, k)
	slots := make([][]byte, geo.NrHops)

	for i := 0; i < k; i++ {
		ct, shared, err := suite.KEMEncaps(path[i].KEMPublic)
		if err != nil {
			return nil, nil, fmt.Errorf("onion: encapsulate hop %d: %w", i, err)
		}
		if _, err := io.ReadFull(rnd, setupNonces[i][:]); err != nil {
			return nil, nil, fmt.Errorf("onion: setup nonce: %w", err)
		}
		lk, err := deriveLayerKeys(shared, 0, ct.Classical)
		if err != nil {
			return nil, nil, err
		}
		layerKeys[i] = lk

		header := make([]byte, headerPlaintextLen)
		if i == k-1 {
			header[0] = flagTerminal
		}
		nextAddr := ""
		if i < k-1 {
			nextAddr = path[i+1].Address
		}
		if len(nextAddr) > MaxAddressLen {
			return nil, nil, fmt.Errorf("onion: address %q exceeds MaxAddressLen", nextAddr)
		}
		header[1] = byte(len(nextAddr))
		copy(header[2:2+MaxAddressLen], nextAddr)
		copy(header[2+MaxAddressLen:], setupNonces[i][:])

		sealed, err := suite.AEADEncrypt(lk.headerKey[:], lk.headerNonce[:], nil, header)
		if err != nil {
			return nil, nil, err
		}
		ctBytes, err := marshalCiphertext(ct, geo.KEMCiphertextSize)
		if err != nil {
			return nil, nil, err
		}
		slot := make([]byte, 0, geo.SlotSize)
		slot = append(slot, ctBytes...)
		slot = append(slot, lk.headerNonce[:]...)
		slot = append(slot, sealed...)
		slots[i] = slot
	}
	for i := k; i < geo.NrHops; i++ {
		slots[i] = suite.RandomBytes(geo.SlotSize)
	}

	buf := make([]byte, geo.ForwardPayloadLength+PayloadTagLen)
	for i := k - 1; i >= 0; i-- {
		if err := xorStreamLayer(buf, layerKeys[i].payloadKey[:], layerKeys[i].payloadNonce[:]); err != nil {
			return nil, nil, err
		}
	}
	pkt := make([]byte, 0, geo.PacketLength)
	for _, s := range slots {
		pkt = append(pkt, s...)
	}
	pkt = append(pkt, buf...)

	cc := &ClientCircuit{
		Path:      path,
		hops:      make([]*Circuit, k),
		ExitNonce: setupNonces[k-1],
	}
	for i := 0; i < k; i++ {
		id := CircuitIDFromNonce(setupNonces[i])
		cc.hops[i] = NewCircuit(id, layerKeys[i].headerKey, RoleInitiator, idleTimeout, nil)
		cc.hops[i].MarkOpen()
	}
	return cc, pkt, nil
}

// SealForward nests one AEAD layer per hop around payload, innermost
// (exit) applied first, so relays peel outer-to-inner as it travels.
// The result is the wire bytes to hand to the entry hop's Link.
func (cc *ClientCircuit) SealForward(streamID uint32, payload []byte) ([]byte, error) {
	wire := payload
	for i := len(cc.hops) - 1; i >= 0; i-- {
		f, err := cc.hops[i].SealFrame(streamID, wire)
		if err != nil {
			return nil, fmt.Errorf("onion: seal hop %d: %w", i, err)
		}
		wire = EncodeFrame(f)
	}
	return wire, nil
}

// OpenReturn peels one AEAD layer per hop off a frame arriving back at
// the client from the entry Link, outer-to-inner in the same order the
// relays applied their own return-direction layers, recovering the
// exit's original plaintext.
func (cc *ClientCircuit) OpenReturn(wire []byte) ([]byte, error) {
	buf := wire
	for i := 0; i < len(cc.hops); i++ {
		f, err := DecodeFrame(buf)
		if err != nil {
			return nil, fmt.Errorf("onion: decode return hop %d: %w", i, err)
		}
		pt, err := cc.hops[i].OpenFrame(f)
		if err != nil {
			return nil, fmt.Errorf("onion: open return hop %d: %w", i, err)
		}
		buf = pt
	}
	return buf, nil
}

// Close tears down every hop's local Circuit bookkeeping. It does not
// itself notify relays; callers should send an OpClose control message
// first (see the rpc package) so peers release resources promptly
// instead of waiting for T_idle.
func (cc *ClientCircuit) Close() {
	for _, c := range cc.hops {
		c.Close()
	}
}

// ExitAddress returns the terminal hop's address, the chat-holder this
// circuit was built to reach.
func (cc *ClientCircuit) ExitAddress() string {
	return cc.Path[len(cc.Path)-1].Address
}
