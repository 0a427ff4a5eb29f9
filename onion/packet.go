package onion

import (
	"crypto/chacha20"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

var (
	// ErrPathLength is returned when a path has fewer than 2 hops or more
	// than the geometry's hop count.
	ErrPathLength = errors.New("onion: path must have between 2 and NrHops hops")
	// ErrPathRepeats is returned when a path repeats a node, or the first
	// and last hop coincide.
	ErrPathRepeats = errors.New("onion: path must not repeat a node")
	// ErrPayloadLength is returned when a payload does not fit the
	// geometry's forward payload capacity.
	ErrPayloadLength = errors.New("onion: payload exceeds forward payload length")
	// ErrTruncated is returned by Peel when the packet is shorter than
	// the geometry demands.
	ErrTruncated = errors.New("onion: truncated packet")
	// ErrAuth is returned by Peel when the routing slot fails to
	// authenticate.
	ErrAuth = errors.New("onion: routing slot authentication failed")
	// ErrPayloadTag is returned by Peel at the terminal hop when the
	// payload's zero-tag does not validate, meaning the packet did not
	// originate from a client that built it against this geometry/path.
	ErrPayloadTag = errors.New("onion: payload tag mismatch")
)

// PathHop is one hop in a client-chosen circuit path.
type PathHop struct {
	Address   string
	KEMPublic *suite.KEMPublicKey
}

// ValidatePath enforces the ordering rules from the packet codec: length
// in [2, geo.NrHops], no repeated node, first and last hop distinct.
func ValidatePath(geo *Geometry, path []*PathHop) error {
	if len(path) < 2 || len(path) > geo.NrHops {
		return ErrPathLength
	}
	seen := make(map[string]bool, len(path))
	for _, h := range path {
		if seen[h.Address] {
			return ErrPathRepeats
		}
		seen[h.Address] = true
	}
	if path[0].Address == path[len(path)-1].Address {
		return ErrPathRepeats
	}
	return nil
}

type layerKeys struct {
	headerKey    [suite.AEADKeySize]byte
	headerNonce  [suite.AEADNonceSize]byte
	payloadKey   [32]byte
	payloadNonce [16]byte
}

// deriveLayerKeys expands the per-hop shared secret into the independent
// key material used for that hop's routing-slot AEAD and its payload
// stream-cipher layer: HKDF over shared with info "onion" ∥ hopIndex ∥
// ephemeral. Build, BuildCircuit and Peel all pass hopIndex 0, since a
// relay peeling the first slot cannot tell its position in the path;
// the hop's position is not mixed into its keys, which differ between
// hops through each hop's own KEM shared secret and ciphertext.
func deriveLayerKeys(shared []byte, hopIndex int, ephemeral []byte) (*layerKeys, error) {
	info := make([]byte, 0, len("onion")+1+len(ephemeral))
	info = append(info, []byte("onion")...)
	info = append(info, byte(hopIndex))
	info = append(info, ephemeral...)

	r := hkdf.New(sha256.New, shared, nil, info)
	var lk layerKeys
	buf := make([]byte, suite.AEADKeySize+suite.AEADNonceSize+32+16)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("onion: kdf: %w", err)
	}
	off := 0
	copy(lk.headerKey[:], buf[off:off+suite.AEADKeySize])
	off += suite.AEADKeySize
	copy(lk.headerNonce[:], buf[off:off+suite.AEADNonceSize])
	off += suite.AEADNonceSize
	copy(lk.payloadKey[:], buf[off:off+32])
	off += 32
	copy(lk.payloadNonce[:], buf[off:off+16])
	return &lk, nil
}

// Build constructs a fixed-length onion packet carrying payload to the
// terminal hop of path, per Geometry geo. rand supplies randomness for
// unused trailing slots and per-hop setup nonces.
func Build(rnd io.Reader, geo *Geometry, path []*PathHop, payload []byte) ([]byte, error) {
	if err := ValidatePath(geo, path); err != nil {
		return nil, err
	}
	if len(payload) > geo.ForwardPayloadLength {
		return nil, ErrPayloadLength
	}

	k := len(path)
	keys := make([]*layerKeys, k)
	setupNonces := make([][KeyIDLen]byte, k)

	slots := make([][]byte, geo.NrHops)
	for i := 0; i < k; i++ {
		ct, shared, err := suite.KEMEncaps(path[i].KEMPublic)
		if err != nil {
			return nil, fmt.Errorf("onion: encapsulate hop %d: %w", i, err)
		}
		if _, err := io.ReadFull(rnd, setupNonces[i][:]); err != nil {
			return nil, fmt.Errorf("onion: setup nonce: %w", err)
		}
		lk, err := deriveLayerKeys(shared, 0, ct.Classical)
		if err != nil {
			return nil, err
		}
		keys[i] = lk

		header := make([]byte, headerPlaintextLen)
		if i == k-1 {
			header[0] = flagTerminal
		}
		nextAddr := ""
		if i < k-1 {
			nextAddr = path[i+1].Address
		}
		if len(nextAddr) > MaxAddressLen {
			return nil, fmt.Errorf("onion: address %q exceeds MaxAddressLen", nextAddr)
		}
		header[1] = byte(len(nextAddr))
		copy(header[2:2+MaxAddressLen], nextAddr)
		copy(header[2+MaxAddressLen:], setupNonces[i][:])

		sealed, err := suite.AEADEncrypt(lk.headerKey[:], lk.headerNonce[:], nil, header)
		if err != nil {
			return nil, err
		}

		ctBytes, err := marshalCiphertext(ct, geo.KEMCiphertextSize)
		if err != nil {
			return nil, err
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

	// Nest the forward payload: zero-tag ∥ payload ∥ padding, then one
	// stream-cipher layer per hop from innermost (last hop) to outermost
	// (first hop) so peeling forward, hop by hop, strips exactly one
	// layer per hop and the terminal hop recovers plaintext.
	buf := make([]byte, geo.ForwardPayloadLength+PayloadTagLen)
	copy(buf[PayloadTagLen:], payload)
	for i := k - 1; i >= 0; i-- {
		if err := xorStreamLayer(buf, keys[i].payloadKey[:], keys[i].payloadNonce[:]); err != nil {
			return nil, err
		}
	}

	pkt := make([]byte, 0, geo.PacketLength)
	for _, s := range slots {
		pkt = append(pkt, s...)
	}
	pkt = append(pkt, buf...)
	return pkt, nil
}

// PeelResult is the outcome of processing one hop's routing slot.
type PeelResult struct {
	Terminal   bool
	NextAddr   string
	SetupNonce [KeyIDLen]byte
	// HeaderKey is this hop's derived layer key, the same value Build's
	// caller holds for this hop — a relay uses it, together with
	// SetupNonce, to open a Circuit for the ongoing Frames that follow
	// this setup packet.
	HeaderKey [suite.AEADKeySize]byte
	// Forward is the packet to send to NextAddr when !Terminal.
	Forward []byte
	// Payload is the recovered application payload when Terminal.
	Payload []byte
}

// Peel processes the first routing slot of pkt using sk, the local hop's
// KEM private key. On success it either yields a packet to forward (with
// one fewer effective layer, length preserved via shift+random-append) or,
// at the terminal hop, the recovered application payload.
func Peel(sk *suite.KEMPrivateKey, geo *Geometry, pkt []byte) (*PeelResult, error) {
	if len(pkt) != geo.PacketLength {
		return nil, ErrTruncated
	}
	slot0 := pkt[:geo.SlotSize]
	ctBytes := slot0[:geo.KEMCiphertextSize]
	nonce := slot0[geo.KEMCiphertextSize : geo.KEMCiphertextSize+suite.AEADNonceSize]
	sealed := slot0[geo.KEMCiphertextSize+suite.AEADNonceSize:]

	ct, err := unmarshalKEMCiphertext(sk.Algorithm, ctBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	shared, err := suite.KEMDecaps(sk, ct)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuth, err)
	}
	lk, err := deriveLayerKeys(shared, 0, ct.Classical)
	if err != nil {
		return nil, err
	}
	// The nonce on the wire is the same value Build derived from the
	// KDF (nonces need not be secret, only unique per key); using the
	// wire copy rather than lk.headerNonce keeps the AEAD call agnostic
	// to how the nonce was produced.
	header, err := suite.AEADDecrypt(lk.headerKey[:], nonce, nil, sealed)
	if err != nil {
		return nil, ErrAuth
	}
	if len(header) != headerPlaintextLen {
		return nil, ErrAuth
	}

	terminal := header[0]&flagTerminal != 0
	addrLen := int(header[1])
	if addrLen > MaxAddressLen {
		return nil, ErrAuth
	}
	nextAddr := string(header[2 : 2+addrLen])
	var setupNonce [KeyIDLen]byte
	copy(setupNonce[:], header[2+MaxAddressLen:])

	payload := append([]byte(nil), pkt[geo.headerBlockLength():]...)
	if err := xorStreamLayer(payload, lk.payloadKey[:], lk.payloadNonce[:]); err != nil {
		return nil, err
	}

	if terminal {
		if !suite.ConstantTimeEqual(payload[:PayloadTagLen], make([]byte, PayloadTagLen)) {
			return nil, ErrPayloadTag
		}
		return &PeelResult{Terminal: true, SetupNonce: setupNonce, HeaderKey: lk.headerKey, Payload: payload[PayloadTagLen:]}, nil
	}

	remaining := pkt[geo.SlotSize:geo.headerBlockLength()]
	fresh := suite.RandomBytes(geo.SlotSize)
	forward := make([]byte, 0, geo.PacketLength)
	forward = append(forward, remaining...)
	forward = append(forward, fresh...)
	forward = append(forward, payload...)

	return &PeelResult{Terminal: false, NextAddr: nextAddr, SetupNonce: setupNonce, HeaderKey: lk.headerKey, Forward: forward}, nil
}

func xorStreamLayer(buf, key, nonce []byte) error {
	c, err := chacha20.NewUnauthenticatedCipher(key[:chacha20.KeySize], nonce[:chacha20.NonceSize])
	if err != nil {
		return fmt.Errorf("onion: payload stream cipher: %w", err)
	}
	c.XORKeyStream(buf, buf)
	return nil
}

// marshalCiphertext encodes a KEM ciphertext to a fixed width, erroring
// if the wire form doesn't match the geometry's expectation — ciphertext
// sizes for a given suite are constant, so a mismatch means the wrong
// suite was configured.
func marshalCiphertext(ct *suite.KEMCiphertext, want int) ([]byte, error) {
	b := make([]byte, 0, 1+len(ct.Classical)+len(ct.PQ))
	b = append(b, byte(ct.Algorithm))
	b = append(b, ct.Classical...)
	b = append(b, ct.PQ...)
	if len(b) != want {
		return nil, fmt.Errorf("onion: kem ciphertext size %d != geometry %d", len(b), want)
	}
	return b, nil
}

func unmarshalKEMCiphertext(alg suite.ID, b []byte) (*suite.KEMCiphertext, error) {
	if len(b) < 1+32 {
		return nil, errors.New("onion: truncated kem ciphertext")
	}
	if suite.ID(b[0]) != alg {
		return nil, suite.ErrAlgorithmID
	}
	return &suite.KEMCiphertext{
		Algorithm: alg,
		Classical: b[1:33],
		PQ:        b[33:],
	}, nil
}
