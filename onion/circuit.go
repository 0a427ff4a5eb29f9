package onion

import (
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

// State is a circuit's position in the Pending -> Open -> Closing -> Closed
// state machine from the routing-behavior design.
type State int

const (
	Pending State = iota
	Open
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

var (
	// ErrClosed is returned by operations attempted on a circuit that has
	// finished tearing down.
	ErrClosed = errors.New("onion: circuit closed")
	// ErrOutOfOrder is returned when a received frame's sequence number
	// does not strictly exceed the last one seen; the circuit transitions
	// to Closing per the routing-behavior design.
	ErrOutOfOrder = errors.New("onion: out-of-order frame, circuit closing")
	// ErrCancelled is returned to callers with in-flight reads/writes when
	// a circuit is torn down out from under them.
	ErrCancelled = errors.New("onion: circuit cancelled")
)

// Frame is one ordered unit of a circuit's bidirectional stream, per the
// routing-behavior wire contract: {circuit_id, sequence, len, AEAD
// ciphertext with aad = seq ∥ circuit_id}.
type Frame struct {
	CircuitID  uint64
	StreamID   uint32
	Sequence   uint64
	Ciphertext []byte
}

// Role distinguishes the two parties that share a hop's layer key: the
// circuit's originator, who holds a local mirror of every hop, and the
// relay that actually sits at that hop. Both derive identical AtoB/BtoA
// salts from the layer key, but which salt SealFrame/OpenFrame reach for
// depends on which party is calling — an Initiator seals the outbound
// (AtoB) direction and opens the return (BtoA) one; a Responder does the
// opposite. Without this split, SealFrame and OpenFrame on two distinct
// Circuit instances for the same hop would pick unrelated salts and
// never agree on a nonce.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

// Circuit is one hop's view of an onion-routed tunnel: the derived layer
// key, the per-direction sequence/salt state used to seal and open Frames,
// and the multiplexed streams riding on top of it. Grounded on
// replica/incoming_conn.go and outgoing_conn.go, which likewise give each
// peer connection its own mutex-guarded state and a worker.Worker-driven
// read loop; here a Circuit fills the same role one layer up, since
// several circuits can share one underlying connection.
type Circuit struct {
	mu sync.Mutex

	ID       uint64
	role     Role
	state    State
	layerKey [suite.AEADKeySize]byte
	saltAtoB [suite.AEADNonceSize]byte
	saltBtoA [suite.AEADNonceSize]byte
	seqOut   uint64
	lastIn   uint64
	inSeen   bool

	streams map[uint32]*Stream

	idleTimeout time.Duration
	idleTimer   *time.Timer
	onIdle      func(*Circuit)
}

// NewCircuit constructs a Pending circuit for id, deriving the AtoB/BtoA
// salts from layerKey so the two directions never reuse a nonce space.
// role fixes which of those two directions this instance seals versus
// opens; see Role.
func NewCircuit(id uint64, layerKey [suite.AEADKeySize]byte, role Role, idleTimeout time.Duration, onIdle func(*Circuit)) *Circuit {
	c := &Circuit{
		ID:          id,
		role:        role,
		state:       Pending,
		layerKey:    layerKey,
		streams:     make(map[uint32]*Stream),
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
	h := suite.Hash(append([]byte("AtoB"), layerKey[:]...))
	copy(c.saltAtoB[:], h[:suite.AEADNonceSize])
	h = suite.Hash(append([]byte("BtoA"), layerKey[:]...))
	copy(c.saltBtoA[:], h[:suite.AEADNonceSize])
	c.armIdleLocked()
	return c
}

func (c *Circuit) sealSalt() [suite.AEADNonceSize]byte {
	if c.role == RoleInitiator {
		return c.saltAtoB
	}
	return c.saltBtoA
}

func (c *Circuit) openSalt() [suite.AEADNonceSize]byte {
	if c.role == RoleInitiator {
		return c.saltBtoA
	}
	return c.saltAtoB
}

// State returns the circuit's current lifecycle state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MarkOpen transitions Pending -> Open on first successful AEAD decrypt +
// forward ack, per the state machine.
func (c *Circuit) MarkOpen() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Pending {
		c.state = Open
	}
}

// Close transitions the circuit toward Closing (draining is the caller's
// responsibility) and then Closed, cancelling every multiplexed stream so
// blocked readers observe ErrCancelled instead of hanging.
func (c *Circuit) Close() {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return
	}
	c.state = Closing
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.mu.Unlock()

	for _, s := range streams {
		s.cancel()
	}

	c.mu.Lock()
	c.state = Closed
	c.mu.Unlock()
}

func (c *Circuit) armIdleLocked() {
	if c.idleTimeout <= 0 {
		return
	}
	c.idleTimer = time.AfterFunc(c.idleTimeout, func() {
		if c.onIdle != nil {
			c.onIdle(c)
		}
		c.Close()
	})
}

func (c *Circuit) touchLocked() {
	if c.idleTimer != nil {
		c.idleTimer.Reset(c.idleTimeout)
	}
}

func aad(seq uint64, circuitID uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], seq)
	binary.BigEndian.PutUint64(b[8:16], circuitID)
	return b
}

func nonceFor(salt [suite.AEADNonceSize]byte, seq uint64) [suite.AEADNonceSize]byte {
	var n [suite.AEADNonceSize]byte
	copy(n[:], salt[:])
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	for i := 0; i < 8 && i < suite.AEADNonceSize; i++ {
		n[suite.AEADNonceSize-1-i] ^= seqBytes[7-i]
	}
	return n
}

// SealFrame encrypts plaintext for streamID as the next frame in send
// order, advancing the outbound sequence counter. Sequence numbers are
// monotone per direction, used together with the per-direction salt as
// the AEAD nonce.
func (c *Circuit) SealFrame(streamID uint32, plaintext []byte) (*Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed || c.state == Closing {
		return nil, ErrClosed
	}
	c.seqOut++
	seq := c.seqOut
	nonce := nonceFor(c.sealSalt(), seq)
	ct, err := suite.AEADEncrypt(c.layerKey[:], nonce[:], aad(seq, c.ID), plaintext)
	if err != nil {
		return nil, err
	}
	c.touchLocked()
	return &Frame{CircuitID: c.ID, StreamID: streamID, Sequence: seq, Ciphertext: ct}, nil
}

// OpenFrame decrypts f, enforcing strict sequence monotonicity. A frame
// arriving out of order is dropped and the circuit begins closing, per the
// routing-behavior design.
func (c *Circuit) OpenFrame(f *Frame) ([]byte, error) {
	c.mu.Lock()
	if c.state == Closed || c.state == Closing {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.inSeen && f.Sequence <= c.lastIn {
		c.mu.Unlock()
		c.Close()
		return nil, ErrOutOfOrder
	}
	nonce := nonceFor(c.openSalt(), f.Sequence)
	pt, err := suite.AEADDecrypt(c.layerKey[:], nonce[:], aad(f.Sequence, c.ID), f.Ciphertext)
	if err != nil {
		c.mu.Unlock()
		return nil, err
	}
	c.lastIn = f.Sequence
	c.inSeen = true
	c.touchLocked()
	c.mu.Unlock()
	return pt, nil
}

// Stream returns the stream with the given id, creating it (with the
// given send/receive credit windows) if it does not already exist.
func (c *Circuit) Stream(id uint32, sendWindow, recvWindow int) *Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[id]; ok {
		return s
	}
	s := newStream(id, sendWindow, recvWindow)
	c.streams[id] = s
	return s
}

// CloseStream removes a stream from the circuit's table; further frames
// for that id are ignored. This is the touch point that lazily drops a
// subscription once nothing is left reading its stream.
func (c *Circuit) CloseStream(id uint32) {
	c.mu.Lock()
	s, ok := c.streams[id]
	delete(c.streams, id)
	c.mu.Unlock()
	if ok {
		s.cancel()
	}
}
