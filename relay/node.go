// Package relay implements the forwarding side of the routing layer: a
// node that accepts inbound Links, peels one onion layer per hop off
// setup packets and Frames, and either forwards the result to the next
// hop or, at the terminal hop, hands the recovered application stream to
// the local RPC dispatcher. Grounded on Katzenpost's
// server/internal/incoming and server/internal/outgoing packages, which
// split the same job into an accept side and a dial side joined by a
// shared connection table; here both sides share one Node since a
// relay's role (entry, middle, or exit) is decided per-circuit, not
// per-process.
package relay

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/onion"
	"github.com/nyxmesh/corerelay/transport"
)

// TerminalHandler is invoked once per circuit that terminates at this
// node, with the circuit's setup nonce (the session challenge a Proof
// is made against, since both the client and this hop learned it during
// setup with no extra round trip) and an io.ReadWriter that reads the
// client's forward-direction application bytes and writes the
// corresponding backward-direction reply bytes, each transparently
// sealed/opened against the circuit's own AEAD layer. A node's owner
// wraps this in an rpc.Conn.
type TerminalHandler func(circuitID uint64, sessionNonce [onion.KeyIDLen]byte, stream io.ReadWriter)

// route is one hop's bookkeeping for an open circuit: its own AEAD
// layer state and, for non-terminal circuits, the Link reaching the
// next hop toward the exit.
type route struct {
	circuit  *onion.Circuit
	terminal bool
	down     transport.Link  // link to the next hop, if !terminal
	up       transport.Link  // link back toward the client
	stream   *terminalStream // non-nil when terminal
}

// Node is one relay's routing state: its KEM identity, the geometry
// setup packets are validated against, and the table of open circuits
// keyed by the circuit id this hop assigned them.
type Node struct {
	sk          *suite.KEMPrivateKey
	geo         *onion.Geometry
	replay      *onion.ReplayCache
	dialTimeout time.Duration
	idleTimeout time.Duration
	onTerminal  TerminalHandler
	log         *log.Logger

	mu     sync.Mutex
	routes map[uint64]*route
}

// New constructs a Node. onTerminal is called for every circuit whose
// exit is this node; it may be nil for a relay that never holds chat
// state (a pure forwarding hop).
func New(sk *suite.KEMPrivateKey, geo *onion.Geometry, replayTTL time.Duration, onTerminal TerminalHandler, logger *log.Logger) *Node {
	return &Node{
		sk:          sk,
		geo:         geo,
		replay:      onion.NewReplayCache(replayTTL),
		dialTimeout: 10 * time.Second,
		idleTimeout: 5 * time.Minute,
		onTerminal:  onTerminal,
		log:         logger,
		routes:      make(map[uint64]*route),
	}
}

// HandleLink processes one inbound connection: exactly one fixed-length
// setup packet, establishing a route, followed by however many Frames
// arrive on that same Link for the lifetime of the circuit.
func (n *Node) HandleLink(up transport.Link) {
	defer up.Close()

	buf := make([]byte, n.geo.PacketLength)
	if _, err := io.ReadFull(up, buf); err != nil {
		n.log.Debugf("relay: read setup packet from %s: %v", up.RemoteAddress(), err)
		return
	}
	res, err := onion.Peel(n.sk, n.geo, buf)
	if err != nil {
		n.log.Warnf("relay: peel setup packet from %s: %v", up.RemoteAddress(), err)
		return
	}
	if n.replay.CheckAndSet(res.SetupNonce, time.Now()) {
		n.log.Warnf("relay: rejected replayed setup nonce from %s", up.RemoteAddress())
		return
	}

	circuitID := onion.CircuitIDFromNonce(res.SetupNonce)
	circ := onion.NewCircuit(circuitID, res.HeaderKey, onion.RoleResponder, n.idleTimeout, n.onCircuitIdle)
	circ.MarkOpen()

	rt := &route{circuit: circ, up: up}
	if res.Terminal {
		rt.terminal = true
		rt.stream = newTerminalStream(n, circuitID)
		n.registerRoute(circuitID, rt)
		if n.onTerminal != nil {
			n.onTerminal(circuitID, res.SetupNonce, rt.stream)
		}
		if err := rt.stream.deliverInbound(res.Payload); err != nil {
			n.log.Debugf("relay: deliver initial payload for circuit %d: %v", circuitID, err)
		}
	} else {
		down, err := transport.DialTCP(res.NextAddr, n.dialTimeout)
		if err != nil {
			n.log.Warnf("relay: dial next hop %s: %v", res.NextAddr, err)
			return
		}
		defer down.Close()
		if _, err := down.Write(res.Forward); err != nil {
			n.log.Warnf("relay: forward setup packet to %s: %v", res.NextAddr, err)
			return
		}
		rt.down = down
		n.registerRoute(circuitID, rt)
		n.pumpIntermediate(rt)
	}

	n.serveUpstream(up, rt)
	n.removeRoute(circuitID)
}

func (n *Node) registerRoute(id uint64, rt *route) {
	n.mu.Lock()
	n.routes[id] = rt
	n.mu.Unlock()
}

func (n *Node) removeRoute(id uint64) {
	n.mu.Lock()
	rt, ok := n.routes[id]
	delete(n.routes, id)
	n.mu.Unlock()
	if ok {
		rt.circuit.Close()
	}
}

func (n *Node) onCircuitIdle(c *onion.Circuit) {
	n.removeRoute(c.ID)
}

// serveUpstream reads forward-direction Frames from up for the
// lifetime of the circuit, peeling one AEAD layer per frame and either
// delivering the plaintext locally (terminal) or forwarding it raw to
// the next hop (intermediate).
func (n *Node) serveUpstream(up transport.Link, rt *route) {
	for {
		raw, err := onion.ReadRaw(up)
		if err != nil {
			if err != io.EOF {
				n.log.Debugf("relay: read frame from %s: %v", up.RemoteAddress(), err)
			}
			return
		}
		f, err := onion.DecodeFrame(raw)
		if err != nil {
			n.log.Warnf("relay: decode frame from %s: %v", up.RemoteAddress(), err)
			return
		}
		pt, err := rt.circuit.OpenFrame(f)
		if err != nil {
			n.log.Warnf("relay: open frame for circuit %d: %v", f.CircuitID, err)
			return
		}
		if rt.terminal {
			if err := rt.stream.deliverInbound(pt); err != nil {
				n.log.Debugf("relay: deliver frame for circuit %d: %v", f.CircuitID, err)
				return
			}
			continue
		}
		if err := onion.WriteRaw(rt.down, pt); err != nil {
			n.log.Warnf("relay: forward frame to %s: %v", rt.down.RemoteAddress(), err)
			return
		}
	}
}

// pumpIntermediate relays backward-direction bytes arriving from the
// next hop back to the client, wrapping exactly one additional AEAD
// layer with this hop's own key so the client peels one layer per hop
// in OpenReturn.
func (n *Node) pumpIntermediate(rt *route) {
	go func() {
		for {
			raw, err := onion.ReadRaw(rt.down)
			if err != nil {
				return
			}
			f, err := rt.circuit.SealFrame(0, raw)
			if err != nil {
				return
			}
			if err := onion.WriteRaw(rt.up, onion.EncodeFrame(f)); err != nil {
				return
			}
		}
	}()
}

// terminalStream adapts a terminal circuit's frame boundary to an
// io.ReadWriter: inbound plaintext chunks are queued for Read, and each
// Write is sealed as one backward Frame sent straight back up the
// circuit's upstream Link.
type terminalStream struct {
	node      *Node
	circuitID uint64

	pr *io.PipeReader
	pw *io.PipeWriter
}

func newTerminalStream(n *Node, circuitID uint64) *terminalStream {
	pr, pw := io.Pipe()
	return &terminalStream{node: n, circuitID: circuitID, pr: pr, pw: pw}
}

func (t *terminalStream) deliverInbound(payload []byte) error {
	_, err := t.pw.Write(payload)
	return err
}

func (t *terminalStream) Read(p []byte) (int, error) {
	return t.pr.Read(p)
}

func (t *terminalStream) Write(p []byte) (int, error) {
	t.node.mu.Lock()
	rt, ok := t.node.routes[t.circuitID]
	t.node.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("relay: circuit %d closed", t.circuitID)
	}
	f, err := rt.circuit.SealFrame(0, p)
	if err != nil {
		return 0, err
	}
	if err := onion.WriteRaw(rt.up, onion.EncodeFrame(f)); err != nil {
		return 0, err
	}
	return len(p), nil
}
