package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/rpc"
	"github.com/nyxmesh/corerelay/transport"
)

// PeerTransport implements replication.Transport over direct
// authenticated Links between relays, deliberately bypassing onion
// routing: replication is housekeeping between the members of a chat's
// own replication group, who already know each other's addresses from
// the registry, so paying the multi-hop latency the client-facing RPCs
// need for anonymity buys nothing here. Grounded on Katzenpost's
// connector (server/internal/outgoing/connector.go), which likewise
// keeps one persistent connection per peer and reuses it across many
// packets rather than dialing per message.
type PeerTransport struct {
	dialTimeout time.Duration
	log         *log.Logger
	handlersFor func(peerAddr string) map[rpc.OpCode]rpc.Handler

	mu    sync.Mutex
	conns map[string]*rpc.Dispatcher
}

// NewPeerTransport constructs a PeerTransport. handlersFor builds the
// handler set for one connection given the address at its other end, so
// a HandleReplicate that falls behind can reconcile from the peer that
// just pushed to it. The same duplex link serves both directions of
// Replicate/GetHash/GetState traffic.
func NewPeerTransport(handlersFor func(peerAddr string) map[rpc.OpCode]rpc.Handler, logger *log.Logger) *PeerTransport {
	return &PeerTransport{
		dialTimeout: 10 * time.Second,
		log:         logger,
		handlersFor: handlersFor,
		conns:       make(map[string]*rpc.Dispatcher),
	}
}

// HandleAccepted wires an already-accepted peer Link the same way an
// outbound dial would, for the transport.Listener this node runs for
// its peer-facing port.
func (t *PeerTransport) HandleAccepted(link transport.Link) {
	addr := link.RemoteAddress()
	rpc.NewDispatcher(rpc.NewConn(link, t.log), t.log, t.handlersFor(addr))
}

func (t *PeerTransport) dispatcherFor(address string) (*rpc.Dispatcher, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.conns[address]; ok {
		return d, nil
	}
	link, err := transport.DialTCP(address, t.dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("server: dial peer %s: %w", address, err)
	}
	d := rpc.NewDispatcher(rpc.NewConn(link, t.log), t.log, t.handlersFor(address))
	t.conns[address] = d
	return d, nil
}

// Replicate pushes entry to address.
func (t *PeerTransport) Replicate(ctx context.Context, address string, name []byte, entry chat.Entry) error {
	d, err := t.dispatcherFor(address)
	if err != nil {
		return err
	}
	body, err := rpc.EncodeBody(rpc.ReplicateBody{Name: name, Entry: toWireEntry(entry)})
	if err != nil {
		return err
	}
	_, err = d.Call(ctx, rpc.OpReplicate, body)
	return err
}

// GetHash asks address for its consistency-vote digest.
func (t *PeerTransport) GetHash(ctx context.Context, address string, name []byte, commonNonce []byte) ([suite.HashSize]byte, error) {
	d, err := t.dispatcherFor(address)
	if err != nil {
		return [suite.HashSize]byte{}, err
	}
	body, err := rpc.EncodeBody(rpc.GetHashBody{Name: name, CommonNonce: commonNonce})
	if err != nil {
		return [suite.HashSize]byte{}, err
	}
	resp, err := d.Call(ctx, rpc.OpGetHash, body)
	if err != nil {
		return [suite.HashSize]byte{}, err
	}
	var reply rpc.GetHashReply
	if err := rpc.DecodeBody(resp, &reply); err != nil {
		return [suite.HashSize]byte{}, err
	}
	return reply.Digest, nil
}

// GetState fetches address's full snapshot of name.
func (t *PeerTransport) GetState(ctx context.Context, address string, name []byte) (chat.ChatSnapshot, error) {
	d, err := t.dispatcherFor(address)
	if err != nil {
		return chat.ChatSnapshot{}, err
	}
	body, err := rpc.EncodeBody(rpc.GetStateBody{Name: name})
	if err != nil {
		return chat.ChatSnapshot{}, err
	}
	resp, err := d.Call(ctx, rpc.OpGetState, body)
	if err != nil {
		return chat.ChatSnapshot{}, err
	}
	var reply rpc.GetStateReply
	if err := rpc.DecodeBody(resp, &reply); err != nil {
		return chat.ChatSnapshot{}, err
	}
	return fromWireSnapshot(reply), nil
}
