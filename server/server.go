package server

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/onion"
	"github.com/nyxmesh/corerelay/registry"
	"github.com/nyxmesh/corerelay/relay"
	"github.com/nyxmesh/corerelay/replication"
	"github.com/nyxmesh/corerelay/rpc"
	"github.com/nyxmesh/corerelay/transport"
)

// Config bundles the parameters Node needs beyond what the identity
// keys and registry client already carry, mirroring the field-for-field
// shape of Katzenpost's server/config.Config without the mix-specific
// (Sphinx epoch, decoy traffic) knobs this system does not have.
type Config struct {
	ClientListenAddress string
	PeerListenAddress   string
	ReplayTTL           time.Duration
	IdleTimeout         time.Duration
	ManagerCaps         chat.ManagerCaps
}

// Node is one relay's full runtime: registry membership, the onion
// routing layer, resident chat state, and replication against the rest
// of each chat's group, all sharing one identity keypair.
type Node struct {
	cfg Config
	log *log.Logger

	group    *RegistryGroup
	manager  *chat.Manager
	peers    *PeerTransport
	rep      *replication.Replicator
	relay    *relay.Node
	clientLn *transport.Listener
	peerLn   *transport.Listener
}

// NewNode wires every subsystem together without starting network I/O;
// call Start to bind listeners.
func NewNode(cfg Config, kemSK *suite.KEMPrivateKey, reg *registry.Client, selfIdentityPK *suite.SignPublicKey, replicationFactor int, geo *onion.Geometry, logger *log.Logger) (*Node, error) {
	group, err := NewRegistryGroup(reg, selfIdentityPK, replicationFactor)
	if err != nil {
		return nil, err
	}
	manager := chat.NewManager(group, cfg.ManagerCaps)

	n := &Node{cfg: cfg, log: logger, group: group, manager: manager}

	n.peers = NewPeerTransport(func(peerAddr string) map[rpc.OpCode]rpc.Handler {
		return peerHandlers(n.rep, peerAddr)
	}, logger)
	n.rep = replication.New(manager, n.peers, group, logger)

	n.relay = relay.New(kemSK, geo, cfg.ReplayTTL, n.onTerminal, logger)
	return n, nil
}

// onTerminal is relay.Node's callback for a circuit that terminates
// here: it wraps the recovered application stream in an rpc.Conn and
// answers every chat op against this node's own Manager/Replicator.
func (n *Node) onTerminal(circuitID uint64, sessionNonce [onion.KeyIDLen]byte, stream io.ReadWriter) {
	conn := rpc.NewConn(stream, n.log)
	rpc.NewDispatcher(conn, n.log, chatHandlers(n.manager, n.rep, sessionNonce[:], conn, n.log))
}

// Start binds the client-facing and peer-facing listeners. It does not
// block; call Halt to stop.
func (n *Node) Start() error {
	clientLn, err := transport.Listen(n.cfg.ClientListenAddress, n.relay.HandleLink, n.log)
	if err != nil {
		return err
	}
	n.clientLn = clientLn

	peerLn, err := transport.Listen(n.cfg.PeerListenAddress, n.peers.HandleAccepted, n.log)
	if err != nil {
		clientLn.Halt()
		return err
	}
	n.peerLn = peerLn
	return nil
}

// Halt stops both listeners and every resident chat's owning task.
func (n *Node) Halt(ctx context.Context) {
	if n.clientLn != nil {
		n.clientLn.Halt()
	}
	if n.peerLn != nil {
		n.peerLn.Halt()
	}
	n.manager.Shutdown(ctx)
}

// Manager exposes the resident chat set, mainly for diagnostics and
// tests.
func (n *Node) Manager() *chat.Manager { return n.manager }

// ClientAddress returns the bound client-facing listen address, useful
// after Start when Config.ClientListenAddress was ":0".
func (n *Node) ClientAddress() string { return n.clientLn.Addr().String() }

// PeerAddress returns the bound peer-facing listen address, useful
// after Start when Config.PeerListenAddress was ":0".
func (n *Node) PeerAddress() string { return n.peerLn.Addr().String() }

// LazyPull runs the consistency-vote pull for name against this node's
// current peers, installing and returning the majority-agreed state.
// Exposed mainly for diagnostics and tests; a resident chat's own
// replication path never needs to call this directly.
func (n *Node) LazyPull(ctx context.Context, name []byte) (*chat.Handle, error) {
	return n.rep.LazyPull(ctx, name)
}
