// Package server wires the routing layer (relay), the chat state
// machine (chat), and replication (replication) together behind one
// rpc.Dispatcher per connection — the node-level assembly that
// Katzenpost splits across server/internal/glue.Glue (the interface tying
// its subsystems together) and cmd/server's main. This is that same
// join point, generalized to this system's components.
package server

import (
	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/dht"
	"github.com/nyxmesh/corerelay/registry"
)

// RegistryGroup adapts a registry.Client into the GroupSource interface
// replication and chat.Manager need, fixing this node's identity and
// the deployment's replication factor.
type RegistryGroup struct {
	reg    *registry.Client
	self   dht.ID
	factor int
}

// NewRegistryGroup constructs a RegistryGroup for a node whose identity
// key hashes to self.
func NewRegistryGroup(reg *registry.Client, selfPK *suite.SignPublicKey, factor int) (*RegistryGroup, error) {
	id, err := dht.IdentityID(selfPK)
	if err != nil {
		return nil, err
	}
	return &RegistryGroup{reg: reg, self: id, factor: factor}, nil
}

// ReplicationFactor returns the configured r.
func (g *RegistryGroup) ReplicationFactor() int { return g.factor }

// Self returns this node's registry-derived id.
func (g *RegistryGroup) Self() dht.ID { return g.self }

// Group returns the current replication group for key, computed fresh
// from whatever snapshot the registry client currently holds — a
// snapshot in use by an in-flight operation is never mutated underfoot,
// but the next call after a refresh sees the new membership.
func (g *RegistryGroup) Group(key dht.ID) []dht.Peer {
	return dht.ReplicationGroup(g.reg.Snapshot().Peers(), key, g.factor)
}

// InGroup reports whether this node currently belongs to key's
// replication group, the check chat.Manager's GroupChecker needs.
func (g *RegistryGroup) InGroup(key dht.ID) bool {
	return dht.InGroup(g.reg.Snapshot().Peers(), key, g.factor, g.self)
}
