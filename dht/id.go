// Package dht implements the Kademlia-style routing table, iterative
// node lookup, and replication-group computation. "Membership" in a
// chat's replication group is deterministic given the registry snapshot
// (see the registry package); this package's job is efficient locality —
// letting a relay point a client toward a nearer holder — plus serving
// FIND_NODE for peers still populating their own tables.
//
// Grounded on d7024e's routing table and XOR-distance metric, nocturne's
// NodeID-from-public-key hashing, composed with Katzenpost's own
// closest-node computation in replica/shard.go.
package dht

import (
	"bytes"
	"math/bits"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

// IDLength is the width of a DHT identifier: the output size of the
// crypto suite's hash function.
const IDLength = suite.HashSize

// ID is a fixed-width DHT identifier: a node id (hash of its signing
// identity) or a chat key (hash of its chat name).
type ID [IDLength]byte

// IdentityID computes the DHT id of a node from its long-term signing
// public key: a fixed-width hash of its identity.
func IdentityID(pk *suite.SignPublicKey) (ID, error) {
	b, err := pk.MarshalBinary()
	if err != nil {
		return ID{}, err
	}
	return suite.Hash(b), nil
}

// ChatKey computes the DHT key of a chat from its name: the hash of the
// chat name.
func ChatKey(name []byte) ID {
	return suite.Hash(name)
}

// Distance returns the XOR distance between two ids.
func Distance(a, b ID) ID {
	var d ID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether distance a is strictly less than distance b,
// treating both as big-endian unsigned integers — the ordering Kademlia's
// bucket index and closest-node sort both rely on.
func Less(a, b ID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// CommonPrefixLen returns the number of leading bits id shares with
// target, i.e. 8*IDLength - bitlen(Distance(id, target)) — used to select
// which k-bucket an id belongs in.
func CommonPrefixLen(id, target ID) int {
	d := Distance(id, target)
	for i, b := range d {
		if b != 0 {
			return i*8 + bits.LeadingZeros8(b)
		}
	}
	return IDLength * 8
}
