// Package chat implements the chat state machine: access-controlled
// append, cursor-based read, and subscription push over a single chat's
// log. Each chat's state is owned by exactly
// one goroutine and mutated only in response to messages delivered over
// a bounded channel — this package never exposes a lock for callers to
// take, only a request/response API backed by that channel, mirroring
// Katzenpost's ProxyRequestManager request/response-channel idiom in
// replica/proxy_request_manager.go.
package chat

import (
	"errors"

	"github.com/nyxmesh/corerelay/crypto/suite"
)

// Name-length and payload bounds enforced on every append.
const (
	MaxNameLen    = 64
	MaxPayloadLen = 16384
)

var (
	ErrUnknownChat     = errors.New("chat: unknown chat")
	ErrAlreadyExists   = errors.New("chat: already exists")
	ErrNotInGroup      = errors.New("chat: this node is not in the replication group for that chat")
	ErrDenied          = errors.New("chat: denied")
	ErrNonceReplay     = errors.New("chat: nonce did not exceed last recorded value")
	ErrUnknownMember   = errors.New("chat: not a member")
	ErrMemberExists    = errors.New("chat: member already exists")
	ErrIndexReplay     = errors.New("chat: index at or below stored max")
	ErrNameTooLong     = errors.New("chat: name exceeds maximum length")
	ErrPayloadTooLarge = errors.New("chat: payload exceeds maximum length")
	ErrInvalidProof    = errors.New("chat: proof does not match caller identity")
	ErrOverflow        = errors.New("chat: entry still exceeds capacity after evicting the rest of the log")
)

// Member is one entry in a chat's member list: an identity and its
// permission level. Lower is higher authority; 0 is root.
type Member struct {
	PubKey     *suite.SignPublicKey
	Permission uint8
}

// Entry is one stored log record. Signature is non-nil only while the
// entry is within the bounded signature-tail window; once it ages out
// of the window, Signature is cleared and the entry's authenticity
// rests on the chain hash alone.
type Entry struct {
	Index     uint64
	AuthorPK  *suite.SignPublicKey
	Payload   []byte
	Signature *suite.Signature
	ChainHash [suite.HashSize]byte
}

// SignPayload returns the message a SendMessage signature must cover:
// chat name ∥ index (big-endian) ∥ hash(payload). Exported so a client
// composing a SendMessage request can produce a signature Append will
// accept, using its own best guess of the chat's current next_index —
// a stale guess just draws ErrInvalidProof back, prompting a refresh.
func SignPayload(name []byte, index uint64, payload []byte) []byte {
	ph := suite.Hash(payload)
	out := make([]byte, 0, len(name)+8+len(ph))
	out = append(out, name...)
	out = appendUint64(out, index)
	out = append(out, ph[:]...)
	return out
}

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 7; i >= 0; i-- {
		tmp[i] = byte(v)
		v >>= 8
	}
	return append(b, tmp[:]...)
}

// chainHash computes H_i = hash(H_{i-1} ∥ payload_i).
func chainHash(prev [suite.HashSize]byte, payload []byte) [suite.HashSize]byte {
	buf := make([]byte, 0, suite.HashSize+len(payload))
	buf = append(buf, prev[:]...)
	buf = append(buf, payload...)
	return suite.Hash(buf)
}

// initialChainHash returns H_{-1} = hash(chat name), the seed for a
// fresh chat's chain.
func initialChainHash(name []byte) [suite.HashSize]byte {
	return suite.Hash(name)
}

func validateName(name []byte) error {
	if len(name) == 0 || len(name) > MaxNameLen {
		return ErrNameTooLong
	}
	return nil
}

func validatePayload(payload []byte) error {
	if len(payload) > MaxPayloadLen {
		return ErrPayloadTooLarge
	}
	return nil
}

// voteDigest computes hash(common_nonce ∥ chain_head_H ∥ next_index ∥
// members_digest), the consistency vote's per-peer answer to GetHash.
// Exported via VoteDigest on Chat and reused as-is by the
// replication package when it needs to check a peer's claimed digest
// against a locally reconstructed one.
func voteDigest(commonNonce []byte, head [suite.HashSize]byte, nextIndex uint64, membersDigest [suite.HashSize]byte) [suite.HashSize]byte {
	buf := make([]byte, 0, len(commonNonce)+suite.HashSize+8+suite.HashSize)
	buf = append(buf, commonNonce...)
	buf = append(buf, head[:]...)
	buf = appendUint64(buf, nextIndex)
	buf = append(buf, membersDigest[:]...)
	return suite.Hash(buf)
}

// VoteDigest is voteDigest exported for the replication package.
func VoteDigest(commonNonce []byte, head [suite.HashSize]byte, nextIndex uint64, membersDigest [suite.HashSize]byte) [suite.HashSize]byte {
	return voteDigest(commonNonce, head, nextIndex, membersDigest)
}
