package rpc

import "github.com/nyxmesh/corerelay/crypto/suite"

// Every control message carries a Proof binding the caller's public key
// to a server-issued challenge, preventing replay across sessions;
// Nonce prevents replay within a session for operations that mutate
// membership state.

// CreateChatBody is OpCreateChat's request.
type CreateChatBody struct {
	Name  []byte
	Proof *suite.Proof
}

// InviteBody is OpInvite's request.
type InviteBody struct {
	Name       []byte
	NewPK      *suite.SignPublicKey
	Permission uint8
	Proof      *suite.Proof
	Nonce      uint64
}

// RemoveBody is OpRemove's request.
type RemoveBody struct {
	Name   []byte
	Target *suite.SignPublicKey
	Proof  *suite.Proof
	Nonce  uint64
}

// SetPermissionBody is OpSetPermission's request.
type SetPermissionBody struct {
	Name       []byte
	Target     *suite.SignPublicKey
	Permission uint8
	Proof      *suite.Proof
	Nonce      uint64
}

// SetSendThresholdBody is OpSetSendThreshold's request.
type SetSendThresholdBody struct {
	Name      []byte
	Threshold uint8
	Proof     *suite.Proof
	Nonce     uint64
}

// SendMessageBody is OpSendMessage's request. Signature is distinct from
// Proof: Proof authenticates the circuit's session against the setup
// nonce, while Signature is the per-message signature chat.Chat.Append
// verifies against the caller's own last-known next_index — a client
// whose guess of next_index is stale gets ErrInvalidProof back and
// retries after refreshing its cursor.
type SendMessageBody struct {
	Name      []byte
	Payload   []byte
	Signature *suite.Signature
	Proof     *suite.Proof
}

// SendMessageReply is OpSendMessage's successful response.
type SendMessageReply struct {
	Index     uint64
	ChainHash [suite.HashSize]byte
}

// FetchMessagesBody is OpFetchMessages's request.
type FetchMessagesBody struct {
	Name   []byte
	Cursor uint64
	Limit  int
}

// WireEntry is the wire form of a chat.Entry (this package does not
// import chat directly to avoid a dependency cycle with the node
// wiring; the adapter layer converts).
type WireEntry struct {
	Index     uint64
	AuthorPK  *suite.SignPublicKey
	Payload   []byte
	Signature *suite.Signature
	ChainHash [suite.HashSize]byte
}

// FetchMessagesReply is OpFetchMessages's response.
type FetchMessagesReply struct {
	Entries []WireEntry
	Cursor  uint64
}

// SubscribeBody is OpSubscribe's request.
type SubscribeBody struct {
	Name []byte
}

// SubscribeReply is OpSubscribe's response, identifying the subscription
// so a later OpUnsubscribe can name it.
type SubscribeReply struct {
	SubscriptionID uint64
}

// UnsubscribeBody is OpUnsubscribe's request.
type UnsubscribeBody struct {
	Name           []byte
	SubscriptionID uint64
}

// PushBody is a server-initiated push over an open Subscribe stream —
// carried as an OpSendMessage message with RequestID equal to the
// subscribe call's, distinguishing pushes from the original reply by
// arrival order (both are delivered over the same ordered onion stream,
// so per-subscriber delivery stays FIFO without extra sequencing).
type PushBody struct {
	Name  []byte
	Entry WireEntry
}

// ReplicateBody is OpReplicate's request.
type ReplicateBody struct {
	Name  []byte
	Entry WireEntry
}

// GetHashBody is OpGetHash's request.
type GetHashBody struct {
	Name        []byte
	CommonNonce []byte
}

// GetHashReply is OpGetHash's response.
type GetHashReply struct {
	Digest [suite.HashSize]byte
}

// GetStateBody is OpGetState's request.
type GetStateBody struct {
	Name []byte
}

// WireMember is the wire form of a chat.Member.
type WireMember struct {
	PubKey     *suite.SignPublicKey
	Permission uint8
}

// GetStateReply is OpGetState's response: a full chat snapshot.
type GetStateReply struct {
	Name          []byte
	Members       []WireMember
	NextIndex     uint64
	ChainHead     [suite.HashSize]byte
	MembersDigest [suite.HashSize]byte
	EvictedPrefix int
	SendThreshold uint8
	Log           []WireEntry
}
