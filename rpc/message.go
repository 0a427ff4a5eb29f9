// Package rpc implements the request/response/stream message framing
// carried inside onion frames' plaintext. A message is {op-code,
// request-id, cbor body}; op-code classes distinguish onion control,
// chat operations, replication, and errors/diagnostics.
//
// Grounded on Katzenpost's cborplugin (cborplugin/common.go): a
// length-prefixed CBOR frame over a byte stream, read and written by a
// pair of worker.Worker goroutines feeding buffered channels. This
// package keeps that shape and adds the op-code/request-id header
// Katzenpost's plugin protocol didn't need (it multiplexed at the
// unix-socket level, one plugin per socket; here many logical calls
// share one onion circuit).
package rpc

// OpCode identifies a message's meaning and which body type its CBOR
// payload decodes to.
type OpCode byte

// Onion control: 0x00-0x1F.
const (
	OpExtend OpCode = 0x00 + iota
	OpExtendAck
	OpData
	OpClose
)

// Chat operations: 0x20-0x3F.
const (
	OpCreateChat OpCode = 0x20 + iota
	OpInvite
	OpRemove
	OpSetPermission
	OpSendMessage
	OpFetchMessages
	OpSubscribe
	OpUnsubscribe
	OpSetSendThreshold
)

// Replication: 0x40-0x5F.
const (
	OpReplicate OpCode = 0x40 + iota
	OpGetHash
	OpGetState
	OpAckReplicate
)

// Errors and diagnostics: 0xF0-0xFF.
const (
	OpError OpCode = 0xF0 + iota
	OpPong
	OpPing
)

func (op OpCode) String() string {
	switch op {
	case OpExtend:
		return "Extend"
	case OpExtendAck:
		return "ExtendAck"
	case OpData:
		return "Data"
	case OpClose:
		return "Close"
	case OpCreateChat:
		return "CreateChat"
	case OpInvite:
		return "Invite"
	case OpRemove:
		return "Remove"
	case OpSetPermission:
		return "SetPermission"
	case OpSendMessage:
		return "SendMessage"
	case OpFetchMessages:
		return "FetchMessages"
	case OpSubscribe:
		return "Subscribe"
	case OpUnsubscribe:
		return "Unsubscribe"
	case OpSetSendThreshold:
		return "SetSendThreshold"
	case OpReplicate:
		return "Replicate"
	case OpGetHash:
		return "GetHash"
	case OpGetState:
		return "GetState"
	case OpAckReplicate:
		return "AckReplicate"
	case OpError:
		return "Error"
	case OpPong:
		return "Pong"
	case OpPing:
		return "Ping"
	default:
		return "Unknown"
	}
}

// ErrorKind classifies a failure, carried in an OpError body so the
// caller can decide whether to retry.
type ErrorKind byte

const (
	ErrKindTransport ErrorKind = iota
	ErrKindCrypto
	ErrKindProtocol
	ErrKindAuthorization
	ErrKindCapacity
	ErrKindConsistency
	ErrKindInternal
)

// Message is one framed RPC unit.
type Message struct {
	Op        OpCode
	RequestID uint64
	Body      []byte // CBOR-encoded payload, type determined by Op
}

// ErrorBody is the CBOR body of an OpError message.
type ErrorBody struct {
	Kind    ErrorKind
	Message string
}
