package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/replication"
)

// Handler answers a request Message with a response Message. Handlers
// run on the Dispatcher's own goroutine, one at a time per Conn — chat
// and replication handlers hand off to their own owning tasks (chat's
// Handle, replication's Replicator) rather than doing real work here, so
// this serialization never becomes a bottleneck.
type Handler func(ctx context.Context, req *Message) (*Message, error)

// Dispatcher pairs a Conn with a registry of request handlers and a
// table of pending client-originated calls, playing both the client and
// server role over the same duplex connection — the natural shape for a
// relay, which both issues Replicate/GetHash to peers and answers them.
type Dispatcher struct {
	conn     *Conn
	log      *log.Logger
	handlers map[OpCode]Handler

	mu      sync.Mutex
	pending map[uint64]chan *Message
}

// NewDispatcher wraps conn, dispatching incoming messages against
// handlers (looked up by Op) or, if RequestID matches an outstanding
// Call, delivering it as that call's reply.
func NewDispatcher(conn *Conn, logger *log.Logger, handlers map[OpCode]Handler) *Dispatcher {
	d := &Dispatcher{
		conn:     conn,
		log:      logger,
		handlers: handlers,
		pending:  make(map[uint64]chan *Message),
	}
	conn.Go(d.run)
	return d
}

func (d *Dispatcher) run() {
	for {
		select {
		case <-d.conn.HaltCh():
			d.failPending()
			return
		case msg, ok := <-d.conn.ReadCh():
			if !ok {
				d.failPending()
				return
			}
			d.route(msg)
		}
	}
}

func (d *Dispatcher) failPending() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, ch := range d.pending {
		close(ch)
		delete(d.pending, id)
	}
}

func (d *Dispatcher) route(msg *Message) {
	d.mu.Lock()
	if ch, ok := d.pending[msg.RequestID]; ok && msg.Op != OpData {
		delete(d.pending, msg.RequestID)
		d.mu.Unlock()
		ch <- msg
		return
	}
	d.mu.Unlock()

	handler, ok := d.handlers[msg.Op]
	if !ok {
		d.log.Warnf("rpc: no handler for op %s", msg.Op)
		d.conn.Send(errorMessage(msg.RequestID, ErrKindProtocol, fmt.Sprintf("unknown op %s", msg.Op)))
		return
	}
	resp, err := handler(d.conn.Context(), msg)
	if err != nil {
		d.conn.Send(errorMessage(msg.RequestID, classify(err), err.Error()))
		return
	}
	if resp != nil {
		resp.RequestID = msg.RequestID
		d.conn.Send(resp)
	}
}

// Call sends req and blocks for the matching reply, or returns early on
// ctx cancellation or connection halt.
func (d *Dispatcher) Call(ctx context.Context, op OpCode, body []byte) (*Message, error) {
	id := d.conn.NextRequestID()
	reply := make(chan *Message, 1)
	d.mu.Lock()
	d.pending[id] = reply
	d.mu.Unlock()

	d.conn.Send(&Message{Op: op, RequestID: id, Body: body})

	select {
	case msg, ok := <-reply:
		if !ok {
			return nil, fmt.Errorf("rpc: connection closed awaiting reply to %s", op)
		}
		if msg.Op == OpError {
			var eb ErrorBody
			if err := DecodeBody(msg, &eb); err == nil {
				return nil, fmt.Errorf("rpc: %s: %s", op, eb.Message)
			}
			return nil, fmt.Errorf("rpc: %s: peer error", op)
		}
		return msg, nil
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, id)
		d.mu.Unlock()
		return nil, ctx.Err()
	case <-d.conn.HaltCh():
		return nil, fmt.Errorf("rpc: connection closed sending %s", op)
	}
}

func errorMessage(requestID uint64, kind ErrorKind, message string) *Message {
	body, _ := EncodeBody(ErrorBody{Kind: kind, Message: message})
	return &Message{Op: OpError, RequestID: requestID, Body: body}
}

// classify maps a Go error to the closest ErrorKind. Handlers that
// need a specific kind should return one of the sentinel errors in this
// package's callers (chat, replication) wrapped so errors.Is still
// matches; unrecognized errors default to Protocol, the safest of the
// non-fatal kinds.
func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, chat.ErrOverflow):
		return ErrKindCapacity
	case errors.Is(err, replication.ErrNoQuorum):
		return ErrKindConsistency
	case errors.Is(err, chat.ErrDenied), errors.Is(err, chat.ErrInvalidProof):
		return ErrKindAuthorization
	default:
		return ErrKindProtocol
	}
}
