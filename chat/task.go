package chat

import (
	"context"
	"errors"

	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/worker"
)

// ErrSubscriberSlow names the condition under which a subscriber is
// dropped: rather than block the chat's owning task on a slow reader
// (forbidden — no task may suspend mid-mutation on another task's
// behalf), a subscriber whose delivery channel is full has its Entries
// channel closed and must re-Subscribe. No operation in this package
// returns it; the dropped subscriber observes only the closed channel.
var ErrSubscriberSlow = errors.New("chat: subscriber channel full, unsubscribed")

// subscriberQueueDepth bounds per-subscriber push buffering.
const subscriberQueueDepth = 256

type opFunc func(*Chat) (any, error)

type call struct {
	fn    opFunc
	reply chan opResult
}

type opResult struct {
	val any
	err error
}

// Subscriber is a live registration for push delivery of new entries.
type Subscriber struct {
	ID uint64
	// Entries delivers appended messages in the holder's append order.
	// It is closed when the subscriber is removed, either explicitly via
	// Unsubscribe or because it fell behind.
	Entries chan Entry
}

// Handle is the single-owner task wrapping a Chat: every mutation is
// funneled through a bounded ingress channel and applied by one
// goroutine, so a chat's state is only ever touched from that one
// goroutine. Grounded on Katzenpost's
// ProxyRequestManager (replica/proxy_request_manager.go), which pairs a
// request with a private response channel the same way.
type Handle struct {
	worker.Worker

	chat    *Chat
	ingress chan call

	subs      map[uint64]*Subscriber
	nextSubID uint64
}

// NewHandle wraps c in an owning task and starts its run loop.
func NewHandle(c *Chat, ingressDepth int) *Handle {
	h := &Handle{
		chat:    c,
		ingress: make(chan call, ingressDepth),
		subs:    make(map[uint64]*Subscriber),
	}
	h.Go(h.run)
	return h
}

func (h *Handle) run() {
	for {
		select {
		case <-h.HaltCh():
			for _, s := range h.subs {
				close(s.Entries)
			}
			return
		case c := <-h.ingress:
			val, err := c.fn(h.chat)
			c.reply <- opResult{val: val, err: err}
		}
	}
}

// do submits fn to the owning task and blocks for its result, or returns
// early if ctx is cancelled or the task has halted — the standard shape
// every exported chat operation below funnels through.
func (h *Handle) do(ctx context.Context, fn opFunc) (any, error) {
	reply := make(chan opResult, 1)
	select {
	case h.ingress <- call{fn: fn, reply: reply}:
	case <-h.HaltCh():
		return nil, ErrUnknownChat
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-reply:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Name returns the chat's name without going through the ingress
// channel — it is set once at construction and never mutated.
func (h *Handle) Name() []byte { return h.chat.Name }

// Invite adds a new member. See Chat.Invite for the authorization rule.
func (h *Handle) Invite(ctx context.Context, issuer, newPK *suite.SignPublicKey, permission uint8, nonce uint64) error {
	_, err := h.do(ctx, func(c *Chat) (any, error) {
		return nil, c.Invite(issuer, newPK, permission, nonce)
	})
	return err
}

// Remove deletes a member. See Chat.Remove for the authorization rule.
func (h *Handle) Remove(ctx context.Context, issuer, target *suite.SignPublicKey, nonce uint64) error {
	_, err := h.do(ctx, func(c *Chat) (any, error) {
		return nil, c.Remove(issuer, target, nonce)
	})
	return err
}

// SetPermission changes a member's permission level.
func (h *Handle) SetPermission(ctx context.Context, issuer, target *suite.SignPublicKey, permission uint8, nonce uint64) error {
	_, err := h.do(ctx, func(c *Chat) (any, error) {
		return nil, c.SetPermission(issuer, target, permission, nonce)
	})
	return err
}

// SetSendThreshold adjusts the chat's send-permission ceiling.
func (h *Handle) SetSendThreshold(ctx context.Context, issuer *suite.SignPublicKey, threshold uint8, nonce uint64) error {
	_, err := h.do(ctx, func(c *Chat) (any, error) {
		return nil, c.SetSendThreshold(issuer, threshold, nonce)
	})
	return err
}

// SendMessage appends a signed message and fans it out to every live
// subscriber, in the same task step that committed it, so a subscriber
// never sees a later entry before an earlier one. Replication push is
// not started here; the caller pushes the returned Entry.
func (h *Handle) SendMessage(ctx context.Context, author *suite.SignPublicKey, payload []byte, sig *suite.Signature) (Entry, error) {
	v, err := h.do(ctx, func(c *Chat) (any, error) {
		entry, err := c.Append(author, payload, sig)
		if err != nil {
			return Entry{}, err
		}
		h.publishLocked(entry)
		return entry, nil
	})
	if err != nil {
		return Entry{}, err
	}
	return v.(Entry), nil
}

// ApplyReplicated installs an entry received from a peer holder,
// fanning it out to subscribers the same way a locally originated
// SendMessage does — a subscriber can't tell which path an entry
// arrived by.
func (h *Handle) ApplyReplicated(ctx context.Context, e Entry) error {
	_, err := h.do(ctx, func(c *Chat) (any, error) {
		if err := c.ApplyReplicated(e); err != nil {
			return nil, err
		}
		h.publishLocked(e)
		return nil, nil
	})
	return err
}

// publishLocked pushes entry to every subscriber. It must only be
// called from within the owning task (i.e. from inside a call passed to
// do), so no separate locking is needed for h.subs.
func (h *Handle) publishLocked(entry Entry) {
	for id, s := range h.subs {
		select {
		case s.Entries <- entry:
		default:
			close(s.Entries)
			delete(h.subs, id)
		}
	}
}

// FetchMessages returns up to limit entries with index >= cursor.
func (h *Handle) FetchMessages(ctx context.Context, cursor uint64, limit int) ([]Entry, uint64, error) {
	v, err := h.do(ctx, func(c *Chat) (any, error) {
		entries, newCursor := c.FetchMessages(cursor, limit)
		return fetchResult{entries, newCursor}, nil
	})
	if err != nil {
		return nil, cursor, err
	}
	r := v.(fetchResult)
	return r.entries, r.cursor, nil
}

type fetchResult struct {
	entries []Entry
	cursor  uint64
}

// Subscribe registers a new push subscriber. The returned Subscriber's
// Entries channel is closed on Unsubscribe, on Handle shutdown, or if
// the subscriber falls behind (ErrSubscriberSlow's condition).
func (h *Handle) Subscribe(ctx context.Context) (*Subscriber, error) {
	v, err := h.do(ctx, func(c *Chat) (any, error) {
		h.nextSubID++
		s := &Subscriber{ID: h.nextSubID, Entries: make(chan Entry, subscriberQueueDepth)}
		h.subs[s.ID] = s
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Subscriber), nil
}

// Unsubscribe removes a subscriber and closes its channel. Dropping a
// subscription handle without calling this leaves the subscriber
// registered until it falls behind and is dropped for slowness; this is
// the explicit unsubscribe path.
func (h *Handle) Unsubscribe(ctx context.Context, id uint64) error {
	_, err := h.do(ctx, func(c *Chat) (any, error) {
		if s, ok := h.subs[id]; ok {
			close(s.Entries)
			delete(h.subs, id)
		}
		return nil, nil
	})
	return err
}

// Snapshot returns read-only fields useful for the consistency vote
// (GetHash/GetState) and replication convergence checks, computed on
// the owning task so it never races an in-flight Append.
func (h *Handle) Snapshot(ctx context.Context) (ChatSnapshot, error) {
	v, err := h.do(ctx, func(c *Chat) (any, error) {
		return ChatSnapshot{
			Name:          append([]byte(nil), c.Name...),
			Members:       append([]Member(nil), c.Members...),
			NextIndex:     c.NextIndex,
			ChainHead:     c.ChainHead(),
			MembersDigest: c.MembersDigest(),
			EvictedPrefix: c.EvictedPrefixLen(),
			SendThreshold: c.SendThreshold,
			Log:           append([]Entry(nil), c.Log...),
		}, nil
	})
	if err != nil {
		return ChatSnapshot{}, err
	}
	return v.(ChatSnapshot), nil
}

// ChatSnapshot is a consistent point-in-time copy of a chat's state,
// used to answer GetState and to install a chat fetched via the
// consistency vote.
type ChatSnapshot struct {
	Name          []byte
	Members       []Member
	NextIndex     uint64
	ChainHead     [suite.HashSize]byte
	MembersDigest [suite.HashSize]byte
	EvictedPrefix int
	SendThreshold uint8
	Log           []Entry
}
