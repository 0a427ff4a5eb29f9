package client

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/onion"
	"github.com/nyxmesh/corerelay/rpc"
)

// Session is one circuit's worth of authenticated chat access: a
// standing Dispatcher over a ClientCircuit, the caller's own identity
// key, and the per-chat next_index bookkeeping SendMessage needs to
// produce a signature the exit's Chat.Append will accept.
type Session struct {
	sk           *suite.SignPrivateKey
	sessionNonce []byte

	cc   *onion.ClientCircuit
	sess *session
	conn *rpc.Conn
	disp *rpc.Dispatcher
	log  *log.Logger

	mu        sync.Mutex
	nextIndex map[string]uint64
	subs      map[uint64]chan rpc.WireEntry
}

// Dial builds a fresh circuit through candidates to exit and opens a
// Session over it, ready to issue chat RPCs. sk is the caller's
// long-term identity, used both to prove possession of the session
// nonce on every mutating call and to sign message payloads.
func Dial(ctx context.Context, geo *onion.Geometry, candidates []*onion.PathHop, exit *onion.PathHop, hops int, idleTimeout, dialTimeout time.Duration, sk *suite.SignPrivateKey, logger *log.Logger) (*Session, error) {
	cc, sess, err := dialCircuit(ctx, geo, candidates, exit, hops, idleTimeout, dialTimeout)
	if err != nil {
		return nil, err
	}
	s := &Session{
		sk:           sk,
		sessionNonce: append([]byte{}, cc.ExitNonce[:]...),
		cc:           cc,
		sess:         sess,
		log:          logger,
		nextIndex:    make(map[string]uint64),
		subs:         make(map[uint64]chan rpc.WireEntry),
	}
	s.conn = rpc.NewConn(sess, logger)
	s.disp = rpc.NewDispatcher(s.conn, logger, map[rpc.OpCode]rpc.Handler{
		rpc.OpSendMessage: s.handlePush,
	})
	return s, nil
}

// Close tears down the Dispatcher, Conn, and underlying Link.
func (s *Session) Close() error {
	s.conn.Halt()
	return s.sess.Close()
}

// handlePush answers OpSendMessage messages that arrive unsolicited —
// every genuine SendMessage the caller issues goes through Call and is
// matched to its own reply before this handler ever sees it, so any
// message reaching here is a push tagged with a live Subscribe call's
// RequestID.
func (s *Session) handlePush(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
	var body rpc.PushBody
	if err := rpc.DecodeBody(req, &body); err != nil {
		return nil, err
	}
	s.mu.Lock()
	ch, ok := s.subs[req.RequestID]
	s.mu.Unlock()
	if !ok {
		s.log.Debugf("client: push for unknown subscription %d dropped", req.RequestID)
		return nil, nil
	}
	select {
	case ch <- body.Entry:
	default:
		s.log.Warnf("client: subscriber channel full, dropping push for %d", req.RequestID)
	}
	return nil, nil
}

func (s *Session) proof() *suite.Proof {
	return suite.MakeProof(s.sk, s.sessionNonce)
}

func (s *Session) call(ctx context.Context, op rpc.OpCode, body []byte) (*rpc.Message, error) {
	return s.disp.Call(ctx, op, body)
}

// CreateChat asks the exit's node to create name with the caller as
// sole root member.
func (s *Session) CreateChat(ctx context.Context, name []byte) error {
	body, err := rpc.EncodeBody(rpc.CreateChatBody{Name: name, Proof: s.proof()})
	if err != nil {
		return err
	}
	_, err = s.call(ctx, rpc.OpCreateChat, body)
	return err
}

// Invite adds newPK to name at permission, authenticated as issuer's
// identity via the session Proof.
func (s *Session) Invite(ctx context.Context, name []byte, newPK *suite.SignPublicKey, permission uint8, nonce uint64) error {
	body, err := rpc.EncodeBody(rpc.InviteBody{Name: name, NewPK: newPK, Permission: permission, Proof: s.proof(), Nonce: nonce})
	if err != nil {
		return err
	}
	_, err = s.call(ctx, rpc.OpInvite, body)
	return err
}

// Remove evicts target from name.
func (s *Session) Remove(ctx context.Context, name []byte, target *suite.SignPublicKey, nonce uint64) error {
	body, err := rpc.EncodeBody(rpc.RemoveBody{Name: name, Target: target, Proof: s.proof(), Nonce: nonce})
	if err != nil {
		return err
	}
	_, err = s.call(ctx, rpc.OpRemove, body)
	return err
}

// SetPermission changes target's permission level within name.
func (s *Session) SetPermission(ctx context.Context, name []byte, target *suite.SignPublicKey, permission uint8, nonce uint64) error {
	body, err := rpc.EncodeBody(rpc.SetPermissionBody{Name: name, Target: target, Permission: permission, Proof: s.proof(), Nonce: nonce})
	if err != nil {
		return err
	}
	_, err = s.call(ctx, rpc.OpSetPermission, body)
	return err
}

// SetSendThreshold changes the minimum permission level required to
// call SendMessage in name.
func (s *Session) SetSendThreshold(ctx context.Context, name []byte, threshold uint8, nonce uint64) error {
	body, err := rpc.EncodeBody(rpc.SetSendThresholdBody{Name: name, Threshold: threshold, Proof: s.proof(), Nonce: nonce})
	if err != nil {
		return err
	}
	_, err = s.call(ctx, rpc.OpSetSendThreshold, body)
	return err
}

// SendMessage appends payload to name, signing it against this
// session's own last-known guess of the chat's next_index. A stale
// guess draws ErrInvalidProof back from the exit; the caller should
// FetchMessages to refresh its cursor and retry.
func (s *Session) SendMessage(ctx context.Context, name []byte, payload []byte) (rpc.SendMessageReply, error) {
	s.mu.Lock()
	guess := s.nextIndex[string(name)]
	s.mu.Unlock()

	sig := suite.Sign(s.sk, chat.SignPayload(name, guess, payload))
	body, err := rpc.EncodeBody(rpc.SendMessageBody{Name: name, Payload: payload, Signature: sig, Proof: s.proof()})
	if err != nil {
		return rpc.SendMessageReply{}, err
	}
	resp, err := s.call(ctx, rpc.OpSendMessage, body)
	if err != nil {
		return rpc.SendMessageReply{}, err
	}
	var reply rpc.SendMessageReply
	if err := rpc.DecodeBody(resp, &reply); err != nil {
		return rpc.SendMessageReply{}, err
	}
	s.mu.Lock()
	s.nextIndex[string(name)] = reply.Index + 1
	s.mu.Unlock()
	return reply, nil
}

// FetchMessages retrieves a page of name's log starting at cursor, and
// refreshes this session's next_index guess for a subsequent
// SendMessage to one past the returned cursor (the newest index in the
// page). A page with no entries leaves the guess unchanged.
func (s *Session) FetchMessages(ctx context.Context, name []byte, cursor uint64, limit int) ([]rpc.WireEntry, uint64, error) {
	body, err := rpc.EncodeBody(rpc.FetchMessagesBody{Name: name, Cursor: cursor, Limit: limit})
	if err != nil {
		return nil, 0, err
	}
	resp, err := s.call(ctx, rpc.OpFetchMessages, body)
	if err != nil {
		return nil, 0, err
	}
	var reply rpc.FetchMessagesReply
	if err := rpc.DecodeBody(resp, &reply); err != nil {
		return nil, 0, err
	}
	s.mu.Lock()
	if len(reply.Entries) > 0 {
		s.nextIndex[string(name)] = reply.Cursor + 1
	}
	s.mu.Unlock()
	return reply.Entries, reply.Cursor, nil
}

// Subscription is a live feed of newly appended entries for one chat.
type Subscription struct {
	Entries <-chan rpc.WireEntry
	cancel  func(ctx context.Context) error
}

// Unsubscribe tells the exit to stop pushing to this subscription.
func (sub *Subscription) Unsubscribe(ctx context.Context) error {
	return sub.cancel(ctx)
}

// Subscribe opens a push feed for name. The returned Subscription's
// Entries channel is fed from this Session's own Dispatcher goroutine,
// so a slow reader risks dropped pushes (logged, never blocking the
// connection) rather than back-pressuring the whole circuit. The exit
// tags every push with the Subscribe call's own RequestID, so the
// channel is registered under that id as soon as the call's reply
// confirms it.
func (s *Session) Subscribe(ctx context.Context, name []byte) (*Subscription, error) {
	body, err := rpc.EncodeBody(rpc.SubscribeBody{Name: name})
	if err != nil {
		return nil, err
	}
	resp, err := s.call(ctx, rpc.OpSubscribe, body)
	if err != nil {
		return nil, err
	}
	var reply rpc.SubscribeReply
	if err := rpc.DecodeBody(resp, &reply); err != nil {
		return nil, err
	}

	ch := make(chan rpc.WireEntry, 32)
	requestID := resp.RequestID
	s.mu.Lock()
	s.subs[requestID] = ch
	s.mu.Unlock()

	sub := &Subscription{
		Entries: ch,
		cancel: func(ctx context.Context) error {
			ubody, err := rpc.EncodeBody(rpc.UnsubscribeBody{Name: name, SubscriptionID: reply.SubscriptionID})
			if err != nil {
				return err
			}
			_, err = s.call(ctx, rpc.OpUnsubscribe, ubody)
			s.mu.Lock()
			delete(s.subs, requestID)
			s.mu.Unlock()
			return err
		},
	}
	return sub, nil
}

