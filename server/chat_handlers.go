package server

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/replication"
	"github.com/nyxmesh/corerelay/rpc"
)

// verifiedIssuer checks proof against the session's own challenge (the
// setup nonce this circuit's client and exit hop both learned during
// onion setup) and returns the caller's authenticated identity key.
func verifiedIssuer(proof *suite.Proof, sessionNonce []byte) (*suite.SignPublicKey, error) {
	if proof == nil || !suite.VerifyProof(proof, sessionNonce) {
		return nil, chat.ErrInvalidProof
	}
	return proof.PublicKey, nil
}

// chatHandlers builds the client-facing handler set for one terminal
// circuit, bound to that circuit's session nonce and to a PushBody
// forwarder for OpSubscribe's live feed.
func chatHandlers(manager *chat.Manager, rep *replication.Replicator, sessionNonce []byte, conn *rpc.Conn, logger *log.Logger) map[rpc.OpCode]rpc.Handler {
	getHandle := func(name []byte) (*chat.Handle, error) {
		h, ok := manager.Get(name)
		if !ok {
			return nil, chat.ErrUnknownChat
		}
		return h, nil
	}

	return map[rpc.OpCode]rpc.Handler{
		rpc.OpCreateChat: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.CreateChatBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			issuer, err := verifiedIssuer(body.Proof, sessionNonce)
			if err != nil {
				return nil, err
			}
			if _, err := manager.CreateChat(body.Name, issuer); err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpCreateChat}, nil
		},
		rpc.OpInvite: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.InviteBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			issuer, err := verifiedIssuer(body.Proof, sessionNonce)
			if err != nil {
				return nil, err
			}
			h, err := getHandle(body.Name)
			if err != nil {
				return nil, err
			}
			if err := h.Invite(ctx, issuer, body.NewPK, body.Permission, body.Nonce); err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpInvite}, nil
		},
		rpc.OpRemove: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.RemoveBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			issuer, err := verifiedIssuer(body.Proof, sessionNonce)
			if err != nil {
				return nil, err
			}
			h, err := getHandle(body.Name)
			if err != nil {
				return nil, err
			}
			if err := h.Remove(ctx, issuer, body.Target, body.Nonce); err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpRemove}, nil
		},
		rpc.OpSetPermission: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.SetPermissionBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			issuer, err := verifiedIssuer(body.Proof, sessionNonce)
			if err != nil {
				return nil, err
			}
			h, err := getHandle(body.Name)
			if err != nil {
				return nil, err
			}
			if err := h.SetPermission(ctx, issuer, body.Target, body.Permission, body.Nonce); err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpSetPermission}, nil
		},
		rpc.OpSetSendThreshold: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.SetSendThresholdBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			issuer, err := verifiedIssuer(body.Proof, sessionNonce)
			if err != nil {
				return nil, err
			}
			h, err := getHandle(body.Name)
			if err != nil {
				return nil, err
			}
			if err := h.SetSendThreshold(ctx, issuer, body.Threshold, body.Nonce); err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpSetSendThreshold}, nil
		},
		rpc.OpSendMessage: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.SendMessageBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			issuer, err := verifiedIssuer(body.Proof, sessionNonce)
			if err != nil {
				return nil, err
			}
			h, err := getHandle(body.Name)
			if err != nil {
				return nil, err
			}
			entry, err := h.SendMessage(ctx, issuer, body.Payload, body.Signature)
			if err != nil {
				return nil, err
			}
			rep.PushReplicate(ctx, body.Name, entry)
			replyBody, err := rpc.EncodeBody(rpc.SendMessageReply{Index: entry.Index, ChainHash: entry.ChainHash})
			if err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpSendMessage, Body: replyBody}, nil
		},
		rpc.OpFetchMessages: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.FetchMessagesBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			h, err := getHandle(body.Name)
			if err != nil {
				return nil, err
			}
			entries, cursor, err := h.FetchMessages(ctx, body.Cursor, body.Limit)
			if err != nil {
				return nil, err
			}
			wire := make([]rpc.WireEntry, len(entries))
			for i, e := range entries {
				wire[i] = toWireEntry(e)
			}
			replyBody, err := rpc.EncodeBody(rpc.FetchMessagesReply{Entries: wire, Cursor: cursor})
			if err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpFetchMessages, Body: replyBody}, nil
		},
		rpc.OpSubscribe: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.SubscribeBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			h, err := getHandle(body.Name)
			if err != nil {
				return nil, err
			}
			sub, err := h.Subscribe(ctx)
			if err != nil {
				return nil, err
			}
			requestID := req.RequestID
			go func() {
				for entry := range sub.Entries {
					pushBody, err := rpc.EncodeBody(rpc.PushBody{Name: body.Name, Entry: toWireEntry(entry)})
					if err != nil {
						logger.Warnf("server: encode push: %v", err)
						continue
					}
					conn.Send(&rpc.Message{Op: rpc.OpSendMessage, RequestID: requestID, Body: pushBody})
				}
			}()
			replyBody, err := rpc.EncodeBody(rpc.SubscribeReply{SubscriptionID: sub.ID})
			if err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpSubscribe, Body: replyBody}, nil
		},
		rpc.OpUnsubscribe: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.UnsubscribeBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			h, err := getHandle(body.Name)
			if err != nil {
				return nil, err
			}
			if err := h.Unsubscribe(ctx, body.SubscriptionID); err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpUnsubscribe}, nil
		},
	}
}
