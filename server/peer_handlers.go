package server

import (
	"context"

	"github.com/nyxmesh/corerelay/replication"
	"github.com/nyxmesh/corerelay/rpc"
)

// peerHandlers answers the replication RPCs another relay in a chat's
// group sends over a direct peer Link. These carry no Proof — trust
// here rests on group membership being recomputed identically by every
// node from the same registry snapshot, not on a per-request signature
// (see DESIGN.md for the accepted trust gap this leaves). peerAddr is the
// address of the relay at the other end of this specific connection,
// needed so a HandleReplicate that discovers it is behind can reconcile
// from the same peer that pushed to it.
func peerHandlers(rep *replication.Replicator, peerAddr string) map[rpc.OpCode]rpc.Handler {
	return map[rpc.OpCode]rpc.Handler{
		rpc.OpReplicate: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.ReplicateBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			if err := rep.HandleReplicate(ctx, peerAddr, body.Name, fromWireEntry(body.Entry)); err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpAckReplicate}, nil
		},
		rpc.OpGetHash: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.GetHashBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			digest, err := rep.HandleGetHash(ctx, body.Name, body.CommonNonce)
			if err != nil {
				return nil, err
			}
			replyBody, err := rpc.EncodeBody(rpc.GetHashReply{Digest: digest})
			if err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpGetHash, Body: replyBody}, nil
		},
		rpc.OpGetState: func(ctx context.Context, req *rpc.Message) (*rpc.Message, error) {
			var body rpc.GetStateBody
			if err := rpc.DecodeBody(req, &body); err != nil {
				return nil, err
			}
			snap, err := rep.HandleGetState(ctx, body.Name)
			if err != nil {
				return nil, err
			}
			replyBody, err := rpc.EncodeBody(toWireSnapshot(snap))
			if err != nil {
				return nil, err
			}
			return &rpc.Message{Op: rpc.OpGetState, Body: replyBody}, nil
		},
	}
}
