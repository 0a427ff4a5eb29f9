package server

import (
	"github.com/nyxmesh/corerelay/chat"
	"github.com/nyxmesh/corerelay/rpc"
)

func toWireEntry(e chat.Entry) rpc.WireEntry {
	return rpc.WireEntry{
		Index:     e.Index,
		AuthorPK:  e.AuthorPK,
		Payload:   e.Payload,
		Signature: e.Signature,
		ChainHash: e.ChainHash,
	}
}

func fromWireEntry(w rpc.WireEntry) chat.Entry {
	return chat.Entry{
		Index:     w.Index,
		AuthorPK:  w.AuthorPK,
		Payload:   w.Payload,
		Signature: w.Signature,
		ChainHash: w.ChainHash,
	}
}

func toWireMembers(members []chat.Member) []rpc.WireMember {
	out := make([]rpc.WireMember, len(members))
	for i, m := range members {
		out[i] = rpc.WireMember{PubKey: m.PubKey, Permission: m.Permission}
	}
	return out
}

func fromWireMembers(members []rpc.WireMember) []chat.Member {
	out := make([]chat.Member, len(members))
	for i, m := range members {
		out[i] = chat.Member{PubKey: m.PubKey, Permission: m.Permission}
	}
	return out
}

func toWireSnapshot(s chat.ChatSnapshot) rpc.GetStateReply {
	entries := make([]rpc.WireEntry, len(s.Log))
	for i, e := range s.Log {
		entries[i] = toWireEntry(e)
	}
	return rpc.GetStateReply{
		Name:          s.Name,
		Members:       toWireMembers(s.Members),
		NextIndex:     s.NextIndex,
		ChainHead:     s.ChainHead,
		MembersDigest: s.MembersDigest,
		EvictedPrefix: s.EvictedPrefix,
		SendThreshold: s.SendThreshold,
		Log:           entries,
	}
}

func fromWireSnapshot(r rpc.GetStateReply) chat.ChatSnapshot {
	entries := make([]chat.Entry, len(r.Log))
	for i, e := range r.Log {
		entries[i] = fromWireEntry(e)
	}
	return chat.ChatSnapshot{
		Name:          r.Name,
		Members:       fromWireMembers(r.Members),
		NextIndex:     r.NextIndex,
		ChainHead:     r.ChainHead,
		MembersDigest: r.MembersDigest,
		EvictedPrefix: r.EvictedPrefix,
		SendThreshold: r.SendThreshold,
		Log:           entries,
	}
}
