package dht

import (
	"context"
	"sort"
	"sync"
)

// Alpha is the number of parallel FIND_NODE queries an iterative lookup
// issues per round, Kademlia's classic concurrency parameter.
const Alpha = 3

// Transport is the network dependency an iterative lookup needs: ask a
// peer at address for its own closest-known contacts to target. The
// actual RPC (an op-code in the rpc package's control-plane range) is
// injected here so this package stays free of wire-format concerns.
type Transport interface {
	FindNode(ctx context.Context, address string, target ID) ([]Contact, error)
}

// IterativeLookup implements Kademlia's node lookup: repeatedly query the
// Alpha closest not-yet-queried contacts, merge their answers into the
// candidate set, and stop once every known candidate has been queried or
// ctx is done after a round. It is used to locate a live address for a
// replication-group member the caller only knows by id, or to refresh
// this node's own table.
func IterativeLookup(ctx context.Context, t Transport, table *Table, target ID, k int) []Contact {
	type scored struct {
		c       Contact
		queried bool
	}

	seen := map[ID]*scored{}
	var order []*scored

	addCandidate := func(c Contact) {
		if c.ID == target {
			return
		}
		if _, ok := seen[c.ID]; ok {
			return
		}
		s := &scored{c: c}
		seen[c.ID] = s
		order = append(order, s)
	}

	for _, c := range table.Closest(target, k) {
		addCandidate(c)
	}

	for {
		sort.Slice(order, func(i, j int) bool {
			return Less(Distance(order[i].c.ID, target), Distance(order[j].c.ID, target))
		})

		var batch []*scored
		for _, s := range order {
			if !s.queried {
				batch = append(batch, s)
				if len(batch) == Alpha {
					break
				}
			}
		}
		if len(batch) == 0 {
			break
		}

		var mu sync.Mutex
		var wg sync.WaitGroup
		var fresh []Contact
		for _, s := range batch {
			s.queried = true
			wg.Add(1)
			go func(s *scored) {
				defer wg.Done()
				contacts, err := t.FindNode(ctx, s.c.Address, target)
				if err != nil {
					return
				}
				mu.Lock()
				fresh = append(fresh, contacts...)
				mu.Unlock()
			}(s)
		}
		wg.Wait()

		if ctx.Err() != nil {
			break
		}
		for _, c := range fresh {
			addCandidate(c)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		return Less(Distance(order[i].c.ID, target), Distance(order[j].c.ID, target))
	})
	out := make([]Contact, 0, k)
	for _, s := range order {
		out = append(out, s.c)
		if len(out) == k {
			break
		}
	}
	return out
}
