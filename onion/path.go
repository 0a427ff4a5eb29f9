package onion

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// ChoosePath selects a random path of length k (2 <= k <= geo.NrHops)
// without replacement from candidates, with exit fixed to dstAddr (the
// chat-holder), following the ordering rules from the packet codec
// design: random selection, no repeated node, first and last hop
// distinct. Grounded on Katzenpost's path.PathFactory, simplified here
// since this repo's replication group (not a PKI consensus) already
// determines the exit.
func ChoosePath(candidates []*PathHop, exit *PathHop, k int) ([]*PathHop, error) {
	if k < 2 {
		return nil, ErrPathLength
	}
	pool := make([]*PathHop, 0, len(candidates))
	for _, c := range candidates {
		if c.Address != exit.Address {
			pool = append(pool, c)
		}
	}
	if len(pool) < k-1 {
		return nil, errors.New("onion: not enough distinct relays to build a path")
	}

	shuffled, err := shuffle(pool)
	if err != nil {
		return nil, err
	}
	path := append(shuffled[:k-1:k-1], exit)
	if path[0].Address == exit.Address {
		return nil, ErrPathRepeats
	}
	return path, nil
}

// shuffle returns a cryptographically random permutation of hops, used so
// path selection is not predictable by an observer watching which relays
// a client tends to pick.
func shuffle(hops []*PathHop) ([]*PathHop, error) {
	out := append([]*PathHop(nil), hops...)
	for i := len(out) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return nil, err
		}
		j := int(jBig.Int64())
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
