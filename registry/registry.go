// Package registry implements the registry client: a background worker
// that polls the configured registry endpoint for the set of
// {identity_pk, encapsulation_pk, address, stake} records describing
// live relays, and publishes it as an immutable Snapshot the rest of the
// process reads without locking.
//
// Grounded on core/pki's WorkerBase (periodic-fetch-and-prune worker
// feeding a lock-guarded document cache); generalized from its
// epoch-keyed map of historical documents to a single copy-on-write
// current Snapshot, since this system has no consensus epoch — a relay
// just wants "the latest snapshot", and copy-on-write with
// atomic.Pointer removes readers' need for a lock entirely.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/nyxmesh/corerelay/crypto/suite"
	"github.com/nyxmesh/corerelay/dht"
	"github.com/nyxmesh/corerelay/worker"
)

// Record describes one relay as published by the registry oracle.
type Record struct {
	IdentityPK      *suite.SignPublicKey `json:"identity_pk"`
	EncapsulationPK *suite.KEMPublicKey  `json:"encapsulation_pk"`
	Address         string               `json:"address"`
	Stake           uint64               `json:"stake"`
}

// Snapshot is an immutable point-in-time view of the registry. Once
// published, a Snapshot value is never mutated — callers may retain a
// reference across a long-running operation (e.g. building a path) with
// no risk of it changing underfoot: an in-flight circuit survives a
// membership change that happens after it was built.
type Snapshot struct {
	fetchedAt time.Time
	records   []Record
	byID      map[dht.ID]Record
}

// FetchedAt reports when this snapshot was retrieved from the registry.
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// Records returns every record in the snapshot.
func (s *Snapshot) Records() []Record { return s.records }

// Lookup returns the record for a node id, if present.
func (s *Snapshot) Lookup(id dht.ID) (Record, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Peers projects the snapshot into the minimal view dht.ReplicationGroup
// needs.
func (s *Snapshot) Peers() []dht.Peer {
	out := make([]dht.Peer, 0, len(s.records))
	for id, r := range s.byID {
		out = append(out, dht.Peer{ID: id, Address: r.Address})
	}
	return out
}

func newSnapshot(records []Record) (*Snapshot, error) {
	byID := make(map[dht.ID]Record, len(records))
	for _, r := range records {
		id, err := dht.IdentityID(r.IdentityPK)
		if err != nil {
			return nil, fmt.Errorf("registry: computing node id: %w", err)
		}
		byID[id] = r
	}
	return &Snapshot{fetchedAt: time.Now(), records: records, byID: byID}, nil
}

// Client polls a registry endpoint on an interval and exposes the latest
// Snapshot via a lock-free atomic pointer, so readers never block on a
// fetch in progress.
type Client struct {
	worker.Worker

	endpoint string
	interval time.Duration
	http     *http.Client
	log      *log.Logger

	current atomic.Pointer[Snapshot]
}

// New constructs a Client that will poll endpoint every interval once
// started with Go. An empty Snapshot (no records) is installed
// immediately so callers never observe a nil pointer.
func New(endpoint string, interval time.Duration, logger *log.Logger) (*Client, error) {
	empty, err := newSnapshot(nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		endpoint: endpoint,
		interval: interval,
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      logger,
	}
	c.current.Store(empty)
	return c, nil
}

// Snapshot returns the most recently fetched registry state.
func (c *Client) Snapshot() *Snapshot {
	return c.current.Load()
}

// Start launches the polling loop, doing one synchronous fetch first so
// the client has real data before it starts serving requests.
func (c *Client) Start(ctx context.Context) error {
	if err := c.refresh(ctx); err != nil {
		c.log.Warnf("registry: initial fetch failed: %v", err)
	}
	c.Go(func() { c.worker(ctx) })
	return nil
}

func (c *Client) worker(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.refresh(ctx); err != nil {
				c.log.Warnf("registry: refresh failed: %v", err)
			}
		}
	}
}

func (c *Client) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registry: endpoint returned %s", resp.Status)
	}

	var records []Record
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return fmt.Errorf("registry: decoding response: %w", err)
	}
	snap, err := newSnapshot(records)
	if err != nil {
		return err
	}
	c.current.Store(snap)
	c.log.Debugf("registry: refreshed, %d records", len(records))
	return nil
}
