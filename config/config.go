// Package config loads and validates a relay's TOML configuration file,
// following Katzenpost's server/config and replica/config: a plain
// struct decoded with BurntSushi/toml, a FixupAndValidate pass that
// fills defaults and rejects an inconsistent file, and a pair of
// Load/LoadFile helpers.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultClientAddress     = ":9443"
	defaultPeerAddress       = ":9444"
	defaultLogLevel          = "info"
	defaultReplicationFactor = 5
	defaultBufferBytes       = 4 << 20
	defaultBufferMessages    = 4096
	defaultIdleTimeout       = 5 * time.Minute
	defaultSetupTimeout      = 10 * time.Second
	defaultForwardTimeout    = 10 * time.Second
	defaultVoteTimeout       = 5 * time.Second
	defaultHops              = 3
	defaultMinNodes          = 5

	// minReplicationFactor and maxReplicationFactor bound r, the number
	// of relays each chat is replicated to: too few risks losing the
	// chat outright to a handful of departures, too many turns every
	// append into a wide fan-out for no added durability.
	minReplicationFactor = 5
	maxReplicationFactor = 10
)

// Registry configures how this node discovers the rest of the
// deployment: a single HTTP endpoint it polls on Interval, mirroring
// the registry package's own Client constructor.
type Registry struct {
	Endpoint string
	Interval time.Duration
}

func (r *Registry) validate() error {
	if r.Endpoint == "" {
		return errors.New("config: Registry.Endpoint is not set")
	}
	if r.Interval <= 0 {
		r.Interval = 30 * time.Second
	}
	return nil
}

// Geometry configures the fixed-size Sphinx-style packet this
// deployment agrees on, generalized from Katzenpost's per-mixnet
// SphinxGeometry to this system's simpler hop count and KEM
// ciphertext/payload sizes.
type Geometry struct {
	Hops                 int
	KEMCiphertextSize    int
	ForwardPayloadLength int
}

func (g *Geometry) validate() error {
	if g.Hops <= 0 {
		g.Hops = defaultHops
	}
	if g.KEMCiphertextSize <= 0 {
		return errors.New("config: Geometry.KEMCiphertextSize is not set")
	}
	if g.ForwardPayloadLength <= 0 {
		return errors.New("config: Geometry.ForwardPayloadLength is not set")
	}
	return nil
}

// Buffer bounds one chat's resident log, decoded straight into
// chat.Caps by the caller.
type Buffer struct {
	Bytes    uint64
	Messages int
}

func (b *Buffer) validate() error {
	if b.Bytes == 0 {
		b.Bytes = defaultBufferBytes
	}
	if b.Messages == 0 {
		b.Messages = defaultBufferMessages
	}
	return nil
}

// Timeouts collects every duration knob a relay's onion and
// replication layers need, split out the way Katzenpost's config
// packages break epoch-related durations into their own block.
type Timeouts struct {
	Idle    time.Duration
	Setup   time.Duration
	Forward time.Duration
	Vote    time.Duration
}

func (t *Timeouts) validate() error {
	if t.Idle <= 0 {
		t.Idle = defaultIdleTimeout
	}
	if t.Setup <= 0 {
		t.Setup = defaultSetupTimeout
	}
	if t.Forward <= 0 {
		t.Forward = defaultForwardTimeout
	}
	if t.Vote <= 0 {
		t.Vote = defaultVoteTimeout
	}
	return nil
}

// Logging is the relay's logging configuration.
type Logging struct {
	Disable bool
	File    string
	Level   string
}

func (l *Logging) validate() error {
	if l.Level == "" {
		l.Level = defaultLogLevel
	}
	switch strings.ToLower(l.Level) {
	case "debug", "info", "warn", "error", "fatal":
	default:
		return fmt.Errorf("config: Logging.Level %q is invalid", l.Level)
	}
	return nil
}

// Config is the top-level relay configuration file.
type Config struct {
	// DataDir is the absolute path to the node's key material.
	DataDir string

	// ClientAddress is where the node accepts client-originated
	// circuit setup packets.
	ClientAddress string

	// PeerAddress is where the node accepts replication RPCs from
	// other relays.
	PeerAddress string

	// ReplicationFactor is r, the number of relays each chat is
	// replicated to.
	ReplicationFactor int

	// MinNodes is the smallest live registry size a node requires:
	// cmd/relay refuses to start when its first registry snapshot lists
	// fewer nodes, guarding against serving in a barely-bootstrapped
	// deployment.
	MinNodes int

	Registry Registry
	Geometry Geometry
	Buffer   Buffer
	Timeouts Timeouts
	Logging  Logging
}

// FixupAndValidate fills every omitted field with its default and
// rejects a Config that is still inconsistent afterward.
func (c *Config) FixupAndValidate() error {
	if c.DataDir == "" {
		return errors.New("config: DataDir is not set")
	}
	if !filepath.IsAbs(c.DataDir) {
		return fmt.Errorf("config: DataDir %q is not an absolute path", c.DataDir)
	}

	if c.ClientAddress == "" {
		c.ClientAddress = defaultClientAddress
	}
	if c.PeerAddress == "" {
		c.PeerAddress = defaultPeerAddress
	}
	if c.ReplicationFactor <= 0 {
		c.ReplicationFactor = defaultReplicationFactor
	}
	if c.ReplicationFactor < minReplicationFactor || c.ReplicationFactor > maxReplicationFactor {
		return fmt.Errorf("config: ReplicationFactor (%d) must be between %d and %d", c.ReplicationFactor, minReplicationFactor, maxReplicationFactor)
	}
	if c.MinNodes <= 0 {
		c.MinNodes = defaultMinNodes
	}
	if c.MinNodes < c.ReplicationFactor {
		return fmt.Errorf("config: MinNodes (%d) is smaller than ReplicationFactor (%d)", c.MinNodes, c.ReplicationFactor)
	}

	if err := c.Registry.validate(); err != nil {
		return err
	}
	if err := c.Geometry.validate(); err != nil {
		return err
	}
	if err := c.Buffer.validate(); err != nil {
		return err
	}
	if err := c.Timeouts.validate(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	return nil
}

// Load parses and validates b as a config file body.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the config file at path.
func LoadFile(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
