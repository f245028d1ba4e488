// Package config holds YAML-tagged tunables for the swarm, store, and
// tracker, in the applyDefaults() style used throughout uber/kraken's
// scheduler/conn.Config.
package config

import "time"

// BlockSize is the fixed wire block size: 2^14 bytes (spec.md §4.1).
const BlockSize = 16384

// Scheduler holds the request-scheduling parameters from spec.md §4.4.
type Scheduler struct {
	MaxOutstandingPieces int           `yaml:"max_outstanding_pieces"`
	PieceExpiry          time.Duration `yaml:"piece_expiry"`
	ChokeInterval        time.Duration `yaml:"choke_interval"`
	MaxDownloaders       int           `yaml:"max_downloaders"`
	KeepaliveInterval    time.Duration `yaml:"keepalive_interval"`
}

func (c Scheduler) applyDefaults() Scheduler {
	if c.MaxOutstandingPieces == 0 {
		c.MaxOutstandingPieces = 50
	}
	if c.PieceExpiry == 0 {
		c.PieceExpiry = 5 * time.Second
	}
	if c.ChokeInterval == 0 {
		c.ChokeInterval = 10 * time.Second
	}
	if c.MaxDownloaders == 0 {
		c.MaxDownloaders = 4
	}
	if c.KeepaliveInterval == 0 {
		c.KeepaliveInterval = 30 * time.Second
	}
	return c
}

// Conn holds per-connection timeouts from spec.md §5.
type Conn struct {
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	IdleExpiry          time.Duration `yaml:"idle_expiry"`
	MaxOutboundConnects int           `yaml:"max_outbound_connects"`
}

func (c Conn) applyDefaults() Conn {
	if c.DialTimeout == 0 {
		c.DialTimeout = 1 * time.Second
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 3 * time.Second
	}
	if c.IdleExpiry == 0 {
		c.IdleExpiry = 2 * time.Minute
	}
	if c.MaxOutboundConnects == 0 {
		c.MaxOutboundConnects = 16
	}
	return c
}

// Tracker holds tracker client timeouts from spec.md §4.5/§5.
type Tracker struct {
	HTTPTimeout      time.Duration `yaml:"http_timeout"`
	UDPBaseTimeout   time.Duration `yaml:"udp_base_timeout"`
	UDPMaxAttempts   int           `yaml:"udp_max_attempts"`
	AnnounceInterval time.Duration `yaml:"announce_interval"`
	ConnectionIDTTL  time.Duration `yaml:"connection_id_ttl"`
}

func (c Tracker) applyDefaults() Tracker {
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = 5 * time.Second
	}
	if c.UDPBaseTimeout == 0 {
		c.UDPBaseTimeout = 15 * time.Second
	}
	if c.UDPMaxAttempts == 0 {
		c.UDPMaxAttempts = 9
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = 30 * time.Second
	}
	if c.ConnectionIDTTL == 0 {
		c.ConnectionIDTTL = 1 * time.Hour
	}
	return c
}

// Config is the top-level configuration for a gorent session.
type Config struct {
	Scheduler Scheduler `yaml:"scheduler"`
	Conn      Conn      `yaml:"conn"`
	Tracker   Tracker   `yaml:"tracker"`
}

// ApplyDefaults fills any zero-valued fields with their documented
// defaults from spec.md §4.4/§5/§4.5.
func (c Config) ApplyDefaults() Config {
	c.Scheduler = c.Scheduler.applyDefaults()
	c.Conn = c.Conn.applyDefaults()
	c.Tracker = c.Tracker.applyDefaults()
	return c
}
