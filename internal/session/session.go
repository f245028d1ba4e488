// Package session threads the pieces every subsystem constructor needs —
// configuration, a structured logger, a clock, and metrics — instead of
// relying on package-level globals, following the Session/Config pattern
// uber/kraken threads through its scheduler and conn packages.
package session

import (
	"crypto/rand"
	"fmt"

	"github.com/andres-erbsen/clock"
	"go.uber.org/zap"

	"gorent/internal/config"
	"gorent/internal/metrics"
)

// peerIDPrefix identifies this client on the wire, following the Azureus
// convention used by BEP-20-style clients: -<2 letter client id><4 digit
// version>-<12 random ASCII digits>. The exact prefix matches
// original_source/bittorrent.py's generate_peer_id so that this client
// is indistinguishable on the wire from the reference implementation.
const peerIDPrefix = "-Rn4829-"

// Session carries everything a gorent subsystem needs to do its job:
// configuration, logging, a mockable clock, a metrics scope, and this
// client's peer id.
type Session struct {
	Config  config.Config
	Log     *zap.SugaredLogger
	Clock   clock.Clock
	Metrics *metrics.Metrics
	PeerID  [20]byte
}

// New builds a Session with the given config and metrics scope. It
// constructs a production zap logger and the real wall clock; use
// NewForTest for deterministic unit tests.
func New(cfg config.Config, m *metrics.Metrics) (*Session, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("session: build logger: %w", err)
	}
	peerID, err := generatePeerID()
	if err != nil {
		return nil, fmt.Errorf("session: generate peer id: %w", err)
	}
	return &Session{
		Config:  cfg.ApplyDefaults(),
		Log:     logger.Sugar(),
		Clock:   clock.New(),
		Metrics: m,
		PeerID:  peerID,
	}, nil
}

// NewForTest builds a Session backed by a mock clock and a no-op logger,
// for use in package tests that need deterministic scheduling.
func NewForTest(cfg config.Config) *Session {
	peerID, _ := generatePeerID()
	return &Session{
		Config:  cfg.ApplyDefaults(),
		Log:     zap.NewNop().Sugar(),
		Clock:   clock.NewMock(),
		Metrics: metrics.New(nil),
		PeerID:  peerID,
	}
}

// generatePeerID produces a 20-byte peer id: the fixed client prefix
// followed by 12 random ASCII digits, per spec.md §6.
func generatePeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], peerIDPrefix)
	digits := make([]byte, 20-len(peerIDPrefix))
	raw := make([]byte, len(digits))
	if _, err := rand.Read(raw); err != nil {
		return id, err
	}
	for i, b := range raw {
		digits[i] = '0' + b%10
	}
	copy(id[len(peerIDPrefix):], digits)
	return id, nil
}
