// Package metrics wraps a tally.Scope with the counters and gauges this
// module emits, following the tally.Scope-threaded-everywhere style of
// uber/kraken's store and scheduler packages.
package metrics

import "github.com/uber-go/tally"

// Metrics is a thin façade over a tally.Scope exposing the signals below.
// The store updates PiecesVerified, BytesStored and WriteRejected and the
// swarm updates PeersConnected; nothing in this module updates
// PieceVerifyFailed, TrackerSuccess or TrackerFailure.
type Metrics struct {
	scope tally.Scope

	PiecesVerified    tally.Counter
	PieceVerifyFailed tally.Counter
	BytesStored       tally.Counter
	WriteRejected     tally.Counter
	PeersConnected    tally.Gauge
	TrackerSuccess    tally.Counter
	TrackerFailure    tally.Counter
}

// New builds a Metrics instance backed by scope. Pass tally.NoopScope when
// metrics export is not wired to a reporter (e.g. in tests or a minimal CLI
// run).
func New(scope tally.Scope) *Metrics {
	if scope == nil {
		scope = tally.NoopScope
	}
	return &Metrics{
		scope:             scope,
		PiecesVerified:    scope.Counter("pieces_verified"),
		PieceVerifyFailed: scope.Counter("piece_verify_failed"),
		BytesStored:       scope.Counter("bytes_stored"),
		WriteRejected:     scope.Counter("write_rejected"),
		PeersConnected:    scope.Gauge("peers_connected"),
		TrackerSuccess:    scope.Counter("tracker_announce_success"),
		TrackerFailure:    scope.Counter("tracker_announce_failure"),
	}
}

// Scope returns the underlying tally.Scope, for subsystems that need to
// derive a tagged sub-scope of their own (e.g. per-torrent tagging).
func (m *Metrics) Scope() tally.Scope {
	return m.scope
}
