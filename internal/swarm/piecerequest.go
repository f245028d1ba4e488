package swarm

import (
	"time"

	"gorent/internal/store"
)

// status mirrors strategy.Piece's status field in original_source/strategy.py:
// 0 idle, 1 in flight, 2 verified.
type status int

const (
	statusIdle status = iota
	statusInFlight
	statusVerified
)

const pieceExpiry = 5 * time.Second

// pieceRequest tracks the single peer assigned to download a piece and the
// blocks still outstanding for it, narrowing uber/kraken's
// piecerequest.Manager (which allows several peers per piece) to the
// single-assignment-per-piece policy in original_source/strategy.py's
// Piece class.
type pieceRequest struct {
	index     int
	status    status
	peerAddr  string
	pending   map[store.BlockRange]struct{}
	startedAt time.Time
	expireAt  time.Time
}

func newPieceRequest(index int) *pieceRequest {
	return &pieceRequest{index: index, status: statusIdle}
}

// begin marks the piece in-flight, assigned to peerAddr, with the given
// still-unfetched block ranges.
func (pr *pieceRequest) begin(peerAddr string, blocks []store.BlockRange, now time.Time) {
	pr.status = statusInFlight
	pr.peerAddr = peerAddr
	pr.pending = make(map[store.BlockRange]struct{}, len(blocks))
	for _, b := range blocks {
		pr.pending[b] = struct{}{}
	}
	pr.startedAt = now
	pr.expireAt = now.Add(pieceExpiry)
}

// receiveBlock removes a fulfilled block from the pending set and refreshes
// the expiry, mirroring Piece.recvBlock.
func (pr *pieceRequest) receiveBlock(b store.BlockRange, now time.Time) {
	delete(pr.pending, b)
	pr.expireAt = now.Add(pieceExpiry)
}

// downloaded reports whether every block this piece was assigned has come
// back, mirroring Piece.downloaded.
func (pr *pieceRequest) downloaded() bool {
	return len(pr.pending) == 0
}

// fail resets an in-flight piece back to idle, mirroring Piece.downloadFailed.
func (pr *pieceRequest) fail() {
	if pr.status == statusInFlight {
		pr.status = statusIdle
		pr.peerAddr = ""
		pr.pending = nil
	}
}

func (pr *pieceRequest) verify() {
	pr.status = statusVerified
	pr.peerAddr = ""
	pr.pending = nil
}

// expired reports whether an in-flight piece's deadline has passed.
func (pr *pieceRequest) expired(now time.Time) bool {
	return pr.status == statusInFlight && !pr.expireAt.After(now)
}
