// Package peerconn holds per-connection protocol state: the choke/interest
// flags, the remote peer's bitfield, incremental frame assembly, and a
// rolling download-rate estimate. It is grounded on the Peer class in
// original_source/peer.py and the message-framing loop in
// original_source/peermanager.py's processPeer, adapted from Python's
// recursive re-entry into an iterative drain loop so that a connection
// with many small frames queued up does not grow the Go call stack.
package peerconn

import (
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/willf/bitset"
)

// State mirrors the peer.state values from original_source/peer.py: 0
// before any handshake has been exchanged, 1 once we've sent ours and are
// waiting on the remote's, 2 once both handshakes are done and we're
// waiting on a bitfield (or first message), 3 once the connection is fully
// up and running.
type State int

const (
	StateNew State = iota
	StateHandshakeSent
	StateAwaitingBitfield
	StateReady
)

const maxDownloadRateSamples = 100

// PeerConn is one TCP connection to a remote peer, plus the protocol state
// layered on top of it.
type PeerConn struct {
	Conn net.Conn
	IP   string
	Port uint16
	// RemotePeerID is the 20-byte id the remote sent in its handshake; zero
	// until the handshake completes.
	RemotePeerID [20]byte

	State State

	AmChoking      bool
	AmInterested   bool
	PeerChoking    bool
	PeerInterested bool

	// RemoteBitfield starts all-set, matching original_source/peermanager.py's
	// connPeer/recvMessage ("peerobj.bf = bitarray(piece_count); bf.fill()")
	// — the remote is optimistically assumed to have everything until an
	// actual bitfield message overwrites this wholesale; a have message sets
	// a single bit (a no-op while it's still all-set).
	RemoteBitfield *bitset.BitSet

	ExpireAt time.Time

	recvBuf       []byte
	expectedLen   int
	handshakeRead bool

	downloadRates []float64
	DownloadRate  float64
}

// New wraps conn as a fresh, pre-handshake PeerConn for a torrent with
// numPieces pieces.
func New(conn net.Conn, ip string, port uint16, numPieces int) *PeerConn {
	bf := bitset.New(uint(numPieces))
	for i := 0; i < numPieces; i++ {
		bf.Set(uint(i))
	}
	return &PeerConn{
		Conn:           conn,
		IP:             ip,
		Port:           port,
		AmChoking:      true,
		PeerChoking:    true,
		RemoteBitfield: bf,
		expectedLen:    -1,
	}
}

// Feed appends freshly-read bytes to the connection's receive buffer and
// drains as many complete frames (handshake or length-prefixed message) as
// are now available. Each returned frame is the exact byte span originally
// sent by the remote: an entire handshake, or a 4-byte length prefix plus
// its body (even for a zero-length keepalive).
//
// Framing tracks whether the one handshake frame has been consumed with
// its own handshakeRead flag rather than consulting pc.State: the caller
// only advances pc.State after dispatching each returned frame, which
// happens after Feed returns, so if a peer coalesces its handshake and its
// first message into one TCP segment, pc.State would still read as
// pre-handshake for the second frame and mis-frame it as a handshake.
// handshakeRead flips the instant the handshake frame is sliced off, so
// every later frame in the same call is framed as a length-prefixed
// message regardless of when the caller gets around to updating State.
func (pc *PeerConn) Feed(data []byte) ([][]byte, error) {
	pc.recvBuf = append(pc.recvBuf, data...)

	var frames [][]byte
	for {
		if pc.expectedLen < 0 {
			if !pc.handshakeRead {
				if len(pc.recvBuf) < 1 {
					break
				}
				pstrlen := int(pc.recvBuf[0])
				pc.expectedLen = pstrlen + 49
			} else {
				if len(pc.recvBuf) < 4 {
					break
				}
				length := binary.BigEndian.Uint32(pc.recvBuf[:4])
				if length > 1<<20 {
					return frames, fmt.Errorf("peerconn: message length %d exceeds sanity limit", length)
				}
				pc.expectedLen = int(length) + 4
			}
		}
		if len(pc.recvBuf) < pc.expectedLen {
			break
		}
		frame := make([]byte, pc.expectedLen)
		copy(frame, pc.recvBuf[:pc.expectedLen])
		frames = append(frames, frame)
		pc.recvBuf = pc.recvBuf[pc.expectedLen:]
		pc.handshakeRead = true
		pc.expectedLen = -1
	}
	return frames, nil
}

// RecordDownload folds a completed download of n bytes taking elapsed time
// into the rolling rate estimate, keeping at most the last 100 samples and
// averaging them — the plain running mean original_source/peer.py computes
// with numpy.average, with no weighting toward recent samples.
func (pc *PeerConn) RecordDownload(n int, elapsed time.Duration) {
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	rate := float64(n) / elapsed.Seconds()
	pc.downloadRates = append(pc.downloadRates, rate)
	if len(pc.downloadRates) > maxDownloadRateSamples {
		pc.downloadRates = pc.downloadRates[1:]
	}
	var sum float64
	for _, r := range pc.downloadRates {
		sum += r
	}
	pc.DownloadRate = sum / float64(len(pc.downloadRates))
}

// Addr returns the "ip:port" this connection targets.
func (pc *PeerConn) Addr() string {
	return fmt.Sprintf("%s:%d", pc.IP, pc.Port)
}
