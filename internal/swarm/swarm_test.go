package swarm

import (
	"bytes"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorent/internal/bitfield"
	"gorent/internal/config"
	"gorent/internal/metainfo"
	"gorent/internal/peerconn"
	"gorent/internal/store"
	"gorent/internal/wire"
)

// fakeConn is a minimal net.Conn over an in-memory buffer, standing in for
// a real socket in tests that only need to inspect what Swarm wrote.
type fakeConn struct {
	out bytes.Buffer
}

func (c *fakeConn) Read(b []byte) (int, error)        { return 0, nil }
func (c *fakeConn) Write(b []byte) (int, error)       { return c.out.Write(b) }
func (c *fakeConn) Close() error                      { return nil }
func (c *fakeConn) LocalAddr() net.Addr               { return dummyAddr("local") }
func (c *fakeConn) RemoteAddr() net.Addr              { return dummyAddr("remote") }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type dummyAddr string

func (d dummyAddr) Network() string { return "tcp" }
func (d dummyAddr) String() string  { return string(d) }

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func newTestSwarm(t *testing.T, numPieces int) (*Swarm, *store.Store, *fixedClock) {
	t.Helper()
	content := make([][]byte, numPieces)
	hashes := make([][20]byte, numPieces)
	for i := range content {
		content[i] = bytes.Repeat([]byte{byte(i + 1)}, 4)
		hashes[i] = sha1.Sum(content[i])
	}
	info := &metainfo.Info{
		PieceLength: 4,
		PieceHashes: hashes,
		Files:       []metainfo.FileEntry{{Length: int64(4 * numPieces), Path: []string{"f.bin"}}},
		TotalLength: int64(4 * numPieces),
	}
	st := store.New(t.TempDir(), info, nil, nil)
	clk := &fixedClock{now: time.Unix(0, 0)}
	cfg := config.Scheduler{
		MaxOutstandingPieces: 50,
		PieceExpiry:          5 * time.Second,
		ChokeInterval:        10 * time.Second,
		MaxDownloaders:       4,
		KeepaliveInterval:    30 * time.Second,
	}
	sw := New([20]byte{1}, [20]byte{2}, st, numPieces, cfg, clk, nil, nil)
	return sw, st, clk
}

func newConnectedPeer(t *testing.T, sw *Swarm, numPieces int) *peerconn.PeerConn {
	t.Helper()
	// Each peer gets its own port so RegisterPeer's duplicate-address check
	// accepts several peers in one swarm.
	pc := peerconn.New(&fakeConn{}, "1.2.3.4", uint16(6881+sw.PeerCount()), numPieces)
	require.NoError(t, sw.RegisterPeer(pc))
	pc.State = peerconn.StateReady
	return pc
}

func TestRegisterPeerRejectsDuplicateAddr(t *testing.T) {
	sw, _, _ := newTestSwarm(t, 2)
	pc1 := peerconn.New(&fakeConn{}, "1.2.3.4", 6881, 2)
	pc2 := peerconn.New(&fakeConn{}, "1.2.3.4", 6881, 2)
	require.NoError(t, sw.RegisterPeer(pc1))
	assert.Error(t, sw.RegisterPeer(pc2))
}

func TestHandleHandshakeRejectsWrongInfoHash(t *testing.T) {
	sw, _, _ := newTestSwarm(t, 2)
	pc := newConnectedPeer(t, sw, 2)
	pc.State = peerconn.StateNew

	h := wire.NewHandshake([20]byte{9, 9, 9}, [20]byte{3})
	sw.HandleHandshake(pc, h)

	assert.Equal(t, 0, sw.PeerCount())
}

func TestHandleHandshakeSendsOurBitfield(t *testing.T) {
	sw, _, _ := newTestSwarm(t, 2)
	pc := newConnectedPeer(t, sw, 2)
	pc.State = peerconn.StateNew

	h := wire.NewHandshake([20]byte{1}, [20]byte{3})
	sw.HandleHandshake(pc, h)

	assert.Equal(t, peerconn.StateAwaitingBitfield, pc.State)
	fc := pc.Conn.(*fakeConn)
	require.True(t, fc.out.Len() > 0)

	// The wire payload must be the BEP-3 packed, MSB-first bitfield — 1
	// byte for a 2-piece torrent, not willf/bitset's own serialization
	// (an 8-byte length header plus word-aligned data). Our handshake was
	// written first, so the bitfield message follows it.
	msg, err := wire.ReadMessage(bytes.NewReader(fc.out.Bytes()[wire.Len():]))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, wire.BitfieldMsg, msg.ID)
	assert.Len(t, msg.Payload, bitfield.ByteLen(2))
}

func TestHandleMessageBitfieldAcceptsPackedPayload(t *testing.T) {
	sw, _, _ := newTestSwarm(t, 10)
	pc := newConnectedPeer(t, sw, 10)

	// Piece count 10 packs into 2 bytes; set pieces 0-5 (0b11111100 in the
	// first byte, matching spec.md §8 scenario S6).
	bf := bitfield.New(10)
	for i := 0; i <= 5; i++ {
		require.NoError(t, bf.Set(i))
	}
	require.Equal(t, 2, bf.Len())

	msg := wire.FormatBitfield(bf)
	require.NoError(t, sw.HandleMessage(pc, msg))

	assert.Equal(t, peerconn.StateReady, pc.State)
	for i := 0; i <= 5; i++ {
		assert.True(t, pc.RemoteBitfield.Test(uint(i)), "bit %d should be set", i)
	}
	for i := 6; i < 10; i++ {
		assert.False(t, pc.RemoteBitfield.Test(uint(i)), "bit %d should be clear", i)
	}
}

func TestHandleMessageBitfieldRejectsWrongLength(t *testing.T) {
	sw, _, _ := newTestSwarm(t, 10)
	pc := newConnectedPeer(t, sw, 10)

	// One byte too few for a 10-piece torrent (needs 2 bytes).
	msg := wire.FormatBitfield([]byte{0xff})
	require.NoError(t, sw.HandleMessage(pc, msg))

	assert.Equal(t, 0, sw.PeerCount(), "peer with a wrong-length bitfield should be dropped")
}

func TestHandlePieceStoresAndBroadcastsHave(t *testing.T) {
	sw, st, clk := newTestSwarm(t, 2)
	pc := newConnectedPeer(t, sw, 2)

	pr := sw.pieces[0]
	block := store.BlockRange{Begin: 0, Length: 4}
	pr.begin(pc.Addr(), []store.BlockRange{block}, clk.Now())
	sw.outstanding = 1

	data := bytes.Repeat([]byte{1}, 4)
	msg := wire.FormatPiece(0, 0, data)

	require.NoError(t, sw.HandleMessage(pc, msg))
	assert.True(t, st.IsPieceVerified(0))
	assert.Equal(t, statusVerified, sw.pieces[0].status)
	assert.Equal(t, 0, sw.outstanding)
	// pc is ready, so it is sent a have for the completed piece.
	sent, err := wire.ReadMessage(bytes.NewReader(pc.Conn.(*fakeConn).out.Bytes()))
	require.NoError(t, err)
	require.NotNil(t, sent)
	assert.Equal(t, wire.Have, sent.ID)
	idx, err := wire.ParseHave(sent)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
}

func TestChokePicksLowestDownloadRate(t *testing.T) {
	sw, _, _ := newTestSwarm(t, 1)
	fast := newConnectedPeer(t, sw, 1)
	slow := newConnectedPeer(t, sw, 1)
	fast.PeerInterested = true
	slow.PeerInterested = true
	fast.DownloadRate = 1000
	slow.DownloadRate = 10

	sw.cfg.MaxDownloaders = 1
	sw.Choke()

	_, slowIsDownloader := sw.downloaders[slow.Addr()]
	assert.True(t, slowIsDownloader, "choke algorithm should prefer the LOWEST download rate, matching the kept original behavior")
}

func TestExpirePeersDropsStaleConnections(t *testing.T) {
	sw, _, clk := newTestSwarm(t, 1)
	pc := newConnectedPeer(t, sw, 1)
	pc.ExpireAt = clk.Now().Add(-time.Second)

	sw.ExpirePeers()
	assert.Equal(t, 0, sw.PeerCount())
}

func TestCancelExpiredReleasesPiece(t *testing.T) {
	sw, _, clk := newTestSwarm(t, 1)
	pc := newConnectedPeer(t, sw, 1)
	pr := sw.pieces[0]
	pr.begin(pc.Addr(), []store.BlockRange{{Begin: 0, Length: 4}}, clk.Now())
	sw.outstanding = 1

	clk.now = clk.now.Add(10 * time.Second)
	sw.cancelExpired()

	assert.Equal(t, statusIdle, pr.status)
	assert.Equal(t, 0, sw.outstanding)
}
