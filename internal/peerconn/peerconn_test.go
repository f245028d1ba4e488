package peerconn

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorent/internal/wire"
)

func pipeConn(t *testing.T) net.Conn {
	t.Helper()
	client, _ := net.Pipe()
	return client
}

func TestFeedAssemblesHandshakeFrame(t *testing.T) {
	pc := New(pipeConn(t), "1.2.3.4", 6881, 4)
	var infoHash, peerID [20]byte
	h := wire.NewHandshake(infoHash, peerID)
	data := h.Serialize()

	// Split mid-frame to exercise partial reads.
	frames, err := pc.Feed(data[:10])
	require.NoError(t, err)
	assert.Empty(t, frames)

	frames, err = pc.Feed(data[10:])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, data, frames[0])
}

func TestFeedAssemblesMultipleMessageFrames(t *testing.T) {
	pc := New(pipeConn(t), "1.2.3.4", 6881, 4)
	pc.State = StateReady
	pc.handshakeRead = true

	m1 := (&wire.Message{ID: wire.Choke}).Serialize()
	m2 := (&wire.Message{ID: wire.Unchoke}).Serialize()

	frames, err := pc.Feed(append(append([]byte{}, m1...), m2...))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, m1, frames[0])
	assert.Equal(t, m2, frames[1])
}

func TestFeedFramesCoalescedHandshakeAndMessage(t *testing.T) {
	pc := New(pipeConn(t), "1.2.3.4", 6881, 4)
	var infoHash, peerID [20]byte
	handshake := wire.NewHandshake(infoHash, peerID).Serialize()
	bitfieldMsg := wire.FormatBitfield([]byte{0xf0}).Serialize()

	// A peer that sends its handshake and its first message back to back in
	// one TCP segment must still be framed as two separate frames, the
	// second as a length-prefixed message rather than a second handshake.
	frames, err := pc.Feed(append(append([]byte{}, handshake...), bitfieldMsg...))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, handshake, frames[0])
	assert.Equal(t, bitfieldMsg, frames[1])
}

func TestFeedRejectsOversizedLength(t *testing.T) {
	pc := New(pipeConn(t), "1.2.3.4", 6881, 4)
	pc.State = StateReady
	pc.handshakeRead = true

	huge := []byte{0x7f, 0xff, 0xff, 0xff}
	_, err := pc.Feed(huge)
	assert.Error(t, err)
}

func TestRecordDownloadCapsSampleWindow(t *testing.T) {
	pc := New(pipeConn(t), "1.2.3.4", 6881, 4)
	for i := 0; i < 150; i++ {
		pc.RecordDownload(16384, time.Second)
	}
	assert.Len(t, pc.downloadRates, maxDownloadRateSamples)
	assert.InDelta(t, 16384.0, pc.DownloadRate, 0.01)
}
