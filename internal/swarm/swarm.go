// Package swarm is the per-torrent protocol state machine: it owns every
// peer connection's choke/interest state, the local and per-peer
// bitfields, the piece request scheduler, and the choke/unchoke algorithm.
// It is grounded directly on original_source/peermanager.py's PeerManager
// and original_source/strategy.py's Piece/randomPiece, adapted from
// Python's thread-plus-lock model into a design where a single dispatch
// goroutine (owned by internal/eventloop) is the sole caller of every
// method here, so no internal locking is needed.
package swarm

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/willf/bitset"
	"go.uber.org/zap"

	"gorent/internal/bitfield"
	"gorent/internal/config"
	"gorent/internal/metrics"
	"gorent/internal/peerconn"
	"gorent/internal/store"
	"gorent/internal/wire"
)

const blockSize = config.BlockSize

// Swarm tracks every connection for a single torrent and drives the wire
// protocol state machine.
type Swarm struct {
	infoHash [20]byte
	peerID   [20]byte

	store *store.Store
	cfg   config.Scheduler

	log     *zap.SugaredLogger
	metrics *metrics.Metrics
	clock   clockSource

	bitfield *bitset.BitSet // pieces we have verified
	pieces   []*pieceRequest

	peers       map[string]*peerconn.PeerConn // keyed by Addr()
	downloaders map[string]*peerconn.PeerConn // currently-unchoked peers we're leeching from

	outstanding int
}

// clockSource is the minimal surface Swarm needs from a clock.Clock, so
// tests can inject a fixed time without pulling in the full interface.
type clockSource interface {
	Now() time.Time
}

// New builds a Swarm for a torrent with numPieces pieces, seeding the
// local bitfield from whichever pieces st already has verified (e.g. from
// a resumed download).
func New(infoHash, peerID [20]byte, st *store.Store, numPieces int, cfg config.Scheduler, clk clockSource, log *zap.SugaredLogger, m *metrics.Metrics) *Swarm {
	bf := bitset.New(uint(numPieces))
	pieces := make([]*pieceRequest, numPieces)
	for i := 0; i < numPieces; i++ {
		pieces[i] = newPieceRequest(i)
		if st.IsPieceVerified(i) {
			bf.Set(uint(i))
			pieces[i].status = statusVerified
		}
	}
	return &Swarm{
		infoHash:    infoHash,
		peerID:      peerID,
		store:       st,
		cfg:         cfg,
		log:         log,
		metrics:     m,
		clock:       clk,
		bitfield:    bf,
		pieces:      pieces,
		peers:       make(map[string]*peerconn.PeerConn),
		downloaders: make(map[string]*peerconn.PeerConn),
	}
}

// NumPieces returns the number of pieces this torrent has.
func (s *Swarm) NumPieces() int {
	return len(s.pieces)
}

// RegisterPeer adds conn to the swarm, rejecting a duplicate ip:port pair,
// mirroring PeerManager.connPeer's dedupe check.
func (s *Swarm) RegisterPeer(pc *peerconn.PeerConn) error {
	if _, exists := s.peers[pc.Addr()]; exists {
		return fmt.Errorf("swarm: already connected to %s", pc.Addr())
	}
	pc.ExpireAt = s.clock.Now().Add(2 * time.Minute)
	s.peers[pc.Addr()] = pc
	if s.metrics != nil {
		s.metrics.PeersConnected.Update(float64(len(s.peers)))
	}
	return nil
}

// DropPeer removes a connection from the swarm and releases any piece it
// had been assigned, mirroring PeerManager.dropPeer.
func (s *Swarm) DropPeer(pc *peerconn.PeerConn) {
	delete(s.peers, pc.Addr())
	delete(s.downloaders, pc.Addr())
	for _, pr := range s.pieces {
		if pr.status == statusInFlight && pr.peerAddr == pc.Addr() {
			pr.fail()
			s.outstanding--
		}
	}
	pc.Conn.Close()
	if s.metrics != nil {
		s.metrics.PeersConnected.Update(float64(len(s.peers)))
	}
}

func (s *Swarm) send(pc *peerconn.PeerConn, frame []byte) {
	if _, err := pc.Conn.Write(frame); err != nil {
		if s.log != nil {
			s.log.Warnw("write failed, dropping peer", "peer", pc.Addr(), "error", err)
		}
		s.DropPeer(pc)
	}
}

// SendHandshake sends our handshake and advances the connection's state,
// mirroring PeerManager.sendHandshake.
func (s *Swarm) SendHandshake(pc *peerconn.PeerConn) {
	pc.State = peerconn.StateHandshakeSent
	h := wire.NewHandshake(s.infoHash, s.peerID)
	s.send(pc, h.Serialize())
}

// SendBitfield sends our current bitfield and advances the connection to
// StateAwaitingBitfield, mirroring PeerManager.sendBitfield; the connection
// becomes StateReady only once the remote's bitfield arrives. The
// wire payload is built fresh as a packed, MSB-first internal/bitfield.Bitfield
// — s.bitfield is a willf/bitset used only for in-memory candidate-piece
// arithmetic, and its MarshalBinary format is not BEP-3's wire layout.
func (s *Swarm) SendBitfield(pc *peerconn.PeerConn) {
	pc.State = peerconn.StateAwaitingBitfield
	bf := bitfield.New(len(s.pieces))
	for i := 0; i < len(s.pieces); i++ {
		if s.bitfield.Test(uint(i)) {
			bf.Set(i)
		}
	}
	s.send(pc, wire.FormatBitfield(bf).Serialize())
}

func (s *Swarm) sendKeepalive(pc *peerconn.PeerConn) {
	var m *wire.Message
	s.send(pc, m.Serialize())
}

func (s *Swarm) sendChoke(pc *peerconn.PeerConn) {
	pc.AmChoking = true
	s.send(pc, (&wire.Message{ID: wire.Choke}).Serialize())
}

func (s *Swarm) sendUnchoke(pc *peerconn.PeerConn) {
	pc.AmChoking = false
	s.send(pc, (&wire.Message{ID: wire.Unchoke}).Serialize())
}

func (s *Swarm) sendInterested(pc *peerconn.PeerConn) {
	pc.AmInterested = true
	s.send(pc, (&wire.Message{ID: wire.Interested}).Serialize())
}

func (s *Swarm) sendNotInterested(pc *peerconn.PeerConn) {
	pc.AmInterested = false
	s.send(pc, (&wire.Message{ID: wire.NotInterested}).Serialize())
}

// broadcastHave tells every ready peer that we now have index, mirroring
// PeerManager.makeHave.
func (s *Swarm) broadcastHave(index int) {
	msg := wire.FormatHave(index)
	for _, pc := range s.peers {
		if pc.State == peerconn.StateReady {
			s.send(pc, msg.Serialize())
		}
	}
}

// HandleHandshake validates a remote handshake's info hash, completes our
// side if we haven't sent ours yet, and replies with our bitfield,
// mirroring PeerManager.processHandshake.
func (s *Swarm) HandleHandshake(pc *peerconn.PeerConn, h *wire.Handshake) {
	if !h.InfoHashMatches(s.infoHash) {
		s.DropPeer(pc)
		return
	}
	pc.RemotePeerID = h.PeerID
	if pc.State == peerconn.StateNew {
		s.SendHandshake(pc)
	}
	s.SendBitfield(pc)
}

// HandleMessage dispatches a single post-handshake protocol message,
// mirroring PeerManager.processMessage's mid switch.
func (s *Swarm) HandleMessage(pc *peerconn.PeerConn, m *wire.Message) error {
	if m == nil {
		// Keepalive: no-op, but it does keep the connection alive purely by
		// having been received at all (the caller already refreshed
		// pc.ExpireAt before dispatching).
		return nil
	}
	switch m.ID {
	case wire.Choke:
		pc.PeerChoking = true
	case wire.Unchoke:
		pc.PeerChoking = false
	case wire.Interested:
		pc.PeerInterested = true
	case wire.NotInterested:
		pc.PeerInterested = false
	case wire.Have:
		index, err := wire.ParseHave(m)
		if err != nil {
			return err
		}
		if index >= 0 && uint(index) < pc.RemoteBitfield.Len() {
			pc.RemoteBitfield.Set(uint(index))
		}
	case wire.BitfieldMsg:
		bf := bitfield.Bitfield(m.Payload)
		if !bitfield.ValidForPieceCount(bf, len(s.pieces)) {
			// Length must equal ceil(piece_count/8); otherwise drop.
			s.DropPeer(pc)
			return nil
		}
		remote := bitset.New(uint(len(s.pieces)))
		for i := 0; i < len(s.pieces); i++ {
			if bf.Has(i) {
				remote.Set(uint(i))
			}
		}
		pc.RemoteBitfield = remote
		pc.State = peerconn.StateReady
	case wire.Request:
		if pc.AmChoking {
			return nil
		}
		index, begin, length, err := wire.ParseRequest(m)
		if err != nil {
			return err
		}
		block, err := s.store.Retrieve(index, begin, length)
		if err != nil {
			return nil
		}
		s.send(pc, wire.FormatPiece(index, begin, block).Serialize())
	case wire.Piece:
		return s.handlePiece(pc, m)
	case wire.Cancel:
		// Accepted and ignored: each request is answered as soon as it
		// arrives, so there is never a queued reply left to withdraw.
	default:
		if s.log != nil {
			s.log.Debugw("unknown message id", "peer", pc.Addr(), "id", m.ID)
		}
	}
	return nil
}

func (s *Swarm) handlePiece(pc *peerconn.PeerConn, m *wire.Message) error {
	if len(m.Payload) < 8 {
		return fmt.Errorf("swarm: piece payload too short")
	}
	index := int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin := int(binary.BigEndian.Uint32(m.Payload[4:8]))
	data := m.Payload[8:]

	if index < 0 || index >= len(s.pieces) {
		return nil
	}
	pr := s.pieces[index]
	block := store.BlockRange{Begin: begin, Length: len(data)}
	if _, wanted := pr.pending[block]; !wanted {
		return nil
	}

	if err := s.store.Store(index, begin, data); err != nil {
		if s.log != nil {
			s.log.Warnw("rejected piece write", "index", index, "begin", begin, "error", err)
		}
		return nil
	}
	now := s.clock.Now()
	pr.receiveBlock(block, now)

	if pr.downloaded() {
		if s.store.IsPieceVerified(index) {
			pr.verify()
			s.bitfield.Set(uint(index))
			if length, err := s.store.PieceLength(index); err == nil {
				pc.RecordDownload(length, now.Sub(pr.startedAt))
			}
			s.broadcastHave(index)
			s.outstanding--
		} else {
			pr.fail()
			s.outstanding--
		}
		if pc.AmInterested && !pc.PeerChoking && s.outstanding < s.cfg.MaxOutstandingPieces {
			s.makeRequest(pc)
		}
	}
	return nil
}

// Choke runs the interest and choke/unchoke passes once per choke tick,
// mirroring PeerManager.choking.
func (s *Swarm) Choke() {
	for _, pc := range s.peers {
		if pc.State != peerconn.StateReady {
			continue
		}
		if s.peerHasSomethingWeWant(pc) {
			if !pc.AmInterested {
				s.sendInterested(pc)
			}
		} else if pc.AmInterested {
			s.sendNotInterested(pc)
		}
	}

	for addr, pc := range s.downloaders {
		if !pc.PeerInterested {
			delete(s.downloaders, addr)
			s.sendChoke(pc)
		}
	}

	for len(s.downloaders) < s.cfg.MaxDownloaders {
		var candidate *peerconn.PeerConn
		for _, pc := range s.peers {
			if !pc.PeerInterested {
				continue
			}
			if _, already := s.downloaders[pc.Addr()]; already {
				continue
			}
			// Deliberately picks the LOWEST download rate among
			// candidates, not the highest — this is the exact selection
			// original_source/peermanager.py's choking() performs
			// ("downloader.downloadrate > peer1.downloadrate"), carried
			// over unchanged rather than corrected to a tit-for-tat policy.
			if candidate == nil || candidate.DownloadRate > pc.DownloadRate {
				candidate = pc
			}
		}
		if candidate == nil {
			break
		}
		s.downloaders[candidate.Addr()] = candidate
		s.sendUnchoke(candidate)
	}
}

func (s *Swarm) peerHasSomethingWeWant(pc *peerconn.PeerConn) bool {
	for i := 0; i < len(s.pieces); i++ {
		if pc.RemoteBitfield.Test(uint(i)) && !s.bitfield.Test(uint(i)) {
			return true
		}
	}
	return false
}

// MakeRequests issues new piece assignments to every eligible unchoked,
// interested downloader, mirroring PeerManager.makeRequests.
func (s *Swarm) MakeRequests() {
	s.cancelExpired()
	for _, pc := range s.peers {
		if s.outstanding >= s.cfg.MaxOutstandingPieces {
			break
		}
		if pc.State != peerconn.StateReady || !pc.AmInterested || pc.PeerChoking {
			continue
		}
		if s.peerHasAssignment(pc) {
			continue
		}
		s.makeRequest(pc)
	}
}

func (s *Swarm) peerHasAssignment(pc *peerconn.PeerConn) bool {
	for _, pr := range s.pieces {
		if pr.status == statusInFlight && pr.peerAddr == pc.Addr() {
			return true
		}
	}
	return false
}

func (s *Swarm) makeRequest(pc *peerconn.PeerConn) {
	s.outstanding++
	pr := s.randomEligiblePiece(pc)
	if pr == nil {
		s.outstanding--
		return
	}
	length, err := s.store.PieceLength(pr.index)
	if err != nil {
		s.outstanding--
		return
	}
	blocksPerPiece := (length + blockSize - 1) / blockSize
	blocks, err := s.store.GetFreeBlocks(pr.index, blocksPerPiece)
	if err != nil || len(blocks) == 0 {
		s.outstanding--
		return
	}
	pr.begin(pc.Addr(), blocks, s.clock.Now())
	for _, b := range blocks {
		s.send(pc, wire.FormatRequest(pr.index, b.Begin, b.Length).Serialize())
	}
}

// randomEligiblePiece picks uniformly at random among idle pieces pc
// claims to have, mirroring strategy.randomPiece.
func (s *Swarm) randomEligiblePiece(pc *peerconn.PeerConn) *pieceRequest {
	var eligible []*pieceRequest
	for _, pr := range s.pieces {
		if pr.status == statusIdle && pc.RemoteBitfield.Test(uint(pr.index)) {
			eligible = append(eligible, pr)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	return eligible[rand.Intn(len(eligible))]
}

func (s *Swarm) cancelExpired() {
	now := s.clock.Now()
	for _, pr := range s.pieces {
		if pr.expired(now) {
			pr.fail()
			s.outstanding--
		}
	}
}

// SendKeepalives sends a keepalive to every connected peer, mirroring
// PeerManager.update's keepalive branch.
func (s *Swarm) SendKeepalives() {
	for _, pc := range s.peers {
		s.sendKeepalive(pc)
	}
}

// ExpirePeers drops every connection past its 2-minute idle deadline,
// mirroring PeerManager.update's expiry sweep.
func (s *Swarm) ExpirePeers() {
	now := s.clock.Now()
	var expired []*peerconn.PeerConn
	for _, pc := range s.peers {
		if !pc.ExpireAt.After(now) {
			expired = append(expired, pc)
		}
	}
	for _, pc := range expired {
		s.DropPeer(pc)
	}
}

// VerifiedRatio returns (verified piece count, total piece count).
func (s *Swarm) VerifiedRatio() (int, int) {
	return s.store.VerifiedRatio()
}

// PeerCount returns the number of currently-connected peers.
func (s *Swarm) PeerCount() int {
	return len(s.peers)
}

// RemoteAddr is a small helper so callers constructing a PeerConn can
// format ip:port the same way Swarm does internally.
func RemoteAddr(conn net.Conn) (string, uint16) {
	host, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String(), 0
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)
	return host, port
}
