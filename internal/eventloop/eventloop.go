// Package eventloop is the single-dispatch-goroutine core that drives a
// running torrent: one goroutine per source reads from each peer
// connection, the listener, stdin, and a handful of tickers, funneling
// everything onto one channel that a single dispatch goroutine drains — so internal/swarm,
// which is not safe for concurrent use, only ever has one caller.
//
// This is a deliberate Go-native remapping of
// original_source/bittorrent.py's select.epoll() loop: Python multiplexes
// one OS thread over many file descriptors with epoll; Go instead gives
// each source its own goroutine and fans every event into a shared
// channel, which is the idiomatic way to get the same "one reader sees
// everything, in arrival order" property without raw epoll syscalls.
package eventloop

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"gorent/internal/config"
	"gorent/internal/metainfo"
	"gorent/internal/peerconn"
	"gorent/internal/store"
	"gorent/internal/swarm"
	"gorent/internal/tracker"
	"gorent/internal/wire"
)

type eventKind int

const (
	eventPeerData eventKind = iota
	eventPeerClosed
	eventAccept
	eventStdinLine
	eventTrackerTick
	eventChokeTick
	eventKeepaliveTick
)

type loopEvent struct {
	kind eventKind
	pc   *peerconn.PeerConn
	data []byte
	conn net.Conn
	line string
}

// Loop owns every I/O source for one running torrent and the single
// dispatch goroutine that serializes access to the Swarm.
type Loop struct {
	info   *metainfo.Info
	swarm  *swarm.Swarm
	store  *store.Store
	track  *tracker.Client
	cfg    config.Config
	log    *zap.SugaredLogger
	peerID [20]byte
	port   uint16

	listener   net.Listener
	events     chan loopEvent
	connectSem *semaphore.Weighted

	uploaded, downloaded int64
}

// New builds a Loop for a single torrent, ready to Run once a listener has
// been opened.
func New(info *metainfo.Info, sw *swarm.Swarm, st *store.Store, track *tracker.Client, cfg config.Config, peerID [20]byte, port uint16, log *zap.SugaredLogger) *Loop {
	return &Loop{
		info:       info,
		swarm:      sw,
		store:      st,
		track:      track,
		cfg:        cfg,
		log:        log,
		peerID:     peerID,
		port:       port,
		events:     make(chan loopEvent, 256),
		connectSem: semaphore.NewWeighted(int64(cfg.Conn.MaxOutboundConnects)),
	}
}

// Run opens a TCP listener on port, performs the initial tracker announce,
// connects to every returned peer, and then drains events until ctx is
// canceled. It mirrors the shape of original_source/bittorrent.py's
// __main__ block and its trailing `while True: ep.poll(-1)` loop.
func (l *Loop) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", l.port))
	if err != nil {
		return fmt.Errorf("eventloop: listen: %w", err)
	}
	l.listener = ln
	defer ln.Close()

	go l.acceptLoop(ctx)
	go l.stdinLoop(ctx)
	go l.tickerLoop(ctx, eventTrackerTick, l.cfg.Tracker.AnnounceInterval)
	go l.tickerLoop(ctx, eventChokeTick, l.cfg.Scheduler.ChokeInterval)
	go l.tickerLoop(ctx, eventKeepaliveTick, l.cfg.Scheduler.KeepaliveInterval)

	l.announce(ctx, tracker.EventStarted)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-l.events:
			l.dispatch(ctx, ev)
		}
	}
}

func (l *Loop) dispatch(ctx context.Context, ev loopEvent) {
	switch ev.kind {
	case eventAccept:
		l.handleAccept(ev.conn)
	case eventStdinLine:
		l.handleStdin(ctx, ev.line)
	case eventPeerData:
		l.handlePeerData(ev.pc, ev.data)
	case eventPeerClosed:
		l.swarm.DropPeer(ev.pc)
	case eventTrackerTick:
		l.announce(ctx, tracker.EventNone)
	case eventChokeTick:
		l.swarm.Choke()
		l.swarm.MakeRequests()
	case eventKeepaliveTick:
		l.swarm.SendKeepalives()
		l.swarm.ExpirePeers()
	}
}

func (l *Loop) acceptLoop(ctx context.Context) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		select {
		case l.events <- loopEvent{kind: eventAccept, conn: conn}:
		case <-ctx.Done():
			conn.Close()
			return
		}
	}
}

func (l *Loop) stdinLoop(ctx context.Context) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		select {
		case l.events <- loopEvent{kind: eventStdinLine, line: line}:
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) tickerLoop(ctx context.Context, kind eventKind, interval time.Duration) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			select {
			case l.events <- loopEvent{kind: kind}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) handleAccept(conn net.Conn) {
	ip, port := swarm.RemoteAddr(conn)
	pc := peerconn.New(conn, ip, port, l.swarm.NumPieces())
	if err := l.swarm.RegisterPeer(pc); err != nil {
		conn.Close()
		return
	}
	go l.readLoop(pc)
}

func (l *Loop) handlePeerData(pc *peerconn.PeerConn, data []byte) {
	pc.ExpireAt = time.Now().Add(l.cfg.Conn.IdleExpiry)
	frames, err := pc.Feed(data)
	if err != nil {
		if l.log != nil {
			l.log.Warnw("framing error, dropping peer", "peer", pc.Addr(), "error", err)
		}
		l.swarm.DropPeer(pc)
		return
	}
	for _, frame := range frames {
		l.dispatchFrame(pc, frame)
	}
}

func (l *Loop) dispatchFrame(pc *peerconn.PeerConn, frame []byte) {
	if pc.State <= peerconn.StateHandshakeSent {
		h, err := wire.ParseHandshake(frame)
		if err != nil {
			l.swarm.DropPeer(pc)
			return
		}
		l.swarm.HandleHandshake(pc, h)
		return
	}
	m, err := wire.ReadMessage(bytes.NewReader(frame))
	if err != nil {
		l.swarm.DropPeer(pc)
		return
	}
	if err := l.swarm.HandleMessage(pc, m); err != nil && l.log != nil {
		l.log.Debugw("message handling error", "peer", pc.Addr(), "error", err)
	}
}

// readLoop is the one-goroutine-per-connection reader that forwards raw
// bytes (or a close notification) onto the shared events channel. It never
// mutates Swarm or PeerConn state itself — only the dispatch goroutine
// does that — so it needs no locking.
func (l *Loop) readLoop(pc *peerconn.PeerConn) {
	buf := make([]byte, 17000)
	for {
		n, err := pc.Conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			l.events <- loopEvent{kind: eventPeerData, pc: pc, data: data}
		}
		if err != nil {
			l.events <- loopEvent{kind: eventPeerClosed, pc: pc}
			return
		}
	}
}

func (l *Loop) handleStdin(ctx context.Context, line string) {
	fields := strings.Fields(line)
	switch len(fields) {
	case 1:
		switch fields[0] {
		case "print":
			v, total := l.swarm.VerifiedRatio()
			fmt.Printf("verified %d/%d pieces, %d peers connected\n", v, total, l.swarm.PeerCount())
		case "exit":
			os.Exit(0)
		default:
			fmt.Println("Invalid input")
		}
	case 4:
		if fields[0] != "peer" {
			fmt.Println("Invalid syntax")
			return
		}
		port, err := strconv.Atoi(fields[3])
		if err != nil {
			fmt.Println("Invalid syntax")
			return
		}
		go l.ConnectToPeer(ctx, fields[2], uint16(port))
	default:
		fmt.Println("Invalid syntax")
	}
}

// ConnectToPeer dials ip:port, bounded by the outbound-connect semaphore so
// at most cfg.Conn.MaxOutboundConnects dials are in flight at once — this
// replaces original_source/bittorrent.py's one-thread-per-connect-attempt
// (threading.Thread(target=connect_to_peer)) with a fixed-size worker pool,
// per spec.md §9's design note.
func (l *Loop) ConnectToPeer(ctx context.Context, ip string, port uint16) {
	if err := l.connectSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer l.connectSem.Release(1)

	addr := net.JoinHostPort(ip, strconv.Itoa(int(port)))
	conn, err := net.DialTimeout("tcp", addr, l.cfg.Conn.DialTimeout)
	if err != nil {
		return
	}
	pc := peerconn.New(conn, ip, port, l.swarm.NumPieces())
	if err := l.swarm.RegisterPeer(pc); err != nil {
		conn.Close()
		return
	}
	go l.readLoop(pc)
	l.swarm.SendHandshake(pc)
}

func (l *Loop) announce(ctx context.Context, event tracker.Event) {
	left := l.bytesRemaining()
	reqCtx, cancel := context.WithTimeout(ctx, l.cfg.Tracker.HTTPTimeout+l.cfg.Tracker.UDPBaseTimeout)
	defer cancel()

	resp, err := l.track.Announce(reqCtx, l.info.Tiers(), tracker.AnnounceParams{
		Uploaded:   l.uploaded,
		Downloaded: l.downloaded,
		Left:       left,
		Event:      event,
	})
	if err != nil {
		if l.log != nil {
			l.log.Infow("tracker announce failed", "error", err)
		}
		return
	}
	for _, p := range resp.Peers {
		go l.ConnectToPeer(ctx, p.IP, p.Port)
	}
}

// bytesRemaining computes the `left` announce field as total torrent
// bytes minus the exact verified byte count, resolving spec.md's Open
// Question about left's exact definition in favor of verified-byte
// accounting (see DESIGN.md).
func (l *Loop) bytesRemaining() int64 {
	return l.info.TotalLength - l.store.VerifiedBytes()
}
