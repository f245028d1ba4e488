// Package tracker implements the BitTorrent tracker protocol: HTTP GET
// announces and BEP-15 UDP announces, with announce-list tiering and
// "sticky" last-successful-tracker-first retry order. It is grounded on
// original_source/tracker.py's Tracker class — the teacher
// (StupidAfCoder-GoRent) only ever implemented an HTTP-only announce that
// explicitly rejects any other scheme, so the UDP path and the
// connect/announce handshake below follow the Python original directly.
package tracker

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	bencode "github.com/jackpal/bencode-go"
	"go.uber.org/zap"

	"gorent/internal/config"
)

// Event is the tracker announce event, per spec.md §4.5.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventCompleted Event = "completed"
	EventStopped   Event = "stopped"
)

// udpProtocolID is the BEP-15 magic constant used in the initial connect
// request.
const udpProtocolID uint64 = 0x41727101980

// PeerAddr is one peer entry from a tracker response.
type PeerAddr struct {
	ID   string
	IP   string
	Port uint16
}

// Response is a parsed tracker announce response.
type Response struct {
	FailureReason  string
	WarningMessage string
	Interval       int
	MinInterval    int
	TrackerID      string
	Complete       int
	Incomplete     int
	Peers          []PeerAddr
}

// AnnounceParams carries the per-announce fields that change as a download
// progresses, mirroring the dict Tracker.request in
// original_source/tracker.py is called with.
type AnnounceParams struct {
	Uploaded   int64
	Downloaded int64
	Left       int64
	Event      Event
	Key        uint32
	NumWant    int
}

// Client announces a single torrent to its tracker tiers.
type Client struct {
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
	key      uint32

	cfg config.Tracker
	log *zap.SugaredLogger

	http *http.Client

	stickyURL   string
	connID      map[string]uint64
	connIDStamp map[string]time.Time
}

// New builds a Client for a torrent whose tracker tiers are given by
// tiers (the flattened result of metainfo.Info.Tiers()).
func New(infoHash, peerID [20]byte, port uint16, cfg config.Tracker, log *zap.SugaredLogger) *Client {
	var keyBuf [4]byte
	_, _ = rand.Read(keyBuf[:])
	return &Client{
		infoHash:    infoHash,
		peerID:      peerID,
		port:        port,
		key:         binary.BigEndian.Uint32(keyBuf[:]),
		cfg:         cfg,
		log:         log,
		http:        &http.Client{Timeout: cfg.HTTPTimeout},
		connID:      make(map[string]uint64),
		connIDStamp: make(map[string]time.Time),
	}
}

// Announce tries the sticky tracker (if any successful announce has set
// one) first, then every tier URL in order, returning the first successful
// response — mirroring Tracker.request's loop over announce_list with a
// sticky tracker_url checked ahead of it.
func (c *Client) Announce(ctx context.Context, tiers []string, p AnnounceParams) (*Response, error) {
	order := tiers
	if c.stickyURL != "" {
		order = append([]string{c.stickyURL}, tiers...)
	}
	var lastErr error
	for _, raw := range order {
		resp, err := c.contact(ctx, raw, p)
		if err != nil {
			lastErr = err
			if c.log != nil {
				c.log.Infow("tracker contact failed", "url", raw, "error", err)
			}
			continue
		}
		if resp.FailureReason != "" {
			lastErr = fmt.Errorf("tracker: failure reason: %s", resp.FailureReason)
			continue
		}
		c.stickyURL = raw
		if resp.WarningMessage != "" && c.log != nil {
			c.log.Warnw("tracker warning", "url", raw, "message", resp.WarningMessage)
		}
		return resp, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tracker: no announce URLs available")
	}
	return nil, lastErr
}

func (c *Client) contact(ctx context.Context, raw string, p AnnounceParams) (*Response, error) {
	switch {
	case strings.HasPrefix(raw, "http://"):
		return c.announceHTTP(ctx, raw, p)
	case strings.HasPrefix(raw, "udp://"):
		return c.announceUDP(ctx, raw, p)
	default:
		return nil, fmt.Errorf("tracker: unsupported announce scheme in %q", raw)
	}
}

// --- HTTP announce ---

func percentEncodeBytes(b []byte) string {
	var sb strings.Builder
	for _, v := range b {
		fmt.Fprintf(&sb, "%%%02X", v)
	}
	return sb.String()
}

func (c *Client) announceHTTP(ctx context.Context, raw string, p AnnounceParams) (*Response, error) {
	base, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}
	q := url.Values{
		"port":       {strconv.Itoa(int(c.port))},
		"uploaded":   {strconv.FormatInt(p.Uploaded, 10)},
		"downloaded": {strconv.FormatInt(p.Downloaded, 10)},
		"left":       {strconv.FormatInt(p.Left, 10)},
		"no_peer_id": {"1"},
	}
	if p.Event != EventNone {
		q.Set("event", string(p.Event))
	}
	base.RawQuery = q.Encode() +
		"&info_hash=" + percentEncodeBytes(c.infoHash[:]) +
		"&peer_id=" + percentEncodeBytes(c.peerID[:])

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tracker: read response: %w", err)
	}
	var decoded interface{}
	if err := bencode.Unmarshal(bytes.NewReader(body), &decoded); err != nil {
		return nil, fmt.Errorf("tracker: decode bencoded response: %w", err)
	}
	dict, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("tracker: response is not a bencoded dict")
	}
	return parseHTTPResponse(dict)
}

func parseHTTPResponse(dict map[string]interface{}) (*Response, error) {
	r := &Response{}
	if v, ok := dict["failure reason"].(string); ok {
		r.FailureReason = v
		return r, nil
	}
	if v, ok := dict["warning message"].(string); ok {
		r.WarningMessage = v
	}
	if v, ok := dict["interval"].(int64); ok {
		r.Interval = int(v)
	}
	if v, ok := dict["min interval"].(int64); ok {
		r.MinInterval = int(v)
	}
	if v, ok := dict["tracker id"].(string); ok {
		r.TrackerID = v
	}
	if v, ok := dict["complete"].(int64); ok {
		r.Complete = int(v)
	}
	if v, ok := dict["incomplete"].(int64); ok {
		r.Incomplete = int(v)
	}
	switch peers := dict["peers"].(type) {
	case string:
		compact, err := parseCompactPeers([]byte(peers))
		if err != nil {
			return nil, err
		}
		r.Peers = compact
	case []interface{}:
		for _, entry := range peers {
			pd, ok := entry.(map[string]interface{})
			if !ok {
				continue
			}
			pa := PeerAddr{}
			if ip, ok := pd["ip"].(string); ok {
				pa.IP = ip
			}
			if port, ok := pd["port"].(int64); ok {
				pa.Port = uint16(port)
			}
			if id, ok := pd["peer id"].(string); ok {
				pa.ID = id
			}
			r.Peers = append(r.Peers, pa)
		}
	}
	return r, nil
}

func parseCompactPeers(data []byte) ([]PeerAddr, error) {
	const entrySize = 6
	if len(data)%entrySize != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of %d", len(data), entrySize)
	}
	n := len(data) / entrySize
	peers := make([]PeerAddr, n)
	for i := 0; i < n; i++ {
		off := i * entrySize
		ip := net.IP(data[off : off+4]).String()
		port := binary.BigEndian.Uint16(data[off+4 : off+6])
		peers[i] = PeerAddr{IP: ip, Port: port}
	}
	return peers, nil
}

// --- UDP announce (BEP-15) ---

func (c *Client) announceUDP(ctx context.Context, raw string, p AnnounceParams) (*Response, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("tracker: parse announce url: %w", err)
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "6969"
	}
	addr := net.JoinHostPort(host, port)

	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: udp dial: %w", err)
	}
	defer conn.Close()

	connID, ok := c.connID[addr]
	if !ok || time.Since(c.connIDStamp[addr]) > c.cfg.ConnectionIDTTL {
		connID, err = c.udpConnect(ctx, conn)
		if err != nil {
			return nil, err
		}
		c.connID[addr] = connID
		c.connIDStamp[addr] = time.Now()
	}

	return c.udpAnnounce(ctx, conn, connID, p)
}

// udpRequest sends data on conn and retries with exponential backoff
// (15*2^n seconds, per BEP-15) until attempt cfg.UDPMaxAttempts, returning
// the first response received within any attempt's timeout.
func (c *Client) udpRequest(ctx context.Context, conn net.Conn, data []byte, respLen int) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.UDPMaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if _, err := conn.Write(data); err != nil {
			return nil, fmt.Errorf("tracker: udp write: %w", err)
		}
		timeout := c.cfg.UDPBaseTimeout * time.Duration(1<<uint(attempt))
		conn.SetReadDeadline(time.Now().Add(timeout))

		buf := make([]byte, respLen)
		n, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			continue
		}
		return buf[:n], nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("tracker: udp request exhausted %d attempts", c.cfg.UDPMaxAttempts)
	}
	return nil, lastErr
}

func (c *Client) udpConnect(ctx context.Context, conn net.Conn) (uint64, error) {
	var req bytes.Buffer
	binary.Write(&req, binary.BigEndian, udpProtocolID)
	binary.Write(&req, binary.BigEndian, int32(0)) // action: connect
	transactionID := c.randomTransactionID()
	binary.Write(&req, binary.BigEndian, transactionID)

	resp, err := c.udpRequest(ctx, conn, req.Bytes(), 16)
	if err != nil {
		return 0, fmt.Errorf("tracker: udp connect: %w", err)
	}
	if len(resp) != 16 {
		return 0, fmt.Errorf("tracker: udp connect response length %d, want 16", len(resp))
	}
	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	gotTxID := int32(binary.BigEndian.Uint32(resp[4:8]))
	connID := binary.BigEndian.Uint64(resp[8:16])
	if action != 0 || gotTxID != transactionID {
		return 0, fmt.Errorf("tracker: udp connect bad action=%d transaction_id=%d", action, gotTxID)
	}
	return connID, nil
}

func (c *Client) udpAnnounce(ctx context.Context, conn net.Conn, connID uint64, p AnnounceParams) (*Response, error) {
	var req bytes.Buffer
	binary.Write(&req, binary.BigEndian, connID)
	binary.Write(&req, binary.BigEndian, int32(1)) // action: announce
	transactionID := c.randomTransactionID()
	binary.Write(&req, binary.BigEndian, transactionID)
	req.Write(c.infoHash[:])
	req.Write(c.peerID[:])
	binary.Write(&req, binary.BigEndian, p.Downloaded)
	binary.Write(&req, binary.BigEndian, p.Left)
	binary.Write(&req, binary.BigEndian, p.Uploaded)
	binary.Write(&req, binary.BigEndian, eventCode(p.Event))
	binary.Write(&req, binary.BigEndian, uint32(0)) // ip: default
	binary.Write(&req, binary.BigEndian, c.key)
	numWant := int32(-1)
	if p.NumWant > 0 {
		numWant = int32(p.NumWant)
	}
	binary.Write(&req, binary.BigEndian, numWant)
	binary.Write(&req, binary.BigEndian, c.port)

	// BEP-15's max response for a full-sized announce (num_want -1): header
	// plus up to a generous peer count.
	resp, err := c.udpRequest(ctx, conn, req.Bytes(), 20+6*500)
	if err != nil {
		return nil, fmt.Errorf("tracker: udp announce: %w", err)
	}
	if len(resp) < 20 {
		return nil, fmt.Errorf("tracker: udp announce response length %d, want >= 20", len(resp))
	}
	action := int32(binary.BigEndian.Uint32(resp[0:4]))
	gotTxID := int32(binary.BigEndian.Uint32(resp[4:8]))
	if action != 1 || gotTxID != transactionID {
		return nil, fmt.Errorf("tracker: udp announce bad action=%d transaction_id=%d", action, gotTxID)
	}
	r := &Response{
		Interval:   int(int32(binary.BigEndian.Uint32(resp[8:12]))),
		Incomplete: int(int32(binary.BigEndian.Uint32(resp[12:16]))),
		Complete:   int(int32(binary.BigEndian.Uint32(resp[16:20]))),
	}
	peers, err := parseCompactPeers(resp[20:])
	if err != nil {
		return nil, err
	}
	r.Peers = peers
	return r, nil
}

func eventCode(e Event) int32 {
	switch e {
	case EventStarted:
		return 1
	case EventCompleted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

func (c *Client) randomTransactionID() int32 {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return int32(binary.BigEndian.Uint32(b[:]))
}
