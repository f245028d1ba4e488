package wire

import (
	"bytes"
	"fmt"
	"io"
)

// Pstr is the BEP-3 protocol string.
const Pstr = "BitTorrent protocol"

// Handshake is the fixed 68-byte first exchange on a peer connection:
// \x13 + "BitTorrent protocol" + 8 reserved zero bytes + info_hash + peer_id.
type Handshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
}

// NewHandshake builds a Handshake for the given info hash and local peer id.
func NewHandshake(infoHash, peerID [20]byte) *Handshake {
	return &Handshake{InfoHash: infoHash, PeerID: peerID}
}

// Serialize encodes h as the bit-exact 68-byte handshake.
func (h *Handshake) Serialize() []byte {
	buf := make([]byte, len(Pstr)+49)
	cursor := 0
	buf[cursor] = byte(len(Pstr))
	cursor++
	cursor += copy(buf[cursor:], Pstr)
	cursor += copy(buf[cursor:], make([]byte, 8)) // reserved
	cursor += copy(buf[cursor:], h.InfoHash[:])
	copy(buf[cursor:], h.PeerID[:])
	return buf
}

// ReadHandshake reads a handshake of the given pstrlen (the first byte,
// already consumed by the caller's framing) and its remaining pstrlen+48
// bytes from r.
func ReadHandshake(r io.Reader, pstrlen int) (*Handshake, error) {
	rest := make([]byte, pstrlen+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}
	return parseHandshakeBody(pstrlen, rest)
}

// ParseHandshake parses a complete handshake frame (pstrlen byte included)
// already fully buffered in data.
func ParseHandshake(data []byte) (*Handshake, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("wire: empty handshake")
	}
	pstrlen := int(data[0])
	want := 1 + pstrlen + 48
	if len(data) != want {
		return nil, fmt.Errorf("wire: handshake length %d, want %d", len(data), want)
	}
	return parseHandshakeBody(pstrlen, data[1:])
}

func parseHandshakeBody(pstrlen int, rest []byte) (*Handshake, error) {
	if len(rest) != pstrlen+48 {
		return nil, fmt.Errorf("wire: handshake body length %d, want %d", len(rest), pstrlen+48)
	}
	cursor := pstrlen + 8
	h := &Handshake{}
	copy(h.InfoHash[:], rest[cursor:cursor+20])
	cursor += 20
	copy(h.PeerID[:], rest[cursor:cursor+20])
	return h, nil
}

// Len returns the total byte length of the handshake frame.
func Len() int {
	return len(Pstr) + 49
}

// InfoHashMatches reports whether h's info hash equals want.
func (h *Handshake) InfoHashMatches(want [20]byte) bool {
	return bytes.Equal(h.InfoHash[:], want[:])
}
