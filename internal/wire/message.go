// Package wire implements the BEP-3 peer wire protocol: the handshake and
// the length-prefixed message framing described in spec.md §4.2/§6.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ID identifies a peer wire message type.
type ID uint8

const (
	Choke         ID = 0
	Unchoke       ID = 1
	Interested    ID = 2
	NotInterested ID = 3
	Have          ID = 4
	BitfieldMsg   ID = 5
	Request       ID = 6
	Piece         ID = 7
	Cancel        ID = 8
)

func (id ID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not_interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(id))
	}
}

// Message is a single peer wire protocol message: a 1-byte id and its
// payload. A nil *Message serializes to the 4-byte zero-length keepalive.
type Message struct {
	ID      ID
	Payload []byte
}

// Serialize encodes m as a length-prefixed wire message.
func (m *Message) Serialize() []byte {
	if m == nil {
		return make([]byte, 4)
	}
	length := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)
	return buf
}

// ReadMessage reads one length-prefixed message from r. A zero-length
// message (keepalive) returns (nil, nil).
func ReadMessage(r io.Reader) (*Message, error) {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBuf)
	if length == 0 {
		return nil, nil
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	m := &Message{ID: ID(buf[0])}
	if length > 1 {
		m.Payload = buf[1:]
	}
	return m, nil
}

// FormatHave builds a `have` message for the given piece index.
func FormatHave(index int) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return &Message{ID: Have, Payload: payload}
}

// ParseHave extracts the piece index from a `have` message.
func ParseHave(m *Message) (int, error) {
	if m.ID != Have {
		return 0, fmt.Errorf("wire: expected have, got %s", m.ID)
	}
	if len(m.Payload) != 4 {
		return 0, fmt.Errorf("wire: have payload length %d, want 4", len(m.Payload))
	}
	return int(binary.BigEndian.Uint32(m.Payload)), nil
}

// FormatBitfield builds a `bitfield` message carrying the packed bits.
func FormatBitfield(bits []byte) *Message {
	return &Message{ID: BitfieldMsg, Payload: bits}
}

// FormatRequest builds a `request` message.
func FormatRequest(index, begin, length int) *Message {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return &Message{ID: Request, Payload: payload}
}

// ParseRequest extracts (index, begin, length) from a `request` or
// `cancel` message (both share the same payload layout).
func ParseRequest(m *Message) (index, begin, length int, err error) {
	if m.ID != Request && m.ID != Cancel {
		return 0, 0, 0, fmt.Errorf("wire: expected request/cancel, got %s", m.ID)
	}
	if len(m.Payload) != 12 {
		return 0, 0, 0, fmt.Errorf("wire: request payload length %d, want 12", len(m.Payload))
	}
	index = int(binary.BigEndian.Uint32(m.Payload[0:4]))
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	length = int(binary.BigEndian.Uint32(m.Payload[8:12]))
	return index, begin, length, nil
}

// FormatCancel builds a `cancel` message.
func FormatCancel(index, begin, length int) *Message {
	m := FormatRequest(index, begin, length)
	m.ID = Cancel
	return m
}

// FormatPiece builds a `piece` message.
func FormatPiece(index, begin int, block []byte) *Message {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(begin))
	copy(payload[8:], block)
	return &Message{ID: Piece, Payload: payload}
}

// ParsePiece extracts (index, begin, data) from a `piece` message, checking
// that index matches the piece we expect and that begin/data fit within
// buf's bounds, exactly as spec.md §4.3's `on piece` handling requires.
func ParsePiece(expectedIndex int, buf []byte, m *Message) (begin int, data []byte, err error) {
	if m.ID != Piece {
		return 0, nil, fmt.Errorf("wire: expected piece, got %s", m.ID)
	}
	if len(m.Payload) < 8 {
		return 0, nil, fmt.Errorf("wire: piece payload length %d, want >= 8", len(m.Payload))
	}
	index := int(binary.BigEndian.Uint32(m.Payload[0:4]))
	if index != expectedIndex {
		return 0, nil, fmt.Errorf("wire: piece index %d, want %d", index, expectedIndex)
	}
	begin = int(binary.BigEndian.Uint32(m.Payload[4:8]))
	if begin < 0 || begin >= len(buf) {
		return 0, nil, fmt.Errorf("wire: piece begin %d out of range (buf len %d)", begin, len(buf))
	}
	data = m.Payload[8:]
	if begin+len(data) > len(buf) {
		return 0, nil, fmt.Errorf("wire: piece data len %d at begin %d overflows buf len %d", len(data), begin, len(buf))
	}
	return begin, data, nil
}
