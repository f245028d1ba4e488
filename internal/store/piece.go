// Package store holds downloaded piece data in memory, verifies it against
// the torrent's SHA-1 hashes, and writes completed files to disk. It is
// grounded on original_source/torrent.py's Piece/Torrent classes, adapted
// from bitarray-backed Python objects into a bitset.BitSet-backed Go type.
package store

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/willf/bitset"
)

// Errors returned by Piece.AddBlock and Piece.GetBlock.
var (
	ErrNegativeOffset  = errors.New("store: negative block offset")
	ErrOutOfRange      = errors.New("store: block extends past piece bounds")
	ErrOverlapWrite    = errors.New("store: block overlaps already-stored data")
	ErrAlreadyVerified = errors.New("store: write to an already-verified piece")
	ErrNotVerified     = errors.New("store: read from a piece that has not verified")
)

// BlockRange is a (begin, length) span of unfetched bytes within a piece.
type BlockRange struct {
	Begin  int
	Length int
}

// Piece holds the in-progress or completed data for a single piece: its
// expected SHA-1 hash, a buffer of its bytes, and a bit-per-byte mask of
// which offsets have been written so far.
type Piece struct {
	Length   int
	Hash     [20]byte
	buf      []byte
	stored   *bitset.BitSet
	verified bool
}

// NewPiece allocates a Piece of the given length with the given expected
// hash, matching Piece.init_piece_list in original_source/torrent.py.
func NewPiece(length int, hash [20]byte) *Piece {
	return &Piece{
		Length: length,
		Hash:   hash,
		buf:    make([]byte, length),
		stored: bitset.New(uint(length)),
	}
}

// Verified reports whether this piece's data has passed hash verification.
func (p *Piece) Verified() bool {
	return p.verified
}

// IsFull reports whether every byte offset in the piece has been written,
// independent of whether the hash has been checked yet.
func (p *Piece) IsFull() bool {
	return p.stored.Count() == uint(p.Length)
}

// AddBlock writes data at offset begin. It rejects a negative offset, a
// block extending past the piece's bounds, a write to an already-verified
// piece, and a write that overlaps bytes already stored — mirroring the
// three failure modes of Piece.add_block in original_source/torrent.py.
// Once every byte has been written, AddBlock verifies the piece; a failed
// hash check clears the stored mask so the piece can be refetched.
func (p *Piece) AddBlock(begin int, data []byte) error {
	if begin < 0 {
		return fmt.Errorf("%w: begin=%d", ErrNegativeOffset, begin)
	}
	end := begin + len(data)
	if end > p.Length {
		return fmt.Errorf("%w: begin=%d len=%d piece_length=%d", ErrOutOfRange, begin, len(data), p.Length)
	}
	if p.verified {
		return ErrAlreadyVerified
	}
	for i := begin; i < end; i++ {
		if p.stored.Test(uint(i)) {
			return fmt.Errorf("%w: begin=%d len=%d", ErrOverlapWrite, begin, len(data))
		}
	}
	copy(p.buf[begin:end], data)
	for i := begin; i < end; i++ {
		p.stored.Set(uint(i))
	}
	p.Verify()
	return nil
}

// GetBlock returns a copy of length bytes at offset begin. It fails if the
// piece has not yet verified, or if the requested span is out of bounds.
func (p *Piece) GetBlock(begin, length int) ([]byte, error) {
	if begin < 0 || begin > p.Length {
		return nil, fmt.Errorf("%w: begin=%d piece_length=%d", ErrOutOfRange, begin, p.Length)
	}
	end := begin + length
	if end > p.Length {
		return nil, fmt.Errorf("%w: begin=%d length=%d piece_length=%d", ErrOutOfRange, begin, length, p.Length)
	}
	if !p.verified {
		return nil, ErrNotVerified
	}
	out := make([]byte, length)
	copy(out, p.buf[begin:end])
	return out, nil
}

// GetFreeBlocks returns up to count (begin, length) ranges of blockSize
// bytes (the last one possibly shorter) in which no byte has been stored
// yet, scanning from the start of the piece, per
// original_source/torrent.py's Piece.get_free_blocks.
func (p *Piece) GetFreeBlocks(count, blockSize int) []BlockRange {
	var out []BlockRange
	for pos := 0; pos < p.Length && count > 0; pos += blockSize {
		length := blockSize
		if p.Length-pos < length {
			length = p.Length - pos
		}
		if !p.rangeHasAny(pos, pos+length) {
			out = append(out, BlockRange{Begin: pos, Length: length})
			count--
		}
	}
	return out
}

func (p *Piece) rangeHasAny(begin, end int) bool {
	for i := begin; i < end; i++ {
		if p.stored.Test(uint(i)) {
			return true
		}
	}
	return false
}

// Verify checks the piece's data against its expected hash once every byte
// has been written. It is idempotent once verified. A hash mismatch clears
// the stored mask so the piece can be redownloaded.
func (p *Piece) Verify() bool {
	if p.verified {
		return true
	}
	if !p.IsFull() {
		return false
	}
	sum := sha1.Sum(p.buf)
	if bytes.Equal(sum[:], p.Hash[:]) {
		p.verified = true
		return true
	}
	p.stored.ClearAll()
	return false
}
