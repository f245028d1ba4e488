// Package bitfield implements the BEP-3 wire-format bitfield: a packed,
// most-significant-bit-first array of piece-possession bits.
package bitfield

import "fmt"

// Bitfield is a packed bit array, one bit per piece, MSB-first within each
// byte. Trailing pad bits in the last byte beyond PieceCount are always
// zero and are ignored on receive.
type Bitfield []byte

// New returns a zeroed Bitfield sized to hold pieceCount bits.
func New(pieceCount int) Bitfield {
	return make(Bitfield, ByteLen(pieceCount))
}

// ByteLen returns ceil(pieceCount/8), the wire length of a bitfield for
// pieceCount pieces.
func ByteLen(pieceCount int) int {
	return (pieceCount + 7) / 8
}

// Has reports whether the bit for piece index is set. Indices at or beyond
// the bitfield's bit capacity are treated as unset rather than panicking,
// since trailing pad bits must be ignored per BEP-3.
func (bf Bitfield) Has(index int) bool {
	byteIndex := index / 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return false
	}
	offset := uint(index % 8)
	return bf[byteIndex]>>(7-offset)&1 != 0
}

// Set marks the bit for piece index as present.
func (bf Bitfield) Set(index int) error {
	byteIndex := index / 8
	if byteIndex < 0 || byteIndex >= len(bf) {
		return fmt.Errorf("bitfield: index %d out of range (%d bytes)", index, len(bf))
	}
	offset := uint(index % 8)
	bf[byteIndex] |= 1 << (7 - offset)
	return nil
}

// Len returns the number of bytes in the packed representation.
func (bf Bitfield) Len() int {
	return len(bf)
}

// MissingIndices returns, for a bitfield sized to pieceCount pieces, the
// ascending list of piece indices whose bit is clear.
func (bf Bitfield) MissingIndices(pieceCount int) []int {
	var missing []int
	for i := 0; i < pieceCount; i++ {
		if !bf.Has(i) {
			missing = append(missing, i)
		}
	}
	return missing
}

// ValidForPieceCount reports whether bf's byte length matches exactly what
// pieceCount requires (ceil(pieceCount/8)), as spec'd for inbound bitfield
// messages: a mismatched length is a protocol error.
func ValidForPieceCount(bf Bitfield, pieceCount int) bool {
	return len(bf) == ByteLen(pieceCount)
}
