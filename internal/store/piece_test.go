package store

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hashOf(data []byte) [20]byte {
	return sha1.Sum(data)
}

func TestAddBlockVerifiesOnceFull(t *testing.T) {
	data := []byte("0123456789abcdef")
	p := NewPiece(len(data), hashOf(data))

	require.NoError(t, p.AddBlock(0, data[:8]))
	assert.False(t, p.Verified())

	require.NoError(t, p.AddBlock(8, data[8:]))
	assert.True(t, p.Verified())
}

func TestAddBlockRejectsNegativeOffset(t *testing.T) {
	p := NewPiece(10, [20]byte{})
	err := p.AddBlock(-1, []byte("x"))
	assert.ErrorIs(t, err, ErrNegativeOffset)
}

func TestAddBlockRejectsOutOfRange(t *testing.T) {
	p := NewPiece(10, [20]byte{})
	err := p.AddBlock(8, []byte("abc"))
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestAddBlockRejectsOverlap(t *testing.T) {
	p := NewPiece(10, [20]byte{})
	require.NoError(t, p.AddBlock(0, []byte("abcde")))
	err := p.AddBlock(2, []byte("xyz"))
	assert.ErrorIs(t, err, ErrOverlapWrite)
}

func TestAddBlockRejectsWriteToVerifiedPiece(t *testing.T) {
	data := []byte("abcdefgh")
	p := NewPiece(len(data), hashOf(data))
	require.NoError(t, p.AddBlock(0, data))
	require.True(t, p.Verified())

	err := p.AddBlock(0, data)
	assert.ErrorIs(t, err, ErrAlreadyVerified)
}

func TestFailedHashClearsStoredMask(t *testing.T) {
	data := []byte("abcdefgh")
	wrongHash := hashOf([]byte("zzzzzzzz"))
	p := NewPiece(len(data), wrongHash)

	require.NoError(t, p.AddBlock(0, data))
	assert.False(t, p.Verified())
	assert.False(t, p.IsFull())

	// Mask was cleared, so the same bytes can be rewritten without an
	// overlap error.
	require.NoError(t, p.AddBlock(0, data))
}

func TestGetBlockRequiresVerified(t *testing.T) {
	p := NewPiece(4, [20]byte{})
	_, err := p.GetBlock(0, 4)
	assert.ErrorIs(t, err, ErrNotVerified)
}

func TestGetFreeBlocks(t *testing.T) {
	p := NewPiece(40, [20]byte{})
	require.NoError(t, p.AddBlock(0, make([]byte, 16)))

	free := p.GetFreeBlocks(10, 16)
	require.Len(t, free, 2)
	assert.Equal(t, BlockRange{Begin: 16, Length: 16}, free[0])
	assert.Equal(t, BlockRange{Begin: 32, Length: 8}, free[1])
}

func TestGetFreeBlocksRespectsCount(t *testing.T) {
	p := NewPiece(48, [20]byte{})
	free := p.GetFreeBlocks(1, 16)
	require.Len(t, free, 1)
	assert.Equal(t, BlockRange{Begin: 0, Length: 16}, free[0])
}
