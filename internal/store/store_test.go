package store

import (
	"crypto/sha1"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gorent/internal/metainfo"
)

func buildInfo(t *testing.T, pieceLength int64, pieces [][]byte, files []metainfo.FileEntry, total int64) *metainfo.Info {
	t.Helper()
	hashes := make([][20]byte, len(pieces))
	for i, p := range pieces {
		hashes[i] = sha1.Sum(p)
	}
	return &metainfo.Info{
		PieceLength: pieceLength,
		PieceHashes: hashes,
		Files:       files,
		TotalLength: total,
	}
}

func TestStoreSingleFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	content := []byte("hello, bittorrent world!!")
	info := buildInfo(t, int64(len(content)), [][]byte{content}, []metainfo.FileEntry{{Length: int64(len(content)), Path: []string{"out.bin"}}}, int64(len(content)))

	s := New(dir, info, nil, nil)
	require.NoError(t, s.Store(0, 0, content))

	assert.True(t, s.Complete())
	v, total := s.VerifiedRatio()
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, total)

	written, err := os.ReadFile(filepath.Join(dir, "out.bin"))
	require.NoError(t, err)
	assert.Equal(t, content, written)
}

func TestStoreMultiFileWriteOut(t *testing.T) {
	dir := t.TempDir()
	piece0 := []byte("AAAABBBB") // file1 (4 bytes) + first 4 of file2
	piece1 := []byte("CCCCDDDD") // rest of file2 (4 bytes) + file3 (4 bytes)
	info := buildInfo(t, 8, [][]byte{piece0, piece1},
		[]metainfo.FileEntry{
			{Length: 4, Path: []string{"a.txt"}},
			{Length: 8, Path: []string{"b.txt"}},
			{Length: 4, Path: []string{"c.txt"}},
		}, 16)

	s := New(dir, info, nil, nil)
	require.NoError(t, s.Store(0, 0, piece0))
	require.NoError(t, s.Store(1, 0, piece1))

	require.True(t, s.Complete())

	a, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAA"), a)

	b, err := os.ReadFile(filepath.Join(dir, "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBBCCCC"), b)

	c, err := os.ReadFile(filepath.Join(dir, "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, []byte("DDDD"), c)
}

func TestStorePieceIndexOutOfRange(t *testing.T) {
	dir := t.TempDir()
	content := []byte("x")
	info := buildInfo(t, 1, [][]byte{content}, []metainfo.FileEntry{{Length: 1, Path: []string{"x"}}}, 1)
	s := New(dir, info, nil, nil)

	err := s.Store(5, 0, content)
	assert.ErrorIs(t, err, ErrPieceIndexOutOfRange)
}

func TestReadLocalFilesSeedsStore(t *testing.T) {
	dir := t.TempDir()
	content := []byte("preexisting data!")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.bin"), content, 0o644))

	info := buildInfo(t, int64(len(content)), [][]byte{content}, []metainfo.FileEntry{{Length: int64(len(content)), Path: []string{"f.bin"}}}, int64(len(content)))
	s := New(dir, info, nil, nil)
	s.ReadLocalFiles()

	assert.True(t, s.IsPieceVerified(0))
	assert.True(t, s.Complete())
}

func TestReadLocalFilesSkipsWrongSizeFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "f.bin"), []byte("short"), 0o644))

	content := []byte("preexisting data, longer!")
	info := buildInfo(t, int64(len(content)), [][]byte{content}, []metainfo.FileEntry{{Length: int64(len(content)), Path: []string{"f.bin"}}}, int64(len(content)))
	s := New(dir, info, nil, nil)
	s.ReadLocalFiles()

	assert.False(t, s.IsPieceVerified(0))
	assert.False(t, s.Complete())
}
