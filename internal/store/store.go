package store

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"gorent/internal/config"
	"gorent/internal/metainfo"
	"gorent/internal/metrics"
)

// ErrPieceIndexOutOfRange is returned by Store/Retrieve/GetFreeBlocks for an
// index outside [0, NumPieces).
var ErrPieceIndexOutOfRange = errors.New("store: piece index out of range")

// Store owns every piece's buffer and the on-disk file layout for a single
// torrent, following original_source/torrent.py's Torrent class — the
// teacher (StupidAfCoder-GoRent) never persisted to disk at all, writing
// only an in-memory byte slice, so this is modeled on the Python original.
type Store struct {
	mu sync.Mutex

	root        string
	pieceLength int64
	files       []metainfo.FileEntry
	totalLength int64
	pieces      []*Piece

	complete bool

	log     *zap.SugaredLogger
	metrics *metrics.Metrics
}

// New allocates a Store for info, rooted at dir on disk. It does not touch
// the filesystem; call ReadLocalFiles to pick up any partial download
// already present.
func New(dir string, info *metainfo.Info, log *zap.SugaredLogger, m *metrics.Metrics) *Store {
	pieces := make([]*Piece, info.NumPieces())
	for i := range pieces {
		pieces[i] = NewPiece(int(info.PieceLengthAt(i)), info.PieceHashes[i])
	}
	return &Store{
		root:        dir,
		pieceLength: info.PieceLength,
		files:       info.Files,
		totalLength: info.TotalLength,
		pieces:      pieces,
		log:         log,
		metrics:     m,
	}
}

// NumPieces returns the number of pieces tracked by this store.
func (s *Store) NumPieces() int {
	return len(s.pieces)
}

// Store writes a block of data to piece index at offset begin. If the
// write completes and verifies the piece, and every piece in the torrent is
// now verified, the full file set is written to disk, mirroring
// Torrent.store's store -> verify_piece -> verify_torrent -> write_to_disk
// chain in original_source/torrent.py.
func (s *Store) Store(index, begin int, block []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return fmt.Errorf("%w: index=%d num_pieces=%d", ErrPieceIndexOutOfRange, index, len(s.pieces))
	}
	piece := s.pieces[index]
	wasVerified := piece.Verified()
	if err := piece.AddBlock(begin, block); err != nil {
		if s.metrics != nil {
			s.metrics.WriteRejected.Inc(1)
		}
		return err
	}
	if s.metrics != nil {
		s.metrics.BytesStored.Inc(int64(len(block)))
	}
	if !wasVerified && piece.Verified() {
		if s.metrics != nil {
			s.metrics.PiecesVerified.Inc(1)
		}
		if s.log != nil {
			s.log.Infow("piece verified", "index", index)
		}
		if s.allVerifiedLocked() {
			s.complete = true
			if err := s.writeOutLocked(); err != nil {
				return fmt.Errorf("store: write complete torrent to disk: %w", err)
			}
		}
	}
	return nil
}

// Retrieve returns length bytes at offset begin from piece index. The
// piece must already be verified.
func (s *Store) Retrieve(index, begin, length int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return nil, fmt.Errorf("%w: index=%d num_pieces=%d", ErrPieceIndexOutOfRange, index, len(s.pieces))
	}
	return s.pieces[index].GetBlock(begin, length)
}

// GetFreeBlocks returns up to count unstored block-sized spans within
// piece index.
func (s *Store) GetFreeBlocks(index, count int) ([]BlockRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index < 0 || index >= len(s.pieces) {
		return nil, fmt.Errorf("%w: index=%d num_pieces=%d", ErrPieceIndexOutOfRange, index, len(s.pieces))
	}
	return s.pieces[index].GetFreeBlocks(count, config.BlockSize), nil
}

// PieceLength returns the byte length of piece index.
func (s *Store) PieceLength(index int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return 0, fmt.Errorf("%w: index=%d num_pieces=%d", ErrPieceIndexOutOfRange, index, len(s.pieces))
	}
	return s.pieces[index].Length, nil
}

// IsPieceVerified reports whether piece index has passed hash verification.
func (s *Store) IsPieceVerified(index int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.pieces) {
		return false
	}
	return s.pieces[index].Verified()
}

// VerifiedRatio returns (verified count, total count), per
// original_source/torrent.py's Torrent.verified_ratio.
func (s *Store) VerifiedRatio() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := 0
	for _, p := range s.pieces {
		if p.Verified() {
			v++
		}
	}
	return v, len(s.pieces)
}

// VerifiedBytes returns the exact sum of the lengths of every verified
// piece, for computing the tracker announce's `left` field precisely
// (total_size - verified_bytes) rather than approximating with an average
// piece length.
func (s *Store) VerifiedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, p := range s.pieces {
		if p.Verified() {
			n += int64(p.Length)
		}
	}
	return n
}

// MissingPieceIndices returns the indices of every piece not yet verified,
// in ascending order.
func (s *Store) MissingPieceIndices() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var missing []int
	for i, p := range s.pieces {
		if !p.Verified() {
			missing = append(missing, i)
		}
	}
	return missing
}

// Complete reports whether every piece has verified. It turns true before
// Store writes the file set out, so it stays true even when that write
// fails (the failure is returned by that Store call).
func (s *Store) Complete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.complete
}

func (s *Store) allVerifiedLocked() bool {
	for _, p := range s.pieces {
		if !p.Verified() {
			return false
		}
	}
	return true
}

// ReadLocalFiles attempts to seed the store from files already present at
// root, for resuming a partial download. A file of the wrong size is
// skipped; any I/O error reading an individual file is logged and treated
// as non-fatal, matching original_source/torrent.py's _read_local_data,
// which never aborts startup over a missing or unreadable file.
func (s *Store) ReadLocalFiles() {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos int64
	for _, f := range s.files {
		end := pos + f.Length
		path := filepath.Join(s.root, f.JoinPath())
		if err := s.readOneFileLocked(path, pos, end); err != nil {
			if s.log != nil {
				s.log.Warnw("skipping local file on startup", "path", path, "error", err)
			}
		}
		pos = end
	}
	if s.allVerifiedLocked() {
		s.complete = true
	}
}

func (s *Store) readOneFileLocked(path string, pos, end int64) error {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Size() != end-pos {
		return fmt.Errorf("size %d does not match expected %d, skipping", fi.Size(), end-pos)
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	for pos < end {
		index := int(pos / s.pieceLength)
		blockOffset := int(pos - int64(index)*s.pieceLength)
		blockSize := int(end - pos)
		if remaining := int(s.pieceLength) - blockOffset; remaining < blockSize {
			blockSize = remaining
		}
		buf := make([]byte, blockSize)
		if _, err := io.ReadFull(f, buf); err != nil {
			return err
		}
		if err := s.pieces[index].AddBlock(blockOffset, buf); err != nil {
			return err
		}
		pos += int64(blockSize)
	}
	return nil
}

// writeOutLocked writes every file in the torrent's layout to disk,
// pulling bytes from (possibly many) verified pieces per file, per
// original_source/torrent.py's Torrent._write_to_disk.
func (s *Store) writeOutLocked() error {
	var pos int64
	for _, fileEntry := range s.files {
		end := pos + fileEntry.Length
		path := filepath.Join(s.root, fileEntry.JoinPath())
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
		}
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		for pos < end {
			index := int(pos / s.pieceLength)
			blockOffset := int(pos - int64(index)*s.pieceLength)
			blockSize := int(end - pos)
			if remaining := int(s.pieceLength) - blockOffset; remaining < blockSize {
				blockSize = remaining
			}
			block, err := s.pieces[index].GetBlock(blockOffset, blockSize)
			if err != nil {
				f.Close()
				return err
			}
			if _, err := f.Write(block); err != nil {
				f.Close()
				return err
			}
			pos += int64(blockSize)
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
