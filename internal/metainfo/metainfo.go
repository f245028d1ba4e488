// Package metainfo parses a bencoded .torrent file into TorrentMeta: piece
// hashes, file layout, and the SHA-1 info hash, as described in spec.md §3/§6.
package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"io"
	"path/filepath"

	bencode "github.com/jackpal/bencode-go"
)

// FileEntry is one file within a (possibly multi-file) torrent: its length
// and its path components relative to the torrent's root directory.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path,omitempty"`
}

// bencodeFile mirrors the wire shape of a single entry in info.files.
type bencodeFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// bencodeInfo mirrors the info sub-dictionary exactly as it appears on the
// wire, in canonical key order, so that re-marshaling it reproduces the
// same bytes whose SHA-1 is the torrent's info hash. This mirrors the
// teacher's bencodeInfo and uber/kraken's torlib.Info.
type bencodeInfo struct {
	Files       []bencodeFile `bencode:"files,omitempty"`
	Length      int64         `bencode:"length,omitempty"`
	Name        string        `bencode:"name"`
	PieceLength int64         `bencode:"piece length"`
	Pieces      string        `bencode:"pieces"`
}

type bencodeTorrent struct {
	Announce     string     `bencode:"announce"`
	AnnounceList [][]string `bencode:"announce-list,omitempty"`
	Info         bencodeInfo `bencode:"info"`
}

// Info is the parsed, immutable TorrentMeta.
type Info struct {
	PieceLength  int64
	PieceHashes  [][20]byte
	Files        []FileEntry
	TotalLength  int64
	InfoHash     [20]byte
	Name         string
	Announce     string
	AnnounceList [][]string
}

// NumPieces returns the number of pieces in the torrent.
func (info *Info) NumPieces() int {
	return len(info.PieceHashes)
}

// PieceLengthAt returns the length of piece index — PieceLength for every
// piece but possibly the last, which is TotalLength mod PieceLength (or
// PieceLength if it divides evenly), per spec.md §3.
func (info *Info) PieceLengthAt(index int) int64 {
	begin := int64(index) * info.PieceLength
	end := begin + info.PieceLength
	if end > info.TotalLength {
		end = info.TotalLength
	}
	return end - begin
}

// Tiers returns the tracker URLs to try, in order: just the primary
// announce URL when there is no announce-list, otherwise every URL of
// every tier, flattened in tier order (spec.md §4.5).
func (info *Info) Tiers() []string {
	if len(info.AnnounceList) == 0 {
		return []string{info.Announce}
	}
	var urls []string
	for _, tier := range info.AnnounceList {
		urls = append(urls, tier...)
	}
	return urls
}

// Parse decodes a .torrent file from r into an Info. Returns
// *TorrentFileError wrapping the underlying cause on any malformed or
// missing-key input — this failure is always fatal at startup per spec.md §7.
func Parse(r io.Reader) (*Info, error) {
	var bt bencodeTorrent
	if err := bencode.Unmarshal(r, &bt); err != nil {
		return nil, &TorrentFileError{Cause: err}
	}
	if bt.Announce == "" {
		return nil, &TorrentFileError{Cause: fmt.Errorf("missing required key: announce")}
	}
	if bt.Info.PieceLength == 0 {
		return nil, &TorrentFileError{Cause: fmt.Errorf("missing required key: info.piece length")}
	}
	if bt.Info.Pieces == "" {
		return nil, &TorrentFileError{Cause: fmt.Errorf("missing required key: info.pieces")}
	}
	if len(bt.Info.Files) == 0 && bt.Info.Length == 0 {
		return nil, &TorrentFileError{Cause: fmt.Errorf("missing required key: info.length or info.files")}
	}

	infoHash, err := computeInfoHash(bt.Info)
	if err != nil {
		return nil, &TorrentFileError{Cause: err}
	}

	hashes, err := splitPieceHashes(bt.Info.Pieces)
	if err != nil {
		return nil, &TorrentFileError{Cause: err}
	}

	files, total, err := buildFileList(bt.Info)
	if err != nil {
		return nil, &TorrentFileError{Cause: err}
	}

	return &Info{
		PieceLength:  bt.Info.PieceLength,
		PieceHashes:  hashes,
		Files:        files,
		TotalLength:  total,
		InfoHash:     infoHash,
		Name:         bt.Info.Name,
		Announce:     bt.Announce,
		AnnounceList: bt.AnnounceList,
	}, nil
}

// TorrentFileError wraps any cause of a malformed or incomplete .torrent
// file. Per spec.md §7 this is fatal at startup.
type TorrentFileError struct {
	Cause error
}

func (e *TorrentFileError) Error() string {
	return fmt.Sprintf("invalid torrent file: %s", e.Cause)
}

func (e *TorrentFileError) Unwrap() error {
	return e.Cause
}

func computeInfoHash(info bencodeInfo) ([20]byte, error) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, info); err != nil {
		return [20]byte{}, fmt.Errorf("re-encode info dict: %w", err)
	}
	return sha1.Sum(buf.Bytes()), nil
}

func splitPieceHashes(pieces string) ([][20]byte, error) {
	const hashLen = 20
	data := []byte(pieces)
	if len(data)%hashLen != 0 {
		return nil, fmt.Errorf("pieces field length %d is not a multiple of %d", len(data), hashLen)
	}
	n := len(data) / hashLen
	hashes := make([][20]byte, n)
	for i := 0; i < n; i++ {
		copy(hashes[i][:], data[i*hashLen:(i+1)*hashLen])
	}
	return hashes, nil
}

func buildFileList(info bencodeInfo) ([]FileEntry, int64, error) {
	if len(info.Files) > 0 {
		// Multi-file torrent: every path is relative to a parent directory
		// named after the torrent (spec.md §6).
		files := make([]FileEntry, len(info.Files))
		var total int64
		for i, f := range info.Files {
			path := append([]string{info.Name}, f.Path...)
			files[i] = FileEntry{Length: f.Length, Path: path}
			total += f.Length
		}
		return files, total, nil
	}
	if info.Name == "" {
		return nil, 0, fmt.Errorf("missing required key: info.name")
	}
	// Single-file torrent writes directly to info.name.
	return []FileEntry{{Length: info.Length, Path: []string{info.Name}}}, info.Length, nil
}

// JoinPath joins a FileEntry's path components into an OS file path.
func (f FileEntry) JoinPath() string {
	return filepath.Join(f.Path...)
}
