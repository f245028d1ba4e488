package metainfo

import (
	"bytes"
	"testing"

	bencode "github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeTorrent(t *testing.T, bt bencodeTorrent) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, bencode.Marshal(&buf, bt))
	return buf.Bytes()
}

func TestParseSingleFile(t *testing.T) {
	bt := bencodeTorrent{
		Announce: "http://tracker.example/announce",
		Info: bencodeInfo{
			Name:        "movie.mp4",
			PieceLength: 32768,
			Length:      65536,
			Pieces:      string(make([]byte, 40)),
		},
	}
	info, err := Parse(bytes.NewReader(encodeTorrent(t, bt)))
	require.NoError(t, err)
	assert.Equal(t, int64(32768), info.PieceLength)
	assert.Equal(t, 2, info.NumPieces())
	assert.Equal(t, []FileEntry{{Length: 65536, Path: []string{"movie.mp4"}}}, info.Files)
	assert.Equal(t, int64(65536), info.TotalLength)
}

func TestParseMultiFile(t *testing.T) {
	bt := bencodeTorrent{
		Announce: "http://tracker.example/announce",
		Info: bencodeInfo{
			Name:        "album",
			PieceLength: 16384,
			Files: []bencodeFile{
				{Length: 100, Path: []string{"01.flac"}},
				{Length: 200, Path: []string{"art", "cover.jpg"}},
			},
			Pieces: string(make([]byte, 20)),
		},
	}
	info, err := Parse(bytes.NewReader(encodeTorrent(t, bt)))
	require.NoError(t, err)
	assert.Equal(t, int64(300), info.TotalLength)
	assert.Equal(t, []string{"album", "01.flac"}, info.Files[0].Path)
	assert.Equal(t, []string{"album", "art", "cover.jpg"}, info.Files[1].Path)
}

func TestParseMissingAnnounceIsFatal(t *testing.T) {
	bt := bencodeTorrent{
		Info: bencodeInfo{
			Name:        "x",
			PieceLength: 16384,
			Length:      16384,
			Pieces:      string(make([]byte, 20)),
		},
	}
	_, err := Parse(bytes.NewReader(encodeTorrent(t, bt)))
	require.Error(t, err)
	var tfe *TorrentFileError
	assert.ErrorAs(t, err, &tfe)
}

func TestParseBadPiecesLengthIsFatal(t *testing.T) {
	bt := bencodeTorrent{
		Announce: "http://tracker.example/announce",
		Info: bencodeInfo{
			Name:        "x",
			PieceLength: 16384,
			Length:      16384,
			Pieces:      string(make([]byte, 19)),
		},
	}
	_, err := Parse(bytes.NewReader(encodeTorrent(t, bt)))
	require.Error(t, err)
}

func TestPieceLengthAtLastPieceShortened(t *testing.T) {
	info := &Info{PieceLength: 16384, TotalLength: 40000}
	assert.Equal(t, int64(16384), info.PieceLengthAt(0))
	assert.Equal(t, int64(16384), info.PieceLengthAt(1))
	assert.Equal(t, int64(7232), info.PieceLengthAt(2))
}

func TestTiersFallsBackToAnnounce(t *testing.T) {
	info := &Info{Announce: "http://a"}
	assert.Equal(t, []string{"http://a"}, info.Tiers())

	info.AnnounceList = [][]string{{"http://b", "http://c"}, {"udp://d"}}
	assert.Equal(t, []string{"http://b", "http://c", "udp://d"}, info.Tiers())
}
