package meta

import (
	"bytes"
	"crypto/sha1"
	"testing"

	"github.com/jackpal/bencode-go"
)

func mkPieces(n int) string {
	var buf bytes.Buffer
	for i := 0; i < n; i++ {
		buf.Write(bytes.Repeat([]byte{byte('a' + i)}, sha1.Size))
	}
	return buf.String()
}

type rawFile struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

type rawInfo struct {
	Name        string    `bencode:"name"`
	PieceLength int64     `bencode:"piece length"`
	Pieces      string    `bencode:"pieces"`
	Length      int64     `bencode:"length"`
	Files       []rawFile `bencode:"files"`
}

type rawMetainfo struct {
	Info         rawInfo `bencode:"info"`
	Announce     string  `bencode:"announce"`
	CreationDate int64   `bencode:"creation date"`
	CreatedBy    string  `bencode:"created by"`
	Comment      string  `bencode:"comment"`
	Encoding     string  `bencode:"encoding"`
}

func marshalFixture(t *testing.T, m rawMetainfo) []byte {
	t.Helper()
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, m); err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return buf.Bytes()
}

func TestParse_SingleFile_OK(t *testing.T) {
	fixture := rawMetainfo{
		Info: rawInfo{
			Name:        "file.txt",
			PieceLength: 16384,
			Pieces:      mkPieces(2),
			Length:      1234,
		},
		Announce:     "http://tracker",
		CreationDate: 1700000000,
		CreatedBy:    "tester",
		Comment:      "hello",
		Encoding:     "UTF-8",
	}

	mi, err := Parse(marshalFixture(t, fixture))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}

	if mi.Announce != "http://tracker" {
		t.Fatalf("announce = %q", mi.Announce)
	}
	if mi.CreatedBy != "tester" || mi.Comment != "hello" || mi.Encoding != "UTF-8" {
		t.Fatalf("metadata fields mismatch: %#v", mi)
	}
	if mi.CreatedAt().Unix() != 1700000000 {
		t.Fatalf("CreatedAt = %v", mi.CreatedAt())
	}

	if mi.Info.Name != "file.txt" {
		t.Fatalf("name = %q", mi.Info.Name)
	}
	if mi.Info.PieceLength != 16384 {
		t.Fatalf("piece length = %d", mi.Info.PieceLength)
	}
	hashes, err := mi.PieceHashes()
	if err != nil || len(hashes) != 2 {
		t.Fatalf("PieceHashes() = (%v, %v), want 2 hashes", hashes, err)
	}
	if mi.Info.Length != 1234 || len(mi.Info.Files) != 0 {
		t.Fatalf("layout mismatch: length=%d files=%d", mi.Info.Length, len(mi.Info.Files))
	}
	if mi.Size() != 1234 {
		t.Fatalf("Size() = %d, want 1234", mi.Size())
	}

	// The info hash must equal SHA-1 of the info dictionary exactly as it
	// was encoded into the descriptor.
	var infoBuf bytes.Buffer
	if err := bencode.Marshal(&infoBuf, fixture.Info); err != nil {
		t.Fatalf("marshal fixture info: %v", err)
	}
	want := sha1.Sum(infoBuf.Bytes())
	if mi.InfoHash != want {
		t.Fatalf("InfoHash = %x, want %x", mi.InfoHash, want)
	}
}

func TestParse_MultiFile_OK(t *testing.T) {
	fixture := rawMetainfo{
		Info: rawInfo{
			Name:        "bundle",
			PieceLength: 16384,
			Pieces:      mkPieces(3),
			Files: []rawFile{
				{Length: 10000, Path: []string{"a.bin"}},
				{Length: 30000, Path: []string{"sub", "b.bin"}},
			},
		},
		Announce: "http://tracker",
	}

	mi, err := Parse(marshalFixture(t, fixture))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if mi.Info.Length != 0 {
		t.Fatalf("Length = %d, want 0 for multi-file layout", mi.Info.Length)
	}
	if len(mi.Info.Files) != 2 {
		t.Fatalf("Files len = %d, want 2", len(mi.Info.Files))
	}
	if mi.Size() != 40000 {
		t.Fatalf("Size() = %d, want 40000", mi.Size())
	}
}

func TestParse_RejectsBothLengthAndFiles(t *testing.T) {
	fixture := rawMetainfo{
		Info: rawInfo{
			Name:        "bad",
			PieceLength: 16384,
			Pieces:      mkPieces(1),
			Length:      100,
			Files:       []rawFile{{Length: 100, Path: []string{"x"}}},
		},
	}

	if _, err := Parse(marshalFixture(t, fixture)); err != ErrLayoutInvalid {
		t.Fatalf("Parse error = %v, want ErrLayoutInvalid", err)
	}
}

func TestParse_RejectsNeitherLengthNorFiles(t *testing.T) {
	fixture := rawMetainfo{
		Info: rawInfo{
			Name:        "bad",
			PieceLength: 16384,
			Pieces:      mkPieces(1),
		},
	}

	if _, err := Parse(marshalFixture(t, fixture)); err != ErrLayoutInvalid {
		t.Fatalf("Parse error = %v, want ErrLayoutInvalid", err)
	}
}

func TestParse_RejectsBadPieceLength(t *testing.T) {
	fixture := rawMetainfo{
		Info: rawInfo{
			Name:        "bad",
			PieceLength: 0,
			Pieces:      mkPieces(1),
			Length:      10,
		},
	}

	if _, err := Parse(marshalFixture(t, fixture)); err != ErrPieceLenInvalid {
		t.Fatalf("Parse error = %v, want ErrPieceLenInvalid", err)
	}
}

func TestParse_RejectsTruncatedPieces(t *testing.T) {
	fixture := rawMetainfo{
		Info: rawInfo{
			Name:        "bad",
			PieceLength: 16384,
			Pieces:      "short",
			Length:      10,
		},
	}

	if _, err := Parse(marshalFixture(t, fixture)); err != ErrPiecesLenInvalid {
		t.Fatalf("Parse error = %v, want ErrPiecesLenInvalid", err)
	}
}
