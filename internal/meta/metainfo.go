// Package meta decodes a torrent descriptor into the immutable Metadata
// record the rest of the engine consumes: content layout, piece length, and
// the 20-byte content-identity hash used in the handshake.
package meta

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"fmt"
	"time"

	"github.com/jackpal/bencode-go"
)

// Metainfo is a decoded torrent descriptor.
type Metainfo struct {
	Info         Info            `bencode:"info"`
	Announce     string          `bencode:"announce"`
	AnnounceList [][]string      `bencode:"announce-list"`
	CreationDate int64           `bencode:"creation date"`
	CreatedBy    string          `bencode:"created by"`
	Comment      string          `bencode:"comment"`
	Encoding     string          `bencode:"encoding"`
	InfoHash     [sha1.Size]byte `bencode:"-"`
}

// Info is the descriptor's "info" dictionary: content layout and piece
// hashes. Exactly one of Length or Files is populated, matching the
// single-file/multi-file layout rule.
type Info struct {
	Name        string `bencode:"name"`
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Private     int    `bencode:"private"`
	Length      int64  `bencode:"length"`
	Files       []File `bencode:"files"`
}

// File is one entry of a multi-file descriptor's declared file list.
type File struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

var (
	ErrPiecesLenInvalid = errors.New("metainfo: 'pieces' length not a multiple of 20")
	ErrPieceLenInvalid  = errors.New("metainfo: 'piece length' must be > 0")
	ErrLayoutInvalid    = errors.New("metainfo: descriptor has both or neither of 'length' and 'files'")
	ErrNameMissing      = errors.New("metainfo: 'name' missing")
)

// CreatedAt returns the descriptor's creation-date field as a UTC time, or
// the zero time if it was not set.
func (m *Metainfo) CreatedAt() time.Time {
	if m.CreationDate == 0 {
		return time.Time{}
	}
	return time.Unix(m.CreationDate, 0).UTC()
}

// Size returns the total content length in bytes, summing the declared
// files for a multi-file layout.
func (m *Metainfo) Size() int64 {
	if m.Info.Length > 0 {
		return m.Info.Length
	}

	var sum int64
	for _, f := range m.Info.Files {
		sum += f.Length
	}

	return sum
}

// PieceHashes splits the 'pieces' string into its per-piece SHA-1 hashes.
func (m *Metainfo) PieceHashes() ([][sha1.Size]byte, error) {
	raw := []byte(m.Info.Pieces)
	if len(raw)%sha1.Size != 0 {
		return nil, ErrPiecesLenInvalid
	}

	n := len(raw) / sha1.Size
	out := make([][sha1.Size]byte, n)
	for i := range out {
		copy(out[i][:], raw[i*sha1.Size:(i+1)*sha1.Size])
	}

	return out, nil
}

// Parse decodes a bencoded torrent descriptor and computes its info hash.
//
// bencode-go decodes straight into typed fields and discards the raw bytes
// of the 'info' sub-dictionary along the way; the info hash must be the
// SHA-1 of those exact original bytes. Re-encoding the typed Info struct
// would write every field of the struct, including keys the original
// dictionary lacked. So Parse decodes the descriptor a second time into
// generic values and re-marshals the untyped 'info' dictionary, which holds
// exactly the original keys. That round-trips byte-for-byte for every
// descriptor actually produced by a bencode encoder, since bencode's
// dictionary key ordering is canonical (lexicographic) and its
// integer/string encodings have exactly one valid form.
func Parse(data []byte) (*Metainfo, error) {
	var m Metainfo
	if err := bencode.Unmarshal(bytes.NewReader(data), &m); err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}

	if err := m.Info.validate(); err != nil {
		return nil, err
	}

	top, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("metainfo: decode: %w", err)
	}
	dict, ok := top.(map[string]interface{})
	if !ok {
		return nil, errors.New("metainfo: descriptor is not a dictionary")
	}

	var infoBuf bytes.Buffer
	if err := bencode.Marshal(&infoBuf, dict["info"]); err != nil {
		return nil, fmt.Errorf("metainfo: re-encode info: %w", err)
	}
	m.InfoHash = sha1.Sum(infoBuf.Bytes())

	return &m, nil
}

func (info Info) validate() error {
	if info.Name == "" {
		return ErrNameMissing
	}
	if info.PieceLength <= 0 {
		return ErrPieceLenInvalid
	}
	if len(info.Pieces)%sha1.Size != 0 {
		return ErrPiecesLenInvalid
	}

	hasLength := info.Length > 0
	hasFiles := len(info.Files) > 0
	if hasLength == hasFiles {
		return ErrLayoutInvalid
	}

	return nil
}
