// Package storage maps piece-indexed writes onto the file layout a torrent
// descriptor declares, and maintains the persistent on-disk bitfield of
// completed pieces that survives a process restart.
package storage

import (
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/prxssh/swarmcore/internal/meta"
	"github.com/prxssh/swarmcore/pkg/bitfield"
)

var (
	ErrBitfieldUnavailable = errors.New("storage: bitfield sidecar unavailable")
	ErrPieceHashMismatch   = errors.New("storage: piece hash mismatch")
	ErrPieceIndexRange     = errors.New("storage: piece index out of range")
)

// span is one declared file's placement within the concatenated content
// byte stream.
type span struct {
	path   string
	length int64
	offset int64 // cumulative offset in the content stream
}

// Store is the File Writer: it owns the content directory and the
// bitfield sidecar for a single torrent download.
type Store struct {
	log *slog.Logger

	contentDir   string
	bitfieldPath string

	spans       []span
	pieceLength int64
	totalLength int64
	pieceCount  int
	pieceHashes [][sha1.Size]byte

	verifyHashes bool

	bfMu sync.Mutex
	bf   bitfield.Bitfield // in-memory mirror of the sidecar, flushed on every Write
}

// New builds a Store for metainfo rooted at outdir/<content name>. It does
// not touch the filesystem; call Create to materialize the content tree.
func New(metainfo *meta.Metainfo, outdir string, verifyHashes bool, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "storage", "torrent", metainfo.Info.Name)

	hashes, err := metainfo.PieceHashes()
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	totalLength := metainfo.Size()
	pieceLength := metainfo.Info.PieceLength
	pieceCount := int((totalLength + pieceLength - 1) / pieceLength)

	contentDir := filepath.Join(outdir, metainfo.Info.Name)

	return &Store{
		log:          log,
		contentDir:   contentDir,
		bitfieldPath: filepath.Join(contentDir, "bitfield"),
		spans:        buildSpans(metainfo, contentDir),
		pieceLength:  pieceLength,
		totalLength:  totalLength,
		pieceCount:   pieceCount,
		pieceHashes:  hashes,
		verifyHashes: verifyHashes,
	}, nil
}

func buildSpans(metainfo *meta.Metainfo, contentDir string) []span {
	if metainfo.Info.Length > 0 {
		// The single file sits inside the content directory, beside the
		// bitfield sidecar, under the descriptor's name.
		return []span{{path: filepath.Join(contentDir, metainfo.Info.Name), length: metainfo.Info.Length}}
	}

	spans := make([]span, 0, len(metainfo.Info.Files))
	var cursor int64
	for _, f := range metainfo.Info.Files {
		parts := append([]string{contentDir}, f.Path...)
		spans = append(spans, span{
			path:   filepath.Join(parts...),
			length: f.Length,
			offset: cursor,
		})
		cursor += f.Length
	}
	return spans
}

// PieceCount returns the total number of pieces this torrent is divided into.
func (s *Store) PieceCount() int { return s.pieceCount }

// PieceLength returns the length in bytes of a full (non-terminal) piece.
func (s *Store) PieceLength() int64 { return s.pieceLength }

// ExpectedPieceLength returns the declared length of piece index, accounting
// for the shorter terminal piece.
func (s *Store) ExpectedPieceLength(index int) (int64, error) {
	if index < 0 || index >= s.pieceCount {
		return 0, ErrPieceIndexRange
	}
	start := int64(index) * s.pieceLength
	if remaining := s.totalLength - start; remaining < s.pieceLength {
		return remaining, nil
	}
	return s.pieceLength, nil
}

// Create materializes the content directory. If it already exists and
// overwrite is false, Create returns nil without touching anything — this
// is the resume path. Otherwise every declared file is pre-allocated to its
// full declared length and the bitfield sidecar is (re)created.
func (s *Store) Create(overwrite bool) error {
	if _, err := os.Stat(s.contentDir); err == nil {
		if !overwrite {
			s.log.Debug("content directory already exists, resuming")
			return nil
		}
		if err := os.RemoveAll(s.contentDir); err != nil {
			return fmt.Errorf("storage: remove existing content dir: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("storage: stat content dir: %w", err)
	}

	for _, sp := range s.spans {
		if err := preallocate(sp); err != nil {
			return fmt.Errorf("storage: preallocate %s: %w", sp.path, err)
		}
	}

	sidecarSize := (s.pieceCount + 7) / 8
	if err := os.MkdirAll(s.contentDir, 0o755); err != nil {
		return fmt.Errorf("storage: create content dir: %w", err)
	}
	f, err := os.OpenFile(s.bitfieldPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("storage: create bitfield sidecar: %w", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(sidecarSize)); err != nil {
		return fmt.Errorf("storage: size bitfield sidecar: %w", err)
	}

	s.bfMu.Lock()
	s.bf = bitfield.New(s.pieceCount)
	s.bfMu.Unlock()

	return nil
}

// preallocate ensures path's parent directory exists and the file is
// exactly length bytes: seek to length-1 and write a single zero byte,
// which on every common filesystem both creates the file and extends it
// without requiring length zero bytes to actually be written.
func preallocate(sp span) error {
	if err := os.MkdirAll(filepath.Dir(sp.path), 0o755); err != nil {
		return err
	}

	f, err := os.OpenFile(sp.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if sp.length == 0 {
		return nil
	}

	_, err = f.WriteAt([]byte{0}, sp.length-1)
	return err
}

// Write maps (pieceIndex, begin, data) onto the declared file set and
// updates the persistent bitfield. No block is skipped: the overlap walk
// below visits files strictly in descriptor order, so nothing downstream of
// the written range is ever touched.
func (s *Store) Write(pieceIndex, begin int, data []byte) error {
	if pieceIndex < 0 || pieceIndex >= s.pieceCount {
		return ErrPieceIndexRange
	}

	globalStart := int64(pieceIndex)*s.pieceLength + int64(begin)
	globalEnd := globalStart + int64(len(data))

	for _, sp := range s.spans {
		fileStart := sp.offset
		fileEnd := fileStart + sp.length

		overlapStart := max(globalStart, fileStart)
		overlapEnd := min(globalEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		writeLen := overlapEnd - overlapStart
		offsetInFile := overlapStart - fileStart
		offsetInData := overlapStart - globalStart

		if err := writeAt(sp.path, data[offsetInData:offsetInData+writeLen], offsetInFile); err != nil {
			return fmt.Errorf("storage: write %s: %w", sp.path, err)
		}

		if overlapEnd >= globalEnd {
			break // consumed the entire write range
		}
	}

	return s.markComplete(pieceIndex)
}

func writeAt(path string, data []byte, offset int64) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := f.WriteAt(data, offset)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write: wrote %d, expected %d", n, len(data))
	}
	return nil
}

// WriteVerifiedPiece is the strengthened entry point Peer Engines use once
// they've assembled a full piece buffer: it checks the piece's SHA-1
// against the descriptor before ever touching disk. On mismatch the piece
// is discarded, its bitfield bit is left clear, and ErrPieceHashMismatch is
// returned so the caller can re-request it from a different peer.
func (s *Store) WriteVerifiedPiece(pieceIndex int, data []byte) error {
	if s.verifyHashes && pieceIndex < len(s.pieceHashes) {
		if sha1.Sum(data) != s.pieceHashes[pieceIndex] {
			s.log.Warn("piece hash mismatch, discarding", "piece", pieceIndex)
			return ErrPieceHashMismatch
		}
	}
	return s.Write(pieceIndex, 0, data)
}

func (s *Store) markComplete(pieceIndex int) error {
	s.bfMu.Lock()
	defer s.bfMu.Unlock()

	if s.bf == nil {
		s.bf = bitfield.New(s.pieceCount)
	}
	s.bf.Set(pieceIndex)

	return s.flushBitfieldLocked()
}

func (s *Store) flushBitfieldLocked() error {
	return os.WriteFile(s.bitfieldPath, s.bf.Bytes(), 0o644)
}

// LoadBitfield reads the sidecar from disk, truncated to exactly
// PieceCount bits. A missing or short sidecar is a fatal error: there is no
// safe way to resume without it.
func (s *Store) LoadBitfield() (bitfield.Bitfield, error) {
	raw, err := os.ReadFile(s.bitfieldPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBitfieldUnavailable, err)
	}

	want := (s.pieceCount + 7) / 8
	if len(raw) < want {
		return nil, fmt.Errorf("%w: sidecar is %d bytes, want >= %d", ErrBitfieldUnavailable, len(raw), want)
	}

	bf := bitfield.FromBytes(raw).Truncated(s.pieceCount)

	s.bfMu.Lock()
	s.bf = bf.Clone()
	s.bfMu.Unlock()

	return bf, nil
}
