// Package strategy implements the single authoritative piece-selection
// task. All state — peer availability, in-progress and completed sets, the
// derived multiplicity vector — is owned by one goroutine and mutated only
// in response to messages landing on its mailbox, so no part of it is ever
// guarded by a lock.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prxssh/swarmcore/pkg/bitfield"
)

// ErrMalformedBitfield is returned by PeerBitfieldReplace when the supplied
// bitfield's bit count does not match the torrent's piece count rounded up
// to whole bytes, or when any spare bit past the last piece is set.
var ErrMalformedBitfield = errors.New("strategy: bitfield length does not match piece count")

// ErrUnknownPeer is returned when a message names a peer address Strategy
// has no availability record for.
var ErrUnknownPeer = errors.New("strategy: unknown peer address")

// ErrClosed names a closed Strategy mailbox. Run never closes the mailbox or
// any reply channel, so no Strategy method currently returns it; a call made
// after Run has returned blocks until its own ctx is done and returns
// ctx.Err(). Peer engines that see it treat it as a disconnect signal.
var ErrClosed = errors.New("strategy: mailbox closed")

// ReplyKind distinguishes PieceRequest's three possible outcomes, replacing
// the sentinel-value approach ("no piece" as a magic index) with an
// explicit sum type.
type ReplyKind int

const (
	ReplyNone ReplyKind = iota
	ReplyPiece
	ReplyRejected
)

// Reply is PieceRequest's response. Exactly one of Piece (when Kind is
// ReplyPiece) or Reason (when Kind is ReplyRejected) is meaningful.
type Reply struct {
	Kind   ReplyKind
	Piece  int
	Reason string
}

func (r Reply) String() string {
	switch r.Kind {
	case ReplyPiece:
		return fmt.Sprintf("piece(%d)", r.Piece)
	case ReplyRejected:
		return fmt.Sprintf("rejected(%s)", r.Reason)
	default:
		return "none"
	}
}

// Strategy is the central piece-selection authority described in spec.md
// §4.4. Construct with New, then run its mailbox loop with Run; every other
// method is safe to call concurrently from many Peer Engine goroutines
// because each just posts a message and waits for Run's single goroutine to
// reply.
type Strategy struct {
	log        *slog.Logger
	pieceCount int
	mailbox    chan command

	// Fields below this point are touched only inside Run's goroutine.
	availability  map[string]bitfield.Bitfield
	multiplicity  []int
	inProgress    bitfield.Bitfield
	completed     bitfield.Bitfield
	endgame       bool
}

// New returns a Strategy for a torrent of pieceCount pieces. mailboxCapacity
// bounds the inbound command queue (spec.md §5: "larger capacity, ≈128, to
// absorb burst fan-in").
func New(pieceCount, mailboxCapacity int, log *slog.Logger) *Strategy {
	if log == nil {
		log = slog.Default()
	}

	return &Strategy{
		log:          log.With("component", "strategy"),
		pieceCount:   pieceCount,
		mailbox:      make(chan command, mailboxCapacity),
		availability: make(map[string]bitfield.Bitfield),
		multiplicity: make([]int, pieceCount),
		inProgress:   bitfield.New(pieceCount),
		completed:    bitfield.New(pieceCount),
	}
}

// Seed marks pieces already present on disk at startup as completed, so a
// resumed download never re-requests them. Call before Run.
func (s *Strategy) Seed(completed bitfield.Bitfield) {
	for i := 0; i < s.pieceCount; i++ {
		if completed.Has(i) {
			s.completed.Set(i)
		}
	}
}

// Run drains the mailbox until ctx is cancelled, dispatching each command
// to its handler. It returns nil on cancellation. Run closes nothing when it
// returns: a later call that still fits in the mailbox buffer is queued and
// never handled, and one waiting for a reply blocks until its own ctx is done.
func (s *Strategy) Run(ctx context.Context) error {
	s.log.Debug("started")
	defer s.log.Debug("stopped")

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-s.mailbox:
			cmd.exec(s)
		}
	}
}

// command is the sum type of everything that can land on the mailbox.
// Each variant carries its own reply channel, so Run never needs to know
// the caller's identity beyond what the command itself states.
type command interface {
	exec(s *Strategy)
}

func (s *Strategy) send(ctx context.Context, cmd command) error {
	select {
	case s.mailbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- PeerBitfieldReplace ---

type peerBitfieldReplace struct {
	addr  string
	bits  bitfield.Bitfield
	reply chan error
}

func (c *peerBitfieldReplace) exec(s *Strategy) {
	wantLen := ((s.pieceCount + 7) / 8) * 8
	if c.bits.Len() != wantLen {
		c.reply <- ErrMalformedBitfield
		return
	}
	for i := s.pieceCount; i < wantLen; i++ {
		if c.bits.Has(i) {
			c.reply <- ErrMalformedBitfield
			return
		}
	}

	s.availability[c.addr] = c.bits.Truncated(s.pieceCount)
	s.recomputeMultiplicity()
	c.reply <- nil
}

// PeerBitfieldReplace installs addr's advertised bitfield and recomputes
// the multiplicity vector before returning, so a subsequent PieceRequest
// from the same caller never races ahead of this update (spec.md §5).
func (s *Strategy) PeerBitfieldReplace(ctx context.Context, addr string, bits bitfield.Bitfield) error {
	reply := make(chan error, 1)
	if err := s.send(ctx, &peerBitfieldReplace{addr: addr, bits: bits, reply: reply}); err != nil {
		return err
	}
	select {
	case err, ok := <-reply:
		if !ok {
			return ErrClosed
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// --- PeerHave ---

type peerHave struct {
	addr  string
	piece int
}

func (c *peerHave) exec(s *Strategy) {
	bf, ok := s.availability[c.addr]
	if !ok {
		bf = bitfield.New(s.pieceCount)
		s.availability[c.addr] = bf
	}
	if c.piece < 0 || c.piece >= s.pieceCount {
		return
	}
	if bf.Set(c.piece) {
		s.multiplicity[c.piece]++
	}
}

// PeerHave records that addr now has piece, incrementing its multiplicity.
func (s *Strategy) PeerHave(ctx context.Context, addr string, piece int) error {
	return s.send(ctx, &peerHave{addr: addr, piece: piece})
}

// --- PieceRequest ---

type pieceRequest struct {
	addr  string
	reply chan Reply
}

func (c *pieceRequest) exec(s *Strategy) {
	bf, ok := s.availability[c.addr]
	if !ok {
		c.reply <- Reply{Kind: ReplyRejected, Reason: ErrUnknownPeer.Error()}
		return
	}

	best := -1
	for i := 0; i < s.pieceCount; i++ {
		if !bf.Has(i) || s.completed.Has(i) {
			continue
		}
		if !s.endgame && s.inProgress.Has(i) {
			continue
		}
		if best == -1 || s.multiplicity[i] < s.multiplicity[best] {
			best = i
		}
	}

	if best == -1 {
		c.reply <- Reply{Kind: ReplyNone}
		return
	}

	s.inProgress.Set(best)
	c.reply <- Reply{Kind: ReplyPiece, Piece: best}
}

// PieceRequest asks Strategy to assign a piece to addr. It returns a Reply
// distinguishing "nothing eligible right now" from "addr is not a peer
// Strategy knows about" — never a sentinel index.
func (s *Strategy) PieceRequest(ctx context.Context, addr string) (Reply, error) {
	reply := make(chan Reply, 1)
	if err := s.send(ctx, &pieceRequest{addr: addr, reply: reply}); err != nil {
		return Reply{}, err
	}
	select {
	case r, ok := <-reply:
		if !ok {
			return Reply{}, ErrClosed
		}
		return r, nil
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// --- PieceCompleted ---

type pieceCompleted struct {
	piece int
}

func (c *pieceCompleted) exec(s *Strategy) {
	if c.piece < 0 || c.piece >= s.pieceCount {
		return
	}

	s.inProgress.Clear(c.piece)
	s.completed.Set(c.piece)

	if !s.endgame {
		s.endgame = s.allPiecesSettled()
	}
}

func (s *Strategy) allPiecesSettled() bool {
	for i := 0; i < s.pieceCount; i++ {
		if !s.inProgress.Has(i) && !s.completed.Has(i) {
			return false
		}
	}
	return true
}

// PieceCompleted marks piece as completed. It is idempotent: completing an
// already-completed piece (possible in endgame, when two peers finish the
// same piece) is a no-op beyond the redundant Set/Clear.
func (s *Strategy) PieceCompleted(ctx context.Context, piece int) error {
	return s.send(ctx, &pieceCompleted{piece: piece})
}

// --- PeerDisconnect ---

type peerDisconnect struct {
	addr string
}

func (c *peerDisconnect) exec(s *Strategy) {
	if _, ok := s.availability[c.addr]; !ok {
		return
	}
	delete(s.availability, c.addr)
	s.recomputeMultiplicity()
}

// PeerDisconnect removes addr from the availability map.
func (s *Strategy) PeerDisconnect(ctx context.Context, addr string) error {
	return s.send(ctx, &peerDisconnect{addr: addr})
}

func (s *Strategy) recomputeMultiplicity() {
	for i := range s.multiplicity {
		s.multiplicity[i] = 0
	}
	for _, bf := range s.availability {
		for i := 0; i < s.pieceCount; i++ {
			if bf.Has(i) {
				s.multiplicity[i]++
			}
		}
	}
}

// Snapshot returns copies of the in-progress and completed bitfields, for
// the Manager's UI-refresh tick. It is itself implemented as a mailbox
// round-trip so it observes a consistent view, never a torn one.
type snapshot struct {
	reply chan snapshotResult
}

type snapshotResult struct {
	inProgress bitfield.Bitfield
	completed  bitfield.Bitfield
}

func (c *snapshot) exec(s *Strategy) {
	c.reply <- snapshotResult{
		inProgress: s.inProgress.Clone(),
		completed:  s.completed.Clone(),
	}
}

// Snapshot returns the current in-progress and completed bitfields.
func (s *Strategy) Snapshot(ctx context.Context) (inProgress, completed bitfield.Bitfield, err error) {
	reply := make(chan snapshotResult, 1)
	if err := s.send(ctx, &snapshot{reply: reply}); err != nil {
		return nil, nil, err
	}
	select {
	case r, ok := <-reply:
		if !ok {
			return nil, nil, ErrClosed
		}
		return r.inProgress, r.completed, nil
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}
}
