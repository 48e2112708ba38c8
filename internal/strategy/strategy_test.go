package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/prxssh/swarmcore/pkg/bitfield"
)

func bitsFromString(s string) bitfield.Bitfield {
	bf := bitfield.New(len(s))
	for i, c := range s {
		if c == '1' {
			bf.Set(i)
		}
	}
	return bf
}

func runStrategy(t *testing.T, s *Strategy) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(cancel)
	return cancel
}

// S2: rarest-first tiebreak.
func TestStrategy_RarestFirstTiebreak(t *testing.T) {
	s := New(3, 16, nil)
	runStrategy(t, s)

	ctx := context.Background()
	mustOK(t, s.PeerBitfieldReplace(ctx, "A", bitsFromString("111")))
	mustOK(t, s.PeerBitfieldReplace(ctx, "B", bitsFromString("110")))
	mustOK(t, s.PeerBitfieldReplace(ctx, "C", bitsFromString("100")))

	assertPiece(t, s, ctx, "A", 2)
	assertPiece(t, s, ctx, "B", 1)
	assertPiece(t, s, ctx, "C", 0)
}

func assertPiece(t *testing.T, s *Strategy, ctx context.Context, addr string, want int) {
	t.Helper()
	r, err := s.PieceRequest(ctx, addr)
	if err != nil {
		t.Fatalf("PieceRequest(%s): %v", addr, err)
	}
	if r.Kind != ReplyPiece || r.Piece != want {
		t.Fatalf("PieceRequest(%s) = %v, want piece(%d)", addr, r, want)
	}
}

func mustOK(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// S1: two identical peers, two pieces — Strategy must not double-assign the
// same piece while both are in progress.
func TestStrategy_NoDoubleAssignOutsideEndgame(t *testing.T) {
	s := New(2, 16, nil)
	runStrategy(t, s)

	ctx := context.Background()
	mustOK(t, s.PeerBitfieldReplace(ctx, "A", bitsFromString("11")))
	mustOK(t, s.PeerBitfieldReplace(ctx, "B", bitsFromString("11")))

	rA, _ := s.PieceRequest(ctx, "A")
	rB, _ := s.PieceRequest(ctx, "B")

	if rA.Kind != ReplyPiece || rB.Kind != ReplyPiece {
		t.Fatalf("expected both peers to get a piece, got A=%v B=%v", rA, rB)
	}
	if rA.Piece == rB.Piece {
		t.Fatalf("both peers assigned the same piece %d outside endgame", rA.Piece)
	}
}

// S6: endgame engagement is sticky.
func TestStrategy_EndgameEngagementIsSticky(t *testing.T) {
	s := New(4, 16, nil)
	runStrategy(t, s)

	ctx := context.Background()
	// completed = 1100, in_progress = 0011 achieved via two PieceCompleted
	// calls and two PieceRequest assignments against a fully-available peer.
	mustOK(t, s.PeerBitfieldReplace(ctx, "A", bitsFromString("1111")))

	mustOK(t, s.PieceCompleted(ctx, 0))
	mustOK(t, s.PieceCompleted(ctx, 1))

	r2, _ := s.PieceRequest(ctx, "A") // piece 2 -> in_progress
	r3, _ := s.PieceRequest(ctx, "A") // piece 3 -> in_progress
	if r2.Kind != ReplyPiece || r3.Kind != ReplyPiece {
		t.Fatalf("expected pieces 2 and 3 assigned, got %v %v", r2, r3)
	}

	if err := s.PieceCompleted(ctx, 2); err != nil {
		t.Fatalf("PieceCompleted(2): %v", err)
	}

	time.Sleep(10 * time.Millisecond) // let the mailbox drain

	inProgress, completed, err := s.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !completed.Has(0) || !completed.Has(1) || !completed.Has(2) {
		t.Fatalf("completed = %s, want bits 0,1,2 set", completed)
	}
	if !inProgress.Has(3) {
		t.Fatalf("in_progress = %s, want bit 3 set", inProgress)
	}

	// Every piece is now completed or in progress, so endgame is engaged and
	// piece 3 is handed out again although it is still in progress.
	assertPiece(t, s, ctx, "A", 3)

	// Idempotent re-completion of the same piece from a second peer, as
	// endgame duplication would produce, must not panic or corrupt state.
	if err := s.PieceCompleted(ctx, 2); err != nil {
		t.Fatalf("re-PieceCompleted(2): %v", err)
	}

	// Endgame stays engaged after the duplicate completion.
	assertPiece(t, s, ctx, "A", 3)
}

func TestStrategy_PeerDisconnect_RemovesAvailability(t *testing.T) {
	s := New(2, 16, nil)
	runStrategy(t, s)

	ctx := context.Background()
	mustOK(t, s.PeerBitfieldReplace(ctx, "A", bitsFromString("11")))
	mustOK(t, s.PeerDisconnect(ctx, "A"))

	r, err := s.PieceRequest(ctx, "A")
	if err != nil {
		t.Fatalf("PieceRequest: %v", err)
	}
	if r.Kind != ReplyRejected {
		t.Fatalf("PieceRequest after disconnect = %v, want rejected", r)
	}
}

func TestStrategy_PeerBitfieldReplace_RejectsWrongLength(t *testing.T) {
	// 10 pieces pack into 2 bytes (16 addressable bits); a bitfield sized
	// for only 8 pieces (1 byte) must be rejected outright, not truncated.
	s := New(10, 16, nil)
	runStrategy(t, s)

	ctx := context.Background()
	err := s.PeerBitfieldReplace(ctx, "A", bitsFromString("11111111"))
	if err != ErrMalformedBitfield {
		t.Fatalf("err = %v, want ErrMalformedBitfield", err)
	}
}

func TestStrategy_PeerBitfieldReplace_RejectsOversizedBitfield(t *testing.T) {
	// A bitfield sized for 16 pieces sent against a 10-piece swarm must be
	// rejected, not silently truncated down to the first 10 bits.
	s := New(10, 16, nil)
	runStrategy(t, s)

	ctx := context.Background()
	err := s.PeerBitfieldReplace(ctx, "A", bitsFromString("1111111111111111"))
	if err != ErrMalformedBitfield {
		t.Fatalf("err = %v, want ErrMalformedBitfield", err)
	}
}

func TestStrategy_PeerHave_IncrementsMultiplicity(t *testing.T) {
	s := New(2, 16, nil)
	runStrategy(t, s)

	ctx := context.Background()
	mustOK(t, s.PeerBitfieldReplace(ctx, "A", bitsFromString("10")))
	mustOK(t, s.PeerBitfieldReplace(ctx, "B", bitsFromString("10")))
	mustOK(t, s.PeerHave(ctx, "B", 1))

	// B now has both pieces; A only has 0. Piece 1's multiplicity (1) is
	// lower than piece 0's (2), but A can't request piece 1 (doesn't have
	// it), so A must still get piece 0.
	assertPiece(t, s, ctx, "A", 0)
	assertPiece(t, s, ctx, "B", 1) // rarer than piece 0
}
