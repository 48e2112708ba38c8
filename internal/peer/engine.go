// Package peer runs the per-connection state machine described in spec.md
// §4.5: one task per remote peer, talking to the shared Strategy mailbox on
// one side and a single Connection on the other.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prxssh/swarmcore/internal/protocol"
	"github.com/prxssh/swarmcore/internal/storage"
	"github.com/prxssh/swarmcore/internal/strategy"
	"github.com/prxssh/swarmcore/pkg/bitfield"
)

// blockSize is the fixed REQUEST/PIECE block size every implementation in
// the wild uses, 16KiB.
const blockSize = 16384

// ErrConnectionReset is returned by Run whenever the engine stops because of
// a transport failure or a protocol violation from the remote peer, as
// opposed to a clean local shutdown.
var ErrConnectionReset = errors.New("peer: connection reset")

// Engine is one peer's state machine. Construct with New and drive it with
// Run; everything else about it is private, since nothing outside the
// engine's own goroutine ever touches its fields.
type Engine struct {
	log   *slog.Logger
	addr  string
	conn  *protocol.Conn
	strat *strategy.Strategy
	store *storage.Store

	pieceCount    int
	localBitfield bitfield.Bitfield

	amChoked       bool
	amInterested   bool
	peerChoked     bool
	peerInterested bool

	assignedPiece int // -1 when no assignment is outstanding
	pieceLenCur   int64
	numBlocks     int
	blockIndex    int
	pieceBuf      []byte
}

// New returns an Engine for a single already-handshaken Connection. Strategy
// and Store are shared across every Engine in the swarm.
func New(addr string, conn *protocol.Conn, strat *strategy.Strategy, store *storage.Store, localBitfield bitfield.Bitfield, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		log:           log.With("component", "peer", "addr", addr),
		addr:          addr,
		conn:          conn,
		strat:         strat,
		store:         store,
		pieceCount:    store.PieceCount(),
		localBitfield: localBitfield,
		amChoked:      true,
		peerChoked:    true,
		assignedPiece: -1,
	}
}

// Run drives the engine until the connection closes, the peer sends CANCEL,
// or ctx is cancelled. It always reports the disconnect to Strategy before
// returning, whatever the cause.
func (e *Engine) Run(ctx context.Context) (err error) {
	e.log.Debug("started")
	defer func() {
		e.log.Debug("stopped", "err", err)
		_ = e.strat.PeerDisconnect(context.Background(), e.addr)
	}()

	if perr := e.conn.Push(protocol.MessageBitfield(e.localBitfield.Bytes())); perr != nil {
		return fmt.Errorf("peer: send bitfield: %w: %w", ErrConnectionReset, perr)
	}

	for {
		m, perr := e.conn.Pop(ctx.Done())
		if perr != nil {
			if errors.Is(perr, protocol.ErrPopCancelled) {
				return nil
			}
			e.log.Debug("connection gone", "err", perr)
			return ErrConnectionReset
		}

		done, herr := e.handle(ctx, m)
		if herr != nil {
			if errors.Is(herr, strategy.ErrClosed) || errors.Is(herr, context.Canceled) {
				return nil
			}
			e.log.Warn("protocol violation, disconnecting", "err", herr)
			return ErrConnectionReset
		}
		if done {
			return nil
		}
	}
}

func (e *Engine) handle(ctx context.Context, m *protocol.Message) (done bool, err error) {
	if protocol.IsKeepAlive(m) {
		return false, nil
	}

	switch m.ID {
	case protocol.Bitfield:
		return false, e.onBitfield(ctx, m.Payload)
	case protocol.Have:
		return false, e.onHave(ctx, m)
	case protocol.Choke:
		e.amChoked = true
		return false, nil
	case protocol.Unchoke:
		return false, e.onUnchoke()
	case protocol.Interested:
		e.peerInterested = true
		return false, nil
	case protocol.NotInterested:
		e.peerInterested = false
		return false, nil
	case protocol.Piece:
		return false, e.onPiece(ctx, m)
	case protocol.Cancel:
		return true, nil
	default:
		return false, fmt.Errorf("peer: unrecognized message id %d", m.ID)
	}
}

// onBitfield forwards the peer's advertised set to Strategy, then tries to
// pick up an assignment against it — spec.md §4.5 requires the
// acknowledgment to land before the first PieceRequest, which the mailbox
// round-trip in PeerBitfieldReplace already guarantees.
func (e *Engine) onBitfield(ctx context.Context, payload []byte) error {
	bits := bitfield.FromBytes(payload)
	if err := e.strat.PeerBitfieldReplace(ctx, e.addr, bits); err != nil {
		return err
	}
	if err := e.requestAssignment(ctx); err != nil {
		return err
	}
	return e.onNewAssignment(ctx)
}

func (e *Engine) onHave(ctx context.Context, m *protocol.Message) error {
	idx, ok := m.ParseHave()
	if !ok {
		return fmt.Errorf("peer: malformed have payload")
	}
	if err := e.strat.PeerHave(ctx, e.addr, int(idx)); err != nil {
		return err
	}
	if e.assignedPiece != -1 {
		return nil
	}
	if err := e.requestAssignment(ctx); err != nil {
		return err
	}
	return e.onNewAssignment(ctx)
}

func (e *Engine) onUnchoke() error {
	e.amChoked = false
	if e.assignedPiece == -1 {
		return nil
	}
	return e.sendRequest()
}

// onPiece accepts a block only if it matches the current assignment and the
// expected offset exactly, splices it into the piece buffer, and on the
// final block hands the assembled piece to the File Writer for
// hash-verified commit.
func (e *Engine) onPiece(ctx context.Context, m *protocol.Message) error {
	idx, begin, block, ok := m.ParsePiece()
	if !ok {
		return fmt.Errorf("peer: malformed piece payload")
	}
	if e.assignedPiece == -1 || int(idx) != e.assignedPiece || int(begin) != e.blockIndex*blockSize {
		return nil // stale or unsolicited block, ignore rather than disconnect
	}

	copy(e.pieceBuf[int(begin):], block)

	if e.blockIndex+1 == e.numBlocks {
		if err := e.store.WriteVerifiedPiece(e.assignedPiece, e.pieceBuf); err != nil {
			if !errors.Is(err, storage.ErrPieceHashMismatch) {
				return err
			}
			e.log.Warn("piece failed verification, abandoning assignment", "piece", e.assignedPiece)
		} else if err := e.strat.PieceCompleted(ctx, e.assignedPiece); err != nil {
			return err
		}

		e.assignedPiece = -1
		e.pieceBuf = nil
		e.blockIndex = 0

		if err := e.requestAssignment(ctx); err != nil {
			return err
		}
	} else {
		e.blockIndex++
	}

	if !e.amChoked {
		return e.sendRequest()
	}
	if err := e.conn.Push(protocol.MessageInterested()); err != nil {
		return err
	}
	e.amInterested = true
	return nil
}

// requestAssignment asks Strategy for a piece. A ReplyNone/ReplyRejected
// outcome leaves the engine with no assignment, to be retried on the next
// bitfield, have, or piece-completion event.
func (e *Engine) requestAssignment(ctx context.Context) error {
	reply, err := e.strat.PieceRequest(ctx, e.addr)
	if err != nil {
		return err
	}
	if reply.Kind != strategy.ReplyPiece {
		e.assignedPiece = -1
		return nil
	}

	pieceLen, err := e.store.ExpectedPieceLength(reply.Piece)
	if err != nil {
		return err
	}

	e.assignedPiece = reply.Piece
	e.pieceLenCur = pieceLen
	e.numBlocks = numBlocksFor(pieceLen)
	e.blockIndex = 0
	e.pieceBuf = make([]byte, pieceLen)
	return nil
}

// onNewAssignment sends INTERESTED (once) and the first REQUEST (if
// unchoked) for a freshly acquired assignment.
func (e *Engine) onNewAssignment(ctx context.Context) error {
	if e.assignedPiece == -1 {
		return nil
	}
	if !e.amInterested {
		if err := e.conn.Push(protocol.MessageInterested()); err != nil {
			return err
		}
		e.amInterested = true
	}
	if !e.amChoked {
		return e.sendRequest()
	}
	return nil
}

func (e *Engine) sendRequest() error {
	if e.assignedPiece == -1 {
		return nil
	}
	begin := uint32(e.blockIndex) * blockSize
	length := blockLengthFor(e.pieceLenCur, e.blockIndex, e.numBlocks)
	return e.conn.Push(protocol.MessageRequest(uint32(e.assignedPiece), begin, length))
}

// blockLengthFor applies spec.md §4.5's terminal block sizing rule: the
// last block of a piece is whatever remains of the declared piece length,
// not a full 16KiB.
func blockLengthFor(pieceLen int64, blockIndex, numBlocks int) uint32 {
	if blockIndex == numBlocks-1 {
		return uint32(pieceLen - int64(blockIndex)*blockSize)
	}
	return blockSize
}

func numBlocksFor(pieceLen int64) int {
	return int((pieceLen + blockSize - 1) / blockSize)
}
