package peer

import (
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prxssh/swarmcore/internal/meta"
	"github.com/prxssh/swarmcore/internal/protocol"
	"github.com/prxssh/swarmcore/internal/storage"
	"github.com/prxssh/swarmcore/internal/strategy"
	"github.com/prxssh/swarmcore/pkg/bitfield"
)

func mustReadMessage(t *testing.T, r net.Conn) *protocol.Message {
	t.Helper()
	_ = r.SetReadDeadline(time.Now().Add(2 * time.Second))
	m, err := protocol.ReadMessage(r)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return m
}

// TestEngine_SinglePieceHappyPath drives one Engine through a full
// bitfield -> interested -> unchoke -> request -> piece exchange for a
// single-piece, single-block torrent, and checks the completed piece lands
// on disk with its bit set in Strategy.
func TestEngine_SinglePieceHappyPath(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte{0x42}, 16384)
	hash := sha1.Sum(data)

	mi := &meta.Metainfo{
		Info: meta.Info{
			Name:        "content",
			PieceLength: 16384,
			Pieces:      string(hash[:]),
			Length:      16384,
		},
	}

	store, err := storage.New(mi, dir, true, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := store.Create(false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	strat := strategy.New(1, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go strat.Run(ctx)

	client, server := net.Pipe()
	defer server.Close()

	conn := protocol.NewConn(client, protocol.Handshake{}, 50*time.Millisecond)
	e := New("peer-under-test", conn, strat, store, bitfield.New(1), nil)

	engineErr := make(chan error, 1)
	go func() { engineErr <- e.Run(ctx) }()

	// 1. Engine announces its (empty) bitfield.
	announced := mustReadMessage(t, server)
	if announced == nil || announced.ID != protocol.Bitfield {
		t.Fatalf("first frame = %+v, want Bitfield", announced)
	}

	// 2. Peer announces it has the one piece.
	peerBits := bitfield.New(1)
	peerBits.Set(0)
	if err := protocol.WriteMessage(server, protocol.MessageBitfield(peerBits.Bytes())); err != nil {
		t.Fatalf("write bitfield: %v", err)
	}

	// 3. Engine should become interested.
	interested := mustReadMessage(t, server)
	if interested == nil || interested.ID != protocol.Interested {
		t.Fatalf("second frame = %+v, want Interested", interested)
	}

	// 4. Unchoke it.
	if err := protocol.WriteMessage(server, protocol.MessageUnchoke()); err != nil {
		t.Fatalf("write unchoke: %v", err)
	}

	// 5. Engine requests block 0 of piece 0.
	req := mustReadMessage(t, server)
	if req == nil || req.ID != protocol.Request {
		t.Fatalf("third frame = %+v, want Request", req)
	}
	idx, begin, length, ok := req.ParseRequest()
	if !ok || idx != 0 || begin != 0 || length != 16384 {
		t.Fatalf("ParseRequest = (%d,%d,%d,%v), want (0,0,16384,true)", idx, begin, length, ok)
	}

	// 6. Deliver the piece.
	if err := protocol.WriteMessage(server, protocol.MessagePiece(0, 0, data)); err != nil {
		t.Fatalf("write piece: %v", err)
	}

	time.Sleep(100 * time.Millisecond) // let the engine's single goroutine process it

	_, completed, err := strat.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !completed.Has(0) {
		t.Fatalf("strategy does not show piece 0 completed")
	}

	onDisk, err := os.ReadFile(filepath.Join(dir, "content", "content"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(onDisk, data) {
		t.Fatalf("on-disk content mismatch")
	}

	server.Close()
	select {
	case err := <-engineErr:
		if err != ErrConnectionReset {
			t.Fatalf("Run() = %v, want ErrConnectionReset after peer hangup", err)
		}
	case <-time.After(time.Second):
		t.Fatal("engine did not exit after server closed")
	}
}

// TestEngine_CancelMessageExitsCleanly checks that a CANCEL frame ends the
// engine's loop without reporting ErrConnectionReset.
func TestEngine_CancelMessageExitsCleanly(t *testing.T) {
	dir := t.TempDir()
	mi := &meta.Metainfo{
		Info: meta.Info{
			Name:        "content",
			PieceLength: 16384,
			Pieces:      string(bytes.Repeat([]byte{0}, sha1.Size)),
			Length:      16384,
		},
	}
	store, err := storage.New(mi, dir, false, nil)
	if err != nil {
		t.Fatalf("storage.New: %v", err)
	}
	if err := store.Create(false); err != nil {
		t.Fatalf("Create: %v", err)
	}

	strat := strategy.New(1, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go strat.Run(ctx)

	client, server := net.Pipe()
	defer server.Close()

	conn := protocol.NewConn(client, protocol.Handshake{}, 50*time.Millisecond)
	e := New("peer-under-test", conn, strat, store, bitfield.New(1), nil)

	engineErr := make(chan error, 1)
	go func() { engineErr <- e.Run(ctx) }()

	mustReadMessage(t, server) // initial bitfield announce

	if err := protocol.WriteMessage(server, protocol.MessageCancel(0, 0, 16384)); err != nil {
		t.Fatalf("write cancel: %v", err)
	}

	select {
	case err := <-engineErr:
		if err != nil {
			t.Fatalf("Run() after CANCEL = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("engine did not exit after CANCEL")
	}
}
