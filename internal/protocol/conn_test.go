package protocol

import (
	"crypto/sha1"
	"net"
	"testing"
	"time"
)

func TestConn_PushPop_RoundTrip(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	var info, peer [sha1.Size]byte
	copy(info[:], "info_hash_1234567890")
	copy(peer[:], "peer_id_1234567890_a")

	c := NewConn(client, Handshake{Pstr: btProtocol, InfoHash: info, PeerID: peer}, 50*time.Millisecond)
	defer c.Close()

	go func() {
		_ = WriteMessage(server, MessageHave(3))
	}()

	cancel := make(chan struct{})
	m, err := c.Pop(cancel)
	if err != nil {
		t.Fatalf("Pop error: %v", err)
	}
	idx, ok := m.ParseHave()
	if !ok || idx != 3 {
		t.Fatalf("ParseHave = (%d,%v), want (3,true)", idx, ok)
	}

	done := make(chan *Message, 1)
	go func() {
		var got Message
		if _, err := got.ReadFrom(server); err == nil {
			done <- &got
		} else {
			done <- nil
		}
	}()

	if err := c.Push(MessageInterested()); err != nil {
		t.Fatalf("Push error: %v", err)
	}

	select {
	case got := <-done:
		if got == nil || got.ID != Interested {
			t.Fatalf("server read unexpected message: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for server to observe pushed message")
	}
}

func TestConn_PeerEOF_ClosesDone(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	c := NewConn(client, Handshake{}, 20*time.Millisecond)
	defer c.Close()

	server.Close() // simulate peer hangup

	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("Done was not closed after peer EOF")
	}

	cancel := make(chan struct{})
	if _, err := c.Pop(cancel); err == nil {
		t.Fatal("Pop after peer EOF returned nil error, want ErrConnClosed or EOF")
	}
}

func TestConn_Pop_CancelUnblocks(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	c := NewConn(client, Handshake{}, 50*time.Millisecond)
	defer c.Close()

	cancel := make(chan struct{})
	result := make(chan error, 1)
	go func() {
		_, err := c.Pop(cancel)
		result <- err
	}()

	close(cancel)

	select {
	case err := <-result:
		if err != ErrPopCancelled {
			t.Fatalf("Pop after cancel returned error %v, want ErrPopCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop did not unblock on cancel")
	}
}
