package tracker

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/jackpal/bencode-go"
)

type fixtureResponse struct {
	Interval   int64  `bencode:"interval"`
	Complete   int64  `bencode:"complete"`
	Incomplete int64  `bencode:"incomplete"`
	Peers      string `bencode:"peers"`
}

func TestParseAnnounceResponse_CompactPeers(t *testing.T) {
	peer := append(netip.MustParseAddr("203.0.113.5").AsSlice(), 0x1A, 0xE1) // port 6881
	fixture := fixtureResponse{
		Interval:   1800,
		Complete:   4,
		Incomplete: 2,
		Peers:      string(peer),
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, fixture); err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	resp, err := parseAnnounceResponse(&buf)
	if err != nil {
		t.Fatalf("parseAnnounceResponse: %v", err)
	}
	if resp.Seeders != 4 || resp.Leechers != 2 {
		t.Fatalf("seeders/leechers = %d/%d, want 4/2", resp.Seeders, resp.Leechers)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("peers = %v, want 1 entry", resp.Peers)
	}
	if resp.Peers[0].Addr().String() != "203.0.113.5" || resp.Peers[0].Port() != 6881 {
		t.Fatalf("peer = %v, want 203.0.113.5:6881", resp.Peers[0])
	}
}

type fixtureFailure struct {
	FailureReason string `bencode:"failure reason"`
}

func TestParseAnnounceResponse_FailureReason(t *testing.T) {
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, fixtureFailure{FailureReason: "unregistered torrent"}); err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}

	if _, err := parseAnnounceResponse(&buf); err == nil {
		t.Fatal("parseAnnounceResponse returned nil error for a failure response")
	}
}
