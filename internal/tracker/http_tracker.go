package tracker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
)

const maxTrackerResponseSize = 2 * 1024 * 1024 // 2MB

type HTTPTracker struct {
	baseURL   *url.URL
	client    *http.Client
	mut       sync.RWMutex
	trackerID string
	logger    *slog.Logger
}

func NewHTTPTracker(u *url.URL, logger *slog.Logger) (*HTTPTracker, error) {
	logger = logger.With("type", "http")

	t := &http.Transport{
		MaxIdleConns:        100,
		IdleConnTimeout:     30 * time.Second,
		DisableCompression:  false,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &HTTPTracker{
		logger:  logger,
		baseURL: u,
		client:  &http.Client{Transport: t, Timeout: 30 * time.Second},
	}, nil
}

func (ht *HTTPTracker) Announce(
	ctx context.Context,
	params *AnnounceParams,
) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		ht.buildAnnounceURL(params),
		nil,
	)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf(
			"tracker: announce returned non-ok status %d: %s",
			resp.StatusCode,
			string(body),
		)
	}

	r, err := parseAnnounceResponse(resp.Body)
	if err != nil {
		return nil, err
	}

	if r.TrackerID != "" {
		ht.mut.Lock()
		ht.trackerID = r.TrackerID
		ht.mut.Unlock()
	}

	return r, nil
}

func (ht *HTTPTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Key != 0 {
		q.Set("key", strconv.FormatUint(uint64(params.Key), 10))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	ht.mut.RLock()
	trackerID := ht.trackerID
	ht.mut.RUnlock()

	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String()
}

// rawAnnounceResponse mirrors the bencoded dictionary an HTTP tracker
// replies with. Peers is left as interface{} because it may arrive either
// as a compact byte string or as a list of peer dictionaries (BEP 3 permits
// both), and decodePeers branches on the concrete type it unmarshals to.
type rawAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason"`
	WarningReason string      `bencode:"warning reason"`
	Interval      int64       `bencode:"interval"`
	MinInterval   int64       `bencode:"min interval"`
	TrackerID     string      `bencode:"trackerid"`
	Complete      int64       `bencode:"complete"`
	Incomplete    int64       `bencode:"incomplete"`
	Peers         interface{} `bencode:"peers"`
}

func parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	lr := io.LimitReader(r, maxTrackerResponseSize)

	var raw rawAnnounceResponse
	if err := bencode.Unmarshal(lr, &raw); err != nil {
		return nil, fmt.Errorf("tracker: decode announce response: %w", err)
	}

	if raw.FailureReason != "" {
		return nil, fmt.Errorf("tracker: announce failure: %s", raw.FailureReason)
	}
	if raw.WarningReason != "" {
		return nil, fmt.Errorf("tracker: announce warning: %s", raw.WarningReason)
	}

	peers, err := decodePeers(raw.Peers, false)
	if err != nil {
		return nil, fmt.Errorf("tracker: invalid peers: %w", err)
	}

	return &AnnounceResponse{
		TrackerID:   raw.TrackerID,
		Seeders:     raw.Complete,
		Leechers:    raw.Incomplete,
		Peers:       peers,
		Interval:    time.Duration(raw.Interval) * time.Second,
		MinInterval: time.Duration(raw.MinInterval) * time.Second,
	}, nil
}
