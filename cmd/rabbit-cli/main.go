// Command rabbit-cli downloads a single torrent from the command line: it
// wires the descriptor parser, tracker, Store, Strategy, and peer swarm
// together through Manager and renders its telemetry as a progress bar.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"

	"github.com/prxssh/swarmcore/internal/config"
	"github.com/prxssh/swarmcore/internal/manager"
	"github.com/prxssh/swarmcore/internal/meta"
	"github.com/prxssh/swarmcore/internal/tracker"
	"github.com/prxssh/swarmcore/pkg/logging"
)

func main() {
	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	outDir := flag.String("out", "", "output directory (defaults to the configured download dir)")
	flag.Parse()

	sessionID := uuid.New().String()
	setupLogger(sessionID)

	if err := run(*torrentPath, *outDir); err != nil {
		slog.Error("download failed", "error", err)
		os.Exit(1)
	}
}

func setupLogger(sessionID string) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h).With("session", sessionID)
	slog.SetDefault(l)
}

func run(torrentPath, outDir string) error {
	if torrentPath == "" {
		return fmt.Errorf("rabbit-cli: -torrent is required")
	}

	if err := config.Init(); err != nil {
		return fmt.Errorf("init config: %w", err)
	}
	cfg := config.Load()
	if outDir == "" {
		outDir = cfg.DefaultDownloadDir
	}

	raw, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}
	mi, err := meta.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse torrent file: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	peers, tr, err := announceInitial(ctx, mi, cfg)
	if err != nil {
		return fmt.Errorf("initial tracker announce: %w", err)
	}
	if len(peers) == 0 {
		return fmt.Errorf("rabbit-cli: tracker returned no peers")
	}

	m, err := manager.New(mi, peers, outDir, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("construct manager: %w", err)
	}

	go func() {
		if err := tr.Run(ctx); err != nil {
			slog.Warn("tracker loop stopped", "error", err)
		}
	}()

	return renderUntilComplete(ctx, m)
}

// announceInitial does one synchronous tracker round-trip to seed the
// Manager's peer list. The tracker's own background announceLoop keeps
// reporting progress and requesting fresh peers afterward, but a new peer
// discovered mid-download is not added to a running swarm in this scope:
// the Manager's peer set is fixed at construction.
func announceInitial(ctx context.Context, mi *meta.Metainfo, cfg *config.Config) ([]netip.AddrPort, *tracker.Tracker, error) {
	var left uint64
	if mi.Info.Length > 0 {
		left = uint64(mi.Info.Length)
	} else {
		for _, f := range mi.Info.Files {
			left += uint64(f.Length)
		}
	}

	buildParams := func(event tracker.Event) *tracker.AnnounceParams {
		return &tracker.AnnounceParams{
			InfoHash: mi.InfoHash,
			PeerID:   cfg.ClientID,
			Left:     left,
			Event:    event,
			NumWant:  uint32(cfg.AnnounceNumWant),
			Port:     6881,
		}
	}

	tr, err := tracker.NewTracker(mi.Announce, mi.AnnounceList, &tracker.TrackerOpts{
		OnAnnounceStart: func() *tracker.AnnounceParams { return buildParams(tracker.EventNone) },
		OnAnnounceSuccess: func(addrs []netip.AddrPort) {
			slog.Debug("reannounce returned peers", "count", len(addrs))
		},
		Log: slog.Default(),
	})
	if err != nil {
		return nil, nil, err
	}

	resp, err := tr.Announce(ctx, buildParams(tracker.EventStarted))
	if err != nil {
		return nil, nil, err
	}
	return resp.Peers, tr, nil
}

func renderUntilComplete(ctx context.Context, m *manager.Manager) error {
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(ctx) }()

	bar := progressbar.NewOptions(0,
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	var lastSpeed float64
	for {
		select {
		case <-ctx.Done():
			<-runErr
			return ctx.Err()

		case err := <-runErr:
			return err

		case p := <-m.Progress():
			bar.ChangeMax(p.Total)
			_ = bar.Set(p.Completed)
			if p.Completed == p.Total && p.Total > 0 {
				fmt.Println()
				slog.Info("download complete", "pieces", p.Total)
				return nil
			}

		case s := <-m.Speed():
			lastSpeed = s

		case <-ticker.C:
			bar.Describe(fmt.Sprintf("downloading (%.1f KB/s)", lastSpeed))
		}
	}
}
