// Package manager wires a single torrent's Store, Strategy, and swarm of
// Peer Engines together, and publishes download telemetry for a UI to
// consume, per spec.md §4.6.
package manager

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/swarmcore/internal/config"
	"github.com/prxssh/swarmcore/internal/meta"
	"github.com/prxssh/swarmcore/internal/peer"
	"github.com/prxssh/swarmcore/internal/protocol"
	"github.com/prxssh/swarmcore/internal/storage"
	"github.com/prxssh/swarmcore/internal/strategy"
	"github.com/prxssh/swarmcore/pkg/bitfield"
	"github.com/prxssh/swarmcore/pkg/ring"
)

// Progress is the latest (completed, total) piece tally.
type Progress struct {
	Completed int
	Total     int
}

// Manager owns one torrent's download end to end: the on-disk Store, the
// piece-selection Strategy, and one Peer Engine per configured endpoint.
// Construct with New and drive it with Run; the four broadcast channels
// returned by Progress/InProgress/Completed/Speed hold only the latest
// published value, never a backlog.
type Manager struct {
	log *slog.Logger
	cfg *config.Config

	metainfo *meta.Metainfo
	store    *storage.Store
	strat    *strategy.Strategy
	peers    []netip.AddrPort
	local    protocol.Handshake

	progressCh   chan Progress
	inProgressCh chan bitfield.Bitfield
	completedCh  chan bitfield.Bitfield
	speedCh      chan float64
}

// New creates the on-disk layout for metainfo under outdir, loads the
// persisted bitfield (failing if the sidecar cannot be read), and prepares a Strategy and Engine
// set for peers. It does not dial anything; call Run to start the swarm.
func New(metainfo *meta.Metainfo, peers []netip.AddrPort, outdir string, cfg *config.Config, log *slog.Logger) (*Manager, error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "manager", "torrent", metainfo.Info.Name)

	store, err := storage.New(metainfo, outdir, cfg.VerifyPieceHashes, log)
	if err != nil {
		return nil, err
	}
	if err := store.Create(false); err != nil {
		return nil, err
	}

	strat := strategy.New(store.PieceCount(), cfg.StrategyMailboxCapacity, log)
	completed, err := store.LoadBitfield()
	if err != nil {
		return nil, err
	}
	strat.Seed(completed)

	local := protocol.Handshake{
		Pstr:     "BitTorrent protocol",
		InfoHash: metainfo.InfoHash,
		PeerID:   cfg.ClientID,
	}

	return &Manager{
		log:          log,
		cfg:          cfg,
		metainfo:     metainfo,
		store:        store,
		strat:        strat,
		peers:        peers,
		local:        local,
		progressCh:   make(chan Progress, 1),
		inProgressCh: make(chan bitfield.Bitfield, 1),
		completedCh:  make(chan bitfield.Bitfield, 1),
		speedCh:      make(chan float64, 1),
	}, nil
}

// Progress publishes the latest completed/total piece counts.
func (m *Manager) Progress() <-chan Progress { return m.progressCh }

// InProgress publishes the latest in-flight-piece bitmap.
func (m *Manager) InProgress() <-chan bitfield.Bitfield { return m.inProgressCh }

// Completed publishes the latest committed-piece bitmap.
func (m *Manager) Completed() <-chan bitfield.Bitfield { return m.completedCh }

// Speed publishes the latest instantaneous download rate, in KB/s.
func (m *Manager) Speed() <-chan float64 { return m.speedCh }

// Run starts the Strategy, one Engine per peer endpoint, and the telemetry
// loop, and blocks until ctx is cancelled. A single peer's connection
// failure never brings the swarm down; no member of the group returns an
// error, so Run returns nil once ctx is cancelled and every member exits.
func (m *Manager) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return m.strat.Run(gctx) })

	for _, addr := range m.peers {
		addr := addr
		g.Go(func() error {
			m.runPeer(gctx, addr)
			return nil
		})
	}

	g.Go(func() error { return m.telemetryLoop(gctx) })

	return g.Wait()
}

// runPeer dials and handshakes addr and drives an Engine against it until
// the connection ends or ctx is cancelled. Dial/handshake failures and
// ordinary disconnects are logged, never propagated: one bad peer must not
// tear down the swarm.
func (m *Manager) runPeer(ctx context.Context, addr netip.AddrPort) {
	conn, err := protocol.DialAndHandshake(
		addr.String(), m.local,
		m.cfg.DialTimeout, m.cfg.HandshakeTimeout, m.cfg.ReadCycle,
	)
	if err != nil {
		m.log.Debug("dial/handshake failed", "peer", addr, "err", err)
		return
	}
	defer conn.Close()

	localBits, err := m.store.LoadBitfield()
	if err != nil {
		localBits = bitfield.New(m.store.PieceCount())
	}

	e := peer.New(addr.String(), conn, m.strat, m.store, localBits, m.log)
	if err := e.Run(ctx); err != nil {
		m.log.Debug("peer engine exited", "peer", addr, "err", err)
	}
}

// telemetryLoop snapshots Strategy on a UI-refresh tick and samples the
// completed-piece count on a faster tick to feed a ring.Buffer, from which
// it derives an instantaneous KB/s estimate (spec.md §4.6).
func (m *Manager) telemetryLoop(ctx context.Context) error {
	uiTicker := time.NewTicker(m.cfg.UIRefreshInterval)
	defer uiTicker.Stop()
	speedTicker := time.NewTicker(m.cfg.SpeedSampleInterval)
	defer speedTicker.Stop()

	samples := ring.New(m.cfg.SpeedSampleWindow)

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-uiTicker.C:
			inProgress, completed, err := m.strat.Snapshot(ctx)
			if err != nil {
				continue
			}
			publish(m.inProgressCh, inProgress)
			publish(m.completedCh, completed)
			publish(m.progressCh, Progress{
				Completed: completed.Count(),
				Total:     m.store.PieceCount(),
			})

		case <-speedTicker.C:
			_, completed, err := m.strat.Snapshot(ctx)
			if err != nil {
				continue
			}
			samples.Push(uint32(completed.Count()))

			perSample := samples.Average()
			perSecond := perSample / m.cfg.SpeedSampleInterval.Seconds()
			kbps := perSecond * (float64(m.store.PieceLength()) / 1000)
			publish(m.speedCh, kbps)
		}
	}
}

// publish replaces ch's buffered value with v, so a slow consumer always
// reads the latest sample rather than a growing backlog.
func publish[T any](ch chan T, v T) {
	select {
	case <-ch:
	default:
	}
	ch <- v
}
