// Package orchestrator wires the gateway's components together (New builds
// C7 session -> C8 policy -> C6 DLM -> C5 CDR -> C2 aircraft -> C4 meter ->
// C10 push -> C9 protocol -> server, from a C1 config and a C3 dataplane
// the caller has already built) and runs the periodic maintenance goroutines
// §5 calls for: one CDR archive/retention sweep, one stale-ack sweep, and
// one meter-sampling loop that turns kernel counters into CDR traffic
// deltas. The boot/shutdown shape follows the teacher's every cmd/main.go
// (construct services, start goroutines, block on signal, reverse-order
// teardown), generalized into a reusable package the binary just calls.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/your-org/magic-gateway/common/metrics"
	"github.com/your-org/magic-gateway/internal/aircraft"
	"github.com/your-org/magic-gateway/internal/cdr"
	"github.com/your-org/magic-gateway/internal/config"
	"github.com/your-org/magic-gateway/internal/dataplane"
	"github.com/your-org/magic-gateway/internal/dlm"
	"github.com/your-org/magic-gateway/internal/meter"
	"github.com/your-org/magic-gateway/internal/notify"
	"github.com/your-org/magic-gateway/internal/policy"
	"github.com/your-org/magic-gateway/internal/protocol"
	"github.com/your-org/magic-gateway/internal/server"
	"github.com/your-org/magic-gateway/internal/session"
	"github.com/your-org/magic-gateway/internal/wire"
)

const (
	cdrSweepInterval     = 1 * time.Hour
	ackSweepInterval     = 1 * time.Second
	statsPollInterval    = 10 * time.Second
	ccQueueDrainInterval = 2 * time.Second
)

// realSender forwards to a *server.Server that only exists once the push
// engine has already been constructed, breaking what would otherwise be a
// construction cycle between notify.Engine and server.Server: the engine is
// built first with a realSender holding a nil srv, then bind is called once
// the server itself is ready.
type realSender struct {
	mu  sync.RWMutex
	srv *server.Server
}

func (s *realSender) bind(srv *server.Server) {
	s.mu.Lock()
	s.srv = srv
	s.mu.Unlock()
}

func (s *realSender) SendToSession(sessionID string, env *wire.Envelope) error {
	s.mu.RLock()
	srv := s.srv
	s.mu.RUnlock()
	if srv == nil {
		return fmt.Errorf("push engine used before server was bound")
	}
	return srv.SendToSession(sessionID, env)
}

// Gateway owns every running component and the goroutines that drive them.
type Gateway struct {
	Config   *config.Config
	Sessions *session.Store
	Policy   *policy.Engine
	DLM      *dlm.Manager
	Data     dataplane.DataPlane
	CDRs     *cdr.Manager
	Aircraft *aircraft.Client
	Push     *notify.Engine
	Handlers *protocol.Handlers
	Server   *server.Server
	Meter    *meter.Reader // nil if no pinned traffic map is configured

	metricsSrv *metrics.MetricsServer
	logger     *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds every component in dependency order. dp is supplied by the
// caller because its concrete type is platform-specific (simulated vs. the
// Linux nftables/netlink backend selected by a build tag in cmd/magicgatewayd).
func New(cfg *config.Config, dp dataplane.DataPlane, logger *zap.Logger) (*Gateway, error) {
	sessions := session.NewStore(sessionCapacity(cfg), logger)
	pol := policy.NewEngine(cfg.Policy, cfg.DLMs, logger)
	dlmMgr := dlm.NewManager(cfg.DLMs, logger)

	cdrMgr, err := cdr.NewManager(cfg.Gateway.CDRBaseDir, cfg.Gateway.CDRRetention, logger)
	if err != nil {
		return nil, err
	}

	aircraftClient := aircraft.NewClient(
		addrWithPort(cfg.Gateway.AircraftStateHost, cfg.Gateway.AircraftSyncPort),
		addrWithPort(cfg.Gateway.AircraftStateHost, cfg.Gateway.AircraftAsyncPort),
		logger,
	)

	var meterReader *meter.Reader
	if cfg.Gateway.TrafficMapPath != "" {
		meterReader, err = meter.OpenPinned(cfg.Gateway.TrafficMapPath, logger)
		if err != nil {
			logger.Warn("traffic meter unavailable, CDR byte counts will stay at zero",
				zap.String("path", cfg.Gateway.TrafficMapPath), zap.Error(err))
			meterReader = nil
		}
	}

	sender := &realSender{}
	push := notify.NewEngine(sender, logger)

	handlers := protocol.NewHandlers(protocol.Handlers{
		Config:   cfg,
		Sessions: sessions,
		Policy:   pol,
		DLM:      dlmMgr,
		Data:     dp,
		CDRs:     cdrMgr,
		Push:     push,
		Aircraft: aircraftAdapter{aircraftClient},
		Logger:   logger,
	})

	srv := server.New(cfg.Gateway.ControlListenAddr, handlers, logger)
	sender.bind(srv)

	var metricsSrv *metrics.MetricsServer
	if cfg.Gateway.MetricsListenAddr != "" {
		metricsSrv = metrics.NewMetricsServer(cfg.Gateway.MetricsListenAddr, logger)
	}

	return &Gateway{
		Config:     cfg,
		Sessions:   sessions,
		Policy:     pol,
		DLM:        dlmMgr,
		Data:       dp,
		CDRs:       cdrMgr,
		Aircraft:   aircraftClient,
		Push:       push,
		Handlers:   handlers,
		Server:     srv,
		Meter:      meterReader,
		metricsSrv: metricsSrv,
		logger:     logger,
	}, nil
}

// unboundedCapacity stands in for "no real limit" when sizing the session
// store: session.Store treats its capacity literally (0 would mean "always
// full"), so an uncapped client needs a large number, not a zero sentinel.
const unboundedCapacity = 1 << 20

func sessionCapacity(cfg *config.Config) int {
	total := 0
	for _, c := range cfg.Clients {
		if c.Session.MaxConcurrentSessions <= 0 {
			return unboundedCapacity
		}
		total += c.Session.MaxConcurrentSessions
	}
	if total == 0 {
		return 1024
	}
	return total
}

func addrWithPort(host string, port int) string {
	if port == 0 {
		return host
	}
	return host + ":" + itoa(port)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [12]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// aircraftAdapter narrows *aircraft.Client to protocol.AircraftSource.
type aircraftAdapter struct{ c *aircraft.Client }

func (a aircraftAdapter) Current() (lat, lon, altFt float64, onGround bool, airport, phase string, degraded bool) {
	st, deg := a.c.Current()
	return st.Lat, st.Lon, st.AltitudeFt, st.OnGround, st.Airport, st.FlightPhase, deg
}

// Run starts every background goroutine and blocks until ctx is cancelled,
// then shuts everything down in reverse dependency order.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	metrics.SetServiceUp(true)
	defer metrics.SetServiceUp(false)

	if g.metricsSrv != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			if err := g.metricsSrv.Start(); err != nil {
				g.logger.Debug("metrics server stopped", zap.Error(err))
			}
		}()
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.Aircraft.Run(ctx)
	}()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.maintenanceLoop(ctx)
	}()

	if g.Meter != nil {
		g.wg.Add(1)
		go func() {
			defer g.wg.Done()
			g.meterLoop(ctx)
		}()
	}

	serverErr := make(chan error, 1)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		serverErr <- g.Server.Run(ctx)
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		g.logger.Error("control server exited early", zap.Error(err))
		cancel()
	}

	g.shutdown()
	return nil
}

// Stop cancels the run context, triggering graceful shutdown.
func (g *Gateway) Stop() {
	if g.cancel != nil {
		g.cancel()
	}
}

func (g *Gateway) shutdown() {
	g.wg.Wait()
	if g.metricsSrv != nil {
		_ = g.metricsSrv.Stop()
	}
	if g.Meter != nil {
		_ = g.Meter.Close()
	}
	_ = g.Data.Close()
	g.logger.Info("gateway shutdown complete")
}

// maintenanceLoop runs the CDR retention sweep, the push engine's stale-ack
// sweep, and the CCR queue drain on their own independent tickers (§4.8 CCR
// step 4, §4.10, §5).
func (g *Gateway) maintenanceLoop(ctx context.Context) {
	cdrTicker := time.NewTicker(cdrSweepInterval)
	defer cdrTicker.Stop()
	ackTicker := time.NewTicker(ackSweepInterval)
	defer ackTicker.Stop()
	statsTicker := time.NewTicker(statsPollInterval)
	defer statsTicker.Stop()
	queueTicker := time.NewTicker(ccQueueDrainInterval)
	defer queueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cdrTicker.C:
			deleted, err := g.CDRs.Sweep()
			if err != nil {
				g.logger.Warn("cdr sweep failed", zap.Error(err))
				continue
			}
			if deleted > 0 {
				metrics.RecordCDRsSweptExpired(deleted)
				g.logger.Info("cdr retention sweep", zap.Int("deleted", deleted))
			}
		case <-ackTicker.C:
			g.Push.ExpireStaleAcks()
		case <-statsTicker.C:
			metrics.SetActiveSessions(g.Sessions.Len())
			created, archived, _ := g.CDRs.Stats()
			metrics.SetCDRsOpen(int(created - archived))
			_, degraded := g.Aircraft.Current()
			metrics.SetAircraftStateStale(degraded)
		case <-queueTicker.C:
			g.Handlers.ProcessQueue(ctx, time.Now())
		}
	}
}

// meterLoop samples every active session's pinned-map counters and feeds
// the delta into its open CDR (§4.5/§4.6: the protocol layer never touches
// internal/meter directly, only the orchestrator's own loop does).
func (g *Gateway) meterLoop(ctx context.Context) {
	ticker := time.NewTicker(g.Config.Gateway.MeterInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sampleAllSessions()
		}
	}
}

func (g *Gateway) sampleAllSessions() {
	for _, sess := range g.Sessions.All() {
		rec := g.CDRs.Get(sess.ID)
		if rec == nil {
			continue
		}
		delta, raw, err := g.Meter.Sample(sess.Mark())
		if err != nil {
			continue
		}
		if delta.Anomaly {
			g.logger.Warn("traffic counter anomaly, dropping sample", zap.String("session_id", sess.ID))
			continue
		}
		rec.AddTraffic(delta.ForwardBytes, delta.ReturnBytes, delta.ForwardPkts, delta.ReturnPkts)
		rec.RecordSample(raw.ForwardBytes, raw.ReturnBytes, delta.WrappedFwd, delta.WrappedRet)
		if err := g.CDRs.Persist(sess.ID); err != nil {
			g.logger.Warn("cdr persist failed", zap.String("session_id", sess.ID), zap.Error(err))
		}
	}
}
