package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"portbridge/internal/core/forwarder"
	"portbridge/internal/core/health"
	"portbridge/internal/core/listener"
	"portbridge/internal/service/web"
	"portbridge/internal/shared/config"
	"portbridge/internal/shared/logger"
	"portbridge/internal/shared/types"
)

// AppServer is the top-level supervisor. Startup order: health checker,
// listeners. Shutdown order: stop accepting, drain sessions, stop the
// checker, stop the web surface.
type AppServer struct {
	cfg *config.Config

	checker *health.Checker
	fwd     *forwarder.Forwarder
	manager *listener.Manager
	hub     *web.Hub
	webSrv  *http.Server

	bindResults []listener.BindResult

	waitGroup sync.WaitGroup
	stopOnce  sync.Once
}

var _ web.StatusProvider = (*AppServer)(nil)

// New wires the components from an immutable, validated config.
func New(cfg *config.Config) *AppServer {
	var backends []*types.BackendSpec
	for _, l := range cfg.Listeners {
		backends = append(backends, l.Backends...)
	}

	s := &AppServer{
		cfg:     cfg,
		checker: health.New(backends),
		fwd:     forwarder.New(cfg.ConnectTimeout(), cfg.IdleTimeout()),
		hub:     web.NewHub(),
	}
	s.manager = listener.NewManager(cfg.Listeners, s.checker, s.fwd, cfg.DrainGrace())

	s.checker.OnTransition(func(b *types.BackendSpec, from, to types.Status, rec health.Record) {
		s.hub.BroadcastHealthTransition(web.HealthTransition{
			Timestamp:       rec.LastChecked,
			Backend:         b.Address(),
			From:            from.String(),
			To:              to.String(),
			ConsecutivePass: rec.ConsecutivePass,
			ConsecutiveFail: rec.ConsecutiveFail,
		})
	})
	s.fwd.OnSessionClose(s.hub.BroadcastSessionSummary)

	return s
}

// Run starts everything and blocks until ctx is canceled or startup
// fails outright. A partial bind (some listeners up, others not) keeps
// the process serving but is still reported as an error on exit.
func (s *AppServer) Run(ctx context.Context) error {
	go s.hub.Run()
	s.webSrv = web.StartServer(&s.waitGroup, s.cfg.Web, s, s.hub)

	s.checker.Start()

	s.bindResults = s.manager.BindAll()
	failed := 0
	for _, r := range s.bindResults {
		if r.Err != nil {
			failed++
			logger.Error().
				Str("protocol", r.Spec.Protocol).
				Str("bind_addr", r.Spec.BindAddress()).
				Err(r.Err).
				Msgf("Startup: listener FAILED")
		} else {
			logger.Info().
				Str("protocol", r.Spec.Protocol).
				Str("bind_addr", r.Spec.BindAddress()).
				Msgf("Startup: listener OK")
		}
	}

	if failed == len(s.bindResults) {
		s.Stop()
		return fmt.Errorf("startup failed: all %d listeners failed to bind", failed)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.manager.ServeAll()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Stop()
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d listeners failed to bind", failed, len(s.bindResults))
	}
	return nil
}

// Stop shuts the server down in order. Safe to call more than once.
func (s *AppServer) Stop() {
	s.stopOnce.Do(func() {
		logger.Info().Msgf("Shutting down")
		s.manager.Shutdown()
		s.checker.Stop()
		if s.webSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			s.webSrv.Shutdown(shutdownCtx)
		}
		s.hub.Stop()
		s.waitGroup.Wait()
	})
}

// Status assembles the live report for the web surface.
func (s *AppServer) Status() web.StatusReport {
	report := web.StatusReport{
		ActiveSessions: s.fwd.Active(),
	}
	for _, l := range s.manager.Listeners() {
		report.Listeners = append(report.Listeners, web.ListenerStatus{
			Protocol: l.Spec().Protocol,
			BindAddr: l.Spec().BindAddress(),
			State:    l.State().String(),
			Rejected: l.Rejected(),
		})
	}
	for _, br := range s.checker.Snapshot() {
		report.Backends = append(report.Backends, web.BackendStatus{
			Backend:         br.Backend.Address(),
			Status:          br.Record.Status.String(),
			ConsecutivePass: br.Record.ConsecutivePass,
			ConsecutiveFail: br.Record.ConsecutiveFail,
			LastChecked:     br.Record.LastChecked,
		})
	}
	return report
}
