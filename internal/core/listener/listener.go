package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"portbridge/internal/core/forwarder"
	"portbridge/internal/shared/logger"
	"portbridge/internal/shared/types"
)

// State is a listener's lifecycle position.
type State int32

const (
	StateUnbound State = iota
	StateBound
	StateAccepting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateBound:
		return "bound"
	case StateAccepting:
		return "accepting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unbound"
	}
}

// BindError reports a listener that could not acquire its port. Fatal
// to that listener only; other listeners keep starting.
type BindError struct {
	Protocol string
	Addr     string
	Err      error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("listener %s: bind %s: %v", e.Protocol, e.Addr, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

// HealthSource is the checker's read surface the routing decision uses.
type HealthSource interface {
	Status(*types.BackendSpec) types.Status
}

// Listener owns one bound endpoint and its accept loop.
type Listener struct {
	spec   *types.ListenerSpec
	health HealthSource
	fwd    *forwarder.Forwarder

	ln        net.Listener
	state     atomic.Int32
	closeOnce sync.Once

	rejected atomic.Uint64
}

func (l *Listener) Spec() *types.ListenerSpec { return l.spec }

func (l *Listener) State() State { return State(l.state.Load()) }

// Rejected returns how many connections were closed for lack of a
// healthy backend.
func (l *Listener) Rejected() uint64 { return l.rejected.Load() }

func (l *Listener) setState(s State) { l.state.Store(int32(s)) }

// Bind acquires the listen port.
func (l *Listener) Bind() error {
	ln, err := net.Listen("tcp", l.spec.BindAddress())
	if err != nil {
		return &BindError{Protocol: l.spec.Protocol, Addr: l.spec.BindAddress(), Err: err}
	}
	l.ln = ln
	l.setState(StateBound)
	logger.Info().
		Str("protocol", l.spec.Protocol).
		Str("bind_addr", l.spec.BindAddress()).
		Msgf("Listener bound")
	return nil
}

// serve accepts connections until the listener is closed. Each
// accepted connection is routed to the first UP backend in configured
// order; with none UP it is closed immediately, never queued.
func (l *Listener) serve(ctx context.Context) {
	l.setState(StateAccepting)
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn().
				Str("protocol", l.spec.Protocol).
				Err(err).
				Msgf("Listener: accept error")
			time.Sleep(100 * time.Millisecond)
			continue
		}

		backend := l.pickBackend()
		if backend == nil {
			l.rejected.Add(1)
			conn.Close()
			logger.Debug().
				Str("protocol", l.spec.Protocol).
				Str("client_addr", conn.RemoteAddr().String()).
				Msgf("Listener: rejected connection, no healthy backend")
			continue
		}

		go l.fwd.Forward(ctx, conn, l.spec, backend)
	}
}

func (l *Listener) pickBackend() *types.BackendSpec {
	for _, b := range l.spec.Backends {
		if l.health.Status(b) == types.StatusUp {
			return b
		}
	}
	return nil
}

// close stops the accept loop. Idempotent.
func (l *Listener) close() {
	l.closeOnce.Do(func() {
		if l.State() >= StateBound {
			l.setState(StateClosing)
		}
		if l.ln != nil {
			l.ln.Close()
		}
	})
}

// Manager owns all configured listeners and their shared shutdown.
type Manager struct {
	listeners []*Listener
	fwd       *forwarder.Forwarder
	grace     time.Duration

	sessionCtx    context.Context
	cancelSession context.CancelFunc

	acceptWg     sync.WaitGroup
	shutdownOnce sync.Once
}

// NewManager builds one Listener per spec.
func NewManager(specs []*types.ListenerSpec, health HealthSource, fwd *forwarder.Forwarder, grace time.Duration) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		fwd:           fwd,
		grace:         grace,
		sessionCtx:    ctx,
		cancelSession: cancel,
	}
	for _, spec := range specs {
		m.listeners = append(m.listeners, &Listener{
			spec:   spec,
			health: health,
			fwd:    fwd,
		})
	}
	return m
}

// BindResult is one listener's startup outcome.
type BindResult struct {
	Spec *types.ListenerSpec
	Err  error
}

// BindAll binds every listener, collecting per-listener outcomes. A
// failed bind never prevents the remaining listeners from binding.
func (m *Manager) BindAll() []BindResult {
	results := make([]BindResult, 0, len(m.listeners))
	for _, l := range m.listeners {
		err := l.Bind()
		if err != nil {
			logger.Error().
				Str("protocol", l.spec.Protocol).
				Str("bind_addr", l.spec.BindAddress()).
				Err(err).
				Msgf("Listener bind failed")
		}
		results = append(results, BindResult{Spec: l.spec, Err: err})
	}
	return results
}

// ServeAll starts the accept loop of every bound listener and blocks
// until all loops exit.
func (m *Manager) ServeAll() {
	for _, l := range m.listeners {
		if l.State() != StateBound {
			continue
		}
		m.acceptWg.Add(1)
		go func(l *Listener) {
			defer m.acceptWg.Done()
			l.serve(m.sessionCtx)
		}(l)
	}
	m.acceptWg.Wait()
}

// Shutdown stops accepting, drains in-flight sessions up to the grace
// period, then force-closes whatever is left. Safe to call more than
// once.
func (m *Manager) Shutdown() {
	m.shutdownOnce.Do(func() {
		for _, l := range m.listeners {
			l.close()
		}
		m.acceptWg.Wait()

		if !m.fwd.Drain(m.grace) {
			logger.Warn().
				Int64("active_sessions", m.fwd.Active()).
				Dur("grace", m.grace).
				Msgf("Drain grace expired, force-closing sessions")
		}
		m.cancelSession()
		m.fwd.Drain(m.grace)

		for _, l := range m.listeners {
			if l.State() != StateUnbound {
				l.setState(StateClosed)
			}
		}
		logger.Info().Msgf("All listeners closed")
	})
}

// Listeners exposes the managed listeners for the status surface.
func (m *Manager) Listeners() []*Listener {
	return m.listeners
}
