package forwarder

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"portbridge/internal/shared"
	"portbridge/internal/shared/logger"
	"portbridge/internal/shared/types"
)

// Session termination reasons reported in summaries.
const (
	ReasonClosed        = "closed"
	ReasonIdleTimeout   = "idle_timeout"
	ReasonCanceled      = "canceled"
	ReasonConnectFailed = "connect_failed"
)

// Summary describes one finished session.
type Summary struct {
	SessionID  string        `json:"session_id"`
	Protocol   string        `json:"protocol"`
	ClientAddr string        `json:"client_addr"`
	Backend    string        `json:"backend"`
	Duration   time.Duration `json:"duration"`
	BytesUp    uint64        `json:"bytes_up"`
	BytesDown  uint64        `json:"bytes_down"`
	Reason     string        `json:"reason"`
}

// Forwarder splices accepted connections to a backend. It never
// inspects payload: any TCP protocol forwards identically.
type Forwarder struct {
	connectTimeout time.Duration
	idleTimeout    time.Duration
	onClose        func(Summary)

	active   atomic.Int64
	sessions sync.WaitGroup
}

// New creates a Forwarder. idleTimeout 0 disables the idle cutoff.
func New(connectTimeout, idleTimeout time.Duration) *Forwarder {
	return &Forwarder{
		connectTimeout: connectTimeout,
		idleTimeout:    idleTimeout,
	}
}

// OnSessionClose registers a sink for session summaries. Must be set
// before the first Forward call.
func (f *Forwarder) OnSessionClose(fn func(Summary)) {
	f.onClose = fn
}

// Active returns the number of sessions currently being forwarded.
func (f *Forwarder) Active() int64 {
	return f.active.Load()
}

// Drain waits for in-flight sessions up to the grace period. It
// reports whether all sessions finished in time.
func (f *Forwarder) Drain(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		f.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

// Forward opens the backend leg and splices bytes both ways until one
// side closes, the idle timeout fires, or ctx is canceled. The client
// connection is always closed before returning. On backend connect
// failure the client is closed immediately: no client data is buffered
// before a backend exists.
func (f *Forwarder) Forward(ctx context.Context, clientConn net.Conn, spec *types.ListenerSpec, backend *types.BackendSpec) Summary {
	f.sessions.Add(1)
	defer f.sessions.Done()
	f.active.Add(1)
	defer f.active.Add(-1)

	start := time.Now()
	sum := Summary{
		SessionID:  uuid.NewString(),
		Protocol:   spec.Protocol,
		ClientAddr: clientConn.RemoteAddr().String(),
		Backend:    backend.Address(),
	}

	dialer := net.Dialer{Timeout: f.connectTimeout}
	backendConn, err := dialer.DialContext(ctx, "tcp", backend.Address())
	if err != nil {
		clientConn.Close()
		sum.Duration = time.Since(start)
		sum.Reason = ReasonConnectFailed
		logger.Error().
			Str("session_id", sum.SessionID).
			Str("protocol", sum.Protocol).
			Str("backend", sum.Backend).
			Err(err).
			Msgf("Session: backend connect failed")
		f.emit(sum)
		return sum
	}

	var uplink, downlink atomic.Uint64
	// One activity clock for the whole session: bytes moving in either
	// direction keep both legs alive.
	var lastActivity atomic.Int64
	lastActivity.Store(start.UnixNano())
	clientSide := &shared.IdleConn{Conn: clientConn, Timeout: f.idleTimeout, Activity: &lastActivity}
	backendSide := &shared.IdleConn{
		Conn:     shared.NewCountedConn(backendConn, &uplink, &downlink),
		Timeout:  f.idleTimeout,
		Activity: &lastActivity,
	}

	// Force-close both legs when the supervisor cancels the session.
	finished := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			clientConn.Close()
			backendConn.Close()
		case <-finished:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	var upErr, downErr error

	go func() {
		defer wg.Done()
		_, upErr = io.Copy(backendSide, clientSide)
		if cw, ok := backendConn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, downErr = io.Copy(clientSide, backendSide)
		if cw, ok := clientConn.(interface{ CloseWrite() error }); ok {
			cw.CloseWrite()
		}
	}()
	wg.Wait()
	close(finished)

	clientConn.Close()
	backendConn.Close()

	sum.Duration = time.Since(start)
	sum.BytesUp = uplink.Load()
	sum.BytesDown = downlink.Load()
	sum.Reason = terminationReason(ctx, upErr, downErr)

	logger.Info().
		Str("session_id", sum.SessionID).
		Str("protocol", sum.Protocol).
		Str("client_addr", sum.ClientAddr).
		Str("backend", sum.Backend).
		Dur("duration", sum.Duration).
		Uint64("bytes_up", sum.BytesUp).
		Uint64("bytes_down", sum.BytesDown).
		Str("reason", sum.Reason).
		Msgf("Session closed")
	f.emit(sum)
	return sum
}

func (f *Forwarder) emit(sum Summary) {
	if f.onClose != nil {
		f.onClose(sum)
	}
}

func terminationReason(ctx context.Context, errs ...error) string {
	if ctx.Err() != nil {
		return ReasonCanceled
	}
	for _, err := range errs {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return ReasonIdleTimeout
		}
	}
	return ReasonClosed
}
