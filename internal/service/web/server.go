package web

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"portbridge/internal/shared/config"
	"portbridge/internal/shared/logger"
)

// ListenerStatus is one listener's row in the status report.
type ListenerStatus struct {
	Protocol string `json:"protocol"`
	BindAddr string `json:"bind_addr"`
	State    string `json:"state"`
	Rejected uint64 `json:"rejected"`
}

// BackendStatus is one backend's row in the status report.
type BackendStatus struct {
	Backend         string    `json:"backend"`
	Status          string    `json:"status"`
	ConsecutivePass int       `json:"consecutive_pass"`
	ConsecutiveFail int       `json:"consecutive_fail"`
	LastChecked     time.Time `json:"last_checked"`
}

// StatusReport is the full /api/status payload.
type StatusReport struct {
	Listeners      []ListenerStatus `json:"listeners"`
	Backends       []BackendStatus  `json:"backends"`
	ActiveSessions int64            `json:"active_sessions"`
}

// StatusProvider supplies the live report, implemented by the app.
type StatusProvider interface {
	Status() StatusReport
}

// basicAuthMiddleware enforces HTTP Basic Authentication when both a
// user and a password are configured; otherwise it passes through.
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartServer starts the status web server when a port is configured.
// Returns the server so the caller can shut it down, or nil when the
// web surface is disabled.
func StartServer(wg *sync.WaitGroup, cfg config.WebConf, provider StatusProvider, hub *Hub) *http.Server {
	if cfg.Port <= 0 {
		logger.Info().Msgf("Status web server is disabled (web port is 0 or not set)")
		return nil
	}

	mux := http.NewServeMux()

	statusHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(provider.Status()); err != nil {
			logger.Error().Err(err).Msgf("Failed to encode status report")
		}
	})
	mux.Handle("/api/status", basicAuthMiddleware(statusHandler, cfg.User, cfg.Password))

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})

	addr := fmt.Sprintf("0.0.0.0:%d", cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error().Err(err).Str("addr", addr).Msgf("Failed to start status web server")
		return nil
	}

	srv := &http.Server{Handler: mux}
	logger.Info().Msgf("Status web server listening on http://%s", addr)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msgf("Status web server error")
		}
		logger.Info().Msgf("Status web server stopped")
	}()
	return srv
}
