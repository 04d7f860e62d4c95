package types

import (
	"net"
	"strconv"
	"time"
)

// Status is the health verdict for a backend.
type Status int32

const (
	StatusUnknown Status = iota
	StatusUp
	StatusDown
)

func (s Status) String() string {
	switch s {
	case StatusUp:
		return "up"
	case StatusDown:
		return "down"
	default:
		return "unknown"
	}
}

// BackendSpec describes one foreign server endpoint and its probe
// parameters. Immutable after config load.
type BackendSpec struct {
	Host          string
	Port          int
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	UpThreshold   int
	DownThreshold int
}

// Address returns the dialable host:port of the backend.
func (b *BackendSpec) Address() string {
	return net.JoinHostPort(b.Host, strconv.Itoa(b.Port))
}

// ListenerSpec describes one inbound endpoint. Protocol is an opaque
// label (vmess, trojan, ...) used only for logging and the status
// surface; the relay never inspects payload.
type ListenerSpec struct {
	Protocol string
	BindAddr string
	BindPort int
	Backends []*BackendSpec
}

// BindAddress returns the listen address in host:port form.
func (l *ListenerSpec) BindAddress() string {
	return net.JoinHostPort(l.BindAddr, strconv.Itoa(l.BindPort))
}
