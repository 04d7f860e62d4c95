package shared

import (
	"errors"
	"net"
	"sync/atomic"
	"time"
)

// CountedConn wraps a net.Conn and atomically counts uplink (writes)
// and downlink (reads) bytes.
type CountedConn struct {
	net.Conn
	uplink   *atomic.Uint64
	downlink *atomic.Uint64
}

// NewCountedConn creates a new CountedConn around conn.
func NewCountedConn(conn net.Conn, uplink, downlink *atomic.Uint64) *CountedConn {
	return &CountedConn{
		Conn:     conn,
		uplink:   uplink,
		downlink: downlink,
	}
}

// Read reads from the underlying connection and adds to the downlink counter.
func (c *CountedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	if n > 0 {
		c.downlink.Add(uint64(n))
	}
	return n, err
}

// Write writes to the underlying connection and adds to the uplink counter.
func (c *CountedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 {
		c.uplink.Add(uint64(n))
	}
	return n, err
}

// IdleConn wraps one leg of a session with an idle cutoff. Both legs
// share one Activity clock: traffic in either direction, read or
// written, refreshes it. A Read fails with a timeout error only when
// the whole session has been silent for the timeout — a deadline that
// fires while the peer leg made progress is re-armed, not surfaced.
// A zero timeout disables the cutoff.
type IdleConn struct {
	net.Conn
	Timeout  time.Duration
	Activity *atomic.Int64 // last activity, unix nanos, shared by both legs
}

func (c *IdleConn) touch() {
	c.Activity.Store(time.Now().UnixNano())
}

func (c *IdleConn) lastActivity() time.Time {
	return time.Unix(0, c.Activity.Load())
}

func (c *IdleConn) Read(b []byte) (int, error) {
	if c.Timeout <= 0 {
		return c.Conn.Read(b)
	}
	for {
		if err := c.Conn.SetReadDeadline(c.lastActivity().Add(c.Timeout)); err != nil {
			return 0, err
		}
		n, err := c.Conn.Read(b)
		if n > 0 {
			c.touch()
			return n, err
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && time.Since(c.lastActivity()) < c.Timeout {
				continue
			}
		}
		return n, err
	}
}

func (c *IdleConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	if n > 0 && c.Timeout > 0 {
		c.touch()
	}
	return n, err
}
