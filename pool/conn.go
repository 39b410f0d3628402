package pool

import (
	"bufio"
	"net"
	"time"

	"github.com/google/uuid"
)

// ConnState tracks where a pooled connection currently lives. Transitions are
// guarded by the owning Manager's lock.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateLeased
	StateExpired
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLeased:
		return "leased"
	case StateExpired:
		return "expired"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// nowFunc returns the current time; overridden in tests.
var nowFunc = time.Now

// PooledConn wraps one persistent transport to a route. While idle it is owned
// exclusively by the pool; while leased, by exactly one worker.
type PooledConn struct {
	id        string
	route     Route
	transport net.Conn
	br        *bufio.Reader

	state          ConnState
	createdAt      time.Time
	lastReleasedAt time.Time
	expiresAt      time.Time
	uses           int64
}

func newPooledConn(route Route, transport net.Conn) *PooledConn {
	return &PooledConn{
		id:        uuid.NewString(),
		route:     route,
		transport: transport,
		br:        bufio.NewReader(transport),
		createdAt: nowFunc(),
	}
}

// ID is a stable identifier for log correlation across leases.
func (c *PooledConn) ID() string {
	return c.id
}

func (c *PooledConn) Route() Route {
	return c.route
}

// Transport exposes the raw connection to the lessee. Only valid between
// Acquire and the matching Release or Discard.
func (c *PooledConn) Transport() net.Conn {
	return c.transport
}

// Reader returns the buffered reader bound to the transport. It persists
// across leases so response bytes buffered past one exchange are not lost
// before the next.
func (c *PooledConn) Reader() *bufio.Reader {
	return c.br
}

// Uses reports how many leases this connection has served, including the
// current one.
func (c *PooledConn) Uses() int64 {
	return c.uses
}

// expired reports whether the server-negotiated keep-alive window has passed.
// A connection that has never been released has no window yet.
func (c *PooledConn) expired(now time.Time) bool {
	return !c.expiresAt.IsZero() && now.After(c.expiresAt)
}

func (c *PooledConn) close() error {
	return c.transport.Close()
}
