package pool

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// DialFunc opens a new transport to a route. It runs outside the manager's
// lock, so a slow dial never stalls the rest of the pool.
type DialFunc func(ctx context.Context, route Route) (net.Conn, error)

// Config carries the admission policy for a Manager.
type Config struct {
	// PerRouteMax caps leased + idle connections per route.
	PerRouteMax int

	// TotalMax caps leased connections across all routes.
	TotalMax int

	// AcquireTimeout bounds the wait for a slot when the caller's context
	// carries no deadline of its own. Zero means wait indefinitely.
	AcquireTimeout time.Duration

	// FailFast makes Acquire return ErrPoolExhausted instead of blocking.
	FailFast bool
}

const (
	DefaultPerRouteMax = 5
	DefaultTotalMax    = 5
)

// waiter is one parked Acquire call. The channel is buffered so a grant made
// under the manager lock never blocks; delivered marks that a grant is (or is
// about to be) in the channel, so a concurrently cancelled waiter knows it
// must re-route the value instead of leaking it.
type waiter struct {
	key       string
	ch        chan *PooledConn
	delivered bool
}

type routePool struct {
	route  Route
	idle   []*PooledConn // most recently released last
	leased int
}

// Manager owns every route's pool and is the only synchronized boundary:
// callers see Acquire, Release, Discard, Sweep and Shutdown, never the lists
// behind them. One Manager per process lifecycle is the intended shape;
// building one per request reintroduces the exhaustion problem pooling
// exists to solve.
type Manager struct {
	cfg  Config
	dial DialFunc

	mu          sync.Mutex
	routes      map[string]*routePool
	leased      map[*PooledConn]struct{}
	waiters     []*waiter // FIFO
	totalLeased int
	closed      bool

	hits      uint32 // atomic
	misses    uint32 // atomic
	timeouts  uint32 // atomic
	reaped    uint32 // atomic
	discarded uint32 // atomic
}

// NewManager builds a Manager with the given admission policy. A nil dial
// falls back to a plain TCP dialer with TLS for https routes.
func NewManager(cfg Config, dial DialFunc) *Manager {
	if cfg.PerRouteMax <= 0 {
		cfg.PerRouteMax = DefaultPerRouteMax
	}
	if cfg.TotalMax <= 0 {
		cfg.TotalMax = DefaultTotalMax
	}
	if dial == nil {
		dial = DefaultDial
	}
	return &Manager{
		cfg:    cfg,
		dial:   dial,
		routes: make(map[string]*routePool),
		leased: make(map[*PooledConn]struct{}),
	}
}

// DefaultDial opens a TCP connection to the route, wrapped in TLS when the
// scheme asks for it.
func DefaultDial(ctx context.Context, route Route) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", route.Addr())
	if err != nil {
		return nil, err
	}
	if route.Scheme != "https" {
		return conn, nil
	}
	tlsConn := tls.Client(conn, &tls.Config{ServerName: route.Host})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

// Acquire hands out a connection for the route: the most recently released
// idle one when available (best odds of still being inside the server's
// keep-alive window), a freshly dialed one when under both caps, otherwise
// the caller blocks until a slot frees or its wait times out.
func (m *Manager) Acquire(ctx context.Context, route Route) (*PooledConn, error) {
	if m.cfg.AcquireTimeout > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, m.cfg.AcquireTimeout)
			defer cancel()
		}
	}

	key := route.Key()
	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return nil, ErrShutdown
		}

		rp := m.routes[key]
		if rp == nil {
			rp = &routePool{route: route}
			m.routes[key] = rp
		}

		// Pop idle LIFO, discarding anything already past its window
		// instead of handing out a dead connection.
		var expired []*PooledConn
		var cn *PooledConn
		now := nowFunc()
		for n := len(rp.idle); n > 0; n = len(rp.idle) {
			c := rp.idle[n-1]
			rp.idle = rp.idle[:n-1]
			if c.expired(now) {
				c.state = StateExpired
				expired = append(expired, c)
				continue
			}
			cn = c
			break
		}

		if cn != nil {
			cn.state = StateLeased
			cn.uses++
			rp.leased++
			m.totalLeased++
			m.leased[cn] = struct{}{}
			m.mu.Unlock()
			m.closeExpired(expired)
			atomic.AddUint32(&m.hits, 1)
			return cn, nil
		}

		if m.totalLeased < m.cfg.TotalMax && rp.leased < m.cfg.PerRouteMax {
			// Reserve the slot before dialing so the caps hold while
			// the dial is in flight.
			rp.leased++
			m.totalLeased++
			m.mu.Unlock()
			m.closeExpired(expired)
			atomic.AddUint32(&m.misses, 1)
			return m.dialLeased(ctx, rp, route)
		}

		if len(expired) > 0 {
			// Expiry freed per-route room; close the victims without
			// the lock and re-run admission.
			m.mu.Unlock()
			m.closeExpired(expired)
			m.mu.Lock()
			continue
		}

		if m.cfg.FailFast {
			m.mu.Unlock()
			return nil, ErrPoolExhausted
		}

		w := &waiter{key: key, ch: make(chan *PooledConn, 1)}
		m.waiters = append(m.waiters, w)
		m.mu.Unlock()

		select {
		case cn := <-w.ch:
			if cn != nil {
				return cn, nil
			}
			// A slot freed; re-run admission.
			m.mu.Lock()

		case <-ctx.Done():
			m.mu.Lock()
			if w.delivered {
				// Lost the race with a grant. The granter sent under
				// this lock, so the value is already buffered: put a
				// connection back, or pass a bare wake along so the
				// freed slot is not lost.
				cn := <-w.ch
				if cn != nil {
					m.requeueLocked(cn)
				} else if !m.closed {
					m.wakeLocked()
				}
			} else {
				m.removeWaiterLocked(w)
			}
			m.mu.Unlock()
			atomic.AddUint32(&m.timeouts, 1)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrAcquireTimeout
			}
			return nil, ctx.Err()
		}
	}
}

// dialLeased completes an Acquire that reserved a fresh slot. The dial runs
// without the lock; on failure the slot is handed back and a parked acquirer
// gets a chance at it.
func (m *Manager) dialLeased(ctx context.Context, rp *routePool, route Route) (*PooledConn, error) {
	netConn, err := m.dial(ctx, route)
	if err != nil {
		m.mu.Lock()
		rp.leased--
		m.totalLeased--
		m.wakeLocked()
		m.mu.Unlock()
		return nil, err
	}

	cn := newPooledConn(route, netConn)
	cn.state = StateLeased
	cn.uses = 1

	m.mu.Lock()
	if m.closed {
		rp.leased--
		m.totalLeased--
		m.mu.Unlock()
		netConn.Close()
		return nil, ErrShutdown
	}
	m.leased[cn] = struct{}{}
	m.mu.Unlock()

	log.Debugf("dialed new connection %s to %s", cn.id, route)
	return cn, nil
}

// Release returns a leased connection to its route's pool with a fresh
// keep-alive window. When another acquirer is already parked on the route the
// connection is handed straight over and never goes idle.
func (m *Manager) Release(cn *PooledConn, keepAlive time.Duration) error {
	if cn == nil {
		return ErrInvalidRelease
	}
	if keepAlive < 0 {
		keepAlive = 0
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cn.close()
		return ErrShutdown
	}
	if _, ok := m.leased[cn]; !ok {
		m.mu.Unlock()
		return ErrInvalidRelease
	}

	now := nowFunc()
	cn.lastReleasedAt = now
	cn.expiresAt = now.Add(keepAlive)

	if m.handoffLocked(cn) {
		m.mu.Unlock()
		return nil
	}

	m.parkLocked(cn)
	m.mu.Unlock()
	return nil
}

// Discard removes a leased connection whose state is unknown, typically after
// an I/O error mid-exchange. The slot it held frees up immediately.
func (m *Manager) Discard(cn *PooledConn) error {
	if cn == nil {
		return ErrInvalidRelease
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		cn.close()
		return ErrShutdown
	}
	if _, ok := m.leased[cn]; !ok {
		m.mu.Unlock()
		return ErrInvalidRelease
	}
	delete(m.leased, cn)
	rp := m.routes[cn.route.Key()]
	if rp != nil {
		rp.leased--
	}
	m.totalLeased--
	cn.state = StateClosed
	m.wakeLocked()
	m.mu.Unlock()

	atomic.AddUint32(&m.discarded, 1)
	log.Debugf("discarded connection %s to %s", cn.id, cn.route)
	return cn.close()
}

// Sweep evicts every idle connection whose keep-alive window has passed, plus
// any that has sat idle longer than idleThreshold even inside its window:
// servers do not always advertise accurate timeouts. Victims are collected
// under the lock and closed outside it.
func (m *Manager) Sweep(idleThreshold time.Duration) int {
	now := nowFunc()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0
	}
	var victims []*PooledConn
	for key, rp := range m.routes {
		kept := rp.idle[:0]
		for _, cn := range rp.idle {
			stale := cn.expired(now) ||
				(idleThreshold > 0 && now.Sub(cn.lastReleasedAt) > idleThreshold)
			if stale {
				cn.state = StateExpired
				victims = append(victims, cn)
				continue
			}
			kept = append(kept, cn)
		}
		rp.idle = kept
		if rp.leased == 0 && len(rp.idle) == 0 {
			delete(m.routes, key)
		}
	}
	m.mu.Unlock()

	for _, cn := range victims {
		if err := cn.close(); err != nil {
			// One bad close must not abort the sweep.
			log.Warnf("failed to close stale connection %s to %s: %v", cn.id, cn.route, err)
		}
	}
	if len(victims) > 0 {
		atomic.AddUint32(&m.reaped, uint32(len(victims)))
	}
	return len(victims)
}

// Shutdown closes every idle and leased transport, unblocks all waiters and
// rejects further use. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true

	var victims []*PooledConn
	for key, rp := range m.routes {
		victims = append(victims, rp.idle...)
		delete(m.routes, key)
	}
	for cn := range m.leased {
		victims = append(victims, cn)
	}
	m.leased = make(map[*PooledConn]struct{})
	m.totalLeased = 0
	for _, cn := range victims {
		cn.state = StateClosed
	}
	waiters := m.waiters
	m.waiters = nil
	for _, w := range waiters {
		w.delivered = true
		w.ch <- nil // woken waiter observes closed and reports ErrShutdown
	}
	m.mu.Unlock()

	for _, cn := range victims {
		if err := cn.close(); err != nil {
			log.Warnf("failed to close connection %s to %s during shutdown: %v", cn.id, cn.route, err)
		}
	}
	log.Infof("pool manager shut down, closed %d connections", len(victims))
}

// handoffLocked passes a still-leased connection to the first waiter parked
// for its route. Counters are untouched: the lease changes hands, nothing
// else moves.
func (m *Manager) handoffLocked(cn *PooledConn) bool {
	key := cn.route.Key()
	for i, w := range m.waiters {
		if w.key != key {
			continue
		}
		m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
		cn.uses++
		w.delivered = true
		w.ch <- cn
		return true
	}
	return false
}

// parkLocked moves a leased connection to its route's idle list and wakes one
// acquirer that the freed global slot may unblock.
func (m *Manager) parkLocked(cn *PooledConn) {
	delete(m.leased, cn)
	cn.state = StateIdle
	rp := m.routes[cn.route.Key()]
	if rp == nil {
		rp = &routePool{route: cn.route}
		m.routes[cn.route.Key()] = rp
	} else {
		rp.leased--
	}
	m.totalLeased--
	rp.idle = append(rp.idle, cn)
	m.wakeLocked()
}

// requeueLocked puts back a connection that was granted to a waiter which
// timed out before collecting it.
func (m *Manager) requeueLocked(cn *PooledConn) {
	if m.closed {
		// Shutdown already closed the transport; nothing left to track.
		return
	}
	if m.handoffLocked(cn) {
		return
	}
	m.parkLocked(cn)
}

// wakeLocked wakes exactly one parked acquirer, earliest first, skipping any
// whose route could not proceed anyway; waking those would just thunder back
// into the queue while the freed slot sat unused.
func (m *Manager) wakeLocked() {
	for i, w := range m.waiters {
		if !m.admissibleLocked(w.key) {
			continue
		}
		m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
		w.delivered = true
		w.ch <- nil
		return
	}
}

// admissibleLocked reports whether an acquire for the route could currently
// make progress, either by reusing an idle connection or by dialing.
func (m *Manager) admissibleLocked(key string) bool {
	rp := m.routes[key]
	if rp != nil && len(rp.idle) > 0 {
		return true
	}
	if m.totalLeased >= m.cfg.TotalMax {
		return false
	}
	return rp == nil || rp.leased < m.cfg.PerRouteMax
}

func (m *Manager) removeWaiterLocked(w *waiter) {
	for i, cand := range m.waiters {
		if cand == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func (m *Manager) closeExpired(conns []*PooledConn) {
	for _, cn := range conns {
		if err := cn.close(); err != nil {
			log.Warnf("failed to close expired connection %s to %s: %v", cn.id, cn.route, err)
		}
	}
	if len(conns) > 0 {
		atomic.AddUint32(&m.reaped, uint32(len(conns)))
		log.Debugf("dropped %d expired idle connections on acquire", len(conns))
	}
}
