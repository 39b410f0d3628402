package pool

import "sync/atomic"

// Stats is a snapshot of pool activity, useful for tuning the caps and the
// reaper schedule.
type Stats struct {
	Hits      uint32 // acquires served from the idle list
	Misses    uint32 // acquires that had to dial
	Timeouts  uint32 // acquires that gave up waiting
	Reaped    uint32 // stale connections evicted (sweep or lazy)
	Discarded uint32 // connections dropped by workers after I/O errors

	TotalLeased int
	TotalIdle   int
	Routes      int
	Waiting     int
}

func (m *Manager) Stats() Stats {
	s := Stats{
		Hits:      atomic.LoadUint32(&m.hits),
		Misses:    atomic.LoadUint32(&m.misses),
		Timeouts:  atomic.LoadUint32(&m.timeouts),
		Reaped:    atomic.LoadUint32(&m.reaped),
		Discarded: atomic.LoadUint32(&m.discarded),
	}

	m.mu.Lock()
	s.TotalLeased = m.totalLeased
	s.Routes = len(m.routes)
	s.Waiting = len(m.waiters)
	for _, rp := range m.routes {
		s.TotalIdle += len(rp.idle)
	}
	m.mu.Unlock()
	return s
}
