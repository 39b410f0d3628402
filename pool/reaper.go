package pool

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// DefaultReapInterval suits lab runs; production profiles usually
	// stretch it to 30s.
	DefaultReapInterval = 5 * time.Second

	DefaultIdleThreshold = 30 * time.Second
)

// ReaperConfig controls the background eviction loop.
type ReaperConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// IdleThreshold evicts connections idle this long even when their
	// negotiated keep-alive window has not yet passed.
	IdleThreshold time.Duration
}

// Reaper periodically sweeps a Manager so connections the server has likely
// already closed are removed before a worker can trip over them. Stop is
// cooperative: a sweep in progress always completes.
type Reaper struct {
	manager *Manager
	cfg     ReaperConfig

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReaper(m *Manager, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.IdleThreshold <= 0 {
		cfg.IdleThreshold = DefaultIdleThreshold
	}
	return &Reaper{
		manager: m,
		cfg:     cfg,
		stop:    make(chan struct{}),
	}
}

func (r *Reaper) Start() {
	r.wg.Add(1)
	go r.run()
	log.Infof("idle reaper started, interval=%v, idle threshold=%v", r.cfg.Interval, r.cfg.IdleThreshold)
}

func (r *Reaper) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := r.manager.Sweep(r.cfg.IdleThreshold); n > 0 {
				log.Infof("reaper evicted %d stale connections", n)
			}
		case <-r.stop:
			return
		}
	}
}

// Stop halts the loop and waits for any in-flight sweep to finish. Safe to
// call more than once.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
	log.Infof("idle reaper stopped")
}
