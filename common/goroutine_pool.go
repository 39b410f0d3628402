package common

import (
	"github.com/panjf2000/ants/v2"
	log "github.com/sirupsen/logrus"
)

type WorkerPoolConfig struct {
	MaxWorkers int
}

// NewWorkerPool builds the shared goroutine pool that request workers run on.
// Its size is independent of the connection caps: more workers than
// connections is exactly the contention the connection pool is there to
// absorb.
func NewWorkerPool(config WorkerPoolConfig) (*ants.Pool, error) {
	pool, err := ants.NewPool(config.MaxWorkers)
	if err != nil {
		log.Errorf("Failed to create ants worker pool: %v", err)
		return nil, err
	}
	return pool, nil
}
