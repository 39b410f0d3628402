package worker

import (
	"context"
	"sync"

	"github.com/panjf2000/ants/v2"
)

// Runner fans a batch of requests out over a shared goroutine pool and yields
// each Result on a channel as it completes, so callers consume completions
// event-driven instead of polling a list of pending futures.
type Runner struct {
	Workers *ants.Pool
	Worker  *Worker
}

// Run submits total requests, spread round-robin over targets, and returns a
// channel of results that is closed once the last request settles.
func (r *Runner) Run(ctx context.Context, targets []string, total int) <-chan Result {
	results := make(chan Result, total)
	if len(targets) == 0 || total <= 0 {
		close(results)
		return results
	}

	var wg sync.WaitGroup
	for i := 0; i < total; i++ {
		target := targets[i%len(targets)]
		wg.Add(1)
		err := r.Workers.Submit(func() {
			defer wg.Done()
			results <- r.Worker.Do(ctx, target)
		})
		if err != nil {
			wg.Done()
			results <- Result{URL: target, Err: err}
		}
	}

	go func() {
		wg.Wait()
		close(results)
	}()
	return results
}
