package filecrypt

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

const maxWorkers = 1024

// ParallelConfig controls how many files bulk rotation re-encrypts at once.
// Each file is still a single sequential stream.
type ParallelConfig struct {
	// MaxWorkers is the maximum number of concurrent re-encryptions.
	// If 0, defaults to runtime.NumCPU()
	MaxWorkers int
}

// Validate checks if the parallel configuration is valid
func (p *ParallelConfig) Validate() error {
	if p.MaxWorkers < 0 || p.MaxWorkers > maxWorkers {
		return NewValidationError("max_workers", p.MaxWorkers, fmt.Sprintf("must be between 0 and %d", maxWorkers))
	}
	return nil
}

// DefaultParallelConfig returns the default parallel processing configuration
func DefaultParallelConfig() ParallelConfig {
	return ParallelConfig{
		MaxWorkers: runtime.NumCPU(),
	}
}

func (p ParallelConfig) workers(jobs int) int {
	n := p.MaxWorkers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	return max(1, min(n, jobs))
}

// forEachParallel runs fn for every name with bounded concurrency. Failures
// do not stop the other jobs; they are collected per name. Cancelling ctx
// stops jobs that have not started yet.
func forEachParallel(ctx context.Context, cfg ParallelConfig, names []string, fn func(name string) error) map[string]error {
	var (
		mu     sync.Mutex
		failed = make(map[string]error)
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.workers(len(names)))

	for _, name := range names {
		g.Go(func() error {
			err := ctx.Err()
			if err == nil {
				err = fn(name)
			}
			if err != nil {
				mu.Lock()
				failed[name] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	return failed
}
