// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

// Package worker is the execution pool: goroutine workers, each
// owning exactly one Block (one VM + one Heap) at a time, cooperatively
// multiplexing the scheduler's runnable queue. Built on
// golang.org/x/sync/errgroup, which gives the pool first-error
// propagation and context cancellation without hand-rolled
// sync.WaitGroup bookkeeping.
package worker

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/probeum/actorvm/internal/rtlog"
	"github.com/probeum/actorvm/scheduler"
)

// Reducer runs one Block for up to one reduction batch, returning when the
// block yields (reduction counter exhausted), waits (RECEIVE with empty
// mailbox), or dies. Neither stackvm.VM nor registervm.VM implements it
// directly (both expose Run(ctx) instead); the embedder supplies a Reducer
// over whichever VM the block is bound to, and this package only needs the
// shape.
type Reducer interface {
	RunBlock(ctx context.Context, b *scheduler.Block) error
}

// Config holds worker-pool tunables.
type Config struct {
	// NumWorkers is how many goroutines concurrently pull blocks off the
	// scheduler's run queue. New treats zero or a negative count as one
	// worker; this package does not read runtime.NumCPU itself.
	NumWorkers int

	// PollInterval is how long an idle worker sleeps between run-queue
	// checks when the queue is momentarily empty, to avoid a hot spin.
	PollInterval time.Duration
}

// DefaultConfig returns documented defaults.
func DefaultConfig() Config {
	return Config{NumWorkers: 4, PollInterval: 500 * time.Microsecond}
}

// Pool runs NumWorkers goroutines, each repeatedly pulling the next
// runnable PID from sched and driving it through red via the installed
// Reducer until the block yields, waits, or dies, then returns it to the
// scheduler's run queue (if still runnable) and pulls again.
type Pool struct {
	cfg     Config
	sched   *scheduler.BasicScheduler
	reducer Reducer
}

// New constructs a worker pool bound to sched and reducer.
func New(cfg Config, sched *scheduler.BasicScheduler, reducer Reducer) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 1
	}
	return &Pool{cfg: cfg, sched: sched, reducer: reducer}
}

// Run drives the pool until ctx is canceled or one worker returns a
// non-nil, non-context error, at which point errgroup cancels the rest and
// Run returns that first error.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.NumWorkers; i++ {
		workerID := i
		g.Go(func() error {
			return p.runWorker(ctx, workerID)
		})
	}
	return g.Wait()
}

func (p *Pool) runWorker(ctx context.Context, id int) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pid, ok := p.sched.Next()
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		b, ok := p.sched.GetBlock(pid)
		if !ok {
			continue
		}
		if err := p.reducer.RunBlock(ctx, b); err != nil {
			rtlog.Error("worker: block reduction failed", "worker", id, "pid", pid.String(), "err", err)
			p.sched.Terminate(b, err.Error())
			continue
		}
		if b.State == scheduler.StateRunnable {
			p.sched.Enqueue(b)
		}
	}
}
