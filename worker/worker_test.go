// Copyright 2024 The ActorVM Authors
// This file is part of ActorVM.

package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/probeum/actorvm/heap"
	"github.com/probeum/actorvm/scheduler"
)

// countingReducer runs each block a fixed number of times, then marks it
// dead, standing in for a VM.
type countingReducer struct {
	runs     map[scheduler.PID]int
	perBlock int
	done     chan struct{}
	sched    *scheduler.BasicScheduler
}

func (r *countingReducer) RunBlock(_ context.Context, b *scheduler.Block) error {
	r.runs[b.PID]++
	if r.runs[b.PID] >= r.perBlock {
		r.sched.Terminate(b, "normal")
		select {
		case r.done <- struct{}{}:
		default:
		}
	}
	return nil
}

func TestPoolDrivesBlockToCompletion(t *testing.T) {
	sched := scheduler.NewBasicScheduler(nil)
	b := scheduler.NewBlock(0, heap.New(heap.Config{}))
	sched.Register(b)

	red := &countingReducer{
		runs:     make(map[scheduler.PID]int),
		perBlock: 3,
		done:     make(chan struct{}, 1),
		sched:    sched,
	}
	pool := New(Config{NumWorkers: 1, PollInterval: time.Millisecond}, sched, red)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- pool.Run(ctx) }()

	select {
	case <-red.done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool never drove the block to completion")
	}
	cancel()
	if err := <-errCh; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v", err)
	}

	if red.runs[b.PID] != 3 {
		t.Fatalf("block ran %d times, want 3", red.runs[b.PID])
	}
	if b.State != scheduler.StateDead {
		t.Fatalf("block state = %v, want dead", b.State)
	}
}

// failingReducer errors on its first reduction.
type failingReducer struct{}

func (failingReducer) RunBlock(context.Context, *scheduler.Block) error {
	return errors.New("vm exploded")
}

func TestPoolTerminatesBlockOnReducerError(t *testing.T) {
	sched := scheduler.NewBasicScheduler(nil)
	b := scheduler.NewBlock(0, heap.New(heap.Config{}))
	sched.Register(b)

	pool := New(Config{NumWorkers: 1, PollInterval: time.Millisecond}, sched, failingReducer{})
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_ = pool.Run(ctx)

	if b.State != scheduler.StateDead {
		t.Fatalf("block state after reducer error = %v, want dead", b.State)
	}
	if b.ExitReason == "" {
		t.Fatal("dead block records no exit reason")
	}
}
