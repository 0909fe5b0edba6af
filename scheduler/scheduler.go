// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scheduler runs recurring background jobs such as key-set refreshes
// and cache sweeps.
//
// The basic unit of work is a Tick: a self-repeating job that determines its
// own next run time by returning a duration after each execution. A
// Scheduler manages the lifecycle of dispatched Ticks and stops them all on
// Shutdown.
//
// Helpers convert a plain function into a Tick with common scheduling
// patterns:
//
//   - Every(d, fn): a drift-free Tick that runs at a fixed cadence of
//     duration d, accounting for the job's own execution time.
//   - After(d, fn): a drifting Tick that waits for a fixed duration d after
//     the previous run completes.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Tick represents a unit of work that can be scheduled to run repeatedly.
type Tick interface {
	// Run executes the job and returns the duration to wait before the next
	// execution. It accepts a context that is cancelled when the scheduler
	// is shut down.
	//
	// If the returned duration is zero or negative, the next run is
	// scheduled immediately.
	Run(ctx context.Context) time.Duration
}

// TickFn is an adapter to allow the use of ordinary functions as Ticks.
type TickFn func(ctx context.Context) time.Duration

func (f TickFn) Run(ctx context.Context) time.Duration { return f(ctx) }

// After creates a drifting Tick that waits for the full delay d after each
// run of fn completes, so the effective cadence varies with the job's own
// execution time.
func After(d time.Duration, fn func(ctx context.Context)) Tick {
	return TickFn(func(ctx context.Context) time.Duration {
		fn(ctx)
		return d
	})
}

// Every creates a drift-free Tick that runs fn at a fixed cadence of d. The
// wrapper measures the job's execution time and subtracts it from the
// interval. If a run takes longer than the interval, the next run starts
// immediately.
func Every(d time.Duration, fn func(ctx context.Context)) Tick {
	return TickFn(func(ctx context.Context) time.Duration {
		start := time.Now()
		fn(ctx)
		elapsed := time.Since(start)
		return max(0, d-elapsed)
	})
}

// Scheduler manages the non-blocking execution of Ticks at their intervals.
type Scheduler interface {
	// Context returns the scheduler's context. This context is cancelled
	// when Shutdown is called.
	Context() context.Context
	// Dispatch executes the given tick in a separate goroutine. The tick
	// runs immediately and then repeats according to the duration it
	// returns, until the scheduler is shut down.
	Dispatch(tick Tick)
	// Shutdown gracefully stops the scheduler. It cancels the scheduler's
	// context and blocks until all dispatched goroutines have finished.
	Shutdown()
}

// New creates a new Scheduler whose lifecycle is tied to the provided parent
// context. Cancelling this context will also cause the scheduler to shut
// down.
func New(ctx context.Context) Scheduler {
	ctx, cancel := context.WithCancel(ctx)
	return &scheduler{
		ctx:    ctx,
		cancel: cancel,
	}
}

type scheduler struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (s *scheduler) Context() context.Context {
	return s.ctx
}

func (s *scheduler) Dispatch(tick Tick) {
	s.wg.Go(func() {
		timer := time.NewTimer(0)
		for {
			select {
			case <-s.ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
				timer.Reset(tick.Run(s.ctx))
			}
		}
	})
}

func (s *scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}

var _ Scheduler = (*scheduler)(nil)

// Once creates a synchronous Scheduler that runs each dispatched Tick
// exactly once in the calling goroutine. It is useful in tests and wherever
// the Tick interface is wanted without true background scheduling.
func Once(ctx context.Context) Scheduler {
	return &once{ctx: ctx}
}

type once struct {
	ctx context.Context
}

func (o *once) Context() context.Context { return o.ctx }
func (o *once) Dispatch(tick Tick)       { tick.Run(o.ctx) }
func (o *once) Shutdown()                {}

var _ Scheduler = (*once)(nil)
