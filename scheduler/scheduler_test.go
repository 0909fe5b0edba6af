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

package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/deep-rent/sentinel/scheduler"
)

func TestDispatchRepeats(t *testing.T) {
	s := scheduler.New(context.Background())
	defer s.Shutdown()

	var count atomic.Int32
	s.Dispatch(scheduler.TickFn(func(ctx context.Context) time.Duration {
		count.Add(1)
		return time.Millisecond
	}))

	assert.Eventually(t, func() bool {
		return count.Load() >= 3
	}, time.Second, 5*time.Millisecond)
}

func TestShutdownStopsTicks(t *testing.T) {
	s := scheduler.New(context.Background())

	var count atomic.Int32
	s.Dispatch(scheduler.TickFn(func(ctx context.Context) time.Duration {
		count.Add(1)
		return time.Millisecond
	}))

	assert.Eventually(t, func() bool {
		return count.Load() >= 1
	}, time.Second, time.Millisecond)

	s.Shutdown()
	n := count.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, count.Load())
}

func TestParentContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := scheduler.New(ctx)

	started := make(chan struct{})
	var once atomic.Bool
	s.Dispatch(scheduler.TickFn(func(ctx context.Context) time.Duration {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		return time.Millisecond
	}))
	<-started

	cancel()
	s.Shutdown() // Must not hang.
}

func TestEvery(t *testing.T) {
	var count atomic.Int32
	tick := scheduler.Every(50*time.Millisecond, func(ctx context.Context) {
		count.Add(1)
		time.Sleep(10 * time.Millisecond)
	})

	d := tick.Run(context.Background())
	assert.Equal(t, int32(1), count.Load())
	// The job's own execution time is subtracted from the cadence.
	assert.Less(t, d, 50*time.Millisecond)
	assert.Greater(t, d, time.Duration(0))
}

func TestAfter(t *testing.T) {
	var count atomic.Int32
	tick := scheduler.After(30*time.Millisecond, func(ctx context.Context) {
		count.Add(1)
	})

	d := tick.Run(context.Background())
	assert.Equal(t, int32(1), count.Load())
	assert.Equal(t, 30*time.Millisecond, d)
}

func TestOnce(t *testing.T) {
	s := scheduler.Once(context.Background())

	var count atomic.Int32
	s.Dispatch(scheduler.TickFn(func(ctx context.Context) time.Duration {
		count.Add(1)
		return time.Hour
	}))

	// Dispatch ran synchronously, exactly once.
	assert.Equal(t, int32(1), count.Load())
	s.Shutdown()
}
