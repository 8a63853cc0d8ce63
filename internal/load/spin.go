// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package load

import (
	"context"
	"sync/atomic"
	"time"
)

// ChunkIterations is the number of generator steps between two counter
// updates and stop checks
const ChunkIterations = 1_000_000

// idleSleep is the sleep step of a worker asked for no load
const idleSleep = 10 * time.Second

// sink keeps the generator output observable
var sink atomic.Uint64

// SpinLoad keeps the calling CPU busy for roughly percent of the time until
// ctx is done. Every chunk of work adds ChunkIterations to counter.
func SpinLoad(ctx context.Context, percent int, counter *atomic.Uint64) {
	if percent <= 0 {
		for sleep(ctx, idleSleep) {
		}
		return
	}
	if percent > 100 {
		percent = 100
	}

	rng := newMWC()
	idleRatio := 100/float64(percent) - 1
	for ctx.Err() == nil {
		start := time.Now()
		var x uint64
		for range ChunkIterations {
			x ^= rng.next()
		}
		sink.Store(x)
		counter.Add(ChunkIterations)

		if percent == 100 {
			continue
		}
		if !sleep(ctx, time.Duration(float64(time.Since(start))*idleRatio)) {
			return
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
