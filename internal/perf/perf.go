// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package perf counts the CPU cycles and instructions retired by a process
// and its children using the kernel performance counters.
package perf

import (
	"errors"
	"log/slog"
)

// ErrUnavailable is returned when no hardware counter could be opened
var ErrUnavailable = errors.New("hardware counters unavailable")

// Invalid marks a counter that could not be read
const Invalid = ^uint64(0)

// Counter identifies a hardware counter
type Counter int

const (
	Cycles Counter = iota
	Instructions

	numCounters
)

func (c Counter) String() string {
	switch c {
	case Cycles:
		return "cpu-cycles"
	case Instructions:
		return "instructions"
	default:
		return "unknown"
	}
}

// Counts are the values of all counters of one session. Entries equal to
// Invalid were not available.
type Counts [numCounters]uint64

// InvalidCounts returns Counts with every counter unavailable
func InvalidCounts() Counts {
	var c Counts
	for i := range c {
		c[i] = Invalid
	}
	return c
}

// Totals is the sum of the valid counts of several sessions
type Totals struct {
	Values [numCounters]float64
	Valid  [numCounters]bool
}

// Sum adds up the valid counts. A counter is valid in the result when at
// least one session contributed to it.
func Sum(counts ...Counts) Totals {
	var t Totals
	for _, c := range counts {
		for i, v := range c {
			if v == Invalid {
				continue
			}
			t.Values[i] += float64(v)
			t.Valid[i] = true
		}
	}
	return t
}

// scale corrects a raw count for counter multiplexing
func scale(value, enabled, running uint64) uint64 {
	if running == 0 {
		if enabled == 0 {
			return value
		}
		return 0
	}
	return uint64(float64(value) * float64(enabled) / float64(running))
}

// Group is a set of sessions bracketing one sampling interval
type Group struct {
	sessions []*Session
	logger   *slog.Logger
}

// OpenAll opens a session for every pid. Pids whose counters cannot be opened
// are skipped; ErrUnavailable is returned if none could be opened.
func OpenAll(pids []int, logger *slog.Logger) (*Group, error) {
	g := &Group{logger: logger}
	var lastErr error
	for _, pid := range pids {
		s, err := Open(pid)
		if err != nil {
			lastErr = err
			logger.Debug("Failed to open hardware counters", "pid", pid, "error", err)
			continue
		}
		g.sessions = append(g.sessions, s)
	}

	if len(g.sessions) == 0 {
		if lastErr == nil || errors.Is(lastErr, ErrUnavailable) {
			return nil, ErrUnavailable
		}
		return nil, errors.Join(ErrUnavailable, lastErr)
	}
	return g, nil
}

// Close stops all sessions and returns the summed counts
func (g *Group) Close() Totals {
	counts := make([]Counts, 0, len(g.sessions))
	for _, s := range g.sessions {
		counts = append(counts, s.Close())
	}
	g.sessions = nil
	return Sum(counts...)
}
