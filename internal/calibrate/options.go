// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package calibrate

import (
	"log/slog"
)

// FailurePolicy decides what a sweep does when a cell cannot be sampled
type FailurePolicy string

const (
	// PolicyAbort ends the run on the first failed cell
	PolicyAbort FailurePolicy = "abort"
	// PolicySkip records the failed cell and carries on with the next one
	PolicySkip FailurePolicy = "skip"
)

type Opts struct {
	logger        *slog.Logger
	cpuSamples    int
	ctxtSamples   int
	cpuLoad       bool
	contextSwitch bool
	perCPU        bool
	policy        FailurePolicy
	onCell        func(CellResult)
	onSweep       func(SweepResult)
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		cpuSamples:  10,
		ctxtSamples: 20,
		cpuLoad:     true,
		policy:      PolicyAbort,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Calibrator
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithCPULoad enables the CPU load sweep with the given number of load levels
func WithCPULoad(enabled bool, samples int) OptionFn {
	return func(o *Opts) {
		o.cpuLoad = enabled
		o.cpuSamples = samples
	}
}

// WithContextSwitch enables the context switch sweep with the given number
// of wakeup rates
func WithContextSwitch(enabled bool, samples int) OptionFn {
	return func(o *Opts) {
		o.contextSwitch = enabled
		o.ctxtSamples = samples
	}
}

// WithPerCPU also fits every series for each number of loaded CPUs
func WithPerCPU(enabled bool) OptionFn {
	return func(o *Opts) {
		o.perCPU = enabled
	}
}

// WithFailurePolicy sets the FailurePolicy
func WithFailurePolicy(p FailurePolicy) OptionFn {
	return func(o *Opts) {
		o.policy = p
	}
}

// WithCellHook sets a function called after every cell, sampled or skipped
func WithCellHook(fn func(CellResult)) OptionFn {
	return func(o *Opts) {
		o.onCell = fn
	}
}

// WithSweepHook sets a function called once a sweep is fitted
func WithSweepHook(fn func(SweepResult)) OptionFn {
	return func(o *Opts) {
		o.onSweep = fn
	}
}
