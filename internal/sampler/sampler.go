// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sustainable-computing-io/power-calibrate/internal/device"
	"github.com/sustainable-computing-io/power-calibrate/internal/perf"
	"k8s.io/utils/clock"
)

var (
	// ErrWarmUpFailed is returned when the power source fails during the
	// start delay
	ErrWarmUpFailed = errors.New("warm up failed")

	// ErrCellAborted is returned when the power source fails or stops
	// discharging while sampling
	ErrCellAborted = errors.New("sampling aborted")

	// ErrStalled is returned, wrapped in ErrCellAborted, when more ticks than
	// readings per cell pass without any cpu time elapsing
	ErrStalled = errors.New("no cpu time elapsed")
)

// Phase of a cell
type Phase string

const (
	PhaseWarmUp      Phase = "warm-up"
	PhaseDischarging Phase = "discharging-check"
	PhaseSampling    Phase = "sampling"
	PhaseSummarize   Phase = "summarize"
)

// Counter is the bogo-ops counter shared with the load workers
type Counter interface {
	Sum() uint64
}

// CounterGroup brackets one sampling interval with hardware counters
type CounterGroup interface {
	Close() perf.Totals
}

// CounterOpener starts hardware counters for the given processes
type CounterOpener func(pids []int) (CounterGroup, error)

// Cell identifies the workers sampled by a Run
type Cell struct {
	Name string
	PIDs []int
}

// Result is the summary of a cell
type Result struct {
	Average  Sample
	StdDev   Sample
	Readings int

	Busy         float64
	Ctxt         float64
	Power        float64
	Voltage      float64
	BogoOps      float64
	Cycles       float64
	Instructions float64
}

// Opts configures a Sampler
type Opts struct {
	logger          *slog.Logger
	clock           clock.Clock
	interval        time.Duration
	startDelay      time.Duration
	maxReadings     int
	stddevValidOnly bool
	counters        CounterOpener
	onReading       func(cell Cell, reading int, s Sample)
	onPhase         func(cell Cell, phase Phase)
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:      slog.Default(),
		clock:       clock.RealClock{},
		interval:    time.Second,
		maxReadings: 1,
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithClock sets the clock used to schedule ticks
func WithClock(c clock.Clock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithInterval sets the time between two readings
func WithInterval(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.interval = d
	}
}

// WithStartDelay sets the warm up time before sampling
func WithStartDelay(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.startDelay = d
	}
}

// WithMaxReadings sets the number of readings per cell
func WithMaxReadings(n int) OptionFn {
	return func(o *Opts) {
		o.maxReadings = n
	}
}

// WithStddevValidOnly divides the variance by the number of accurate readings
func WithStddevValidOnly(enabled bool) OptionFn {
	return func(o *Opts) {
		o.stddevValidOnly = enabled
	}
}

// WithCounters enables hardware counters
func WithCounters(open CounterOpener) OptionFn {
	return func(o *Opts) {
		o.counters = open
	}
}

// WithReadingHook sets a function called after every reading
func WithReadingHook(fn func(cell Cell, reading int, s Sample)) OptionFn {
	return func(o *Opts) {
		o.onReading = fn
	}
}

// WithPhaseHook sets a function called when a cell enters a phase
func WithPhaseHook(fn func(cell Cell, phase Phase)) OptionFn {
	return func(o *Opts) {
		o.onPhase = fn
	}
}

// Sampler measures system activity and power while a cell runs
type Sampler struct {
	stat   StatReader
	power  device.PowerSource
	bogo   Counter
	logger *slog.Logger
	clock  clock.Clock

	interval        time.Duration
	startDelay      time.Duration
	maxReadings     int
	stddevValidOnly bool
	counters        CounterOpener
	onReading       func(cell Cell, reading int, s Sample)
	onPhase         func(cell Cell, phase Phase)

	countersWarned bool
}

// New returns a Sampler
func New(stat StatReader, power device.PowerSource, bogo Counter, applyOpts ...OptionFn) *Sampler {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	if opts.maxReadings < 1 {
		opts.maxReadings = 1
	}

	return &Sampler{
		stat:            stat,
		power:           power,
		bogo:            bogo,
		logger:          opts.logger.With("service", "sampler"),
		clock:           opts.clock,
		interval:        opts.interval,
		startDelay:      opts.startDelay,
		maxReadings:     opts.maxReadings,
		stddevValidOnly: opts.stddevValidOnly,
		counters:        opts.counters,
		onReading:       opts.onReading,
		onPhase:         opts.onPhase,
	}
}

// MaxReadings returns the number of readings taken per cell
func (s *Sampler) MaxReadings() int {
	return s.maxReadings
}

// Run samples cell until the configured number of readings is reached and
// returns their summary. A cancelled context discards all readings.
func (s *Sampler) Run(ctx context.Context, cell Cell) (*Result, error) {
	log := s.logger.With("cell", cell.Name)

	s.phase(cell, PhaseWarmUp)
	if err := s.warmUp(ctx); err != nil {
		return nil, err
	}

	s.phase(cell, PhaseDischarging)
	if _, err := s.readPower(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCellAborted, err)
	}

	s.phase(cell, PhaseSampling)
	readings, err := s.sample(ctx, cell, log)
	if err != nil {
		return nil, err
	}

	s.phase(cell, PhaseSummarize)
	avg, stddev := Summarize(readings, s.stddevValidOnly)
	res := &Result{
		Average:      avg,
		StdDev:       stddev,
		Readings:     len(readings),
		Busy:         avg.Busy(),
		Ctxt:         avg.Values[Ctxt],
		Power:        avg.Values[Power],
		Voltage:      avg.Values[Voltage],
		BogoOps:      avg.Values[BogoOps],
		Cycles:       avg.Values[Cycles],
		Instructions: avg.Values[Instructions],
	}
	log.Info("Cell sampled", "readings", res.Readings, "busy", res.Busy, "ctxt", res.Ctxt, "power", res.Power, "voltage", res.Voltage)
	return res, nil
}

func (s *Sampler) phase(cell Cell, p Phase) {
	if s.onPhase != nil {
		s.onPhase(cell, p)
	}
}

// warmUp reads the power source once per second for the start delay to let
// the readings settle after a load change
func (s *Sampler) warmUp(ctx context.Context) error {
	for elapsed := time.Duration(0); elapsed < s.startDelay; elapsed += time.Second {
		if _, err := s.readPower(); err != nil {
			return fmt.Errorf("%w: %w", ErrWarmUpFailed, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(time.Second):
		}
	}
	return nil
}

// readPower reads the power source and fails unless the machine discharges
func (s *Sampler) readPower() (*device.PowerReading, error) {
	r, err := s.power.Read()
	if err != nil {
		return nil, err
	}
	if !r.Discharging {
		return nil, device.ErrNotDischarging
	}
	return r, nil
}

// snapshot reads the cumulative counters
func (s *Sampler) snapshot() (Sample, error) {
	snap, err := s.stat.Read()
	if err != nil {
		if errors.Is(err, ErrStatUnavailable) {
			return snap, err
		}
		return snap, fmt.Errorf("%w: %w", ErrStatUnavailable, err)
	}
	if s.bogo != nil {
		snap.Set(BogoOps, float64(s.bogo.Sum()))
	} else {
		snap.Invalidate(BogoOps)
	}
	return snap, nil
}

// openCounters starts the hardware counters of an interval. It returns nil
// when they are disabled or unavailable.
func (s *Sampler) openCounters(pids []int) CounterGroup {
	if s.counters == nil || len(pids) == 0 {
		return nil
	}
	g, err := s.counters(pids)
	if err != nil {
		if !s.countersWarned {
			s.logger.Warn("Hardware counters unavailable, cycles and instructions are not reported", "error", err)
			s.countersWarned = true
		}
		return nil
	}
	return g
}

func (s *Sampler) sample(ctx context.Context, cell Cell, log *slog.Logger) ([]Sample, error) {
	readings := make([]Sample, 0, s.maxReadings)

	start := s.clock.Now()
	s1, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	last := start
	counters := s.openCounters(cell.PIDs)
	closeCounters := func() perf.Totals {
		if counters == nil {
			return perf.Totals{}
		}
		t := counters.Close()
		counters = nil
		return t
	}
	defer closeCounters()

	discarded := 0
	for tick := 1; len(readings) < s.maxReadings; tick++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		target := start.Add(time.Duration(tick) * s.interval)
		if wait := target.Sub(s.clock.Now()); wait > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-s.clock.After(wait):
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		now := s.clock.Now()
		s2, err := s.snapshot()
		if err != nil {
			return nil, err
		}
		totals := closeCounters()

		reading, ok := Gather(&s1, &s2, now.Sub(last))
		if !ok {
			log.Debug("No cpu time elapsed, discarding sample", "tick", tick)
			discarded++
			if discarded > s.maxReadings {
				return nil, fmt.Errorf("%w: %w after %d ticks", ErrCellAborted, ErrStalled, tick)
			}
			s1, last = s2, now
			counters = s.openCounters(cell.PIDs)
			continue
		}
		s.mergeCounters(&reading, totals, now.Sub(last))

		power, err := s.readPower()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCellAborted, err)
		}
		mergePower(&reading, power)

		readings = append(readings, reading)
		log.Debug("Reading", "n", len(readings), "busy", reading.Busy(), "power", reading.Values[Power], "inaccurate", reading.Inaccurate[Power])
		if s.onReading != nil {
			s.onReading(cell, len(readings), reading)
		}

		s1, last = s2, now
		counters = s.openCounters(cell.PIDs)
	}
	return readings, nil
}

func (s *Sampler) mergeCounters(reading *Sample, totals perf.Totals, elapsed time.Duration) {
	secs := elapsed.Seconds()
	for f, c := range map[Field]perf.Counter{Cycles: perf.Cycles, Instructions: perf.Instructions} {
		if !totals.Valid[c] || secs <= 0 {
			reading.Invalidate(f)
			continue
		}
		reading.Set(f, totals.Values[c]/secs)
	}
}

func mergePower(reading *Sample, r *device.PowerReading) {
	reading.Values[Power] = r.Power
	reading.Inaccurate[Power] = r.Inaccurate
	if r.NoVoltage {
		reading.Invalidate(Voltage)
		reading.Invalidate(Current)
	} else {
		reading.Values[Voltage] = r.Voltage
		reading.Values[Current] = r.Current
		reading.Inaccurate[Voltage] = r.Inaccurate
		reading.Inaccurate[Current] = r.Inaccurate
	}

	if len(r.Domains) == 0 {
		return
	}
	reading.Domains = make([]DomainPower, len(r.Domains))
	for i, d := range r.Domains {
		reading.Domains[i] = DomainPower{Name: d.Name, Power: d.Power, Inaccurate: d.Inaccurate}
	}
}

// PerfCounters opens hardware counters with the perf package
func PerfCounters(logger *slog.Logger) CounterOpener {
	return func(pids []int) (CounterGroup, error) {
		return perf.OpenAll(pids, logger)
	}
}
