// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package calibrate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/sustainable-computing-io/power-calibrate/internal/device"
	"github.com/sustainable-computing-io/power-calibrate/internal/load"
	"github.com/sustainable-computing-io/power-calibrate/internal/roster"
	"github.com/sustainable-computing-io/power-calibrate/internal/sampler"
	"github.com/sustainable-computing-io/power-calibrate/internal/service"
	"github.com/sustainable-computing-io/power-calibrate/internal/trend"
)

const (
	maxCPULoad = 100.0
	// maxWakeups is the wakeup rate of the last context switch level
	maxWakeups = 500.0
)

// Workers is a running group of load workers
type Workers interface {
	PIDs() []int
	Stop() error
}

// Loader starts load workers
type Loader interface {
	Start(ctx context.Context, cpus []int, kind load.Kind, param uint64) (Workers, error)
}

// Sampler measures a cell while its workers run
type Sampler interface {
	Run(ctx context.Context, cell sampler.Cell) (*sampler.Result, error)
}

type generatorLoader struct {
	gen *load.Generator
}

// NewGeneratorLoader returns a Loader starting worker processes with gen
func NewGeneratorLoader(gen *load.Generator) Loader {
	return generatorLoader{gen: gen}
}

func (l generatorLoader) Start(ctx context.Context, cpus []int, kind load.Kind, param uint64) (Workers, error) {
	g, err := l.gen.Start(ctx, cpus, kind, param)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// Calibrator sweeps load configurations, samples each of them and fits the
// power of the machine against the workload
type Calibrator struct {
	logger  *slog.Logger
	roster  *roster.Roster
	power   device.PowerSource
	loader  Loader
	sampler Sampler

	cpuSamples    int
	ctxtSamples   int
	cpuLoad       bool
	contextSwitch bool
	perCPU        bool
	policy        FailurePolicy
	onCell        func(CellResult)
	onSweep       func(SweepResult)

	mu      sync.Mutex
	workers Workers
	result  *Result
}

var (
	_ service.Initializer = (*Calibrator)(nil)
	_ service.Runner      = (*Calibrator)(nil)
	_ service.Shutdowner  = (*Calibrator)(nil)
)

// NewCalibrator returns a Calibrator loading the CPUs of r
func NewCalibrator(r *roster.Roster, power device.PowerSource, loader Loader, s Sampler, applyOpts ...OptionFn) *Calibrator {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Calibrator{
		logger:        opts.logger.With("service", "calibrator"),
		roster:        r,
		power:         power,
		loader:        loader,
		sampler:       s,
		cpuSamples:    opts.cpuSamples,
		ctxtSamples:   opts.ctxtSamples,
		cpuLoad:       opts.cpuLoad,
		contextSwitch: opts.contextSwitch,
		perCPU:        opts.perCPU,
		policy:        opts.policy,
		onCell:        opts.onCell,
		onSweep:       opts.onSweep,
	}
}

func (c *Calibrator) Name() string {
	return "calibrator"
}

// Init initializes the power source and checks that it can be used for
// calibration
func (c *Calibrator) Init() error {
	if err := c.power.Init(); err != nil {
		return fmt.Errorf("failed to initialize power source %s: %w", c.power.Name(), err)
	}

	r, err := c.power.Read()
	if err != nil {
		return fmt.Errorf("failed to read power source %s: %w", c.power.Name(), err)
	}
	if !r.Discharging {
		return fmt.Errorf("%s: %w", c.power.Name(), device.ErrNotDischarging)
	}

	if c.cpuLoad && c.cpuSamples < 2 {
		return fmt.Errorf("cpu load sweep needs at least 2 samples, got %d", c.cpuSamples)
	}
	if c.contextSwitch && c.ctxtSamples < 1 {
		return fmt.Errorf("context switch sweep needs at least 1 sample, got %d", c.ctxtSamples)
	}

	c.logger.Info("Calibrator initialized",
		"power-source", c.power.Name(),
		"cpus", c.roster.String(),
		"cpu-load", c.cpuLoad,
		"context-switch", c.contextSwitch,
		"cells", c.Cells(),
		"failure-policy", c.policy)
	return nil
}

// Cells returns the number of cells the enabled sweeps run
func (c *Calibrator) Cells() int {
	n := 0
	if c.cpuLoad {
		n += c.cpuSamples * c.roster.Len()
	}
	if c.contextSwitch {
		n += c.ctxtSamples * c.roster.Len()
	}
	return n
}

// Run runs the enabled sweeps. A cancelled context stops the current cell
// and returns without a result.
func (c *Calibrator) Run(ctx context.Context) error {
	res := &Result{}

	if c.cpuLoad {
		sw, err := c.sweep(ctx, SweepCPU, c.cpuLevels(), load.KindCPU)
		if err != nil {
			return err
		}
		res.Sweeps = append(res.Sweeps, sw)
	}

	if c.contextSwitch {
		sw, err := c.sweep(ctx, SweepCtxt, c.ctxtLevels(), load.KindContextSwitch)
		if err != nil {
			return err
		}
		res.Sweeps = append(res.Sweeps, sw)
	}

	c.mu.Lock()
	c.result = res
	c.mu.Unlock()
	c.logger.Info("Calibration complete", "sweeps", len(res.Sweeps))
	return nil
}

// Shutdown stops the workers of a cell still running
func (c *Calibrator) Shutdown() error {
	c.mu.Lock()
	w := c.workers
	c.workers = nil
	c.mu.Unlock()

	if w == nil {
		return nil
	}
	c.logger.Info("Stopping load workers", "pids", w.PIDs())
	return w.Stop()
}

// Result returns the result of a completed Run, nil otherwise
func (c *Calibrator) Result() *Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.result
}

// level is one step of a sweep
type level struct {
	value float64 // load percent or wakeups per second
	param uint64  // worker parameter
	label string
}

// cpuLevels spreads the load evenly from 0 to 100%
func (c *Calibrator) cpuLevels() []level {
	levels := make([]level, c.cpuSamples)
	step := maxCPULoad / float64(c.cpuSamples-1)
	for i := range levels {
		// the epsilon keeps the last level at 100 despite rounding
		pct := math.Floor(step*float64(i) + 1e-9)
		levels[i] = level{value: pct, param: uint64(pct), label: fmt.Sprintf("%.0f%%", pct)}
	}
	return levels
}

// ctxtLevels raises the wakeup rate linearly up to maxWakeups per second;
// workers take the wakeup period in microseconds
func (c *Calibrator) ctxtLevels() []level {
	levels := make([]level, c.ctxtSamples)
	step := maxWakeups / float64(c.ctxtSamples)
	for i := range levels {
		rate := step * float64(i+1)
		levels[i] = level{value: rate, param: uint64(1e6 / rate), label: fmt.Sprintf("%.0f/s", rate)}
	}
	return levels
}

func (c *Calibrator) sweep(ctx context.Context, name string, levels []level, kind load.Kind) (SweepResult, error) {
	log := c.logger.With("sweep", name)
	log.Info("Starting sweep", "levels", len(levels), "max-cpus", c.roster.Len())

	sw := SweepResult{Name: name, Points: trend.NewSeries()}
	for _, lvl := range levels {
		for n := 1; n <= c.roster.Len(); n++ {
			if err := ctx.Err(); err != nil {
				return sw, err
			}
			cpus := c.roster.First(n)
			cell := CellResult{
				Sweep: name,
				Label: fmt.Sprintf("%s x %d", lvl.label, n),
				Param: lvl.value,
				CPUs:  cpus,
			}

			res, err := c.runCell(ctx, cell.Label, cpus, kind, lvl.param)
			switch {
			case err == nil:
				cell.Sample = res
				c.addPoints(sw.Points, name, res, cpus)
			case ctx.Err() != nil:
				log.Info("Calibration cancelled, discarding cell", "cell", cell.Label)
				return sw, ctx.Err()
			case c.policy == PolicySkip && isCellLocal(err):
				log.Warn("Skipping cell", "cell", cell.Label, "error", err)
				cell.Err = err
			default:
				return sw, fmt.Errorf("cell %s: %w", cell.Label, err)
			}

			sw.Cells = append(sw.Cells, cell)
			if c.onCell != nil {
				c.onCell(cell)
			}
		}
	}

	sw.Series = c.fit(sw.Points, primarySeries(name), log)
	if c.onSweep != nil {
		c.onSweep(sw)
	}
	return sw, nil
}

// runCell starts the workers of a cell, samples them and stops them
func (c *Calibrator) runCell(ctx context.Context, label string, cpus []int, kind load.Kind, param uint64) (*sampler.Result, error) {
	w, err := c.loader.Start(ctx, cpus, kind, param)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.workers = w
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.workers = nil
		c.mu.Unlock()
		if err := w.Stop(); err != nil {
			c.logger.Warn("Failed to stop workers", "cell", label, "error", err)
		}
	}()

	return c.sampler.Run(ctx, sampler.Cell{Name: label, PIDs: w.PIDs()})
}

// isCellLocal reports whether err only concerns the cell it happened in
func isCellLocal(err error) bool {
	return errors.Is(err, sampler.ErrCellAborted) || errors.Is(err, sampler.ErrWarmUpFailed)
}

// addPoints records the observations of a sampled cell. Metrics without an
// accurate average are left out.
func (c *Calibrator) addPoints(s *trend.Series, sweep string, res *sampler.Result, cpus []int) {
	avg := res.Average
	watts, ok := avg.Get(sampler.Power)
	if !ok {
		return
	}
	voltage, _ := avg.Get(sampler.Voltage)
	point := func(x, y float64) trend.Point {
		return trend.Point{X: x, Y: y, Voltage: voltage, CPU: cpus[len(cpus)-1], CPUsUsed: len(cpus)}
	}

	if sweep == SweepCtxt {
		if ctxt, ok := avg.Get(sampler.Ctxt); ok {
			s.Add(SeriesContextSwitches, point(ctxt, watts))
		}
		return
	}

	busy := avg.Busy()
	if _, ok := avg.Get(sampler.Idle); ok {
		s.Add(SeriesCPULoad, point(busy, watts))
	}
	if ops, ok := avg.Get(sampler.BogoOps); ok {
		s.Add(SeriesBogoOps, point(ops, watts))
	}
	if cycles, ok := avg.Get(sampler.Cycles); ok {
		s.Add(SeriesCycles, point(cycles, watts))
	}
	if inst, ok := avg.Get(sampler.Instructions); ok {
		s.Add(SeriesInstructions, point(inst, watts))
	}
	for _, d := range avg.Domains {
		if !d.Inaccurate {
			s.Add(RaplSeriesPrefix+d.Name, point(busy, d.Power))
		}
	}
}

// primarySeries is the series of a sweep that is always reported, even
// without points
func primarySeries(sweep string) string {
	if sweep == SweepCtxt {
		return SeriesContextSwitches
	}
	return SeriesCPULoad
}

// fit fits every series of a sweep, and each cpu count when per-CPU fits
// are enabled
func (c *Calibrator) fit(s *trend.Series, primary string, log *slog.Logger) []SeriesResult {
	filters := []trend.Filter{trend.All}
	if c.perCPU {
		counts := s.MaxCPUsUsed()
		// the largest count selects every point
		for i := 0; i < len(counts)-1; i++ {
			filters = append(filters, trend.MaxCPUs(counts[i]))
		}
	}

	names := s.Names()
	if len(s.Points(primary)) == 0 {
		names = append([]string{primary}, names...)
	}

	var ret []SeriesResult
	for _, name := range names {
		points := s.Points(name)
		for _, f := range filters {
			sr := SeriesResult{Name: name, Metric: MetricOf(name), Filter: f}
			selected := make([]trend.Point, 0, len(points))
			for _, p := range points {
				if f.Match(p) {
					selected = append(selected, p)
				}
			}
			sr.AvgVoltage = trend.AverageVoltage(selected)

			res, err := trend.Fit(points, f)
			if err != nil {
				log.Warn("Cannot fit series", "series", name, "filter", f, "error", err)
				sr.Err = err
			} else {
				sr.Fit = res
				log.Info("Series fitted", "series", name, "filter", f,
					"gradient", res.Gradient, "intercept", res.Intercept, "r2", res.R2, "points", res.N)
			}
			ret = append(ret, sr)
		}
	}
	return ret
}
