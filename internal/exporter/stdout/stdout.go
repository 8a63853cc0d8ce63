// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
	"github.com/sustainable-computing-io/power-calibrate/internal/calibrate"
	"github.com/sustainable-computing-io/power-calibrate/internal/sampler"
	"github.com/sustainable-computing-io/power-calibrate/internal/trend"
)

const notAvailable = "-N/A-"

var headings = []string{"User", "Nice", "Sys", "Idle", "IO", "Run", "Ctxt/s", "IRQ/s", "Watts", "Volts", "Amps"}

// Exporter prints the cells of a calibration as tables and the fitted
// equations of every sweep
type Exporter struct {
	logger *slog.Logger
	out    io.Writer

	mu   sync.Mutex
	rows [][]string
}

type Opts struct {
	logger *slog.Logger
	out    io.Writer
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		out:    os.Stdout,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Exporter
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

func WithOutput(out io.Writer) OptionFn {
	return func(o *Opts) {
		o.out = out
	}
}

func NewExporter(applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger: opts.logger.With("service", "stdout"),
		out:    opts.out,
	}
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "stdout"
}

// OnCell buffers the row of a cell until its sweep completes
func (e *Exporter) OnCell(c calibrate.CellResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rows = append(e.rows, cellRow(c))
}

// OnSweep prints the buffered rows of the sweep followed by its equations
func (e *Exporter) OnSweep(sw calibrate.SweepResult) {
	e.mu.Lock()
	rows := e.rows
	e.rows = nil
	e.mu.Unlock()

	fmt.Fprintf(e.out, "\n%s\n", sw.Name)
	writeCells(e.out, rows)
	for _, s := range sw.Series {
		writeSeries(e.out, s)
	}
}

func cellRow(c calibrate.CellResult) []string {
	row := make([]string, 0, len(headings)+1)
	row = append(row, c.Label)
	if c.Skipped() {
		for range headings {
			row = append(row, notAvailable)
		}
		return row
	}

	avg := c.Sample.Average
	for _, f := range []sampler.Field{sampler.User, sampler.Nice, sampler.Sys, sampler.Idle, sampler.IOWait} {
		row = append(row, value(&avg, f, "%.1f"))
	}
	row = append(row,
		value(&avg, sampler.ProcsRunning, "%.1f"),
		value(&avg, sampler.Ctxt, "%.1f"),
		value(&avg, sampler.Intr, "%.1f"),
		value(&avg, sampler.Power, "%.2f"),
		value(&avg, sampler.Voltage, "%.2f"),
		value(&avg, sampler.Current, "%.2f"),
	)
	return row
}

func value(s *sampler.Sample, f sampler.Field, format string) string {
	v, ok := s.Get(f)
	if !ok {
		return notAvailable
	}
	return fmt.Sprintf(format, v)
}

func writeCells(out io.Writer, rows [][]string) {
	table := tablewriter.NewWriter(out)
	table.Configure(func(cfg *tablewriter.Config) {
		cfg.Row.Formatting.Alignment = tw.AlignRight
	})
	table.Header(append([]string{"Cell"}, headings...))
	_ = table.Bulk(rows)
	_ = table.Render()
}

func writeSeries(out io.Writer, s calibrate.SeriesResult) {
	fmt.Fprintf(out, "\n%s (%s):\n", s.Name, s.Filter)
	if s.Err != nil {
		fmt.Fprintf(out, "Power (Watts) = N/A (%v)\n", s.Err)
		return
	}
	fit := s.Fit
	fmt.Fprintf(out, "Power (Watts) = (%s * %f) + %f\n", s.Metric.Label, fit.Gradient, fit.Intercept)
	if s.AvgVoltage > 0 {
		fmt.Fprintf(out, "%s is about %f Watts (about %f mA @ %.3f V)\n",
			s.Metric.Unit, fit.Gradient, 1000*fit.Gradient/s.AvgVoltage, s.AvgVoltage)
	} else {
		fmt.Fprintf(out, "%s is about %f Watts\n", s.Metric.Unit, fit.Gradient)
	}
	fmt.Fprintf(out, "Coefficient of determination R^2 = %f (%s)\n", fit.R2, trend.Strength(fit.R2))
}
