// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package calibrate

import (
	"github.com/sustainable-computing-io/power-calibrate/internal/sampler"
	"github.com/sustainable-computing-io/power-calibrate/internal/trend"
)

// Sweep names
const (
	SweepCPU  = "cpu-load"
	SweepCtxt = "context-switches"
)

// Series names. RAPL domains get one series each, named RaplSeriesPrefix
// followed by the domain label.
const (
	SeriesCPULoad         = "cpu-load"
	SeriesBogoOps         = "bogo-ops"
	SeriesCycles          = "cpu-cycles"
	SeriesInstructions    = "instructions"
	SeriesContextSwitches = "context-switches"
	RaplSeriesPrefix      = "rapl-"
)

// Metric describes the workload axis of a series
type Metric struct {
	// Label names the workload in equations, e.g. "% CPU load"
	Label string
	// Unit names one unit of workload, e.g. "1% CPU load"
	Unit string
}

var metrics = map[string]Metric{
	SeriesCPULoad:         {Label: "% CPU load", Unit: "1% CPU load"},
	SeriesBogoOps:         {Label: "bogo ops/s", Unit: "1 bogo op/s"},
	SeriesCycles:          {Label: "CPU cycles/s", Unit: "1 CPU cycle/s"},
	SeriesInstructions:    {Label: "instructions/s", Unit: "1 instruction/s"},
	SeriesContextSwitches: {Label: "Context Switches", Unit: "1 Context Switch"},
}

// MetricOf returns the Metric of the series called name
func MetricOf(name string) Metric {
	if m, ok := metrics[name]; ok {
		return m
	}
	// rapl domains are plotted against the CPU load
	return metrics[SeriesCPULoad]
}

// CellResult is the outcome of one {cpus x load} configuration
type CellResult struct {
	Sweep string
	Label string
	// Param is the load level in percent or the wakeup rate per second
	Param float64
	CPUs  []int

	// Sample is nil when the cell was skipped
	Sample *sampler.Result
	Err    error
}

// Skipped reports whether the cell produced no data
func (c CellResult) Skipped() bool {
	return c.Sample == nil
}

// SeriesResult is the fit of one series with one filter
type SeriesResult struct {
	Name   string
	Metric Metric
	Filter trend.Filter
	Fit    trend.Result
	// AvgVoltage is the mean voltage of the fitted points, 0 when unknown
	AvgVoltage float64
	// Err is set when the series could not be fitted
	Err error
}

// SweepResult collects the cells and fits of a sweep
type SweepResult struct {
	Name   string
	Cells  []CellResult
	Series []SeriesResult
	Points *trend.Series
}

// Result of a calibration run
type Result struct {
	Sweeps []SweepResult
}

// Series returns the fit called name with the given filter
func (r *Result) Series(name string, filter trend.Filter) (SeriesResult, bool) {
	for _, sw := range r.Sweeps {
		for _, s := range sw.Series {
			if s.Name == name && s.Filter == filter {
				return s, true
			}
		}
	}
	return SeriesResult{}, false
}
