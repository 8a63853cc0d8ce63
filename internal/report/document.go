// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"time"

	"github.com/sustainable-computing-io/power-calibrate/internal/calibrate"
	"github.com/sustainable-computing-io/power-calibrate/internal/trend"
	"github.com/sustainable-computing-io/power-calibrate/internal/version"
	"golang.org/x/sys/unix"
)

const (
	dateLayout = "02/01/06"
	timeLayout = "15:04:05"
)

// Document is the report file
type Document struct {
	PowerCalibrate Report `json:"power-calibrate" yaml:"power-calibrate"`
}

// Report holds the headline coefficients of each sweep, every fitted
// series and the context of the run
type Report struct {
	CPULoad         *CPULoad         `json:"cpu-load,omitempty" yaml:"cpu-load,omitempty"`
	ContextSwitches *ContextSwitches `json:"context-switches,omitempty" yaml:"context-switches,omitempty"`

	Series  []Series            `json:"series" yaml:"series"`
	TestRun TestRun             `json:"test-run" yaml:"test-run"`
	Version version.VersionInfo `json:"version" yaml:"version"`
}

// CPULoad is the cost of one percent of CPU load over all points
type CPULoad struct {
	OnePercent float64 `json:"one-percent-cpu-load" yaml:"one-percent-cpu-load"`
	RSquared   float64 `json:"r-squared" yaml:"r-squared"`
}

// ContextSwitches is the cost of one context switch per second
type ContextSwitches struct {
	OneContextSwitch float64 `json:"one-context-switch" yaml:"one-context-switch"`
	RSquared         float64 `json:"r-squared" yaml:"r-squared"`
}

// Series is one fitted line
type Series struct {
	Name           string  `json:"name" yaml:"name"`
	Sweep          string  `json:"sweep" yaml:"sweep"`
	Filter         string  `json:"filter" yaml:"filter"`
	Unit           string  `json:"unit" yaml:"unit"`
	Gradient       float64 `json:"gradient" yaml:"gradient"`
	Intercept      float64 `json:"intercept" yaml:"intercept"`
	RSquared       float64 `json:"r-squared" yaml:"r-squared"`
	Strength       string  `json:"strength,omitempty" yaml:"strength,omitempty"`
	Points         int     `json:"points" yaml:"points"`
	AverageVoltage float64 `json:"average-voltage,omitempty" yaml:"average-voltage,omitempty"`
	MilliAmps      float64 `json:"milliamps,omitempty" yaml:"milliamps,omitempty"`
	Error          string  `json:"error,omitempty" yaml:"error,omitempty"`
}

// TestRun describes when and where the calibration ran
type TestRun struct {
	Date     string `json:"date" yaml:"date"`
	Time     string `json:"time" yaml:"time"`
	Sysname  string `json:"sysname" yaml:"sysname"`
	Nodename string `json:"nodename" yaml:"nodename"`
	Release  string `json:"release" yaml:"release"`
	Machine  string `json:"machine" yaml:"machine"`
}

// Host is the system identification of the machine
type Host struct {
	Sysname  string
	Nodename string
	Release  string
	Machine  string
}

// Uname returns the Host of the running kernel
func Uname() (Host, error) {
	var buf unix.Utsname
	if err := unix.Uname(&buf); err != nil {
		return Host{}, err
	}
	return Host{
		Sysname:  unix.ByteSliceToString(buf.Sysname[:]),
		Nodename: unix.ByteSliceToString(buf.Nodename[:]),
		Release:  unix.ByteSliceToString(buf.Release[:]),
		Machine:  unix.ByteSliceToString(buf.Machine[:]),
	}, nil
}

// NewDocument builds the report of res, dated now
func NewDocument(res *calibrate.Result, now time.Time, host Host) Document {
	r := Report{
		Series: []Series{},
		TestRun: TestRun{
			Date:     now.Format(dateLayout),
			Time:     now.Format(timeLayout),
			Sysname:  host.Sysname,
			Nodename: host.Nodename,
			Release:  host.Release,
			Machine:  host.Machine,
		},
		Version: version.Info(),
	}

	for _, sw := range res.Sweeps {
		for _, s := range sw.Series {
			r.Series = append(r.Series, newSeries(sw.Name, s))
		}
	}

	if s, ok := res.Series(calibrate.SeriesCPULoad, trend.All); ok && s.Err == nil {
		r.CPULoad = &CPULoad{OnePercent: s.Fit.Gradient, RSquared: s.Fit.R2}
	}
	if s, ok := res.Series(calibrate.SeriesContextSwitches, trend.All); ok && s.Err == nil {
		r.ContextSwitches = &ContextSwitches{OneContextSwitch: s.Fit.Gradient, RSquared: s.Fit.R2}
	}
	return Document{PowerCalibrate: r}
}

func newSeries(sweep string, s calibrate.SeriesResult) Series {
	out := Series{
		Name:   s.Name,
		Sweep:  sweep,
		Filter: s.Filter.String(),
		Unit:   s.Metric.Unit,
	}
	if s.Err != nil {
		out.Error = s.Err.Error()
		return out
	}
	out.Gradient = s.Fit.Gradient
	out.Intercept = s.Fit.Intercept
	out.RSquared = s.Fit.R2
	out.Strength = trend.Strength(s.Fit.R2)
	out.Points = s.Fit.N
	if s.AvgVoltage > 0 {
		out.AverageVoltage = s.AvgVoltage
		out.MilliAmps = 1000 * s.Fit.Gradient / s.AvgVoltage
	}
	return out
}
