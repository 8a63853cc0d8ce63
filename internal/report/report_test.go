// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sustainable-computing-io/power-calibrate/internal/calibrate"
	"github.com/sustainable-computing-io/power-calibrate/internal/trend"
	"gopkg.in/yaml.v3"
	testingclock "k8s.io/utils/clock/testing"
)

var testHost = Host{Sysname: "Linux", Nodename: "bench", Release: "6.8.0", Machine: "x86_64"}

func fixedUname() (Host, error) {
	return testHost, nil
}

func testResult() *calibrate.Result {
	cpu := trend.NewSeries()
	cpu.Add(calibrate.SeriesCPULoad, trend.Point{X: 0, Y: 5, Voltage: 12, CPU: 0, CPUsUsed: 1})
	cpu.Add(calibrate.SeriesCPULoad, trend.Point{X: 50, Y: 10, Voltage: 12, CPU: 1, CPUsUsed: 2})
	cpu.Add(calibrate.SeriesBogoOps, trend.Point{X: 1000, Y: 10, Voltage: 12, CPU: 1, CPUsUsed: 2})

	ctxt := trend.NewSeries()
	ctxt.Add(calibrate.SeriesContextSwitches, trend.Point{X: 2500, Y: 7.5, CPU: 0, CPUsUsed: 1})

	return &calibrate.Result{Sweeps: []calibrate.SweepResult{{
		Name:   calibrate.SweepCPU,
		Points: cpu,
		Series: []calibrate.SeriesResult{{
			Name:       calibrate.SeriesCPULoad,
			Metric:     calibrate.MetricOf(calibrate.SeriesCPULoad),
			Filter:     trend.All,
			Fit:        trend.Result{Gradient: 0.1, Intercept: 5, R2: 1, N: 2},
			AvgVoltage: 12.5,
		}, {
			Name:   calibrate.SeriesBogoOps,
			Metric: calibrate.MetricOf(calibrate.SeriesBogoOps),
			Filter: trend.All,
			Err:    trend.ErrInsufficientSamples,
		}},
	}, {
		Name:   calibrate.SweepCtxt,
		Points: ctxt,
		Series: []calibrate.SeriesResult{{
			Name:   calibrate.SeriesContextSwitches,
			Metric: calibrate.MetricOf(calibrate.SeriesContextSwitches),
			Filter: trend.All,
			Fit:    trend.Result{Gradient: 0.001, Intercept: 5, R2: 0.85, N: 1},
		}},
	}}}
}

func testNow() time.Time {
	return time.Date(2025, time.May, 15, 9, 4, 5, 0, time.UTC)
}

func TestNewDocument(t *testing.T) {
	doc := NewDocument(testResult(), testNow(), testHost)
	r := doc.PowerCalibrate

	require.NotNil(t, r.CPULoad)
	assert.Equal(t, 0.1, r.CPULoad.OnePercent)
	assert.Equal(t, 1.0, r.CPULoad.RSquared)
	require.NotNil(t, r.ContextSwitches)
	assert.Equal(t, 0.001, r.ContextSwitches.OneContextSwitch)
	assert.Equal(t, 0.85, r.ContextSwitches.RSquared)

	assert.Equal(t, TestRun{
		Date: "15/05/25", Time: "09:04:05",
		Sysname: "Linux", Nodename: "bench", Release: "6.8.0", Machine: "x86_64",
	}, r.TestRun)

	require.Len(t, r.Series, 3)
	assert.Equal(t, Series{
		Name: "cpu-load", Sweep: "cpu-load", Filter: "all", Unit: "1% CPU load",
		Gradient: 0.1, Intercept: 5, RSquared: 1, Strength: "perfect", Points: 2,
		AverageVoltage: 12.5, MilliAmps: 8,
	}, r.Series[0])
	assert.Equal(t, Series{
		Name: "bogo-ops", Sweep: "cpu-load", Filter: "all", Unit: "1 bogo op/s",
		Error: "insufficient samples",
	}, r.Series[1])
	assert.Equal(t, "context-switches", r.Series[2].Sweep)
	assert.Equal(t, "good", r.Series[2].Strength)
	assert.Zero(t, r.Series[2].MilliAmps)
}

func TestNewDocumentWithoutHeadlines(t *testing.T) {
	res := &calibrate.Result{Sweeps: []calibrate.SweepResult{{
		Name: calibrate.SweepCPU,
		Series: []calibrate.SeriesResult{{
			Name:   calibrate.SeriesCPULoad,
			Filter: trend.All,
			Err:    trend.ErrDegenerateFit,
		}},
	}}}
	doc := NewDocument(res, testNow(), Host{})
	assert.Nil(t, doc.PowerCalibrate.CPULoad)
	assert.Nil(t, doc.PowerCalibrate.ContextSwitches)
	assert.Len(t, doc.PowerCalibrate.Series, 1)
}

func TestUname(t *testing.T) {
	host, err := Uname()
	require.NoError(t, err)
	assert.Equal(t, "Linux", host.Sysname)
	assert.NotEmpty(t, host.Machine)
}

func newTestWriter(t *testing.T, format Format) (*Writer, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "report."+string(format))
	w := NewWriter(path,
		WithFormat(format),
		WithClock(testingclock.NewFakeClock(testNow())),
		WithUname(fixedUname),
	)
	return w, path
}

func TestWriterYAML(t *testing.T) {
	w, path := newTestWriter(t, FormatYAML)
	assert.Equal(t, "report", w.Name())
	require.NoError(t, w.Init())

	_, err := os.Stat(path)
	require.NoError(t, err, "report is created on init")

	require.NoError(t, w.Write(testResult()))
	assert.ErrorIs(t, w.Write(testResult()), ErrAlreadyWritten)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "power-calibrate:\n"))

	var doc Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, NewDocument(testResult(), testNow(), testHost), doc)

	// a written report survives shutdown
	require.NoError(t, w.Shutdown())
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestWriterJSON(t *testing.T) {
	w, path := newTestWriter(t, FormatJSON)
	require.NoError(t, w.Init())
	require.NoError(t, w.Write(testResult()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var raw map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	pc := raw["power-calibrate"]
	require.NotNil(t, pc)
	assert.Equal(t, map[string]any{"one-percent-cpu-load": 0.1, "r-squared": 1.0}, pc["cpu-load"])
	assert.Equal(t, map[string]any{"one-context-switch": 0.001, "r-squared": 0.85}, pc["context-switches"])
	testRun := pc["test-run"].(map[string]any)
	assert.Equal(t, "15/05/25", testRun["date"])
	assert.Equal(t, "09:04:05", testRun["time"])
	assert.Equal(t, "bench", testRun["nodename"])
}

func TestWriterRemovesUnwrittenReport(t *testing.T) {
	w, path := newTestWriter(t, FormatYAML)
	require.NoError(t, w.Init())

	assert.ErrorIs(t, w.Write(nil), ErrNoResult)
	require.NoError(t, w.Shutdown())

	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	// idempotent
	assert.NoError(t, w.Shutdown())
}

func TestWriterUnameFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.yaml")
	w := NewWriter(path,
		WithClock(testingclock.NewFakeClock(testNow())),
		WithUname(func() (Host, error) { return Host{}, errors.New("no uname") }),
	)
	require.NoError(t, w.Init())
	require.NoError(t, w.Write(testResult()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc Document
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.Equal(t, "15/05/25", doc.PowerCalibrate.TestRun.Date)
	assert.Empty(t, doc.PowerCalibrate.TestRun.Sysname)
}

func TestWriterErrors(t *testing.T) {
	t.Run("unknown format", func(t *testing.T) {
		w := NewWriter(filepath.Join(t.TempDir(), "r"), WithFormat("xml"))
		assert.ErrorContains(t, w.Init(), `unknown report format "xml"`)
	})
	t.Run("unwritable path", func(t *testing.T) {
		w := NewWriter(filepath.Join(t.TempDir(), "missing", "r.yaml"))
		assert.ErrorContains(t, w.Init(), "failed to create report")
	})
	t.Run("write before init", func(t *testing.T) {
		w := NewWriter(filepath.Join(t.TempDir(), "r.yaml"))
		assert.ErrorContains(t, w.Write(testResult()), "not initialized")
	})
}
