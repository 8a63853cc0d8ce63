// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package prometheus

import (
	"fmt"
	"log/slog"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sustainable-computing-io/power-calibrate/internal/calibrate"
	collector "github.com/sustainable-computing-io/power-calibrate/internal/exporter/prometheus/collector"
	"github.com/sustainable-computing-io/power-calibrate/internal/service"
)

type Initializer = service.Initializer

type Opts struct {
	logger          *slog.Logger
	debugCollectors map[string]bool
}

// DefaultOpts() returns a new Opts with defaults set
func DefaultOpts() Opts {
	return Opts{
		logger:          slog.Default(),
		debugCollectors: map[string]bool{},
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

// WithDebugCollectors adds runtime collectors ("go", "process") to the textfile
func WithDebugCollectors(c []string) OptionFn {
	return func(o *Opts) {
		o.debugCollectors = make(map[string]bool)
		for _, name := range c {
			o.debugCollectors[name] = true
		}
	}
}

// Exporter writes the calibration gauges to a Prometheus textfile, as read
// by the node_exporter textfile collector
type Exporter struct {
	logger          *slog.Logger
	path            string
	registry        *prom.Registry
	debugCollectors map[string]bool
	calibration     *collector.CalibrationCollector
}

var _ Initializer = (*Exporter)(nil)

// NewExporter creates an Exporter writing to path
func NewExporter(path string, applyOpts ...OptionFn) *Exporter {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Exporter{
		logger:          opts.logger.With("service", "prometheus"),
		path:            path,
		registry:        prom.NewRegistry(),
		debugCollectors: opts.debugCollectors,
		calibration:     collector.NewCalibrationCollector(),
	}
}

func collectorForName(name string) (prom.Collector, error) {
	switch name {
	case "go":
		return collectors.NewGoCollector(), nil
	case "process":
		return collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}), nil
	default:
		return nil, fmt.Errorf("unknown collector: %s", name)
	}
}

func (e *Exporter) Init() error {
	e.logger.Info("Initializing Prometheus textfile exporter", "path", e.path)
	for c := range e.debugCollectors {
		dc, err := collectorForName(c)
		if err != nil {
			e.logger.Error("Error creating collector", "collector", c, "error", err)
			return err
		}
		e.logger.Info("Enabling debug collector", "collector", c)
		e.registry.MustRegister(dc)
	}

	e.registry.MustRegister(collector.NewBuildInfoCollector())
	e.registry.MustRegister(e.calibration)
	return nil
}

// OnSweep records the fits of a completed sweep
func (e *Exporter) OnSweep(sw calibrate.SweepResult) {
	e.calibration.Add(sw)
}

// Write gathers the registry into the textfile
func (e *Exporter) Write() error {
	if err := prom.WriteToTextfile(e.path, e.registry); err != nil {
		return fmt.Errorf("failed to write textfile %s: %w", e.path, err)
	}
	e.logger.Info("Wrote calibration metrics", "path", e.path, "series", e.calibration.Len())
	return nil
}

// Name implements service.Name
func (e *Exporter) Name() string {
	return "prometheus"
}
