// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	"sync"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/power-calibrate/internal/calibrate"
)

var seriesLabels = []string{"series", "filter"}

// CalibrationCollector exposes the fitted lines of a calibration run.
// Series that could not be fitted are left out.
type CalibrationCollector struct {
	mu     sync.RWMutex
	series []calibrate.SeriesResult

	gradient  *prom.Desc
	intercept *prom.Desc
	r2        *prom.Desc
	points    *prom.Desc
	voltage   *prom.Desc
}

var _ prom.Collector = (*CalibrationCollector)(nil)

func NewCalibrationCollector() *CalibrationCollector {
	return &CalibrationCollector{
		gradient: prom.NewDesc(
			prom.BuildFQName(namespace, "", "gradient"),
			"Watts per unit of workload",
			seriesLabels, nil,
		),
		intercept: prom.NewDesc(
			prom.BuildFQName(namespace, "", "intercept"),
			"Power in watts with no workload",
			seriesLabels, nil,
		),
		r2: prom.NewDesc(
			prom.BuildFQName(namespace, "", "r_squared"),
			"Coefficient of determination of the fit",
			seriesLabels, nil,
		),
		points: prom.NewDesc(
			prom.BuildFQName(namespace, "", "points"),
			"Number of observations used by the fit",
			seriesLabels, nil,
		),
		voltage: prom.NewDesc(
			prom.BuildFQName(namespace, "", "average_voltage"),
			"Mean voltage of the observations used by the fit",
			seriesLabels, nil,
		),
	}
}

// Add records the fits of a sweep
func (c *CalibrationCollector) Add(sw calibrate.SweepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range sw.Series {
		if s.Err != nil {
			continue
		}
		c.series = append(c.series, s)
	}
}

// Len returns the number of fits recorded
func (c *CalibrationCollector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.series)
}

func (c *CalibrationCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.gradient
	ch <- c.intercept
	ch <- c.r2
	ch <- c.points
	ch <- c.voltage
}

func (c *CalibrationCollector) Collect(ch chan<- prom.Metric) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, s := range c.series {
		filter := s.Filter.String()
		ch <- prom.MustNewConstMetric(c.gradient, prom.GaugeValue, s.Fit.Gradient, s.Name, filter)
		ch <- prom.MustNewConstMetric(c.intercept, prom.GaugeValue, s.Fit.Intercept, s.Name, filter)
		ch <- prom.MustNewConstMetric(c.r2, prom.GaugeValue, s.Fit.R2, s.Name, filter)
		ch <- prom.MustNewConstMetric(c.points, prom.GaugeValue, float64(s.Fit.N), s.Name, filter)
		if s.AvgVoltage > 0 {
			ch <- prom.MustNewConstMetric(c.voltage, prom.GaugeValue, s.AvgVoltage, s.Name, filter)
		}
	}
}
