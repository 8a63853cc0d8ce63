// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package collector

import (
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/sustainable-computing-io/power-calibrate/internal/version"
)

const (
	namespace      = "power_calibrate"
	buildSubsystem = "build"
)

// BuildInfoCollector reports the build that produced the calibration
type BuildInfoCollector struct {
	desc *prom.Desc
	info func() version.VersionInfo
}

// NewBuildInfoCollector creates a new collector for build information
func NewBuildInfoCollector() *BuildInfoCollector {
	return &BuildInfoCollector{
		desc: prom.NewDesc(
			prom.BuildFQName(namespace, buildSubsystem, "info"),
			"A metric with a constant '1' value labeled with the build of power-calibrate",
			[]string{"version", "revision", "branch", "goversion", "os", "arch"},
			nil,
		),
		info: version.Info,
	}
}

func (c *BuildInfoCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.desc
}

func (c *BuildInfoCollector) Collect(ch chan<- prom.Metric) {
	info := c.info()
	ch <- prom.MustNewConstMetric(c.desc, prom.GaugeValue, 1,
		info.Version,
		info.GitCommit,
		info.GitBranch,
		info.GoVersion,
		info.GoOS,
		info.GoArch,
	)
}
