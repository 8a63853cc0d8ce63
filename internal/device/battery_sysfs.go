// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// powerSupplyReader lists the power_supply class; replaced in tests
type powerSupplyReader interface {
	PowerSupplyClass() (sysfs.PowerSupplyClass, error)
}

// sysfsBattery reads the discharge rate from /sys/class/power_supply
type sysfsBattery struct {
	fs     powerSupplyReader
	logger *slog.Logger
}

var _ PowerSource = (*sysfsBattery)(nil)

func newSysfsBattery(sysfsPath string, logger *slog.Logger) (*sysfsBattery, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create sysfs filesystem: %w", err)
	}
	return &sysfsBattery{
		fs:     fs,
		logger: logger.With("service", "battery-sysfs"),
	}, nil
}

func (b *sysfsBattery) Name() string {
	return "battery-sysfs"
}

func (b *sysfsBattery) Init() error {
	if _, err := b.fs.PowerSupplyClass(); err != nil {
		return fmt.Errorf("failed to read power supply class: %w", err)
	}
	return nil
}

func (b *sysfsBattery) Read() (*PowerReading, error) {
	supplies, err := b.fs.PowerSupplyClass()
	if err != nil {
		return nil, fmt.Errorf("failed to read power supply class: %w", err)
	}

	// map order is random; keep sums reproducible
	names := make([]string, 0, len(supplies))
	for name := range supplies {
		names = append(names, name)
	}
	sort.Strings(names)

	var agg batteryAggregate
	for _, name := range names {
		ps := supplies[name]
		if !strings.Contains(ps.Type, "Battery") {
			continue
		}
		agg.add(batteryState{
			discharging: ps.Status == "Discharging",
			voltage:     micro(ps.VoltageNow),
			watts:       micro(ps.PowerNow),
			amps:        micro(ps.CurrentNow),
		})
	}
	b.logger.Debug("Battery reading", "batteries", agg.n, "watts", agg.watts, "discharging", agg.discharging)

	return agg.reading()
}

// micro converts an optional micro unit sysfs value to SI units
func micro(v *int64) float64 {
	if v == nil {
		return 0
	}
	return float64(*v) / 1e6
}

// batteryState is the instantaneous state of one battery
type batteryState struct {
	discharging bool
	voltage     float64
	watts       float64
	amps        float64
}

// batteryAggregate sums the rates of all batteries of the machine
type batteryAggregate struct {
	n           int
	discharging bool
	voltage     float64 // sum of voltages
	watts       float64
}

func (a *batteryAggregate) add(s batteryState) {
	a.n++
	a.discharging = a.discharging || s.discharging
	a.voltage += s.voltage
	a.watts += s.watts + s.voltage*s.amps
}

func (a *batteryAggregate) reading() (*PowerReading, error) {
	if !a.discharging {
		return nil, ErrNotDischarging
	}
	if a.watts <= RateZeroLimit {
		return nil, fmt.Errorf("%w: battery only provides charge data", ErrRateUnavailable)
	}

	r := &PowerReading{
		Power:       a.watts,
		Voltage:     a.voltage / float64(a.n),
		Discharging: true,
		Inaccurate:  a.watts < 0,
	}
	if a.voltage > 0 {
		r.Current = a.watts / a.voltage
	}
	return r, nil
}
