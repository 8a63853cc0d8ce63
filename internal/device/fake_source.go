// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"log/slog"
	"sync"

	"github.com/prometheus/procfs"
)

// LoadFunc reports the current load of the machine, e.g. the busy percentage
type LoadFunc func() float64

// fakeSource models a machine whose power is linear in its load. It is meant
// for development on hosts without power telemetry.
type fakeSource struct {
	base    float64
	slope   float64
	voltage float64
	logger  *slog.Logger

	mu   sync.Mutex
	load LoadFunc
}

var _ PowerSource = (*fakeSource)(nil)

// FakeOptFn configures a fake power source
type FakeOptFn func(*fakeSource)

// WithFakeLogger sets the logger of the fake source
func WithFakeLogger(l *slog.Logger) FakeOptFn {
	return func(f *fakeSource) {
		f.logger = l.With("service", f.Name())
	}
}

// WithFakeLoad sets the function sampled on every reading
func WithFakeLoad(fn LoadFunc) FakeOptFn {
	return func(f *fakeSource) {
		f.load = fn
	}
}

// WithFakeVoltage sets the constant voltage reported by the fake source
func WithFakeVoltage(v float64) FakeOptFn {
	return func(f *fakeSource) {
		f.voltage = v
	}
}

// NewFakePowerSource returns a source reading base + slope * load Watts
func NewFakePowerSource(base, slope float64, opts ...FakeOptFn) PowerSource {
	f := &fakeSource{
		base:    base,
		slope:   slope,
		voltage: 12,
		load:    func() float64 { return 0 },
		logger:  slog.Default().With("service", "fake-power-source"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *fakeSource) Name() string {
	return "fake-power-source"
}

func (f *fakeSource) Init() error {
	f.logger.Warn("Using fake power source; readings are synthetic", "base", f.base, "slope", f.slope)
	return nil
}

func (f *fakeSource) Read() (*PowerReading, error) {
	f.mu.Lock()
	load := f.load()
	f.mu.Unlock()

	power := f.base + f.slope*load
	r := &PowerReading{
		Power:       power,
		Voltage:     f.voltage,
		Discharging: true,
	}
	if f.voltage > 0 {
		r.Current = power / f.voltage
	}
	return r, nil
}

// ProcStatLoad returns a LoadFunc reporting the busy percentage of all CPUs
// since its previous call, read from /proc/stat
func ProcStatLoad(fs procfs.FS) LoadFunc {
	var lastBusy, lastTotal float64
	return func() float64 {
		stat, err := fs.Stat()
		if err != nil {
			return 0
		}
		c := stat.CPUTotal
		busy := c.User + c.Nice + c.System + c.IRQ + c.SoftIRQ + c.Steal
		total := busy + c.Idle + c.Iowait

		dBusy, dTotal := busy-lastBusy, total-lastTotal
		lastBusy, lastTotal = busy, total
		if dTotal <= 0 {
			return 0
		}
		return 100 * dBusy / dTotal
	}
}
