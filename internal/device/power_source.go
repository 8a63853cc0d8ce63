// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"k8s.io/utils/clock"
)

var (
	// ErrNoPowerSource is returned when the host exposes neither RAPL nor
	// battery telemetry
	ErrNoPowerSource = errors.New("no power source found")

	// ErrNoRaplDomains is returned when RAPL was selected but no readable
	// domain exists
	ErrNoRaplDomains = errors.New("no RAPL domains found")

	// ErrNotDischarging is returned by battery sources while on mains power
	ErrNotDischarging = errors.New("machine is not discharging")

	// ErrRateUnavailable is returned when a discharging battery reports no
	// usable rate
	ErrRateUnavailable = errors.New("power rate unavailable")
)

// RateZeroLimit is the lowest total rate in Watts accepted from a battery
const RateZeroLimit = 0.001

// DomainReading is the power drawn by one RAPL domain
type DomainReading struct {
	Name       string
	Power      float64
	Inaccurate bool
}

// PowerReading is one instantaneous reading of a PowerSource
type PowerReading struct {
	// Power in Watts
	Power float64
	// Voltage in Volts
	Voltage float64
	// Current in Amperes
	Current float64

	Discharging bool
	Inaccurate  bool

	// NoVoltage is set by sources that cannot report voltage and current
	NoVoltage bool

	// Domains holds per domain readings for RAPL sources
	Domains []DomainReading
}

// PowerSource reads the instantaneous power drawn by the machine
type PowerSource interface {
	// Name of the backend
	Name() string
	// Init discovers the backend; errors are fatal
	Init() error
	// Read returns the current reading
	Read() (*PowerReading, error)
}

// Opts configures power source selection
type Opts struct {
	logger     *slog.Logger
	sysfsPath  string
	procfsPath string
	rapl       bool
	clock      clock.PassiveClock
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		sysfsPath:  "/sys",
		procfsPath: "/proc",
		clock:      clock.RealClock{},
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithSysFSPath sets the root of the sysfs tree
func WithSysFSPath(path string) OptionFn {
	return func(o *Opts) {
		o.sysfsPath = path
	}
}

// WithProcFSPath sets the root of the procfs tree
func WithProcFSPath(path string) OptionFn {
	return func(o *Opts) {
		o.procfsPath = path
	}
}

// WithRapl prefers RAPL over battery telemetry when available
func WithRapl(enabled bool) OptionFn {
	return func(o *Opts) {
		o.rapl = enabled
	}
}

// WithClock sets the clock used to time RAPL readings
func WithClock(c clock.PassiveClock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// NewPowerSource selects the power source backend once. RAPL is used when
// requested and present, then the sysfs power_supply class, then the ACPI
// battery interface.
func NewPowerSource(applyOpts ...OptionFn) (PowerSource, error) {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	powercap := filepath.Join(opts.sysfsPath, "class", "powercap")
	powerSupply := filepath.Join(opts.sysfsPath, "class", "power_supply")
	acpi := filepath.Join(opts.procfsPath, "acpi", "battery")

	switch {
	case opts.rapl && isDir(powercap):
		reader, err := newPowercapReader(opts.sysfsPath)
		if err != nil {
			return nil, err
		}
		return newRaplSource(reader, opts.clock, opts.logger), nil

	case isDir(powerSupply):
		return newSysfsBattery(opts.sysfsPath, opts.logger)

	case isDir(acpi):
		return newACPIBattery(acpi, opts.logger), nil
	}

	if opts.rapl {
		return nil, fmt.Errorf("%w: %s, %s and %s are missing", ErrNoPowerSource, powercap, powerSupply, acpi)
	}
	return nil, fmt.Errorf("%w: %s and %s are missing", ErrNoPowerSource, powerSupply, acpi)
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
