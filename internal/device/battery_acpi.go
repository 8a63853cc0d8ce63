// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// acpiBattery reads the discharge rate from the legacy /proc/acpi/battery
// interface
type acpiBattery struct {
	dir    string
	logger *slog.Logger
}

var _ PowerSource = (*acpiBattery)(nil)

func newACPIBattery(dir string, logger *slog.Logger) *acpiBattery {
	return &acpiBattery{
		dir:    dir,
		logger: logger.With("service", "battery-acpi"),
	}
}

func (b *acpiBattery) Name() string {
	return "battery-acpi"
}

func (b *acpiBattery) Init() error {
	if _, err := os.ReadDir(b.dir); err != nil {
		return fmt.Errorf("failed to list acpi batteries: %w", err)
	}
	return nil
}

func (b *acpiBattery) Read() (*PowerReading, error) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list acpi batteries: %w", err)
	}

	var agg batteryAggregate
	for _, e := range entries {
		state, ok := b.readBattery(filepath.Join(b.dir, e.Name()))
		if !ok {
			continue
		}
		agg.add(state)
	}
	b.logger.Debug("Battery reading", "batteries", agg.n, "watts", agg.watts, "discharging", agg.discharging)

	return agg.reading()
}

// readBattery parses the state file of one battery. Batteries without a
// state file are skipped.
func (b *acpiBattery) readBattery(dir string) (batteryState, bool) {
	var s batteryState

	f, err := os.Open(filepath.Join(dir, "state"))
	if err != nil {
		return s, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch key {
		case "present":
			if value == "no" {
				return s, true
			}
		case "charging state":
			if value == "discharging" || value == "critical" {
				s.discharging = true
			}
		case "present voltage":
			s.voltage = milli(value)
		case "present rate":
			switch {
			case strings.HasSuffix(value, "mW"):
				s.watts = milli(value)
			case strings.HasSuffix(value, "mA"):
				s.amps = milli(value)
			}
		}
	}

	// some firmware only reports the design voltage
	if s.voltage == 0 {
		s.voltage = designVoltage(filepath.Join(dir, "info"))
	}
	return s, true
}

func designVoltage(path string) float64 {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		key, value, found := strings.Cut(scanner.Text(), ":")
		if found && strings.TrimSpace(key) == "design voltage" {
			return milli(strings.TrimSpace(value))
		}
	}
	return 0
}

// milli parses the leading integer of values like "11100 mV" and converts it
// from milli units
func milli(value string) float64 {
	field, _, _ := strings.Cut(value, " ")
	v, err := strconv.ParseUint(field, 10, 64)
	if err != nil {
		return 0
	}
	return float64(v) / 1000
}
