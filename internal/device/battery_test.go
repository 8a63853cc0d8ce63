// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/procfs/sysfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/ptr"
)

type mockPowerSupplyReader struct {
	class sysfs.PowerSupplyClass
	err   error
}

func (m mockPowerSupplyReader) PowerSupplyClass() (sysfs.PowerSupplyClass, error) {
	return m.class, m.err
}

func TestSysfsBatteryRead(t *testing.T) {
	ac := sysfs.PowerSupply{Name: "AC", Type: "Mains"}

	tt := []struct {
		name    string
		class   sysfs.PowerSupplyClass
		wantErr error
		power   float64
		voltage float64
		current float64
	}{{
		name: "power now",
		class: sysfs.PowerSupplyClass{
			"AC": ac,
			"BAT0": {
				Name: "BAT0", Type: "Battery", Status: "Discharging",
				PowerNow: ptr.To[int64](12_000_000), VoltageNow: ptr.To[int64](12_000_000),
			},
		},
		power:   12,
		voltage: 12,
		current: 1,
	}, {
		name: "current times voltage",
		class: sysfs.PowerSupplyClass{
			"BAT0": {
				Name: "BAT0", Type: "Battery", Status: "Discharging",
				CurrentNow: ptr.To[int64](500_000), VoltageNow: ptr.To[int64](10_000_000),
			},
		},
		power:   5,
		voltage: 10,
		current: 0.5,
	}, {
		name: "two batteries, one discharging",
		class: sysfs.PowerSupplyClass{
			"BAT0": {
				Name: "BAT0", Type: "Battery", Status: "Discharging",
				PowerNow: ptr.To[int64](6_000_000), VoltageNow: ptr.To[int64](12_000_000),
			},
			"BAT1": {
				Name: "BAT1", Type: "Battery", Status: "Full",
				PowerNow: ptr.To[int64](0), VoltageNow: ptr.To[int64](12_000_000),
			},
		},
		power:   6,
		voltage: 12,
		current: 0.25,
	}, {
		name: "on mains",
		class: sysfs.PowerSupplyClass{
			"AC": ac,
			"BAT0": {
				Name: "BAT0", Type: "Battery", Status: "Charging",
				PowerNow: ptr.To[int64](12_000_000), VoltageNow: ptr.To[int64](12_000_000),
			},
		},
		wantErr: ErrNotDischarging,
	}, {
		name:    "no battery",
		class:   sysfs.PowerSupplyClass{"AC": ac},
		wantErr: ErrNotDischarging,
	}, {
		name: "charge data only",
		class: sysfs.PowerSupplyClass{
			"BAT0": {
				Name: "BAT0", Type: "Battery", Status: "Discharging",
				VoltageNow: ptr.To[int64](12_000_000),
			},
		},
		wantErr: ErrRateUnavailable,
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			b := &sysfsBattery{fs: mockPowerSupplyReader{class: tc.class}, logger: slog.Default()}
			r, err := b.Read()
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.True(t, r.Discharging)
			assert.False(t, r.Inaccurate)
			assert.InDelta(t, tc.power, r.Power, 1e-9)
			assert.InDelta(t, tc.voltage, r.Voltage, 1e-9)
			assert.InDelta(t, tc.current, r.Current, 1e-9)
		})
	}
}

func TestSysfsBatteryReadError(t *testing.T) {
	boom := errors.New("boom")
	b := &sysfsBattery{fs: mockPowerSupplyReader{err: boom}, logger: slog.Default()}
	assert.ErrorIs(t, b.Init(), boom)
	_, err := b.Read()
	assert.ErrorIs(t, err, boom)
}

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
}

func TestACPIBatteryRead(t *testing.T) {
	tt := []struct {
		name      string
		batteries map[string]map[string]string
		wantErr   error
		power     float64
		voltage   float64
	}{{
		name: "rate in mW",
		batteries: map[string]map[string]string{
			"BAT0": {"state": "present:                 yes\n" +
				"capacity state:          ok\n" +
				"charging state:          discharging\n" +
				"present rate:            15000 mW\n" +
				"remaining capacity:      40000 mWh\n" +
				"present voltage:         12000 mV\n"},
		},
		power:   15,
		voltage: 12,
	}, {
		name: "rate in mA",
		batteries: map[string]map[string]string{
			"BAT0": {"state": "present:                 yes\n" +
				"charging state:          critical\n" +
				"present rate:            1500 mA\n" +
				"present voltage:         10000 mV\n"},
		},
		power:   15,
		voltage: 10,
	}, {
		name: "design voltage fallback",
		batteries: map[string]map[string]string{
			"BAT1": {
				"state": "present:                 yes\n" +
					"charging state:          discharging\n" +
					"present rate:            1000 mA\n" +
					"present voltage:         0 mV\n",
				"info": "present:                 yes\n" +
					"design capacity:         4400 mAh\n" +
					"design voltage:          11100 mV\n",
			},
		},
		power:   11.1,
		voltage: 11.1,
	}, {
		name: "charging",
		batteries: map[string]map[string]string{
			"BAT0": {"state": "present:                 yes\n" +
				"charging state:          charging\n" +
				"present rate:            15000 mW\n" +
				"present voltage:         12000 mV\n"},
		},
		wantErr: ErrNotDischarging,
	}, {
		name: "battery not present",
		batteries: map[string]map[string]string{
			"BAT0": {"state": "present:                 no\n" +
				"charging state:          discharging\n"},
		},
		wantErr: ErrNotDischarging,
	}, {
		name: "rate unknown",
		batteries: map[string]map[string]string{
			"BAT0": {"state": "present:                 yes\n" +
				"charging state:          discharging\n" +
				"present rate:            unknown\n" +
				"present voltage:         12000 mV\n"},
		},
		wantErr: ErrRateUnavailable,
	}, {
		name: "missing state file is skipped",
		batteries: map[string]map[string]string{
			"BAT0": {"info": "design voltage:          11100 mV\n"},
			"BAT1": {"state": "present:                 yes\n" +
				"charging state:          discharging\n" +
				"present rate:            6000 mW\n" +
				"present voltage:         12000 mV\n"},
		},
		power:   6,
		voltage: 12,
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, files := range tc.batteries {
				writeFiles(t, filepath.Join(dir, name), files)
			}

			b := newACPIBattery(dir, slog.Default())
			require.NoError(t, b.Init())

			r, err := b.Read()
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tc.power, r.Power, 1e-9)
			assert.InDelta(t, tc.voltage, r.Voltage, 1e-9)
			assert.InDelta(t, tc.power/tc.voltage, r.Current, 1e-9)
		})
	}
}

func TestACPIBatteryMissingDir(t *testing.T) {
	b := newACPIBattery(filepath.Join(t.TempDir(), "missing"), slog.Default())
	assert.Error(t, b.Init())
	_, err := b.Read()
	assert.Error(t, err)
}
