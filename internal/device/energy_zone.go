// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// EnergyZone is a single RAPL domain exposing a wrapping energy counter
type EnergyZone interface {
	// Name of the domain, e.g. "package", "core", "dram", "psys"
	Name() string
	// Index distinguishes domains sharing a name (one package per socket)
	Index() int
	// Path of the zone in the powercap tree
	Path() string
	// Energy returns the current counter value
	Energy() (Energy, error)
	// MaxEnergy is the value at which the counter wraps
	MaxEnergy() Energy
}

// zoneReader discovers energy zones; replaced in tests
type zoneReader interface {
	Zones() ([]EnergyZone, error)
}

type powercapReader struct {
	fs sysfs.FS
}

func newPowercapReader(sysfsPath string) (*powercapReader, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create sysfs filesystem: %w", err)
	}
	return &powercapReader{fs: fs}, nil
}

func (p *powercapReader) Zones() ([]EnergyZone, error) {
	raplZones, err := sysfs.GetRaplZones(p.fs)
	if err != nil {
		return nil, fmt.Errorf("failed to read rapl zones: %w", err)
	}

	zones := make([]EnergyZone, 0, len(raplZones))
	for _, zone := range raplZones {
		zones = append(zones, sysfsRaplZone{zone})
	}
	return zones, nil
}

// sysfsRaplZone adapts sysfs.RaplZone to EnergyZone
type sysfsRaplZone struct {
	zone sysfs.RaplZone
}

func (s sysfsRaplZone) Name() string      { return s.zone.Name }
func (s sysfsRaplZone) Index() int        { return s.zone.Index }
func (s sysfsRaplZone) Path() string      { return s.zone.Path }
func (s sysfsRaplZone) MaxEnergy() Energy { return Energy(s.zone.MaxMicrojoules) }

func (s sysfsRaplZone) Energy() (Energy, error) {
	uj, err := s.zone.GetEnergyMicrojoules()
	return Energy(uj), err
}

// zoneLabel names a zone in reports, e.g. "package-0" or "dram-1"
func zoneLabel(z EnergyZone) string {
	return fmt.Sprintf("%s-%d", z.Name(), z.Index())
}

// isPackageZone reports whether z covers a whole CPU package
func isPackageZone(z EnergyZone) bool {
	return strings.HasPrefix(strings.ToLower(z.Name()), "package")
}

// isTopLevelZone reports whether z is a root of the powercap hierarchy.
// Subzones are named like intel-rapl:0:1.
func isTopLevelZone(z EnergyZone) bool {
	base := filepath.Base(z.Path())
	if !strings.Contains(base, ":") {
		return true
	}
	return strings.Count(base, ":") == 1
}
