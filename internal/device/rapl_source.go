// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"log/slog"
	"time"

	"k8s.io/utils/clock"
)

// raplDomain tracks the last reading of a single energy zone
type raplDomain struct {
	zone     EnergyZone
	label    string
	pkg      bool
	topLevel bool

	lastEnergy Energy
	lastRead   time.Time
	seen       bool
}

// raplSource computes power from the energy counters of the RAPL domains.
// Domains are discovered once by Init and keep their order for the lifetime
// of the source.
type raplSource struct {
	reader  zoneReader
	clock   clock.PassiveClock
	logger  *slog.Logger
	domains []*raplDomain
}

var _ PowerSource = (*raplSource)(nil)

func newRaplSource(reader zoneReader, c clock.PassiveClock, logger *slog.Logger) *raplSource {
	return &raplSource{
		reader: reader,
		clock:  c,
		logger: logger.With("service", "rapl"),
	}
}

func (r *raplSource) Name() string {
	return "rapl"
}

// Init discovers the domains. Zones whose counter cannot be read are dropped.
func (r *raplSource) Init() error {
	zones, err := r.reader.Zones()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoRaplDomains, err)
	}

	r.domains = r.domains[:0]
	for _, z := range zones {
		if _, err := z.Energy(); err != nil {
			r.logger.Warn("Ignoring unreadable RAPL zone", "zone", zoneLabel(z), "path", z.Path(), "error", err)
			continue
		}
		r.domains = append(r.domains, &raplDomain{
			zone:     z,
			label:    zoneLabel(z),
			pkg:      isPackageZone(z),
			topLevel: isTopLevelZone(z),
		})
	}

	if len(r.domains) == 0 {
		return ErrNoRaplDomains
	}

	labels := make([]string, len(r.domains))
	for i, d := range r.domains {
		labels[i] = d.label
	}
	r.logger.Info("RAPL domains discovered", "domains", labels)
	return nil
}

// Domains returns the labels of the discovered domains in reading order
func (r *raplSource) Domains() []string {
	labels := make([]string, len(r.domains))
	for i, d := range r.domains {
		labels[i] = d.label
	}
	return labels
}

// Read returns the power of each domain since the previous Read. The first
// reading of each domain has no reference and is marked inaccurate.
func (r *raplSource) Read() (*PowerReading, error) {
	if len(r.domains) == 0 {
		return nil, ErrNoRaplDomains
	}

	now := r.clock.Now()
	reading := &PowerReading{
		Discharging: true,
		NoVoltage:   true,
		Domains:     make([]DomainReading, len(r.domains)),
	}

	hasPackage := false
	for _, d := range r.domains {
		if d.pkg {
			hasPackage = true
			break
		}
	}

	for i, d := range r.domains {
		energy, err := d.zone.Energy()
		if err != nil {
			return nil, fmt.Errorf("failed to read energy of %s: %w", d.label, err)
		}

		dr := DomainReading{Name: d.label, Inaccurate: true}
		if d.seen && now.After(d.lastRead) {
			delta := EnergyDelta(d.lastEnergy, energy, d.zone.MaxEnergy())
			dr.Power = delta.Over(now.Sub(d.lastRead)).Watts()
			dr.Inaccurate = false
		}
		d.lastEnergy, d.lastRead, d.seen = energy, now, true
		reading.Domains[i] = dr

		summed := d.pkg || (!hasPackage && d.topLevel)
		if !summed {
			continue
		}
		reading.Power += dr.Power
		if dr.Inaccurate {
			reading.Inaccurate = true
		}
	}

	r.logger.Debug("RAPL reading", "power", reading.Power, "inaccurate", reading.Inaccurate)
	return reading, nil
}
