// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package device

import (
	"fmt"
	"time"
)

// Energy is a cumulative counter value in MicroJoules as exposed by the
// powercap energy_uj files.
type Energy uint64

const (
	MicroJoule Energy = 1
	MilliJoule        = 1000 * MicroJoule
	Joule             = 1000 * MilliJoule
)

func (e Energy) MicroJoules() uint64 {
	return uint64(e)
}

func (e Energy) Joules() float64 {
	return float64(e) / float64(Joule)
}

func (e Energy) String() string {
	return fmt.Sprintf("%.2fJ", e.Joules())
}

// Over returns the average power needed to spend e in d. A non positive
// duration yields 0.
func (e Energy) Over(d time.Duration) Power {
	if d <= 0 {
		return 0
	}
	return Power(float64(e) / d.Seconds())
}

// EnergyDelta returns the energy spent between two readings of a counter that
// wraps at max. A counter that went backwards without a known max yields 0.
func EnergyDelta(prev, cur, max Energy) Energy {
	switch {
	case cur >= prev:
		return cur - prev
	case max > 0 && prev <= max:
		return (max - prev) + cur
	default:
		return 0
	}
}

// Power in MicroWatts
type Power float64

const (
	MicroWatt Power = 1.0
	MilliWatt       = 1000 * MicroWatt
	Watt            = 1000 * MilliWatt
)

func (p Power) MicroWatts() float64 {
	return float64(p)
}

func (p Power) Watts() float64 {
	return float64(p / Watt)
}

func (p Power) String() string {
	return fmt.Sprintf("%.2fW", p.Watts())
}
