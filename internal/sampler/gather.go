// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"math"
	"time"
)

// delta returns s2 - s1 for f, clamped at zero since some platforms
// occasionally report counters going backwards
func delta(s1, s2 *Sample, f Field) (float64, bool) {
	if s1.Inaccurate[f] || s2.Inaccurate[f] {
		return math.NaN(), false
	}
	return math.Max(0, s2.Values[f]-s1.Values[f]), true
}

// Gather turns two snapshots taken elapsed apart into a sample of cpu time
// percentages, per second rates and instantaneous process counts. It reports
// false when no cpu time passed between the snapshots and the sample must be
// discarded.
func Gather(s1, s2 *Sample, elapsed time.Duration) (Sample, bool) {
	var res Sample

	var deltas [NumFields]float64
	var valid [NumFields]bool
	for _, f := range tickFields {
		deltas[f], valid[f] = delta(s1, s2, f)
	}

	total := 0.0
	anyInaccurate := false
	for _, f := range totalFields {
		if !valid[f] {
			anyInaccurate = true
			continue
		}
		total += deltas[f]
	}
	if total == 0 && !anyInaccurate {
		return res, false
	}

	for _, f := range tickFields {
		if !valid[f] || total <= 0 {
			res.Values[f] = math.NaN()
			res.Inaccurate[f] = true
			continue
		}
		res.Set(f, 100*deltas[f]/total)
	}

	secs := elapsed.Seconds()
	for _, f := range rateFields {
		d, ok := delta(s1, s2, f)
		if !ok || secs <= 0 {
			res.Values[f] = math.NaN()
			res.Inaccurate[f] = true
			continue
		}
		res.Set(f, d/secs)
	}

	for _, f := range []Field{ProcsRunning, ProcsBlocked} {
		if s2.Inaccurate[f] {
			res.Values[f] = math.NaN()
			res.Inaccurate[f] = true
			continue
		}
		res.Set(f, s2.Values[f])
	}

	for _, f := range []Field{Cycles, Instructions, Power, Voltage, Current} {
		res.Invalidate(f)
	}
	return res, true
}
