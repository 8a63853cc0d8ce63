// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import "math"

// Summarize returns the mean and population standard deviation of every
// field over the readings where it is accurate. Fields without accurate
// readings are flagged inaccurate in both results.
//
// Unless validOnly is set the variance is divided by the number of readings
// rather than the number of accurate ones.
func Summarize(readings []Sample, validOnly bool) (avg, stddev Sample) {
	for f := Field(0); f < NumFields; f++ {
		values := make([]float64, 0, len(readings))
		for i := range readings {
			if !readings[i].Inaccurate[f] {
				values = append(values, readings[i].Values[f])
			}
		}
		m, sd, ok := meanStddev(values, len(readings), validOnly)
		if !ok {
			avg.Invalidate(f)
			stddev.Invalidate(f)
			continue
		}
		avg.Set(f, m)
		stddev.Set(f, sd)
	}

	avg.Domains, stddev.Domains = summarizeDomains(readings, validOnly)
	return avg, stddev
}

// summarizeDomains summarizes RAPL domains by position. Readings are
// expected to carry the same domains in the same order.
func summarizeDomains(readings []Sample, validOnly bool) (avg, stddev []DomainPower) {
	if len(readings) == 0 || len(readings[0].Domains) == 0 {
		return nil, nil
	}

	n := len(readings[0].Domains)
	avg = make([]DomainPower, n)
	stddev = make([]DomainPower, n)
	for d := range n {
		name := readings[0].Domains[d].Name
		values := make([]float64, 0, len(readings))
		for i := range readings {
			if d >= len(readings[i].Domains) {
				continue
			}
			if dp := readings[i].Domains[d]; !dp.Inaccurate {
				values = append(values, dp.Power)
			}
		}
		m, sd, ok := meanStddev(values, len(readings), validOnly)
		avg[d] = DomainPower{Name: name, Power: m, Inaccurate: !ok}
		stddev[d] = DomainPower{Name: name, Power: sd, Inaccurate: !ok}
	}
	return avg, stddev
}

func meanStddev(values []float64, readings int, validOnly bool) (mean, stddev float64, ok bool) {
	if len(values) == 0 {
		return 0, 0, false
	}

	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	n := readings
	if validOnly {
		n = len(values)
	}
	return mean, math.Sqrt(sq / float64(n)), true
}
