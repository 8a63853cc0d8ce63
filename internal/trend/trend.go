// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package trend fits straight lines through workload and power observations.
package trend

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

var (
	// ErrInsufficientSamples is returned when no point passes the filter
	ErrInsufficientSamples = errors.New("insufficient samples")

	// ErrDegenerateFit is returned when all x or all y values are identical
	ErrDegenerateFit = errors.New("degenerate fit")
)

// Point is one (workload, response) observation
type Point struct {
	X       float64 `json:"x" csv:"x"`
	Y       float64 `json:"y" csv:"y"`
	Voltage float64 `json:"voltage" csv:"voltage"`
	// CPU is the last cpu of the roster used for the observation
	CPU int `json:"cpu" csv:"cpu"`
	// CPUsUsed is the number of loaded cpus
	CPUsUsed int `json:"cpusUsed" csv:"cpus_used"`
}

// Result of a least squares fit y = Gradient * x + Intercept
type Result struct {
	Gradient  float64
	Intercept float64
	R2        float64
	N         int
}

// Filter selects the points used by a fit
type Filter struct {
	maxCPUs int
}

// All uses every point
var All = Filter{}

// MaxCPUs uses the points observed with at most n loaded cpus
func MaxCPUs(n int) Filter {
	return Filter{maxCPUs: n}
}

// Match reports whether p passes the filter
func (f Filter) Match(p Point) bool {
	return f.maxCPUs <= 0 || p.CPUsUsed <= f.maxCPUs
}

func (f Filter) String() string {
	if f.maxCPUs <= 0 {
		return "all"
	}
	return fmt.Sprintf("max-%d-cpus", f.maxCPUs)
}

// Fit computes the ordinary least squares line through the points passing
// the filter and the square of their Pearson correlation coefficient.
// Points with non finite coordinates are ignored.
func Fit(points []Point, filter Filter) (Result, error) {
	var n, sx, sy, sxy, sx2, sy2 float64
	for _, p := range points {
		if !filter.Match(p) || !finite(p.X) || !finite(p.Y) {
			continue
		}
		n++
		sx += p.X
		sy += p.Y
		sxy += p.X * p.Y
		sx2 += p.X * p.X
		sy2 += p.Y * p.Y
	}

	if n == 0 {
		return Result{}, ErrInsufficientSamples
	}

	dx := n*sx2 - sx*sx
	dy := n*sy2 - sy*sy
	if dx <= 0 || dy <= 0 {
		return Result{N: int(n)}, fmt.Errorf("%w: %d points without spread", ErrDegenerateFit, int(n))
	}

	cov := n*sxy - sx*sy
	r := cov / (math.Sqrt(dx) * math.Sqrt(dy))
	gradient := cov / dx
	return Result{
		Gradient:  gradient,
		Intercept: (sy - gradient*sx) / n,
		R2:        r * r,
		N:         int(n),
	}, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Strength describes a coefficient of determination in words
func Strength(r2 float64) string {
	switch {
	case r2 < 0.4:
		return "very weak"
	case r2 < 0.75:
		return "weak"
	case r2 < 0.80:
		return "fair"
	case r2 < 0.90:
		return "good"
	case r2 < 0.95:
		return "strong"
	case r2 < 1.0:
		return "very strong"
	default:
		return "perfect"
	}
}

// AverageVoltage returns the mean voltage of the points with a known voltage
func AverageVoltage(points []Point) float64 {
	var sum float64
	var n int
	for _, p := range points {
		if p.Voltage > 0 && finite(p.Voltage) {
			sum += p.Voltage
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Series collects the points of named metrics in insertion order
type Series struct {
	order  []string
	points map[string][]Point
}

// NewSeries returns an empty Series
func NewSeries() *Series {
	return &Series{points: map[string][]Point{}}
}

// Add appends p to the series called name
func (s *Series) Add(name string, p Point) {
	if _, ok := s.points[name]; !ok {
		s.order = append(s.order, name)
	}
	s.points[name] = append(s.points[name], p)
}

// Names returns the series names in the order they were first added
func (s *Series) Names() []string {
	return append([]string(nil), s.order...)
}

// Points returns the points of the series called name
func (s *Series) Points(name string) []Point {
	return s.points[name]
}

// MaxCPUsUsed returns the distinct cpu counts of the points, sorted
func (s *Series) MaxCPUsUsed() []int {
	seen := map[int]bool{}
	for _, pts := range s.points {
		for _, p := range pts {
			seen[p.CPUsUsed] = true
		}
	}
	counts := make([]int, 0, len(seen))
	for c := range seen {
		counts = append(counts, c)
	}
	sort.Ints(counts)
	return counts
}
