// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

// Field indexes a metric of a Sample
type Field int

const (
	User Field = iota
	Nice
	Sys
	Idle
	IOWait
	IRQ
	SoftIRQ
	Ctxt
	Intr
	ProcsRunning
	ProcsBlocked
	BogoOps
	Cycles
	Instructions
	Power
	Voltage
	Current

	NumFields
)

var fieldNames = [NumFields]string{
	User:         "user",
	Nice:         "nice",
	Sys:          "sys",
	Idle:         "idle",
	IOWait:       "iowait",
	IRQ:          "irq",
	SoftIRQ:      "softirq",
	Ctxt:         "ctxt",
	Intr:         "intr",
	ProcsRunning: "procs-running",
	ProcsBlocked: "procs-blocked",
	BogoOps:      "bogo-ops",
	Cycles:       "cpu-cycles",
	Instructions: "instructions",
	Power:        "power",
	Voltage:      "voltage",
	Current:      "current",
}

func (f Field) String() string {
	if f < 0 || f >= NumFields {
		return "unknown"
	}
	return fieldNames[f]
}

// tickFields are the cpu time fields of /proc/stat
var tickFields = []Field{User, Nice, Sys, Idle, IOWait, IRQ, SoftIRQ}

// totalFields make up the total cpu time of an interval
var totalFields = []Field{User, Nice, Sys, Idle, IOWait}

// rateFields are counters reported per second
var rateFields = []Field{Ctxt, Intr, BogoOps}

// DomainPower is the power of one RAPL domain
type DomainPower struct {
	Name       string
	Power      float64
	Inaccurate bool
}

// Sample is a vector of metrics. Values flagged inaccurate must not be used.
// Raw snapshots hold cumulative counters, gathered samples hold percentages
// and rates.
type Sample struct {
	Values     [NumFields]float64
	Inaccurate [NumFields]bool
	Domains    []DomainPower
}

// Get returns the value of f and whether it is accurate
func (s *Sample) Get(f Field) (float64, bool) {
	return s.Values[f], !s.Inaccurate[f]
}

// Set stores an accurate value
func (s *Sample) Set(f Field, v float64) {
	s.Values[f] = v
	s.Inaccurate[f] = false
}

// Invalidate flags f as inaccurate and zeroes it
func (s *Sample) Invalidate(f Field) {
	s.Values[f] = 0
	s.Inaccurate[f] = true
}

// Busy returns the percentage of cpu time not spent idle
func (s *Sample) Busy() float64 {
	return 100 - s.Values[Idle]
}
