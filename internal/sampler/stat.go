// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"errors"
	"fmt"

	"github.com/prometheus/procfs"
)

// ErrStatUnavailable is returned when the kernel activity counters cannot
// be read
var ErrStatUnavailable = errors.New("cannot read system statistics")

// StatReader reads the cumulative kernel activity counters into a snapshot
type StatReader interface {
	Read() (Sample, error)
}

type procfsStatReader struct {
	fs procfs.FS
}

// NewStatReader returns a StatReader for /proc/stat below procfsPath
func NewStatReader(procfsPath string) (StatReader, error) {
	fs, err := procfs.NewFS(procfsPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStatUnavailable, err)
	}
	return &procfsStatReader{fs: fs}, nil
}

func (r *procfsStatReader) Read() (Sample, error) {
	var s Sample
	stat, err := r.fs.Stat()
	if err != nil {
		return s, fmt.Errorf("%w: %w", ErrStatUnavailable, err)
	}

	cpu := stat.CPUTotal
	s.Set(User, cpu.User)
	s.Set(Nice, cpu.Nice)
	s.Set(Sys, cpu.System)
	s.Set(Idle, cpu.Idle)
	s.Set(IOWait, cpu.Iowait)
	s.Set(IRQ, cpu.IRQ)
	s.Set(SoftIRQ, cpu.SoftIRQ)
	s.Set(Ctxt, float64(stat.ContextSwitches))
	s.Set(Intr, float64(stat.IRQTotal))
	s.Set(ProcsRunning, float64(stat.ProcessesRunning))
	s.Set(ProcsBlocked, float64(stat.ProcessesBlocked))
	return s, nil
}
