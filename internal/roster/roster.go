// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package roster

import (
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

var (
	// ErrInvalidCPUID is returned when a requested CPU id is not a number or
	// is outside of the range of CPUs available on the system
	ErrInvalidCPUID = errors.New("invalid cpu id")

	// ErrEmptyRoster is returned when a roster would contain no CPUs
	ErrEmptyRoster = errors.New("empty cpu roster")
)

// Roster is the ordered list of logical CPUs that load workers are pinned to.
// Entries may repeat; every entry gets its own worker.
type Roster struct {
	cpus []int
}

// Build creates a Roster from a comma separated list of CPU ids. An empty list
// selects every CPU from 0 to maxCPUs-1.
func Build(list string, maxCPUs int) (*Roster, error) {
	if strings.TrimSpace(list) == "" {
		return All(maxCPUs)
	}
	return Parse(strings.Split(list, ","), maxCPUs)
}

// All returns a roster with CPUs 0..maxCPUs-1
func All(maxCPUs int) (*Roster, error) {
	if maxCPUs < 1 {
		return nil, ErrEmptyRoster
	}
	cpus := make([]int, maxCPUs)
	for i := range cpus {
		cpus[i] = i
	}
	return &Roster{cpus: cpus}, nil
}

// Parse creates a Roster from already split CPU ids. Blank entries are ignored.
func Parse(ids []string, maxCPUs int) (*Roster, error) {
	cpus := make([]int, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		cpu, err := strconv.Atoi(id)
		if err != nil || cpu < 0 {
			return nil, fmt.Errorf("%w: %q is not a valid cpu number", ErrInvalidCPUID, id)
		}
		if cpu >= maxCPUs {
			return nil, fmt.Errorf("%w: cpu %d is out of range, system has %d cpus", ErrInvalidCPUID, cpu, maxCPUs)
		}
		cpus = append(cpus, cpu)
	}

	if len(cpus) == 0 {
		return nil, ErrEmptyRoster
	}
	return &Roster{cpus: cpus}, nil
}

// Len returns the number of entries in the roster
func (r *Roster) Len() int {
	return len(r.cpus)
}

// CPUs returns a copy of the roster entries
func (r *Roster) CPUs() []int {
	ret := make([]int, len(r.cpus))
	copy(ret, r.cpus)
	return ret
}

// First returns the first n entries of the roster; n is clamped to Len()
func (r *Roster) First(n int) []int {
	if n > len(r.cpus) {
		n = len(r.cpus)
	}
	if n < 0 {
		n = 0
	}
	ret := make([]int, n)
	copy(ret, r.cpus[:n])
	return ret
}

func (r *Roster) String() string {
	ids := make([]string, len(r.cpus))
	for i, cpu := range r.cpus {
		ids[i] = strconv.Itoa(cpu)
	}
	return strings.Join(ids, ",")
}

// SystemCPUs returns the number of logical CPUs configured on the host, as
// listed under devices/system/cpu of the sysfs mounted at sysfsPath. CPUs
// outside of the process affinity mask are counted. It falls back to
// runtime.NumCPU when sysfs cannot be read.
func SystemCPUs(sysfsPath string) int {
	if n, err := ConfiguredCPUs(sysfsPath); err == nil {
		return n
	}
	return runtime.NumCPU()
}

// ConfiguredCPUs returns one more than the highest CPU number found in sysfs
func ConfiguredCPUs(sysfsPath string) (int, error) {
	fs, err := sysfs.NewFS(sysfsPath)
	if err != nil {
		return 0, err
	}
	cpus, err := fs.CPUs()
	if err != nil {
		return 0, err
	}

	n := 0
	for _, cpu := range cpus {
		id, err := strconv.Atoi(cpu.Number())
		if err != nil {
			continue
		}
		n = max(n, id+1)
	}
	if n == 0 {
		return 0, fmt.Errorf("no cpus found in %s", sysfsPath)
	}
	return n, nil
}
