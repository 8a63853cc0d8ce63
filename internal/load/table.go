// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package load

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrTableTooSmall is returned when more workers are started than the table
// has slots
var ErrTableTooSmall = errors.New("bogo-ops table too small")

// slot is a single counter padded to a cache line so workers on different
// CPUs do not contend
type slot struct {
	v atomic.Uint64
	_ [56]byte
}

const slotSize = int(unsafe.Sizeof(slot{}))

// Table holds one bogo-ops counter per worker. Workers only add to their own
// slot; the sampler reads the sum. A shared table lives in a memfd mapping
// inherited by worker processes.
type Table struct {
	slots []slot
	mem   []byte
	file  *os.File
}

// NewTable returns a table in process memory. It cannot be shared with
// worker processes.
func NewTable(n int) *Table {
	return &Table{slots: make([]slot, n)}
}

// NewSharedTable returns a table backed by an anonymous shared memory file
func NewSharedTable(n int) (*Table, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: %d slots", ErrTableTooSmall, n)
	}
	fd, err := unix.MemfdCreate("power-calibrate-bogo-ops", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("failed to create shared memory: %w", err)
	}
	f := os.NewFile(uintptr(fd), "bogo-ops")
	if err := f.Truncate(int64(n * slotSize)); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to size shared memory: %w", err)
	}

	t, err := mapTable(f, n)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return t, nil
}

// mapTable maps n slots of the shared memory file f
func mapTable(f *os.File, n int) (*Table, error) {
	mem, err := unix.Mmap(int(f.Fd()), 0, n*slotSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map shared memory: %w", err)
	}
	return &Table{
		slots: unsafe.Slice((*slot)(unsafe.Pointer(&mem[0])), n),
		mem:   mem,
		file:  f,
	}, nil
}

// Len returns the number of slots
func (t *Table) Len() int {
	return len(t.slots)
}

// Slot returns the counter of slot i
func (t *Table) Slot(i int) *atomic.Uint64 {
	return &t.slots[i].v
}

// Reset zeroes every slot
func (t *Table) Reset() {
	for i := range t.slots {
		t.slots[i].v.Store(0)
	}
}

// Sum returns the total of all slots
func (t *Table) Sum() uint64 {
	var total uint64
	for i := range t.slots {
		total += t.slots[i].v.Load()
	}
	return total
}

// File returns the shared memory file or nil for in process tables
func (t *Table) File() *os.File {
	return t.file
}

// Close unmaps and closes a shared table
func (t *Table) Close() error {
	var errs []error
	if t.mem != nil {
		t.slots = nil
		errs = append(errs, unix.Munmap(t.mem))
		t.mem = nil
	}
	if t.file != nil {
		errs = append(errs, t.file.Close())
		t.file = nil
	}
	return errors.Join(errs...)
}
