// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package perf

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

var hwConfig = [numCounters]uint64{
	Cycles:       unix.PERF_COUNT_HW_CPU_CYCLES,
	Instructions: unix.PERF_COUNT_HW_INSTRUCTIONS,
}

// Session holds the open counters of one process
type Session struct {
	pid int
	fds [numCounters]int
}

// Open starts counting cycles and instructions of pid and the children it
// creates from now on. Counters that fail to open are reported as Invalid by
// Close.
func Open(pid int) (*Session, error) {
	if pid <= 0 {
		return nil, fmt.Errorf("%w: invalid pid %d", ErrUnavailable, pid)
	}

	s := &Session{pid: pid}
	opened := 0
	var lastErr error
	for c := range s.fds {
		s.fds[c] = -1

		attr := unix.PerfEventAttr{
			Type:        unix.PERF_TYPE_HARDWARE,
			Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
			Config:      hwConfig[c],
			Bits:        unix.PerfBitDisabled | unix.PerfBitInherit | unix.PerfBitExcludeHv,
			Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
		}
		fd, err := unix.PerfEventOpen(&attr, pid, -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			lastErr = err
			continue
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
			lastErr = err
			_ = unix.Close(fd)
			continue
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			lastErr = err
			_ = unix.Close(fd)
			continue
		}
		s.fds[c] = fd
		opened++
	}

	if opened == 0 {
		return nil, fmt.Errorf("%w: pid %d: %w", ErrUnavailable, pid, lastErr)
	}
	return s, nil
}

// Close disables the counters, reads their scaled values and releases the
// file descriptors
func (s *Session) Close() Counts {
	counts := InvalidCounts()
	for c, fd := range s.fds {
		if fd < 0 {
			continue
		}
		counts[c] = readCounter(fd)
		_ = unix.Close(fd)
		s.fds[c] = -1
	}
	return counts
}

func readCounter(fd int) uint64 {
	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return 0
	}

	// value, time enabled, time running
	var buf [24]byte
	n, err := unix.Read(fd, buf[:])
	if err != nil || n != len(buf) {
		return Invalid
	}
	value := binary.NativeEndian.Uint64(buf[0:8])
	enabled := binary.NativeEndian.Uint64(buf[8:16])
	running := binary.NativeEndian.Uint64(buf[16:24])
	return scale(value, enabled, running)
}
