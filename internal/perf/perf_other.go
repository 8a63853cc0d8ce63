// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package perf

// Session is not supported on this platform
type Session struct{}

// Open always fails with ErrUnavailable
func Open(pid int) (*Session, error) {
	return nil, ErrUnavailable
}

func (s *Session) Close() Counts {
	return InvalidCounts()
}
