// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// callLog records service lifecycle calls in the order they happen
type callLog []string

func (l *callLog) add(name, call string) {
	if l != nil {
		*l = append(*l, name+"."+call)
	}
}

type mockService struct {
	name  string
	calls *callLog
}

func (m *mockService) Name() string {
	return m.name
}

type mockInitializer struct {
	mockService
	initFn    func() error
	initCount int
}

func (m *mockInitializer) Init() error {
	m.initCount++
	m.calls.add(m.name, "init")
	if m.initFn == nil {
		return nil
	}
	return m.initFn()
}

// mockInitShutdownService is an Initializer and a Shutdowner
type mockInitShutdownService struct {
	mockService
	initFn        func() error
	shutdownFn    func() error
	initCount     int
	shutdownCount int
}

func (m *mockInitShutdownService) Init() error {
	m.initCount++
	m.calls.add(m.name, "init")
	if m.initFn == nil {
		return nil
	}
	return m.initFn()
}

func (m *mockInitShutdownService) Shutdown() error {
	m.shutdownCount++
	m.calls.add(m.name, "shutdown")
	if m.shutdownFn == nil {
		return nil
	}
	return m.shutdownFn()
}

type mockRunner struct {
	mockService
	runFn    func(ctx context.Context) error
	runCount int
}

func (m *mockRunner) Run(ctx context.Context) error {
	m.runCount++
	m.calls.add(m.name, "run")
	if m.runFn == nil {
		return nil
	}
	return m.runFn(ctx)
}

// mockRunShutdownService is a Runner and a Shutdowner
type mockRunShutdownService struct {
	mockService
	runFn         func(ctx context.Context) error
	shutdownFn    func() error
	runCount      int
	shutdownCount int
}

func (m *mockRunShutdownService) Run(ctx context.Context) error {
	m.runCount++
	m.calls.add(m.name, "run")
	if m.runFn == nil {
		return nil
	}
	return m.runFn(ctx)
}

func (m *mockRunShutdownService) Shutdown() error {
	m.shutdownCount++
	m.calls.add(m.name, "shutdown")
	if m.shutdownFn == nil {
		return nil
	}
	return m.shutdownFn()
}
