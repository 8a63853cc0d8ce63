// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package service runs the parts of a calibration as services with a common
// lifecycle: Init, Run until the first service returns, then Shutdown.
package service

import "context"

type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that need to acquire resources
// before the run, such as output files or the power source
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services that block during the run
type Runner interface {
	Service
	// Run runs the service and is expected to block and be thread safe
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that must release resources, such
// as running load workers
type Shutdowner interface {
	Service
	// Shutdown shuts down the service
	Shutdown() error
}
