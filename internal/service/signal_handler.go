// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
)

// ErrInterrupted is returned by the SignalHandler when one of its signals arrives
var ErrInterrupted = errors.New("interrupted")

// SignalHandler is a Runner that returns on the first signal received, which
// ends the run group and cancels every other service
type SignalHandler struct {
	signals []os.Signal
}

func NewSignalHandler(signals ...os.Signal) *SignalHandler {
	return &SignalHandler{
		signals: signals,
	}
}

func (sh *SignalHandler) Name() string {
	return "signal-handler"
}

func (sh *SignalHandler) Run(ctx context.Context) error {
	c := make(chan os.Signal, 1)
	signal.Notify(c, sh.signals...)
	defer signal.Stop(c)
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to abort the calibration")

	select {
	case sig := <-c:
		return fmt.Errorf("received %s: %w", sig, ErrInterrupted)

	case <-ctx.Done():
		return ctx.Err()
	}
}
