// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/oklog/run"
)

// Run runs all services that implement the Runner interface until the first
// of them returns. The others are then cancelled and shut down. The error of
// the first service to return is wrapped with its name.
func Run(outer context.Context, logger *slog.Logger, services []Service) error {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}

	logger.Info("Running all services")
	ctx, cancel := context.WithCancel(outer)
	defer cancel()
	var g run.Group

	for _, s := range services {
		runner, ok := s.(Runner)
		if !ok {
			logger.Debug("skipping service", "service", s.Name(),
				"reason", "service does not implement Runner")
			continue
		}

		g.Add(
			func() error {
				logger.Info("Running service", "service", s.Name())
				if err := runner.Run(ctx); err != nil {
					return fmt.Errorf("%s: %w", s.Name(), err)
				}
				return nil
			},
			func(err error) {
				cancel()
				logTermination(logger, s.Name(), err)

				shutdowner, ok := s.(Shutdowner)
				if !ok {
					logger.Debug("skipping service shutting down", "service", s.Name(),
						"reason", "service does not implement Shutdowner interface")
					return
				}

				logger.Info("shutting down", "service", s.Name())
				if shutdownErr := shutdowner.Shutdown(); shutdownErr != nil {
					logger.Warn("service shutdown failed with error", "service", s.Name(), "error", shutdownErr)
				}
			},
		)
	}

	return g.Run()
}

func logTermination(logger *slog.Logger, name string, err error) {
	switch {
	case err == nil:
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		logger.Info("service interrupted", "service", name, "reason", err)
	default:
		logger.Warn("service terminated", "service", name, "reason", err)
	}
}
