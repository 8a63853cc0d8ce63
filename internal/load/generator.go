// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package load

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// ErrForkFailed is returned when a worker process cannot be started
var ErrForkFailed = errors.New("failed to start load worker")

// Opts configures a Generator
type Opts struct {
	logger     *slog.Logger
	executable string
	grace      time.Duration
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger:     slog.Default(),
		executable: "/proc/self/exe",
		grace:      2 * time.Second,
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithExecutable sets the binary re-executed as worker
func WithExecutable(path string) OptionFn {
	return func(o *Opts) {
		o.executable = path
	}
}

// WithGracePeriod sets how long Stop waits for workers to exit before
// killing them
func WithGracePeriod(d time.Duration) OptionFn {
	return func(o *Opts) {
		o.grace = d
	}
}

// Generator starts groups of load workers sharing a bogo-ops table
type Generator struct {
	table      *Table
	logger     *slog.Logger
	executable string
	grace      time.Duration
}

// NewGenerator returns a Generator counting into table, which must be a
// shared table
func NewGenerator(table *Table, applyOpts ...OptionFn) *Generator {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return &Generator{
		table:      table,
		logger:     opts.logger.With("service", "load-generator"),
		executable: opts.executable,
		grace:      opts.grace,
	}
}

// Table returns the bogo-ops table of the generator
func (g *Generator) Table() *Table {
	return g.table
}

// Handle is a running worker
type Handle struct {
	PID  int
	CPU  int
	Slot int

	cmd *exec.Cmd
}

// Start resets the table and starts one worker of kind per entry in cpus.
// If a worker cannot be started the ones already running are stopped.
func (g *Generator) Start(ctx context.Context, cpus []int, kind Kind, param uint64) (*Group, error) {
	if g.table.File() == nil {
		return nil, fmt.Errorf("%w: bogo-ops table is not shared", ErrForkFailed)
	}
	if len(cpus) > g.table.Len() {
		return nil, fmt.Errorf("%w: %d workers for %d slots", ErrTableTooSmall, len(cpus), g.table.Len())
	}

	g.table.Reset()
	group := &Group{
		logger:  g.logger,
		grace:   g.grace,
		handles: make([]*Handle, 0, len(cpus)),
	}

	for slot, cpu := range cpus {
		if err := ctx.Err(); err != nil {
			_ = group.Stop()
			return nil, err
		}

		w := workerSpec{kind: kind, param: param, slot: slot, slots: g.table.Len(), cpu: cpu}
		cmd := w.command(g.executable, g.table.File())
		if err := cmd.Start(); err != nil {
			_ = group.Stop()
			return nil, fmt.Errorf("%w: cpu %d: %w", ErrForkFailed, cpu, err)
		}

		pid := cmd.Process.Pid
		if err := pin(pid, cpu); err != nil {
			g.logger.Debug("Failed to pin worker, relying on worker", "pid", pid, "cpu", cpu, "error", err)
		}
		group.handles = append(group.handles, &Handle{PID: pid, CPU: cpu, Slot: slot, cmd: cmd})
	}

	g.logger.Debug("Workers started", "kind", kind, "param", param, "cpus", cpus, "pids", group.PIDs())
	return group, nil
}

// Group is a set of workers started together
type Group struct {
	logger  *slog.Logger
	grace   time.Duration
	handles []*Handle

	stopOnce sync.Once
}

// PIDs returns the process ids of the workers
func (g *Group) PIDs() []int {
	pids := make([]int, len(g.handles))
	for i, h := range g.handles {
		pids[i] = h.PID
	}
	return pids
}

// Handles returns a copy of the worker handles
func (g *Group) Handles() []Handle {
	ret := make([]Handle, len(g.handles))
	for i, h := range g.handles {
		ret[i] = *h
	}
	return ret
}

// Stop asks every worker to terminate, kills the ones still running after
// the grace period and reaps all of them. Calling Stop more than once is a
// no-op.
func (g *Group) Stop() error {
	g.stopOnce.Do(g.stop)
	return nil
}

func (g *Group) stop() {
	if len(g.handles) == 0 {
		return
	}

	for _, h := range g.handles {
		if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			g.logger.Debug("Failed to signal worker", "pid", h.PID, "error", err)
		}
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	for _, h := range g.handles {
		wg.Add(1)
		go func(h *Handle) {
			defer wg.Done()
			if err := h.cmd.Wait(); err != nil {
				g.logger.Debug("Worker exited", "pid", h.PID, "error", err)
			}
		}(h)
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(g.grace)
	defer timer.Stop()
	select {
	case <-done:
		return
	case <-timer.C:
	}

	for _, h := range g.handles {
		if err := h.cmd.Process.Kill(); err == nil {
			g.logger.Warn("Killed worker that did not stop in time", "pid", h.PID, "cpu", h.CPU)
		}
	}
	<-done
}
