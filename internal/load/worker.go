// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package load

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/procfs"
	"github.com/sustainable-computing-io/power-calibrate/internal/logger"
	"golang.org/x/sys/unix"
)

// Kind selects the load run by a worker
type Kind string

const (
	// KindCPU spins at a duty cycle given in percent
	KindCPU Kind = "cpu"
	// KindContextSwitch wakes a peer process; the parameter is the period in
	// microseconds
	KindContextSwitch Kind = "ctxt"

	kindPeer Kind = "ctxt-peer"
)

// Workers are re-executions of the running binary. The kind and parameters
// travel in the environment, the bogo-ops table and pipes as inherited files.
const (
	envKind  = "POWER_CALIBRATE_WORKER"
	envParam = "POWER_CALIBRATE_WORKER_PARAM"
	envSlot  = "POWER_CALIBRATE_WORKER_SLOT"
	envSlots = "POWER_CALIBRATE_WORKER_SLOTS"
	envCPU   = "POWER_CALIBRATE_WORKER_CPU"

	// first inherited file descriptor is 3
	tableFD = 3
	pingFD  = 4
	pongFD  = 5
)

// StopSignals end a worker
var StopSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGHUP,
	syscall.SIGQUIT,
	syscall.SIGUSR1,
	syscall.SIGUSR2,
}

// workerSpec describes a worker process
type workerSpec struct {
	kind  Kind
	param uint64
	slot  int
	slots int
	cpu   int
}

func (w workerSpec) env() []string {
	return append(os.Environ(),
		envKind+"="+string(w.kind),
		envParam+"="+strconv.FormatUint(w.param, 10),
		envSlot+"="+strconv.Itoa(w.slot),
		envSlots+"="+strconv.Itoa(w.slots),
		envCPU+"="+strconv.Itoa(w.cpu),
	)
}

// command builds the re-execution of exe running w. files are inherited
// starting at descriptor 3.
func (w workerSpec) command(exe string, files ...*os.File) *exec.Cmd {
	cmd := exec.Command(exe)
	cmd.Args = []string{"power-calibrate-" + string(w.kind)}
	cmd.Env = w.env()
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = files
	return cmd
}

func workerSpecFromEnv() (workerSpec, error) {
	w := workerSpec{kind: Kind(os.Getenv(envKind))}

	var errs []error
	parseInt := func(key string) int {
		v, err := strconv.Atoi(os.Getenv(key))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
		return v
	}

	param, err := strconv.ParseUint(os.Getenv(envParam), 10, 64)
	if err != nil {
		errs = append(errs, fmt.Errorf("%s: %w", envParam, err))
	}
	w.param = param
	w.slot = parseInt(envSlot)
	w.slots = parseInt(envSlots)
	w.cpu = parseInt(envCPU)

	if len(errs) == 0 && (w.slot < 0 || w.slot >= w.slots) {
		errs = append(errs, fmt.Errorf("slot %d out of range [0, %d)", w.slot, w.slots))
	}
	return w, errors.Join(errs...)
}

// A worker runs its load on the main goroutine. Keeping that goroutine on the
// thread whose id is the process id makes per-process perf counters and the
// affinity set by the parent apply to the thread doing the work.
func init() {
	if IsWorker() {
		runtime.LockOSThread()
	}
}

// IsWorker reports whether the process was started as a load worker
func IsWorker() bool {
	return os.Getenv(envKind) != ""
}

// RunWorker runs the load selected by the environment until one of
// StopSignals arrives and returns the process exit code
func RunWorker() int {
	log := logger.New("warn", "text", os.Stderr).With("service", "load-worker", "pid", os.Getpid())

	w, err := workerSpecFromEnv()
	if err != nil {
		log.Error("Invalid worker environment", "error", err)
		return 2
	}
	log = log.With("kind", w.kind, "cpu", w.cpu)

	if err := pinThreads(os.Getpid(), w.cpu); err != nil {
		log.Warn("Failed to set cpu affinity", "error", err)
	}

	table, err := mapTable(os.NewFile(tableFD, "bogo-ops"), w.slots)
	if err != nil {
		log.Error("Failed to map bogo-ops table", "error", err)
		return 1
	}
	defer table.Close()
	counter := table.Slot(w.slot)

	ctx, stop := signal.NotifyContext(context.Background(), StopSignals...)
	defer stop()

	switch w.kind {
	case KindCPU:
		SpinLoad(ctx, int(w.param), counter)

	case KindContextSwitch:
		if err := runContextSwitchWorker(ctx, w, table, counter); err != nil {
			log.Error("Context switch load failed", "error", err)
			return 1
		}

	case kindPeer:
		ping := os.NewFile(pingFD, "ping")
		pong := os.NewFile(pongFD, "pong")
		defer ping.Close()
		defer pong.Close()
		// the peer ends on the sentinel byte or when its worker goes away
		signal.Ignore(StopSignals...)
		if err := RunPeer(ping, pong, counter); err != nil {
			log.Error("Context switch peer failed", "error", err)
			return 1
		}

	default:
		log.Error("Unknown worker kind")
		return 2
	}
	return 0
}

// runContextSwitchWorker starts the peer process on the same CPU and drives
// the exchanges with it
func runContextSwitchWorker(ctx context.Context, w workerSpec, table *Table, counter *atomic.Uint64) error {
	pingR, pingW, err := os.Pipe()
	if err != nil {
		return err
	}
	pongR, pongW, err := os.Pipe()
	if err != nil {
		_ = pingR.Close()
		_ = pingW.Close()
		return err
	}

	peerSpec := w
	peerSpec.kind = kindPeer
	peer := peerSpec.command("/proc/self/exe", table.File(), pingR, pongW)
	startErr := peer.Start()
	_ = pingR.Close()
	_ = pongW.Close()
	if startErr != nil {
		_ = pingW.Close()
		_ = pongR.Close()
		return fmt.Errorf("failed to start peer: %w", startErr)
	}

	period := time.Duration(w.param) * time.Microsecond
	loadErr := ContextSwitchLoad(ctx, period, counter, pingW, pongR)

	_ = pingW.Close()
	_ = pongR.Close()
	_ = peer.Process.Kill()
	_ = peer.Wait()
	return loadErr
}

// pinThreads sets the affinity of every thread of pid to cpu
func pinThreads(pid, cpu int) error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return err
	}
	threads, err := fs.AllThreads(pid)
	if err != nil {
		return err
	}

	var errs []error
	for _, t := range threads {
		if err := pin(t.PID, cpu); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("thread %d: %w", t.PID, err))
		}
	}
	return errors.Join(errs...)
}

// pin sets the affinity of pid (0 for the caller) to cpu
func pin(pid, cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(pid, &set)
}
