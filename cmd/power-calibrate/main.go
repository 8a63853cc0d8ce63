// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/procfs"
	"github.com/sustainable-computing-io/power-calibrate/config"
	"github.com/sustainable-computing-io/power-calibrate/internal/calibrate"
	"github.com/sustainable-computing-io/power-calibrate/internal/device"
	"github.com/sustainable-computing-io/power-calibrate/internal/exporter/prometheus"
	"github.com/sustainable-computing-io/power-calibrate/internal/exporter/stdout"
	"github.com/sustainable-computing-io/power-calibrate/internal/load"
	"github.com/sustainable-computing-io/power-calibrate/internal/logger"
	"github.com/sustainable-computing-io/power-calibrate/internal/report"
	"github.com/sustainable-computing-io/power-calibrate/internal/roster"
	"github.com/sustainable-computing-io/power-calibrate/internal/sampler"
	"github.com/sustainable-computing-io/power-calibrate/internal/service"
	"github.com/sustainable-computing-io/power-calibrate/internal/version"
	"k8s.io/utils/ptr"
)

func main() {
	// load workers re-execute this binary
	if load.IsWorker() {
		os.Exit(load.RunWorker())
	}
	os.Exit(run())
}

func run() int {
	// parse args and config and exit with error if there is an error
	cfg, err := parseArgsAndConfig()
	if err != nil {
		return 1
	}
	logger := logger.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	logVersionInfo(logger)
	printConfigInfo(logger, cfg)

	sess, err := newSession(logger, cfg)
	if err != nil {
		logger.Error("Failed to create services", "error", err)
		return 1
	}
	defer sess.close()

	if err := service.Init(logger, sess.services); err != nil {
		logger.Error("Initialization failed", "error", err)
		return 1
	}

	logger.Info("Starting calibration")
	err = service.Run(context.Background(), logger, sess.services)
	if err := sess.finish(err); err != nil {
		logger.Error("Calibration failed", "error", err)
		return 1
	}
	logger.Info("Calibration completed")
	return 0
}

func logVersionInfo(logger *slog.Logger) {
	v := version.Info()
	logger.Info("power-calibrate version information",
		"version", v.Version,
		"buildTime", v.BuildTime,
		"gitBranch", v.GitBranch,
		"gitCommit", v.GitCommit,
		"goVersion", v.GoVersion,
		"goOS", v.GoOS,
		"goArch", v.GoArch,
	)
}

func parseArgsAndConfig() (*config.Config, error) {
	const appName = "power-calibrate"
	app := kingpin.New(appName, "Calibrate the power drawn by CPU load and context switches.")
	app.Version(version.Info().String())

	configFiles := app.Flag("config.file", "Path to YAML configuration file; repeat to layer drop-in files").Strings()
	updateConfig := config.RegisterFlags(app)
	kingpin.MustParse(app.Parse(os.Args[1:]))

	logger := logger.New("info", "text", os.Stderr)
	cfg := config.DefaultConfig()
	if len(*configFiles) > 0 {
		logger.Info("Loading configuration files", "paths", *configFiles)
		loadedCfg, err := (&config.Builder{}).MergeFiles(*configFiles...).Build()
		if err != nil {
			logger.Error("Error loading config files", "error", err.Error())
			return nil, err
		}
		cfg = loadedCfg
		logger.Info("Completed loading of configuration files", "paths", *configFiles)
	}

	// Apply command line flags (these override config file settings)
	if err := updateConfig(cfg); err != nil {
		logger.Error("Error applying command line flags", "error", err.Error())
		return nil, err
	}

	return cfg, nil
}

func printConfigInfo(logger *slog.Logger, cfg *config.Config) {
	if !logger.Enabled(context.Background(), slog.LevelInfo) || cfg.Log.Format == "json" {
		return
	}

	fmt.Fprintf(os.Stderr, `
Configuration
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
%s
━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━
`, cfg)
}

// session holds the services of a calibration run and the outputs written
// once it completes
type session struct {
	logger     *slog.Logger
	cfg        *config.Config
	services   []service.Service
	calibrator *calibrate.Calibrator
	report     *report.Writer
	textfile   *prometheus.Exporter
	progress   *stdout.Progress
	table      *load.Table
}

func newSession(logger *slog.Logger, cfg *config.Config) (*session, error) {
	logger.Debug("Creating all services")

	r, err := roster.Build(cfg.Calibrate.CPUs, roster.SystemCPUs(cfg.Host.SysFS))
	if err != nil {
		return nil, err
	}

	power, err := createPowerSource(logger, cfg)
	if err != nil {
		return nil, err
	}

	stat, err := sampler.NewStatReader(cfg.Host.ProcFS)
	if err != nil {
		return nil, err
	}

	table, err := load.NewSharedTable(r.Len())
	if err != nil {
		return nil, err
	}
	gen := load.NewGenerator(table, load.WithLogger(logger))

	a := &session{logger: logger, cfg: cfg, table: table}
	console := stdout.NewExporter(stdout.WithLogger(logger))
	onSweep := []func(calibrate.SweepResult){console.OnSweep}

	samplerOpts := []sampler.OptionFn{
		sampler.WithLogger(logger),
		sampler.WithInterval(cfg.Calibrate.Interval),
		sampler.WithStartDelay(cfg.Calibrate.StartDelay),
		sampler.WithMaxReadings(cfg.MaxReadings()),
		sampler.WithStddevValidOnly(ptr.Deref(cfg.Calibrate.StddevValidOnly, false)),
	}
	if ptr.Deref(cfg.Calibrate.Perf, false) {
		samplerOpts = append(samplerOpts, sampler.WithCounters(sampler.PerfCounters(logger)))
	}
	if ptr.Deref(cfg.Calibrate.Progress, false) {
		a.progress = stdout.NewProgress(cellCount(cfg, r)*cfg.MaxReadings(), os.Stderr)
		samplerOpts = append(samplerOpts,
			sampler.WithReadingHook(a.progress.OnReading),
			sampler.WithPhaseHook(a.progress.OnPhase),
		)
	}
	smp := sampler.New(stat, power, table, samplerOpts...)

	if cfg.Output.File != "" {
		a.report = report.NewWriter(cfg.Output.File,
			report.WithLogger(logger),
			report.WithFormat(report.Format(cfg.Output.Format)),
		)
		a.services = append(a.services, a.report)
	}
	if cfg.Output.Textfile != "" {
		a.textfile = prometheus.NewExporter(cfg.Output.Textfile, prometheus.WithLogger(logger))
		onSweep = append(onSweep, a.textfile.OnSweep)
		a.services = append(a.services, a.textfile)
	}

	a.calibrator = calibrate.NewCalibrator(r, power, calibrate.NewGeneratorLoader(gen), smp,
		calibrate.WithLogger(logger),
		calibrate.WithCPULoad(ptr.Deref(cfg.Calibrate.CPULoad, false), cfg.Calibrate.CPUSamples),
		calibrate.WithContextSwitch(ptr.Deref(cfg.Calibrate.ContextSwitch, false), cfg.Calibrate.CtxtSamples),
		calibrate.WithPerCPU(ptr.Deref(cfg.Calibrate.PerCPU, false)),
		calibrate.WithFailurePolicy(calibrate.FailurePolicy(cfg.Calibrate.FailurePolicy)),
		calibrate.WithCellHook(console.OnCell),
		calibrate.WithSweepHook(func(sw calibrate.SweepResult) {
			for _, fn := range onSweep {
				fn(sw)
			}
		}),
	)

	a.services = append(a.services,
		a.calibrator,
		service.NewSignalHandler(load.StopSignals...),
	)
	return a, nil
}

// createPowerSource returns the fake source in development mode and the
// detected backend otherwise
func createPowerSource(logger *slog.Logger, cfg *config.Config) (device.PowerSource, error) {
	fake := cfg.Dev.FakePowerSource
	if ptr.Deref(fake.Enabled, false) {
		fs, err := procfs.NewFS(cfg.Host.ProcFS)
		if err != nil {
			return nil, err
		}
		return device.NewFakePowerSource(fake.Base, fake.Slope,
			device.WithFakeLogger(logger),
			device.WithFakeLoad(device.ProcStatLoad(fs)),
		), nil
	}

	return device.NewPowerSource(
		device.WithLogger(logger),
		device.WithSysFSPath(cfg.Host.SysFS),
		device.WithProcFSPath(cfg.Host.ProcFS),
		device.WithRapl(ptr.Deref(cfg.Calibrate.Rapl, false)),
	)
}

// cellCount returns the number of cells the enabled sweeps run over r
func cellCount(cfg *config.Config, r *roster.Roster) int {
	n := 0
	if ptr.Deref(cfg.Calibrate.CPULoad, false) {
		n += cfg.Calibrate.CPUSamples
	}
	if ptr.Deref(cfg.Calibrate.ContextSwitch, false) {
		n += cfg.Calibrate.CtxtSamples
	}
	return n * r.Len()
}

// finish writes the outputs of a completed run. A run that failed or was
// interrupted has no result and leaves no report behind.
func (a *session) finish(runErr error) error {
	if a.progress != nil {
		_ = a.progress.Finish()
		fmt.Fprintln(os.Stderr)
	}

	res := a.calibrator.Result()
	if runErr != nil || res == nil {
		a.discard()
		if runErr == nil {
			runErr = report.ErrNoResult
		}
		return runErr
	}

	var errs []error
	if a.report != nil {
		if err := a.report.Write(res); err != nil {
			errs = append(errs, err)
		}
	}
	if a.textfile != nil {
		if err := a.textfile.Write(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.cfg.Output.Points != "" {
		if err := report.WritePoints(a.cfg.Output.Points, res); err != nil {
			errs = append(errs, err)
		} else {
			a.logger.Info("Wrote trend points", "path", a.cfg.Output.Points)
		}
	}
	if len(errs) > 0 {
		a.discard()
		return errors.Join(errs...)
	}
	return nil
}

func (a *session) discard() {
	if a.report == nil {
		return
	}
	if err := a.report.Shutdown(); err != nil {
		a.logger.Warn("Failed to remove report", "error", err)
	}
}

func (a *session) close() {
	if err := a.table.Close(); err != nil {
		a.logger.Warn("Failed to release bogo-ops table", "error", err)
	}
}
