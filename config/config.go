// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/ptr"
)

// Config represents the complete application configuration
type (
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	}
	Host struct {
		SysFS  string `yaml:"sysfs"`
		ProcFS string `yaml:"procfs"`
	}

	// Calibrate controls the load sweeps and the sampling of each cell
	Calibrate struct {
		StartDelay time.Duration `yaml:"startDelay"` // settle time before the first reading of a cell
		Duration   time.Duration `yaml:"duration"`   // sampling time of a cell
		Interval   time.Duration `yaml:"interval"`   // time between two readings

		CPUSamples  int `yaml:"cpuSamples"`  // load levels of the CPU sweep
		CtxtSamples int `yaml:"ctxtSamples"` // wakeup rates of the context switch sweep

		// CPUs is a comma separated list of CPU ids to load; empty means all CPUs
		CPUs string `yaml:"cpus"`

		PerCPU          *bool         `yaml:"perCPU"`
		CPULoad         *bool         `yaml:"cpuLoad"`
		ContextSwitch   *bool         `yaml:"contextSwitch"`
		Rapl            *bool         `yaml:"rapl"`
		Perf            *bool         `yaml:"perf"`
		StddevValidOnly *bool         `yaml:"stddevValidOnly"`
		FailurePolicy   FailurePolicy `yaml:"failurePolicy"`
		Progress        *bool         `yaml:"progress"`
	}

	Output struct {
		File     string `yaml:"file"`     // report path
		Format   string `yaml:"format"`   // yaml or json
		Textfile string `yaml:"textfile"` // prometheus textfile collector path
		Points   string `yaml:"points"`   // csv of the trend points
	}

	// Development mode settings; disabled by default
	Dev struct {
		FakePowerSource struct {
			Enabled *bool   `yaml:"enabled"`
			Base    float64 `yaml:"base"`  // Watts at zero load
			Slope   float64 `yaml:"slope"` // Watts per % of load
		} `yaml:"fake-power-source"`
	}

	Config struct {
		Log       Log       `yaml:"log"`
		Host      Host      `yaml:"host"`
		Calibrate Calibrate `yaml:"calibrate"`
		Output    Output    `yaml:"output"`
		Dev       Dev       `yaml:"dev"` // WARN: do not expose dev settings as flags
	}
)

// FailurePolicy decides what happens to a sweep when one of its cells fails
type FailurePolicy string

const (
	FailurePolicyAbort FailurePolicy = "abort"
	FailurePolicySkip  FailurePolicy = "skip"
)

type SkipValidation int

const (
	SkipHostValidation SkipValidation = 1
)

const (
	// MinRunDuration is the shortest sampling time accepted for a cell
	MinRunDuration = 30 * time.Second

	// DefaultStartDelay is the settle time the default run duration accounts for
	DefaultStartDelay = 15 * time.Second

	MinSamples     = 3
	MaxCPUSamples  = 100
	MaxCtxtSamples = 20
)

const (
	// Flags
	LogLevelFlag  = "log.level"
	LogFormatFlag = "log.format"

	HostSysFSFlag  = "host.sysfs"
	HostProcFSFlag = "host.procfs"

	CalibrateStartDelayFlag      = "calibrate.start-delay"
	CalibrateDurationFlag        = "calibrate.duration"
	CalibrateIntervalFlag        = "calibrate.interval"
	CalibrateCPUSamplesFlag      = "calibrate.cpu-samples"
	CalibrateCtxtSamplesFlag     = "calibrate.ctxt-samples"
	CalibrateCPUsFlag            = "calibrate.cpus"
	CalibratePerCPUFlag          = "calibrate.per-cpu"
	CalibrateCPULoadFlag         = "calibrate.cpu-load"
	CalibrateContextSwitchFlag   = "calibrate.context-switch"
	CalibrateRaplFlag            = "calibrate.rapl"
	CalibratePerfFlag            = "calibrate.perf"
	CalibrateStddevValidOnly     = "calibrate.stddev-valid-only" // not a flag
	CalibrateFailurePolicyFlag   = "calibrate.failure-policy"
	CalibrateProgressFlag        = "calibrate.progress"
	OutputFileFlag               = "output.file"
	OutputFormatFlag             = "output.format"
	OutputTextfileFlag           = "output.textfile"
	OutputPointsFlag             = "output.points"
	DevFakePowerSourceEnabledKey = "dev.fake-power-source.enabled" // not a flag

// WARN:  dev settings shouldn't be exposed as flags as flags are intended for end users
)

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	cfg := &Config{
		Log: Log{
			Level:  "info",
			Format: "text",
		},
		Host: Host{
			SysFS:  "/sys",
			ProcFS: "/proc",
		},
		Calibrate: Calibrate{
			StartDelay:  DefaultStartDelay,
			Duration:    120 * time.Second,
			Interval:    time.Second,
			CPUSamples:  10,
			CtxtSamples: MaxCtxtSamples,

			PerCPU:          ptr.To(false),
			CPULoad:         ptr.To(true),
			ContextSwitch:   ptr.To(false),
			Rapl:            ptr.To(false),
			Perf:            ptr.To(true),
			StddevValidOnly: ptr.To(false),
			FailurePolicy:   FailurePolicyAbort,
			Progress:        ptr.To(false),
		},
		Output: Output{
			Format: "yaml",
		},
	}

	cfg.Dev.FakePowerSource.Enabled = ptr.To(false)
	cfg.Dev.FakePowerSource.Base = 5.0
	cfg.Dev.FakePowerSource.Slope = 0.1
	return cfg
}

// Load loads configuration from an io.Reader
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.sanitize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// FromFile loads configuration from a file
func FromFile(filePath string) (*Config, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	var errRet error
	defer func() {
		err = file.Close()
		if err != nil && errRet == nil {
			errRet = err
		}
	}()

	cfg, errRet := Load(file)

	return cfg, errRet
}

type ConfigUpdaterFn func(*Config) error

// RegisterFlags registers command-line flags with kingpin app
// and returns ConfigUpdaterFn that updates the config from parsed flags
// as command line arguments override config file settings
func RegisterFlags(app *kingpin.Application) ConfigUpdaterFn {
	// track flags that were explicitly set
	flagsSet := map[string]bool{}

	app.PreAction(func(ctx *kingpin.ParseContext) error {
		// Clear the map in case this function is called multiple times
		flagsSet = map[string]bool{}

		for _, element := range ctx.Elements {
			if flag, ok := element.Clause.(*kingpin.FlagClause); ok && element.Value != nil {
				flagsSet[flag.Model().Name] = true
			}
		}
		return nil
	})

	// Logging
	logLevel := app.Flag(LogLevelFlag, "Logging level: debug, info, warn, error").Default("info").Enum("debug", "info", "warn", "error")
	logFormat := app.Flag(LogFormatFlag, "Logging format: text or json").Default("text").Enum("text", "json")
	// host
	hostSysFS := app.Flag(HostSysFSFlag, "Host sysfs path").Default("/sys").ExistingDir()
	hostProcFS := app.Flag(HostProcFSFlag, "Host procfs path").Default("/proc").ExistingDir()

	// calibration
	startDelay := app.Flag(CalibrateStartDelayFlag, "Time to let the system settle before sampling a cell").Default("15s").Duration()
	duration := app.Flag(CalibrateDurationFlag, "Sampling time of each cell; at least 30s").Default("120s").Duration()
	interval := app.Flag(CalibrateIntervalFlag, "Time between two readings; at least 1s").Default("1s").Duration()
	cpuSamples := app.Flag(CalibrateCPUSamplesFlag, "Number of CPU load levels (3-100)").Default("10").Int()
	ctxtSamples := app.Flag(CalibrateCtxtSamplesFlag, "Number of context switch rates (3-20)").Default("20").Int()
	cpus := app.Flag(CalibrateCPUsFlag, "Comma separated list of CPUs to load; all CPUs if empty").Default("").String()
	perCPU := app.Flag(CalibratePerCPUFlag, "Also fit a trend for each number of loaded CPUs").Default("false").Bool()
	cpuLoad := app.Flag(CalibrateCPULoadFlag, "Calibrate against CPU load").Default("true").Bool()
	contextSwitch := app.Flag(CalibrateContextSwitchFlag, "Calibrate against context switches").Default("false").Bool()
	rapl := app.Flag(CalibrateRaplFlag, "Measure power with RAPL instead of the battery").Default("false").Bool()
	perf := app.Flag(CalibratePerfFlag, "Read CPU cycles and instructions from hardware counters").Default("true").Bool()
	failurePolicy := app.Flag(CalibrateFailurePolicyFlag, "What to do when a cell fails: abort or skip").
		Default(string(FailurePolicyAbort)).Enum(string(FailurePolicyAbort), string(FailurePolicySkip))
	progress := app.Flag(CalibrateProgressFlag, "Show sampling progress").Default("false").Bool()

	// output
	outputFile := app.Flag(OutputFileFlag, "Write the calibration report to this file").Default("").String()
	outputFormat := app.Flag(OutputFormatFlag, "Report format: yaml or json").Default("yaml").Enum("yaml", "json")
	outputTextfile := app.Flag(OutputTextfileFlag, "Write the fitted coefficients in Prometheus textfile format").Default("").String()
	outputPoints := app.Flag(OutputPointsFlag, "Write the trend points as CSV").Default("").String()

	return func(cfg *Config) error {
		// Logging settings
		if flagsSet[LogLevelFlag] {
			cfg.Log.Level = *logLevel
		}

		if flagsSet[LogFormatFlag] {
			cfg.Log.Format = *logFormat
		}

		if flagsSet[HostSysFSFlag] {
			cfg.Host.SysFS = *hostSysFS
		}

		if flagsSet[HostProcFSFlag] {
			cfg.Host.ProcFS = *hostProcFS
		}

		// calibration settings
		if flagsSet[CalibrateStartDelayFlag] {
			cfg.Calibrate.StartDelay = *startDelay
		}
		if flagsSet[CalibrateDurationFlag] {
			cfg.Calibrate.Duration = *duration
		}
		if flagsSet[CalibrateIntervalFlag] {
			cfg.Calibrate.Interval = *interval
		}
		if flagsSet[CalibrateCPUSamplesFlag] {
			cfg.Calibrate.CPUSamples = *cpuSamples
		}
		if flagsSet[CalibrateCtxtSamplesFlag] {
			cfg.Calibrate.CtxtSamples = *ctxtSamples
		}
		if flagsSet[CalibrateCPUsFlag] {
			cfg.Calibrate.CPUs = *cpus
		}
		if flagsSet[CalibratePerCPUFlag] {
			cfg.Calibrate.PerCPU = perCPU
		}
		if flagsSet[CalibrateCPULoadFlag] {
			cfg.Calibrate.CPULoad = cpuLoad
		}
		if flagsSet[CalibrateContextSwitchFlag] {
			cfg.Calibrate.ContextSwitch = contextSwitch
		}
		if flagsSet[CalibrateRaplFlag] {
			cfg.Calibrate.Rapl = rapl
		}
		if flagsSet[CalibratePerfFlag] {
			cfg.Calibrate.Perf = perf
		}
		if flagsSet[CalibrateFailurePolicyFlag] {
			cfg.Calibrate.FailurePolicy = FailurePolicy(*failurePolicy)
		}
		if flagsSet[CalibrateProgressFlag] {
			cfg.Calibrate.Progress = progress
		}

		// output settings
		if flagsSet[OutputFileFlag] {
			cfg.Output.File = *outputFile
		}
		if flagsSet[OutputFormatFlag] {
			cfg.Output.Format = *outputFormat
		}
		if flagsSet[OutputTextfileFlag] {
			cfg.Output.Textfile = *outputTextfile
		}
		if flagsSet[OutputPointsFlag] {
			cfg.Output.Points = *outputPoints
		}

		cfg.sanitize()
		return cfg.Validate()
	}
}

func (c *Config) sanitize() {
	c.Log.Level = strings.TrimSpace(c.Log.Level)
	c.Log.Format = strings.TrimSpace(c.Log.Format)
	c.Host.SysFS = strings.TrimSpace(c.Host.SysFS)
	c.Host.ProcFS = strings.TrimSpace(c.Host.ProcFS)

	c.Calibrate.CPUs = strings.TrimSpace(c.Calibrate.CPUs)
	c.Calibrate.FailurePolicy = FailurePolicy(strings.ToLower(strings.TrimSpace(string(c.Calibrate.FailurePolicy))))

	c.Output.File = strings.TrimSpace(c.Output.File)
	c.Output.Format = strings.ToLower(strings.TrimSpace(c.Output.Format))
	c.Output.Textfile = strings.TrimSpace(c.Output.Textfile)
	c.Output.Points = strings.TrimSpace(c.Output.Points)
}

// Validate checks for configuration errors
func (c *Config) Validate(skips ...SkipValidation) error {
	validationSkipped := make(map[SkipValidation]bool, len(skips))
	for _, v := range skips {
		validationSkipped[v] = true
	}
	var errs []string
	{ // log level

		validLogLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}

		// Validate logging settings
		if _, valid := validLogLevels[c.Log.Level]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log level: %s", c.Log.Level))
		}
	}
	{ // log format
		validFormats := map[string]bool{
			"text": true,
			"json": true,
		}
		if _, valid := validFormats[c.Log.Format]; !valid {
			errs = append(errs, fmt.Sprintf("invalid log format: %s", c.Log.Format))
		}
	}

	{ // Validate host settings
		if _, skip := validationSkipped[SkipHostValidation]; !skip {
			if err := canReadDir(c.Host.SysFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid sysfs path: %s: %s ", c.Host.SysFS, err.Error()))
			}
			if err := canReadDir(c.Host.ProcFS); err != nil {
				errs = append(errs, fmt.Sprintf("invalid procfs path: %s: %s ", c.Host.ProcFS, err.Error()))
			}
		}
	}
	{ // Calibration timing
		cal := c.Calibrate
		if cal.StartDelay < 0 {
			errs = append(errs, fmt.Sprintf("invalid start delay: %s can't be negative", cal.StartDelay))
		}
		if cal.Duration < MinRunDuration {
			errs = append(errs, fmt.Sprintf("invalid run duration: %s must be %s or more", cal.Duration, MinRunDuration))
		}
		if cal.Interval < time.Second {
			errs = append(errs, fmt.Sprintf("invalid sample interval: %s must be 1s or more", cal.Interval))
		}
	}
	{ // Calibration sweeps
		cal := c.Calibrate
		if cal.CPUSamples < MinSamples || cal.CPUSamples > MaxCPUSamples {
			errs = append(errs, fmt.Sprintf("invalid cpu samples: %d out of range %d-%d", cal.CPUSamples, MinSamples, MaxCPUSamples))
		}
		if cal.CtxtSamples < MinSamples || cal.CtxtSamples > MaxCtxtSamples {
			errs = append(errs, fmt.Sprintf("invalid context switch samples: %d out of range %d-%d", cal.CtxtSamples, MinSamples, MaxCtxtSamples))
		}
		if !ptr.Deref(cal.CPULoad, false) && !ptr.Deref(cal.ContextSwitch, false) {
			errs = append(errs, fmt.Sprintf("nothing to calibrate: enable %s or %s", CalibrateCPULoadFlag, CalibrateContextSwitchFlag))
		}
		switch cal.FailurePolicy {
		case FailurePolicyAbort, FailurePolicySkip:
		default:
			errs = append(errs, fmt.Sprintf("invalid failure policy: %q", cal.FailurePolicy))
		}
	}
	{ // Output
		switch c.Output.Format {
		case "yaml", "json":
		default:
			errs = append(errs, fmt.Sprintf("invalid output format: %s", c.Output.Format))
		}
	}
	{ // Fake power source
		if ptr.Deref(c.Dev.FakePowerSource.Enabled, false) && c.Dev.FakePowerSource.Base < 0 {
			errs = append(errs, fmt.Sprintf("invalid fake power source base: %f can't be negative", c.Dev.FakePowerSource.Base))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, ", "))
	}

	return nil
}

// MaxReadings returns the number of readings taken in each cell. A shorter
// start delay is given back to sampling so that a cell always takes the same
// wall clock time.
func (c *Config) MaxReadings() int {
	cal := c.Calibrate
	if cal.Interval <= 0 {
		return 1
	}
	n := int((cal.Duration + DefaultStartDelay - cal.StartDelay) / cal.Interval)
	return max(n, 1)
}

func canReadDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}

	defer func() {
		// ignored on purpose
		_ = f.Close()
	}()

	_, err = f.ReadDir(1)
	if err != nil {
		return err
	}

	return nil
}

func (c *Config) String() string {
	bytes, err := yaml.Marshal(c)
	if err == nil {
		return string(bytes)
	}
	// NOTE:  this code path should not happen but if it does (i.e if yaml marshal) fails
	// for some reason, manually build the string
	return c.manualString()
}

func (c *Config) manualString() string {
	cfgs := []struct {
		Name  string
		Value string
	}{
		{LogLevelFlag, c.Log.Level},
		{LogFormatFlag, c.Log.Format},
		{HostSysFSFlag, c.Host.SysFS},
		{HostProcFSFlag, c.Host.ProcFS},
		{CalibrateStartDelayFlag, c.Calibrate.StartDelay.String()},
		{CalibrateDurationFlag, c.Calibrate.Duration.String()},
		{CalibrateIntervalFlag, c.Calibrate.Interval.String()},
		{CalibrateCPUSamplesFlag, fmt.Sprintf("%d", c.Calibrate.CPUSamples)},
		{CalibrateCtxtSamplesFlag, fmt.Sprintf("%d", c.Calibrate.CtxtSamples)},
		{CalibrateCPUsFlag, c.Calibrate.CPUs},
		{CalibratePerCPUFlag, fmt.Sprintf("%v", ptr.Deref(c.Calibrate.PerCPU, false))},
		{CalibrateCPULoadFlag, fmt.Sprintf("%v", ptr.Deref(c.Calibrate.CPULoad, false))},
		{CalibrateContextSwitchFlag, fmt.Sprintf("%v", ptr.Deref(c.Calibrate.ContextSwitch, false))},
		{CalibrateRaplFlag, fmt.Sprintf("%v", ptr.Deref(c.Calibrate.Rapl, false))},
		{CalibratePerfFlag, fmt.Sprintf("%v", ptr.Deref(c.Calibrate.Perf, false))},
		{CalibrateStddevValidOnly, fmt.Sprintf("%v", ptr.Deref(c.Calibrate.StddevValidOnly, false))},
		{CalibrateFailurePolicyFlag, string(c.Calibrate.FailurePolicy)},
		{CalibrateProgressFlag, fmt.Sprintf("%v", ptr.Deref(c.Calibrate.Progress, false))},
		{OutputFileFlag, c.Output.File},
		{OutputFormatFlag, c.Output.Format},
		{OutputTextfileFlag, c.Output.Textfile},
		{OutputPointsFlag, c.Output.Points},
		{DevFakePowerSourceEnabledKey, fmt.Sprintf("%v", ptr.Deref(c.Dev.FakePowerSource.Enabled, false))},
	}
	sb := strings.Builder{}

	for _, cfg := range cfgs {
		sb.WriteString(cfg.Name)
		sb.WriteString(": ")
		sb.WriteString(cfg.Value)
		sb.WriteString("\n")
	}

	return sb.String()
}
