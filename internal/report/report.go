// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package report writes the outcome of a calibration run to files.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/sustainable-computing-io/power-calibrate/internal/calibrate"
	"github.com/sustainable-computing-io/power-calibrate/internal/service"
	"gopkg.in/yaml.v3"
	"k8s.io/utils/clock"
)

// Format of the report file
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

var (
	// ErrNoResult is returned when writing the report of a run that did not
	// complete
	ErrNoResult = errors.New("no calibration result")

	// ErrAlreadyWritten is returned by a second Write
	ErrAlreadyWritten = errors.New("report already written")
)

type Opts struct {
	logger *slog.Logger
	format Format
	clock  clock.Clock
	uname  func() (Host, error)
}

// DefaultOpts returns the default options
func DefaultOpts() Opts {
	return Opts{
		logger: slog.Default(),
		format: FormatYAML,
		clock:  clock.RealClock{},
		uname:  Uname,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the Writer
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithFormat sets the encoding of the report
func WithFormat(f Format) OptionFn {
	return func(o *Opts) {
		o.format = f
	}
}

// WithClock sets the clock used to date the report
func WithClock(c clock.Clock) OptionFn {
	return func(o *Opts) {
		o.clock = c
	}
}

// WithUname sets the function identifying the host
func WithUname(fn func() (Host, error)) OptionFn {
	return func(o *Opts) {
		o.uname = fn
	}
}

// Writer creates the report file when initialized and fills it once the
// run completes. A report that was never written is removed on Shutdown so
// a failed run leaves no partial file behind.
type Writer struct {
	logger *slog.Logger
	path   string
	format Format
	clock  clock.Clock
	uname  func() (Host, error)

	mu      sync.Mutex
	file    *os.File
	written bool
}

var (
	_ service.Initializer = (*Writer)(nil)
	_ service.Shutdowner  = (*Writer)(nil)
)

// NewWriter returns a Writer for the report at path
func NewWriter(path string, applyOpts ...OptionFn) *Writer {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}

	return &Writer{
		logger: opts.logger.With("service", "report"),
		path:   path,
		format: opts.format,
		clock:  opts.clock,
		uname:  opts.uname,
	}
}

// Name implements service.Name
func (w *Writer) Name() string {
	return "report"
}

// Init creates the report file so an unusable path fails before the run
func (w *Writer) Init() error {
	switch w.format {
	case FormatYAML, FormatJSON:
	default:
		return fmt.Errorf("unknown report format %q", w.format)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create report %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.file = f
	w.mu.Unlock()
	w.logger.Info("Report file created", "path", w.path, "format", w.format)
	return nil
}

// Write encodes the report of res and closes the file
func (w *Writer) Write(res *calibrate.Result) error {
	if res == nil {
		return ErrNoResult
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written {
		return ErrAlreadyWritten
	}
	if w.file == nil {
		return fmt.Errorf("report %s is not initialized", w.path)
	}

	host, err := w.uname()
	if err != nil {
		w.logger.Warn("Failed to identify host", "error", err)
	}
	doc := NewDocument(res, w.clock.Now(), host)

	if err := encode(w.file, w.format, doc); err != nil {
		return fmt.Errorf("failed to write report %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("failed to close report %s: %w", w.path, err)
	}
	w.file = nil
	w.written = true
	w.logger.Info("Report written", "path", w.path, "series", len(doc.PowerCalibrate.Series))
	return nil
}

// Shutdown removes the report file unless it was written
func (w *Writer) Shutdown() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.written || w.file == nil {
		return nil
	}

	_ = w.file.Close()
	w.file = nil
	if err := os.Remove(w.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove report %s: %w", w.path, err)
	}
	w.logger.Info("Removed incomplete report", "path", w.path)
	return nil
}

func encode(out io.Writer, format Format, doc Document) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	default:
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	}
}
