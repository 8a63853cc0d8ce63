// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package stdout

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"github.com/sustainable-computing-io/power-calibrate/internal/sampler"
)

// Progress shows the readings taken so far out of the readings of a run
type Progress struct {
	mu       sync.Mutex
	bar      *progressbar.ProgressBar
	readings int
}

// NewProgress returns a Progress expecting total readings, drawn on out or
// on stderr when out is nil
func NewProgress(total int, out io.Writer) *Progress {
	if out == nil {
		out = os.Stderr
	}
	bar := progressbar.NewOptions64(int64(total),
		progressbar.OptionSetWriter(out),
		progressbar.OptionSetDescription("calibrating"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionFullWidth(),
	)
	return &Progress{bar: bar}
}

// OnPhase describes the phase of the current cell
func (p *Progress) OnPhase(cell sampler.Cell, phase sampler.Phase) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bar.Describe(fmt.Sprintf("%s %s", cell.Name, phase))
}

// OnReading advances the bar by one reading
func (p *Progress) OnReading(_ sampler.Cell, _ int, _ sampler.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readings++
	_ = p.bar.Add(1)
}

// Readings returns the number of readings seen
func (p *Progress) Readings() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readings
}

// Finish completes the bar
func (p *Progress) Finish() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.bar.Finish()
}
