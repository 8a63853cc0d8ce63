// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package sampler

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/sustainable-computing-io/power-calibrate/internal/device"
	"github.com/sustainable-computing-io/power-calibrate/internal/perf"
)

// fakeStat advances the cpu counters by 100 ticks per read, busy percent of
// them as user time
type fakeStat struct {
	mu       sync.Mutex
	busy     float64
	stalled  int // reads that do not advance the counters
	ctxtStep float64
	err      error

	current Sample
	reads   int
}

func (f *fakeStat) Read() (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Sample{}, f.err
	}
	f.reads++
	if f.reads == 1 {
		f.current = snap(0, 0, 0, 0, 0, 0)
	} else if f.stalled > 0 {
		f.stalled--
	} else {
		f.current.Values[User] += f.busy
		f.current.Values[Idle] += 100 - f.busy
		f.current.Values[Ctxt] += f.ctxtStep
	}
	return f.current, nil
}

// fakePower replays readings; the last one repeats
type fakePower struct {
	mu       sync.Mutex
	readings []*device.PowerReading
	errs     []error
	calls    int
}

func (f *fakePower) Name() string { return "fake" }
func (f *fakePower) Init() error  { return nil }

func (f *fakePower) Read() (*device.PowerReading, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.readings) {
		i = len(f.readings) - 1
	}
	r := *f.readings[i]
	return &r, nil
}

func steadyPower(watts float64) *fakePower {
	return &fakePower{readings: []*device.PowerReading{{
		Power: watts, Voltage: 12, Current: watts / 12, Discharging: true,
	}}}
}

// fakeCounter counts 1000 bogo-ops between two reads
type fakeCounter struct {
	mu  sync.Mutex
	sum uint64
}

func (c *fakeCounter) Sum() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v := c.sum
	c.sum += 1000
	return v
}

// run executes fn while stepping clk each time something waits on it
func run(t *testing.T, clk *testingclock.FakeClock, fn func()) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()

	timeout := time.After(10 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-timeout:
			t.Fatal("sampler did not finish")
		default:
		}
		if clk.HasWaiters() {
			clk.Step(time.Second)
		} else {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestSamplerRun(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	stat := &fakeStat{busy: 40, ctxtStep: 300}
	power := steadyPower(12)

	var phases []Phase
	var seen []int
	s := New(stat, power, &fakeCounter{},
		WithClock(clk),
		WithStartDelay(2*time.Second),
		WithMaxReadings(3),
		WithPhaseHook(func(_ Cell, p Phase) { phases = append(phases, p) }),
		WithReadingHook(func(_ Cell, n int, _ Sample) { seen = append(seen, n) }),
	)
	assert.Equal(t, 3, s.MaxReadings())

	var res *Result
	var err error
	run(t, clk, func() {
		res, err = s.Run(context.Background(), Cell{Name: "cpu 40%"})
	})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Readings)
	assert.InDelta(t, 40.0, res.Busy, 1e-9)
	assert.InDelta(t, 300.0, res.Ctxt, 1e-9)
	assert.InDelta(t, 1000.0, res.BogoOps, 1e-9)
	assert.InDelta(t, 12.0, res.Power, 1e-9)
	assert.InDelta(t, 12.0, res.Voltage, 1e-9)
	assert.InDelta(t, 0.0, res.StdDev.Values[Power], 1e-9)
	assert.True(t, res.Average.Inaccurate[Cycles], "no hardware counters configured")

	// two warm up reads, one check and one per reading
	assert.Equal(t, 2+1+3, power.calls)
	assert.Equal(t, []Phase{PhaseWarmUp, PhaseDischarging, PhaseSampling, PhaseSummarize}, phases)
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestSamplerDiscardsStalledTicks(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	stat := &fakeStat{busy: 100, stalled: 2}

	s := New(stat, steadyPower(5), nil, WithClock(clk), WithMaxReadings(2))
	var res *Result
	var err error
	run(t, clk, func() {
		res, err = s.Run(context.Background(), Cell{Name: "stalled"})
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Readings)
	assert.InDelta(t, 100.0, res.Busy, 1e-9)
	assert.True(t, res.Average.Inaccurate[BogoOps], "no bogo-ops counter")
	// first snapshot, two stalled ticks and two readings
	assert.Equal(t, 5, stat.reads)
}

func TestSamplerGivesUpOnStalledStat(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	stat := &fakeStat{busy: 100, stalled: 1000}

	s := New(stat, steadyPower(5), nil, WithClock(clk), WithMaxReadings(3))
	var err error
	run(t, clk, func() {
		_, err = s.Run(context.Background(), Cell{Name: "frozen"})
	})
	assert.ErrorIs(t, err, ErrCellAborted)
	assert.ErrorIs(t, err, ErrStalled)
	// first snapshot and one more discarded tick than readings
	assert.Equal(t, 1+4, stat.reads)
}

func TestSamplerFailures(t *testing.T) {
	boom := errors.New("boom")
	discharging := &device.PowerReading{Power: 10, Discharging: true}
	charging := &device.PowerReading{Power: 10, Discharging: false}

	tests := []struct {
		name       string
		startDelay time.Duration
		power      *fakePower
		stat       *fakeStat
		wantErr    []error
	}{{
		name:       "warm up read fails",
		startDelay: 3 * time.Second,
		power:      &fakePower{errs: []error{nil, boom}, readings: []*device.PowerReading{discharging}},
		stat:       &fakeStat{busy: 50},
		wantErr:    []error{ErrWarmUpFailed, boom},
	}, {
		name:       "warm up stops discharging",
		startDelay: 3 * time.Second,
		power:      &fakePower{readings: []*device.PowerReading{discharging, charging}},
		stat:       &fakeStat{busy: 50},
		wantErr:    []error{ErrWarmUpFailed, device.ErrNotDischarging},
	}, {
		name:    "not discharging at start",
		power:   &fakePower{errs: []error{device.ErrNotDischarging}, readings: []*device.PowerReading{discharging}},
		stat:    &fakeStat{busy: 50},
		wantErr: []error{ErrCellAborted, device.ErrNotDischarging},
	}, {
		name:    "power fails while sampling",
		power:   &fakePower{readings: []*device.PowerReading{discharging, discharging, charging}},
		stat:    &fakeStat{busy: 50},
		wantErr: []error{ErrCellAborted, device.ErrNotDischarging},
	}, {
		name:    "stat unavailable",
		power:   steadyPower(10),
		stat:    &fakeStat{err: boom},
		wantErr: []error{ErrStatUnavailable, boom},
	}}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			clk := testingclock.NewFakeClock(time.Now())
			s := New(tc.stat, tc.power, nil,
				WithClock(clk),
				WithStartDelay(tc.startDelay),
				WithMaxReadings(5),
			)

			var res *Result
			var err error
			run(t, clk, func() {
				res, err = s.Run(context.Background(), Cell{Name: tc.name})
			})
			assert.Nil(t, res)
			for _, want := range tc.wantErr {
				assert.ErrorIs(t, err, want)
			}
		})
	}
}

func TestSamplerCancel(t *testing.T) {
	for _, startDelay := range []time.Duration{0, 5 * time.Second} {
		t.Run(fmt.Sprintf("start delay %s", startDelay), func(t *testing.T) {
			clk := testingclock.NewFakeClock(time.Now())
			s := New(&fakeStat{busy: 10}, steadyPower(3), nil,
				WithClock(clk),
				WithStartDelay(startDelay),
				WithMaxReadings(100),
			)

			ctx, cancel := context.WithCancel(context.Background())
			errCh := make(chan error, 1)
			go func() {
				_, err := s.Run(ctx, Cell{Name: "cancel"})
				errCh <- err
			}()

			require.Eventually(t, clk.HasWaiters, 5*time.Second, time.Millisecond)
			cancel()

			select {
			case err := <-errCh:
				assert.ErrorIs(t, err, context.Canceled)
			case <-time.After(5 * time.Second):
				t.Fatal("sampler ignored cancellation")
			}
		})
	}
}

type fakeCounterGroup struct {
	totals perf.Totals
	closed *int
}

func (g fakeCounterGroup) Close() perf.Totals {
	*g.closed++
	return g.totals
}

func TestSamplerHardwareCounters(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())

	opened, closed := 0, 0
	var gotPIDs []int
	opener := func(pids []int) (CounterGroup, error) {
		opened++
		gotPIDs = pids
		var totals perf.Totals
		totals.Values[perf.Cycles] = 3e9
		totals.Valid[perf.Cycles] = true
		return fakeCounterGroup{totals: totals, closed: &closed}, nil
	}

	s := New(&fakeStat{busy: 100}, steadyPower(20), nil,
		WithClock(clk), WithMaxReadings(2), WithCounters(opener))

	var res *Result
	var err error
	run(t, clk, func() {
		res, err = s.Run(context.Background(), Cell{Name: "perf", PIDs: []int{42, 43}})
	})
	require.NoError(t, err)

	assert.InDelta(t, 3e9, res.Cycles, 1)
	assert.True(t, res.Average.Inaccurate[Instructions])
	assert.Equal(t, []int{42, 43}, gotPIDs)
	assert.Equal(t, opened, closed, "every interval is closed")
}

func TestSamplerHardwareCountersUnavailable(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	calls := 0
	opener := func([]int) (CounterGroup, error) {
		calls++
		return nil, perf.ErrUnavailable
	}

	s := New(&fakeStat{busy: 100}, steadyPower(20), nil,
		WithClock(clk), WithMaxReadings(2), WithCounters(opener))

	var res *Result
	var err error
	run(t, clk, func() {
		res, err = s.Run(context.Background(), Cell{Name: "perf", PIDs: []int{42}})
	})
	require.NoError(t, err)
	assert.Positive(t, calls)
	assert.True(t, res.Average.Inaccurate[Cycles])
	assert.True(t, res.Average.Inaccurate[Instructions])
	assert.InDelta(t, 20.0, res.Power, 1e-9)
}

func TestSamplerRaplDomains(t *testing.T) {
	clk := testingclock.NewFakeClock(time.Now())
	power := &fakePower{readings: []*device.PowerReading{{
		Power: 7, Discharging: true, NoVoltage: true, Inaccurate: true,
		Domains: []device.DomainReading{{Name: "package-0", Power: 7, Inaccurate: true}},
	}, {
		Power: 7, Discharging: true, NoVoltage: true, Inaccurate: true,
		Domains: []device.DomainReading{{Name: "package-0", Power: 7, Inaccurate: true}},
	}, {
		Power: 9, Discharging: true, NoVoltage: true,
		Domains: []device.DomainReading{{Name: "package-0", Power: 9}},
	}}}

	s := New(&fakeStat{busy: 100}, power, nil, WithClock(clk), WithMaxReadings(2))
	var res *Result
	var err error
	run(t, clk, func() {
		res, err = s.Run(context.Background(), Cell{Name: "rapl"})
	})
	require.NoError(t, err)

	// the inaccurate first reading is left out of the average
	assert.InDelta(t, 9.0, res.Power, 1e-9)
	assert.True(t, res.Average.Inaccurate[Voltage])
	assert.True(t, res.Average.Inaccurate[Current])
	require.Len(t, res.Average.Domains, 1)
	assert.Equal(t, "package-0", res.Average.Domains[0].Name)
	assert.InDelta(t, 9.0, res.Average.Domains[0].Power, 1e-9)
}

func TestProcfsStatReader(t *testing.T) {
	proc := t.TempDir()
	content := "cpu  10 20 30 40 50 60 70 0 0 0\n" +
		"cpu0 10 20 30 40 50 60 70 0 0 0\n" +
		"intr 1234 1 2 3\n" +
		"ctxt 5678\n" +
		"btime 1700000000\n" +
		"processes 100\n" +
		"procs_running 3\n" +
		"procs_blocked 1\n"
	require.NoError(t, os.WriteFile(filepath.Join(proc, "stat"), []byte(content), 0o644))

	r, err := NewStatReader(proc)
	require.NoError(t, err)
	s, err := r.Read()
	require.NoError(t, err)

	// ticks are converted to seconds, ratios are preserved
	assert.InDelta(t, 2.0, s.Values[Nice]/s.Values[User], 1e-9)
	assert.InDelta(t, 4.0, s.Values[Idle]/s.Values[User], 1e-9)
	assert.InDelta(t, 7.0, s.Values[SoftIRQ]/s.Values[User], 1e-9)
	assert.InDelta(t, 1234.0, s.Values[Intr], 0)
	assert.InDelta(t, 5678.0, s.Values[Ctxt], 0)
	assert.InDelta(t, 3.0, s.Values[ProcsRunning], 0)
	assert.InDelta(t, 1.0, s.Values[ProcsBlocked], 0)
	for _, f := range []Field{User, Ctxt, Intr, ProcsRunning, ProcsBlocked} {
		assert.False(t, s.Inaccurate[f])
	}

	require.NoError(t, os.Remove(filepath.Join(proc, "stat")))
	_, err = r.Read()
	assert.ErrorIs(t, err, ErrStatUnavailable)
}
