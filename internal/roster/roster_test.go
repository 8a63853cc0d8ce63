// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package roster

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	tt := []struct {
		name    string
		list    string
		maxCPUs int
		want    []int
		wantErr error
	}{{
		name:    "all cpus",
		list:    "",
		maxCPUs: 4,
		want:    []int{0, 1, 2, 3},
	}, {
		name:    "explicit list",
		list:    "2,0",
		maxCPUs: 4,
		want:    []int{2, 0},
	}, {
		name:    "duplicates are kept",
		list:    "1,1,1",
		maxCPUs: 2,
		want:    []int{1, 1, 1},
	}, {
		name:    "whitespace tolerated",
		list:    " 0 , 1 ",
		maxCPUs: 2,
		want:    []int{0, 1},
	}, {
		name:    "id equal to cpu count",
		list:    "0,4",
		maxCPUs: 4,
		wantErr: ErrInvalidCPUID,
	}, {
		name:    "id above cpu count",
		list:    "9",
		maxCPUs: 4,
		wantErr: ErrInvalidCPUID,
	}, {
		name:    "negative id",
		list:    "-1",
		maxCPUs: 4,
		wantErr: ErrInvalidCPUID,
	}, {
		name:    "not a number",
		list:    "one",
		maxCPUs: 4,
		wantErr: ErrInvalidCPUID,
	}, {
		name:    "only separators",
		list:    ",,",
		maxCPUs: 4,
		wantErr: ErrEmptyRoster,
	}, {
		name:    "no cpus on system",
		list:    "",
		maxCPUs: 0,
		wantErr: ErrEmptyRoster,
	}}

	for _, tc := range tt {
		t.Run(tc.name, func(t *testing.T) {
			r, err := Build(tc.list, tc.maxCPUs)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Nil(t, r)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.CPUs())
			assert.Equal(t, len(tc.want), r.Len())
		})
	}
}

func TestParseEmpty(t *testing.T) {
	r, err := Parse([]string{}, 8)
	assert.ErrorIs(t, err, ErrEmptyRoster)
	assert.Nil(t, r)
}

func TestRosterFirst(t *testing.T) {
	r, err := Build("3,1,2", 4)
	require.NoError(t, err)

	assert.Equal(t, []int{3}, r.First(1))
	assert.Equal(t, []int{3, 1}, r.First(2))
	assert.Equal(t, []int{3, 1, 2}, r.First(10))
	assert.Empty(t, r.First(-1))

	// callers must not be able to mutate the roster
	first := r.First(2)
	first[0] = 0
	assert.Equal(t, []int{3, 1, 2}, r.CPUs())
	assert.Equal(t, "3,1,2", r.String())
}

func fakeSysfs(t *testing.T, cpus ...string) string {
	t.Helper()
	root := t.TempDir()
	for _, cpu := range cpus {
		require.NoError(t, os.MkdirAll(filepath.Join(root, "devices", "system", "cpu", cpu), 0o755))
	}
	return root
}

func TestConfiguredCPUs(t *testing.T) {
	// cpu2 offline and absent; cpufreq and cpuidle are not cpus
	root := fakeSysfs(t, "cpu0", "cpu1", "cpu3", "cpufreq", "cpuidle")
	n, err := ConfiguredCPUs(root)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	_, err = ConfiguredCPUs(fakeSysfs(t, "cpufreq"))
	assert.ErrorContains(t, err, "no cpus found")

	_, err = ConfiguredCPUs(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestSystemCPUs(t *testing.T) {
	root := fakeSysfs(t, "cpu0", "cpu1", "cpu2", "cpu3")
	assert.Equal(t, 4, SystemCPUs(root))

	// a cpu outside the affinity mask is still a valid roster entry
	r, err := Build("3", SystemCPUs(root))
	require.NoError(t, err)
	assert.Equal(t, []int{3}, r.CPUs())

	assert.GreaterOrEqual(t, SystemCPUs(filepath.Join(t.TempDir(), "missing")), 1)
	assert.GreaterOrEqual(t, SystemCPUs("/sys"), 1)
}
