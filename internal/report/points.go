// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/jszwec/csvutil"
	"github.com/sustainable-computing-io/power-calibrate/internal/calibrate"
	"github.com/sustainable-computing-io/power-calibrate/internal/trend"
)

// PointRow is one line of the points CSV
type PointRow struct {
	Sweep  string `csv:"sweep"`
	Series string `csv:"series"`
	trend.Point
}

// Rows flattens the points of every sweep and series of res
func Rows(res *calibrate.Result) []PointRow {
	rows := []PointRow{}
	for _, sw := range res.Sweeps {
		if sw.Points == nil {
			continue
		}
		for _, name := range sw.Points.Names() {
			for _, p := range sw.Points.Points(name) {
				rows = append(rows, PointRow{Sweep: sw.Name, Series: name, Point: p})
			}
		}
	}
	return rows
}

// EncodePoints writes the points of res as CSV with a header line
func EncodePoints(out io.Writer, res *calibrate.Result) error {
	w := csv.NewWriter(out)
	enc := csvutil.NewEncoder(w)
	if err := enc.EncodeHeader(PointRow{}); err != nil {
		return err
	}
	for _, row := range Rows(res) {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WritePoints writes the points of res to the CSV file at path
func WritePoints(path string, res *calibrate.Result) error {
	if res == nil {
		return ErrNoResult
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create points file %s: %w", path, err)
	}
	if err := EncodePoints(f, res); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write points file %s: %w", path, err)
	}
	return f.Close()
}
