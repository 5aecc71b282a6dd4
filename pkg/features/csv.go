// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"io"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/gomlx/salesforecast/internal/fsutil"
	"github.com/pkg/errors"
)

// LoadRecords reads a CSV file with a header row into records. All values are kept as strings: parsing is
// done by the Extractor, so a malformed cell only drops its own row.
func LoadRecords(path string) ([]Record, error) {
	if err := fsutil.RequireFile(path, "records file"); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	records, err := ReadRecords(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "reading %q", path)
	}
	return records, nil
}

// ReadRecords is like LoadRecords, but reads from r.
func ReadRecords(r io.Reader) ([]Record, error) {
	df := dataframe.ReadCSV(r,
		dataframe.HasHeader(true),
		dataframe.DetectTypes(false),
		dataframe.DefaultType(series.String))
	if df.Err != nil {
		return nil, errors.Wrap(df.Err, "failed to parse CSV")
	}
	names := df.Names()
	columns := make([][]string, len(names))
	for colIdx, name := range names {
		columns[colIdx] = df.Col(name).Records()
	}
	records := make([]Record, df.Nrow())
	for rowIdx := range records {
		r := make(Record, len(names))
		for colIdx, name := range names {
			r[name] = columns[colIdx][rowIdx]
		}
		records[rowIdx] = r
	}
	return records, nil
}

// WriteTable writes a CSV file with the given header and rows of string values, atomically replacing any
// previous file.
func WriteTable(path string, header []string, rows [][]string) error {
	columns := make([]series.Series, len(header))
	for colIdx, name := range header {
		values := make([]string, len(rows))
		for rowIdx, row := range rows {
			if len(row) != len(header) {
				return &ShapeMismatchError{What: "CSV row width", Got: len(row), Want: len(header)}
			}
			values[rowIdx] = row[colIdx]
		}
		columns[colIdx] = series.New(values, series.String, name)
	}
	df := dataframe.New(columns...)
	if df.Err != nil {
		return errors.Wrapf(df.Err, "failed to build table for %q", path)
	}
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		return df.WriteCSV(w, dataframe.WriteHeader(true))
	})
}
