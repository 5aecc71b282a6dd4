// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"strconv"

	"github.com/gomlx/salesforecast/pkg/features"
)

// PredictionsHeader returns the header of the predictions CSV: the six feature names followed by "predicted".
func PredictionsHeader(schema features.Schema) []string {
	return append(schema.Names(), features.PredictedLabel)
}

// WritePredictions writes one row per prediction with the raw (not encoded) feature values, one per schema
// column, followed by the prediction.
func WritePredictions(path string, schema features.Schema, rawFeatures [][]string, predictions []float64) error {
	if len(rawFeatures) != len(predictions) {
		return &features.ShapeMismatchError{What: "predictions vs. feature rows", Got: len(predictions), Want: len(rawFeatures)}
	}
	header := PredictionsHeader(schema)
	rows := make([][]string, len(predictions))
	for ii, p := range predictions {
		if len(rawFeatures[ii]) != schema.Width() {
			return &features.ShapeMismatchError{What: "feature row width", Got: len(rawFeatures[ii]), Want: schema.Width()}
		}
		row := make([]string, 0, len(header))
		row = append(row, rawFeatures[ii]...)
		rows[ii] = append(row, strconv.FormatFloat(p, 'f', -1, 64))
	}
	return features.WriteTable(path, header, rows)
}

// writeEncoded writes the encoded feature matrix, with the column names as header.
func writeEncoded(path string, schema features.Schema, x *features.Matrix) error {
	rows := make([][]string, x.NumRows)
	for ii := range rows {
		codes := x.Row(ii)
		row := make([]string, len(codes))
		for jj, code := range codes {
			row[jj] = strconv.Itoa(int(code))
		}
		rows[ii] = row
	}
	return features.WriteTable(path, schema.Names(), rows)
}
