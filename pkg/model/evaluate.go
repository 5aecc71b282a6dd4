// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math"

	"github.com/gomlx/salesforecast/pkg/features"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// RelativeError returns the mean absolute relative error mean(|y - ŷ| / y).
//
// All y must be > 0, otherwise it returns an *InvalidTargetError without computing anything.
func RelativeError(y, predictions []float64) (float64, error) {
	if len(y) != len(predictions) {
		return 0, &features.ShapeMismatchError{What: "predictions vs. targets", Got: len(predictions), Want: len(y)}
	}
	if len(y) == 0 {
		return 0, errors.New("relative error of an empty target vector is undefined")
	}
	if err := CheckTargets(y); err != nil {
		return 0, err
	}
	ratios := make([]float64, len(y))
	floats.SubTo(ratios, y, predictions)
	for ii := range ratios {
		ratios[ii] = math.Abs(ratios[ii])
	}
	floats.Div(ratios, y)
	return stat.Mean(ratios, nil), nil
}

// meanSquaredError between labels and predictions.
func meanSquaredError(labels, predictions []float64) float64 {
	diff := make([]float64, len(labels))
	floats.SubTo(diff, labels, predictions)
	return floats.Dot(diff, diff) / float64(len(diff))
}
