// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// TargetTransform maps strictly positive targets to the training space ln(y)/MaxLogTarget, roughly [0, 1],
// and model outputs back with exp(v·MaxLogTarget).
//
// MaxLogTarget is computed once over train and validation targets, and persisted with the trained
// ensemble so inference uses the exact same constant.
type TargetTransform struct {
	MaxLogTarget float64
}

// NewTargetTransform computes MaxLogTarget over all the given target vectors (typically train and
// validation). All targets must be > 0, and at least one > 1.
func NewTargetTransform(targets ...[]float64) (TargetTransform, error) {
	maxTarget := math.Inf(-1)
	for _, y := range targets {
		if err := CheckTargets(y); err != nil {
			return TargetTransform{}, err
		}
		if len(y) > 0 {
			maxTarget = math.Max(maxTarget, floats.Max(y))
		}
	}
	if math.IsInf(maxTarget, -1) {
		return TargetTransform{}, errors.New("no targets given to compute the log normalization constant")
	}
	maxLog := math.Log(maxTarget)
	if maxLog <= 0 {
		return TargetTransform{}, errors.Errorf("log normalization requires a target > 1, max target is %g", maxTarget)
	}
	return TargetTransform{MaxLogTarget: maxLog}, nil
}

// ForFit maps targets to the training space.
func (t TargetTransform) ForFit(y []float64) []float64 {
	out := make([]float64, len(y))
	for ii, v := range y {
		out[ii] = math.Log(v) / t.MaxLogTarget
	}
	return out
}

// ForPredict maps model outputs back to the original scale.
func (t TargetTransform) ForPredict(v []float64) []float64 {
	out := make([]float64, len(v))
	for ii, x := range v {
		out[ii] = math.Exp(x * t.MaxLogTarget)
	}
	return out
}

// CheckTargets returns an *InvalidTargetError for the first target that is not > 0.
func CheckTargets(y []float64) error {
	for ii, v := range y {
		if !(v > 0) {
			return &InvalidTargetError{Index: ii, Value: v}
		}
	}
	return nil
}
