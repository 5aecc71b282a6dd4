// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import "fmt"

// InvalidTargetError is returned when a target that must be strictly positive isn't: relative error and the
// log target transform are undefined at zero.
type InvalidTargetError struct {
	Index int
	Value float64
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid target value %g at row #%d: targets must be > 0", e.Value, e.Index)
}

// ConvergenceWarning reports that the validation loss never improved on the first epoch during the whole
// patience window. It is not fatal: the weights of the first epoch are kept.
type ConvergenceWarning struct {
	Dir      string
	Patience int
	BestLoss float64
}

func (w *ConvergenceWarning) Error() string {
	return fmt.Sprintf("model in %q did not improve validation loss (best %.6g at first epoch) for %d epochs",
		w.Dir, w.BestLoss, w.Patience)
}
