// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ensemble trains N independently seeded models on resamples of the same training split, and
// combines their predictions with a plain mean.
package ensemble

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/salesforecast/internal/workerspool"
	"github.com/gomlx/salesforecast/pkg/dataset"
	"github.com/gomlx/salesforecast/pkg/features"
	"github.com/gomlx/salesforecast/pkg/model"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Factory creates the members of an ensemble. Member i is seeded with BaseSeed+i and checkpointed in its
// own directory under BaseDir, so members never share state.
type Factory struct {
	Backend  backends.Backend
	Template *context.Context
	Schema   features.Schema
	BaseDir  string
	BaseSeed int64

	// ProgressBar is passed to each member.
	ProgressBar bool
}

// MemberDir returns the checkpoint directory of member i.
func (f *Factory) MemberDir(i int) string {
	return filepath.Join(f.BaseDir, fmt.Sprintf("member_%03d", i))
}

// MemberSeed returns the seed of member i, used both for its weights initialization and for its resample.
func (f *Factory) MemberSeed(i int) int64 {
	return f.BaseSeed + int64(i)
}

// Member returns a new untrained model for member i.
func (f *Factory) Member(i int, transform model.TargetTransform) (*model.Model, error) {
	if f.Template == nil {
		return nil, errors.New("ensemble factory has no hyperparameters context")
	}
	m, err := model.New(f.Backend, f.Template, f.Schema, transform, f.MemberDir(i), f.MemberSeed(i))
	if err != nil {
		return nil, errors.WithMessagef(err, "creating ensemble member #%d", i)
	}
	m.ProgressBar = f.ProgressBar
	return m, nil
}

// Ensemble is an ordered list of trained members sharing schema, architecture and target transform.
type Ensemble struct {
	Members   []*model.Model
	Schema    features.Schema
	Transform model.TargetTransform

	// Seeds of each member, if known.
	Seeds []int64

	// Reports of each member training, only available after Train.
	Reports []*model.FitReport
}

// Train trains n members, each on its own sample (with replacement) of sampleSize rows of trainSet.
// All members use the same validation set for early stopping.
//
// Members are trained with up to parallelism of them at the same time (see workerspool.New), and results
// only depend on the factory seeds and the data.
func Train(f *Factory, trainSet, val *dataset.Prepared, n, sampleSize, parallelism int) (*Ensemble, error) {
	if n <= 0 {
		return nil, errors.Errorf("ensemble size must be > 0, got %d", n)
	}
	transform, err := model.NewTargetTransform(trainSet.Y, val.Y)
	if err != nil {
		return nil, errors.WithMessage(err, "computing target normalization")
	}
	klog.Infof("Training ensemble of %d members on %s samples each (train %s rows, validation %s rows), max log target %.4f",
		n, humanize.Comma(int64(sampleSize)), humanize.Comma(int64(trainSet.Len())), humanize.Comma(int64(val.Len())),
		transform.MaxLogTarget)

	e := &Ensemble{
		Members:   make([]*model.Model, n),
		Schema:    f.Schema,
		Transform: transform,
		Seeds:     make([]int64, n),
		Reports:   make([]*model.FitReport, n),
	}
	pool := workerspool.New(parallelism)
	for i := range n {
		pool.Go(fmt.Sprintf("member #%d", i), func() error {
			start := time.Now()
			seed := f.MemberSeed(i)
			sample, err := dataset.Sample(trainSet, sampleSize, dataset.NewRand(uint64(seed)))
			if err != nil {
				return err
			}
			m, err := f.Member(i, transform)
			if err != nil {
				return err
			}
			report, err := m.Fit(sample, val)
			if err != nil {
				return err
			}
			e.Members[i], e.Seeds[i], e.Reports[i] = m, seed, report
			klog.Infof("Ensemble member #%d trained: %d epochs, kept epoch %d, validation loss %.6g (%s)",
				i, report.Epochs, report.BestEpoch+1, report.BestValidationLoss(), time.Since(start).Round(time.Millisecond))
			return nil
		})
	}
	if err = pool.Wait(); err != nil {
		return nil, errors.WithMessage(err, "training ensemble")
	}
	return e, nil
}

// Len returns the number of members.
func (e *Ensemble) Len() int { return len(e.Members) }

// Mean returns the element-wise mean of the members predictions. All prediction vectors must have
// the same length.
func Mean(predictions [][]float64) ([]float64, error) {
	if len(predictions) == 0 {
		return nil, errors.New("mean of an empty list of predictions")
	}
	numRows := len(predictions[0])
	sum := make([]float64, numRows)
	for ii, p := range predictions {
		if len(p) != numRows {
			return nil, &features.ShapeMismatchError{What: fmt.Sprintf("predictions of member #%d", ii), Got: len(p), Want: numRows}
		}
		floats.Add(sum, p)
	}
	floats.Scale(1/float64(len(predictions)), sum)
	return sum, nil
}

// Guess returns the mean of the members predictions, in the original target scale.
func (e *Ensemble) Guess(x *features.Matrix) ([]float64, error) {
	if e.Len() == 0 {
		return nil, errors.New("ensemble has no members")
	}
	all := make([][]float64, e.Len())
	for ii, m := range e.Members {
		predictions, err := m.Guess(x)
		if err != nil {
			return nil, errors.WithMessagef(err, "predicting with ensemble member #%d", ii)
		}
		all[ii] = predictions
	}
	return Mean(all)
}

// Evaluate returns the mean relative error of the ensemble predictions on (x, y).
func (e *Ensemble) Evaluate(x *features.Matrix, y []float64) (float64, error) {
	if err := model.CheckTargets(y); err != nil {
		return 0, err
	}
	predictions, err := e.Guess(x)
	if err != nil {
		return 0, err
	}
	return model.RelativeError(y, predictions)
}
