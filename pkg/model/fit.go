// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/salesforecast/pkg/dataset"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// FitReport summarizes one training run.
type FitReport struct {
	// Epochs actually run.
	Epochs int

	// BestEpoch (0-based) whose weights were kept.
	BestEpoch int

	// ValidationLosses is the mean squared error on the validation set, in the transformed target space,
	// after each epoch. Empty if no validation set was given.
	ValidationLosses []float64

	// StoppedEarly is set if training stopped before the configured number of epochs.
	StoppedEarly bool

	// Warning is set if the validation loss never improved over the first epoch.
	Warning *ConvergenceWarning

	Elapsed time.Duration
}

// BestValidationLoss returns the validation loss of the kept epoch, or NaN if there was no validation.
func (r *FitReport) BestValidationLoss() float64 {
	if len(r.ValidationLosses) == 0 {
		return math.NaN()
	}
	return r.ValidationLosses[r.BestEpoch]
}

// Fit trains the model on train, using val for early stopping: after each epoch the validation loss is
// computed, the checkpoint is saved whenever it improves, and training stops after ParamPatience epochs
// without improvement. At the end the weights of the best epoch are restored.
//
// If val is empty, it trains for ParamEpochs epochs and keeps the last weights.
// Any previous checkpoint in Dir is removed.
func (m *Model) Fit(trainSet, val *dataset.Prepared) (report *FitReport, err error) {
	if trainSet.Len() == 0 {
		return nil, errors.New("cannot fit a model with an empty training set")
	}
	if !trainSet.HasTargets() || (val.Len() > 0 && !val.HasTargets()) {
		return nil, errors.New("training and validation sets must have targets")
	}
	if err = trainSet.X.CheckWidth(m.schema); err != nil {
		return nil, err
	}
	if err = CheckTargets(trainSet.Y); err != nil {
		return nil, errors.WithMessage(err, "training targets")
	}
	if err = CheckTargets(val.Y); err != nil {
		return nil, errors.WithMessage(err, "validation targets")
	}
	if err = os.RemoveAll(m.Dir); err != nil {
		return nil, errors.Wrapf(err, "removing previous model checkpoints in %q", m.Dir)
	}
	var fitErr error
	if panicErr := exceptions.TryCatch[error](func() { report, fitErr = m.fit(trainSet, val) }); panicErr != nil {
		fitErr = panicErr
	}
	if fitErr != nil {
		return nil, errors.WithMessagef(fitErr, "training model in %q", m.Dir)
	}
	return report, nil
}

// earlyStopping tracks the validation loss across epochs.
type earlyStopping struct {
	patience  int
	bestLoss  float64
	bestEpoch int
}

func newEarlyStopping(patience int) *earlyStopping {
	return &earlyStopping{patience: patience, bestLoss: math.Inf(1)}
}

// observe records the validation loss of epoch. It returns whether the loss improved over all previous
// epochs, and whether training should stop: patience epochs went by without improvement.
func (s *earlyStopping) observe(epoch int, loss float64) (improved, stop bool) {
	if loss < s.bestLoss {
		s.bestLoss, s.bestEpoch = loss, epoch
		return true, false
	}
	return false, epoch-s.bestEpoch >= s.patience
}

// warning returns a ConvergenceWarning if the loss never improved after the first epoch, and more than
// patience epochs were run.
func (s *earlyStopping) warning(dir string, epochsRun int) *ConvergenceWarning {
	if s.bestEpoch != 0 || epochsRun <= s.patience {
		return nil
	}
	return &ConvergenceWarning{Dir: dir, Patience: s.patience, BestLoss: s.bestLoss}
}

func (m *Model) fit(trainSet, val *dataset.Prepared) (*FitReport, error) {
	start := time.Now()
	ctx := m.ctx
	epochs := context.GetParamOr(ctx, ParamEpochs, 15)
	patience := context.GetParamOr(ctx, ParamPatience, 4)
	batchSize := context.GetParamOr(ctx, ParamBatchSize, 128)
	if epochs <= 0 || batchSize <= 0 {
		return nil, errors.Errorf("%q=%d and %q=%d must be > 0", ParamEpochs, epochs, ParamBatchSize, batchSize)
	}

	xT := tensors.FromFlatDataAndDimensions(trainSet.X.Codes, trainSet.X.NumRows, trainSet.X.NumColumns)
	yFit := m.transform.ForFit(trainSet.Y)
	yFlat := make([]float32, len(yFit))
	for ii, v := range yFit {
		yFlat[ii] = float32(v)
	}
	yT := tensors.FromFlatDataAndDimensions(yFlat, len(yFlat), 1)
	ds, err := datasets.InMemoryFromData(m.backend, "train", []any{xT}, []any{yT})
	if err != nil {
		return nil, errors.WithMessage(err, "creating training dataset")
	}
	defer ds.FinalizeAll()
	ds.BatchSize(batchSize, false).Shuffle().WithRand(rand.New(rand.NewSource(m.seed)))

	lossFn, err := losses.LossFromContext(ctx)
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid %q", losses.ParamLoss)
	}
	trainer := train.NewTrainer(m.backend, ctx, ModelGraph(m.schema),
		func(labels, predictions []*Node) *Node { return lossFn(labels, predictions) },
		optimizers.FromContext(ctx),
		nil, // trainMetrics
		nil) // evalMetrics
	loop := train.NewLoop(trainer)
	if m.ProgressBar {
		commandline.AttachProgressBar(loop)
	}

	checkpoint, err := checkpoints.Build(ctx).Dir(m.Dir).Keep(1).ExcludeParams(ParamsExcludedFromLoading...).Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "creating checkpoint in %q", m.Dir)
	}
	m.trained = true
	m.exec = nil

	report := &FitReport{}
	var valTargets []float64
	if val.Len() > 0 {
		valTargets = m.transform.ForFit(val.Y)
	}
	stopping := newEarlyStopping(patience)
	for epoch := range epochs {
		if _, err = loop.RunEpochs(ds, 1); err != nil {
			return nil, errors.WithMessagef(err, "epoch #%d", epoch)
		}
		report.Epochs = epoch + 1
		if valTargets == nil {
			continue
		}
		predictions, err := m.predictRaw(val.X)
		if err != nil {
			return nil, errors.WithMessagef(err, "evaluating validation after epoch #%d", epoch)
		}
		loss := meanSquaredError(valTargets, predictions)
		report.ValidationLosses = append(report.ValidationLosses, loss)
		klog.V(1).Infof("%s: epoch %d/%d, validation loss %.6g (train examples %s)",
			m.Dir, epoch+1, epochs, loss, humanize.Comma(int64(trainSet.Len())))
		improved, stop := stopping.observe(epoch, loss)
		if improved {
			if err = checkpoint.Save(); err != nil {
				return nil, errors.WithMessagef(err, "saving checkpoint after epoch #%d", epoch)
			}
		}
		if stop {
			report.StoppedEarly = epoch+1 < epochs
			break
		}
	}

	if valTargets == nil {
		report.BestEpoch = report.Epochs - 1
		if err = checkpoint.Save(); err != nil {
			return nil, errors.WithMessage(err, "saving final checkpoint")
		}
	} else {
		report.BestEpoch = stopping.bestEpoch
		if report.Warning = stopping.warning(m.Dir, report.Epochs); report.Warning != nil {
			klog.Warningf("%v", report.Warning)
		}
	}

	// Restore the weights of the best epoch.
	if err = m.restore(); err != nil {
		return nil, err
	}
	report.Elapsed = time.Since(start)
	klog.V(1).Infof("%s: trained %d epochs in %s, kept epoch %d", m.Dir, report.Epochs, report.Elapsed, report.BestEpoch+1)
	return report, nil
}
