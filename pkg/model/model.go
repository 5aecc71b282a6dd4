// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model implements one entity-embedding LSTM regressor: graph, training with early stopping on
// validation loss, prediction and access to the learned embedding tables.
package model

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/salesforecast/internal/fsutil"
	"github.com/gomlx/salesforecast/pkg/features"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Model is one trainable/trained entity-embedding LSTM regressor.
//
// Its weights live in its own context, and they are checkpointed into Dir.
// A Model is not safe for concurrent use, but different Model objects can be trained concurrently.
type Model struct {
	backend   backends.Backend
	ctx       *context.Context
	schema    features.Schema
	transform TargetTransform
	seed      int64

	// Dir where the checkpoint of the best epoch is kept.
	Dir string

	// ProgressBar attaches a progress bar to the training loop.
	ProgressBar bool

	// trained is set after Fit or Load.
	trained bool
	exec    *context.Exec
}

// New creates an untrained model. The template context holds the hyperparameters, and it is cloned,
// so models created from the same template don't share anything.
func New(backend backends.Backend, template *context.Context, schema features.Schema,
	transform TargetTransform, dir string, seed int64) (*Model, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	if !(transform.MaxLogTarget > 0) {
		return nil, errors.Errorf("invalid target transform, MaxLogTarget=%g must be > 0", transform.MaxLogTarget)
	}
	if dir == "" {
		return nil, errors.New("model requires a checkpoint directory")
	}
	ctx, err := template.Clone()
	if err != nil {
		return nil, errors.WithMessage(err, "cloning model hyperparameters")
	}
	// The initializers and the context random number generator are seeded from ParamInitialSeed.
	ctx.SetParam(context.ParamInitialSeed, seed)
	return &Model{
		backend:   backend,
		ctx:       ctx,
		schema:    schema,
		transform: transform,
		seed:      seed,
		Dir:       fsutil.MustReplaceTildeInDir(dir),
	}, nil
}

// Load a trained model from its checkpoint directory. The hyperparameters are restored from the checkpoint.
func Load(backend backends.Backend, schema features.Schema, transform TargetTransform, dir string) (*Model, error) {
	m, err := New(backend, context.New(), schema, transform, dir, 0)
	if err != nil {
		return nil, err
	}
	if err = m.restore(); err != nil {
		return nil, err
	}
	return m, nil
}

// restore replaces the model context with the weights saved in m.Dir.
func (m *Model) restore() error {
	if !fsutil.MustFileExists(m.Dir) {
		return errors.Errorf("model checkpoint directory %q doesn't exist", m.Dir)
	}
	ctx := context.New()
	_, err := checkpoints.Load(ctx).Dir(m.Dir).Immediate().Done()
	if err != nil {
		return errors.WithMessagef(err, "loading model checkpoint from %q", m.Dir)
	}
	if m.ctx != nil {
		for _, key := range ParamsExcludedFromLoading {
			if value, found := m.ctx.GetParam(key); found {
				ctx.SetParam(key, value)
			}
		}
	}
	m.ctx = ctx
	m.exec = nil
	m.trained = true
	klog.V(1).Infof("Model restored from %q", m.Dir)
	return nil
}

// predictRaw returns the model outputs, in the transformed target space.
func (m *Model) predictRaw(x *features.Matrix) (predictions []float64, err error) {
	if !m.trained {
		return nil, errors.New("model must be trained (Fit) or loaded before predicting")
	}
	if err = x.CheckWidth(m.schema); err != nil {
		return nil, err
	}
	if x.NumRows == 0 {
		return []float64{}, nil
	}
	if m.exec == nil {
		var execErr error
		if panicErr := exceptions.TryCatch[error](func() {
			m.exec, execErr = context.NewExec(m.backend, m.ctx.Reuse(), func(ctx *context.Context, x *Node) *Node {
				return Forward(ctx, m.schema, x)
			})
		}); panicErr != nil {
			execErr = panicErr
		}
		if execErr != nil {
			m.exec = nil
			return nil, errors.WithMessage(execErr, "building model prediction graph")
		}
	}

	batchSize := context.GetParamOr(m.ctx, ParamEvalBatchSize, 1024)
	if batchSize <= 0 {
		batchSize = x.NumRows
	}
	predictions = make([]float64, 0, x.NumRows)
	for start := 0; start < x.NumRows; start += batchSize {
		end := min(start+batchSize, x.NumRows)
		batch := x.Slice(start, end)
		xT := tensors.FromFlatDataAndDimensions(batch.Codes, batch.NumRows, batch.NumColumns)
		outputT, err := m.exec.Exec1(xT)
		if err != nil {
			return nil, errors.WithMessagef(err, "predicting rows %d to %d", start, end)
		}
		for _, v := range tensors.MustCopyFlatData[float32](outputT) {
			predictions = append(predictions, float64(v))
		}
		_ = xT.FinalizeAll()
		_ = outputT.FinalizeAll()
	}
	return predictions, nil
}

// Guess returns predictions in the original target scale, one per row of x.
func (m *Model) Guess(x *features.Matrix) ([]float64, error) {
	raw, err := m.predictRaw(x)
	if err != nil {
		return nil, err
	}
	return m.transform.ForPredict(raw), nil
}

// Evaluate returns the mean relative error of the model on (x, y).
func (m *Model) Evaluate(x *features.Matrix, y []float64) (float64, error) {
	if err := CheckTargets(y); err != nil {
		return 0, err
	}
	predictions, err := m.Guess(x)
	if err != nil {
		return 0, err
	}
	return RelativeError(y, predictions)
}

// EmbeddingTable is the learned embedding of one column: Values[code] is the vector for the label
// with that code.
type EmbeddingTable struct {
	Column string
	Values [][]float32
}

// EmbeddingTables returns the learned embedding table of every column, in schema order.
func (m *Model) EmbeddingTables() ([]EmbeddingTable, error) {
	if !m.trained {
		return nil, errors.New("model must be trained (Fit) or loaded before exporting embeddings")
	}
	tables := make([]EmbeddingTable, 0, m.schema.Width())
	for _, col := range m.schema.Columns {
		scope := context.RootScope + "model" + context.ScopeSeparator + EmbeddingScope(col.Name)
		var variable *context.Variable
		for v := range m.ctx.IterVariables() {
			if v.Scope() == scope && v.Shape().Rank() == 2 {
				variable = v
				break
			}
		}
		if variable == nil {
			return nil, errors.Errorf("embedding table for column %q not found in scope %q", col.Name, scope)
		}
		value, err := variable.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "reading embedding table of column %q", col.Name)
		}
		dims := value.Shape().Dimensions
		flat := tensors.MustCopyFlatData[float32](value)
		rows := make([][]float32, dims[0])
		for ii := range rows {
			rows[ii] = flat[ii*dims[1] : (ii+1)*dims[1]]
		}
		tables = append(tables, EmbeddingTable{Column: col.Name, Values: rows})
	}
	return tables, nil
}
