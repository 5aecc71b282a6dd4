// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/lstm"
	"github.com/gomlx/salesforecast/pkg/features"
)

// EmbeddingScope returns the scope name (under the "model" scope) holding the embedding table of the column.
func EmbeddingScope(column string) string {
	return column + "_embedding"
}

// ModelGraph returns a model function for the given schema, with the signature expected by train.NewTrainer.
//
// The input is the int32 encoded matrix shaped [batchSize, schema.Width()], the output is shaped [batchSize, 1],
// in the transformed target space.
func ModelGraph(schema features.Schema) func(ctx *context.Context, spec any, inputs []*Node) []*Node {
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		_ = spec // Not used.
		return []*Node{Forward(ctx, schema, inputs[0])}
	}
}

// Forward builds the entity-embedding LSTM stack:
//
//   - One embedding table per column, looked up and concatenated to [batchSize, schema.ConcatenatedDim()].
//   - Dropout, then reshaped as a sequence of length 1.
//   - Stacked LSTM layers (ParamLSTMUnits), each preceded by dropout on its input. All but the last pass
//     the full sequence forward, the last one returns only its final hidden state.
//   - A one-unit dense layer with ParamOutputActivation.
func Forward(ctx *context.Context, schema features.Schema, x *Node) *Node {
	ctx = ctx.In("model")
	g := x.Graph()
	x.AssertRank(2)
	if x.Shape().Dim(1) != schema.Width() {
		exceptions.Panicf("model input has %d columns, schema %v requires %d", x.Shape().Dim(1), schema.Names(), schema.Width())
	}
	batchSize := x.Shape().Dim(0)

	// Embeddings: x[:, ii:ii+1] is used as the index into the column table.
	embeds := make([]*Node, 0, schema.Width())
	for ii, col := range schema.Columns {
		indices := Slice(x, AxisRange(), AxisElem(ii))
		embed := layers.Embedding(ctx.In(EmbeddingScope(col.Name)), indices, DType, col.Cardinality, col.EmbeddingDim, false)
		embeds = append(embeds, embed)
	}
	h := Concatenate(embeds, -1)
	h.AssertDims(batchSize, schema.ConcatenatedDim())
	if rate := context.GetParamOr(ctx, ParamEmbeddingDropout, 0.0); rate > 0 {
		h = layers.Dropout(ctx.In("embedding_dropout"), h, Scalar(g, DType, rate))
	}

	// LSTM stack: the embeddings are a sequence of length 1.
	h = Reshape(h, batchSize, 1, -1)
	units := context.GetParamOr(ctx, ParamLSTMUnits, []int{64})
	if len(units) == 0 {
		exceptions.Panicf("model requires at least one LSTM layer, %q is empty", ParamLSTMUnits)
	}
	lstmDropout := context.GetParamOr(ctx, ParamLSTMDropout, 0.0)
	for ii, hiddenSize := range units {
		lstmCtx := ctx.Inf("%03d_lstm", ii)
		if lstmDropout > 0 {
			h = layers.Dropout(lstmCtx.In("dropout"), h, Scalar(g, DType, lstmDropout))
		}
		allHidden, lastHidden, _ := lstm.New(lstmCtx, h, hiddenSize).Done()
		if ii < len(units)-1 {
			// [seq, 1 direction, batch, hidden] -> [batch, seq, hidden]
			h = TransposeAllDims(Squeeze(allHidden, 1), 1, 0, 2)
		} else {
			// [1 direction, batch, hidden] -> [batch, hidden]
			h = Squeeze(lastHidden, 0)
		}
	}

	output := layers.Dense(ctx.In("output"), h, true, 1)
	activationName := context.GetParamOr(ctx, ParamOutputActivation, "relu")
	output = activations.Apply(activations.FromName(activationName), output)
	output.AssertDims(batchSize, 1)
	return output
}
