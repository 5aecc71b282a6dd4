// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package model

import (
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gopjrt/dtypes"
)

// DType used in the model.
var DType = dtypes.Float32

// Hyperparameter names, set in the context by CreateDefaultContext.
const (
	// ParamLSTMUnits is the width of each stacked LSTM layer ([]int).
	ParamLSTMUnits = "lstm_units"

	// ParamEmbeddingDropout is the dropout rate applied to the concatenated embeddings.
	ParamEmbeddingDropout = "embedding_dropout_rate"

	// ParamLSTMDropout is the dropout rate applied to the inputs of each LSTM layer.
	ParamLSTMDropout = "lstm_dropout_rate"

	// ParamOutputActivation is applied to the one-unit output; it must keep the output non-negative.
	ParamOutputActivation = "output_activation"

	ParamEpochs        = "epochs"
	ParamPatience      = "patience"
	ParamBatchSize     = "batch_size"
	ParamEvalBatchSize = "eval_batch_size"
)

// ParamsExcludedFromLoading are not restored from a member checkpoint: they may be changed between runs.
var ParamsExcludedFromLoading = []string{ParamEpochs, ParamPatience, ParamEvalBatchSize}

// CreateDefaultContext sets the context with default hyperparameters of the entity-embedding LSTM model.
func CreateDefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		ParamLSTMUnits:        []int{512, 256, 256, 128, 64},
		ParamEmbeddingDropout: 0.02,
		ParamLSTMDropout:      0.4,
		ParamOutputActivation: "relu",

		ParamEpochs:        15,
		ParamPatience:      4,
		ParamBatchSize:     128,
		ParamEvalBatchSize: 1024,

		losses.ParamLoss:             "mse",
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 1e-3,
	})
	return ctx
}
