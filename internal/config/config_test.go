// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/salesforecast/pkg/features"
	"github.com/gomlx/salesforecast/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Ensemble.Size)
	assert.Equal(t, 500_000, cfg.Ensemble.SampleSize)
	assert.Equal(t, 0.95, cfg.TrainRatio)
	assert.Equal(t, []int{512, 256, 256, 128, 64}, cfg.Model.LSTMUnits)
	assert.Equal(t, features.FieldSales, cfg.TargetField)
	assert.NotContains(t, cfg.DataDir, "~")
	assert.Equal(t, filepath.Join(cfg.DataDir, "train.csv"), cfg.TrainFile())

	schema, err := cfg.FeatureSchema()
	require.NoError(t, err)
	assert.Equal(t, features.DefaultSchema(), schema)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /data/in
cache_dir: /data/cache
output_dir: /data/out
weekly_aggregation: true
target_field: quantity
ensemble:
  size: 2
  sample_size: 1000
model:
  lstm_units: [32, 16]
  epochs: 3
schema:
  cardinalities:
    product: 50
  embedding_dims:
    product: 8
`), 0644))

	t.Setenv("SALESFORECAST_MODEL__EPOCHS", "7")
	t.Setenv("SALESFORECAST_ENSEMBLE__PARALLELISM", "2")
	t.Setenv("SALESFORECAST_FORECAST__STORES", "001, 002")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/in", cfg.DataDir)
	assert.Equal(t, "/data/in/test_weekly.csv", cfg.TestFile())
	assert.Equal(t, features.FieldQuantity, cfg.TargetField)
	assert.Equal(t, 2, cfg.Ensemble.Size)
	assert.Equal(t, 2, cfg.Ensemble.Parallelism)
	assert.Equal(t, []int{32, 16}, cfg.Model.LSTMUnits)
	assert.Equal(t, 7, cfg.Model.Epochs, "environment overrides file")
	assert.Equal(t, 4, cfg.Model.Patience, "defaults kept")
	assert.Equal(t, []string{"001", "002"}, cfg.Forecast.Stores)

	schema, err := cfg.FeatureSchema()
	require.NoError(t, err)
	product := schema.Columns[schema.Index(features.ColProduct)]
	assert.Equal(t, 50, product.Cardinality)
	assert.Equal(t, 8, product.EmbeddingDim)

	t.Setenv("SALESFORECAST_MODEL__LSTM_UNITS", "64,32,16")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, []int{64, 32, 16}, cfg.Model.LSTMUnits)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	require.ErrorContains(t, err, "missing.yaml")
}

func TestValidate(t *testing.T) {
	for name, mutate := range map[string]func(c *Config){
		"target_field":    func(c *Config) { c.TargetField = "price" },
		"train_ratio":     func(c *Config) { c.TrainRatio = 1 },
		"min_target":      func(c *Config) { c.MinTarget = 0 },
		"ensemble_size":   func(c *Config) { c.Ensemble.Size = 0 },
		"lstm_units":      func(c *Config) { c.Model.LSTMUnits = nil },
		"lstm_unit_zero":  func(c *Config) { c.Model.LSTMUnits = []int{8, 0} },
		"dropout":         func(c *Config) { c.Model.LSTMDropout = 1 },
		"loss":            func(c *Config) { c.Model.Loss = "" },
		"unknown_column":  func(c *Config) { c.Schema.Cardinalities = map[string]int{"color": 3} },
		"negative_table":  func(c *Config) { c.Schema.EmbeddingDims = map[string]int{features.ColStore: -1} },
		"forecast_dates":  func(c *Config) { c.Forecast = ForecastConfig{Enabled: true, Stores: []string{"1"}, Products: []string{"a"}} },
		"forecast_format": func(c *Config) { c.Forecast.Start = "15/01/2020" },
		"forecast_order": func(c *Config) {
			c.Forecast = ForecastConfig{Enabled: true, Stores: []string{"1"}, Products: []string{"a"},
				Start: "2020-02-01", End: "2020-01-01"}
		},
	} {
		cfg := Default()
		require.NoError(t, cfg.Validate())
		mutate(cfg)
		require.Error(t, cfg.Validate(), "case %q", name)
	}
}

func TestApplyToContext(t *testing.T) {
	cfg := Default()
	cfg.Model.LSTMUnits = []int{16}
	cfg.Model.Epochs = 2
	cfg.Model.LearningRate = 0.01
	cfg.Model.Loss = "mae"
	ctx := model.CreateDefaultContext()
	cfg.ApplyToContext(ctx)
	assert.Equal(t, []int{16}, context.GetParamOr(ctx, model.ParamLSTMUnits, []int{}))
	assert.Equal(t, 2, context.GetParamOr(ctx, model.ParamEpochs, 0))
	assert.Equal(t, 0.01, context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0))
	assert.Equal(t, "adam", context.GetParamOr(ctx, optimizers.ParamOptimizer, ""))
	assert.Equal(t, "mae", context.GetParamOr(ctx, losses.ParamLoss, ""))
}
