// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the sales forecasting pipeline: where data and artifacts live,
// how the data is prepared, and the ensemble and model hyperparameters.
//
// It is loaded in layers, with later layers overriding earlier ones: built-in defaults, an optional YAML
// file and environment variables prefixed with SALESFORECAST_ (nesting separated by "__", e.g.
// SALESFORECAST_MODEL__EPOCHS=3).
package config

import (
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/salesforecast/pkg/features"
	"github.com/gomlx/salesforecast/pkg/model"
	"github.com/pkg/errors"
)

// Config of one pipeline run.
type Config struct {
	// DataDir holds the input CSV files.
	DataDir string `koanf:"data_dir" validate:"required"`

	// CacheDir holds intermediate artifacts: encoders, prepared datasets and trained models.
	CacheDir string `koanf:"cache_dir" validate:"required"`

	// OutputDir receives the predictions, embeddings and metrics.
	OutputDir string `koanf:"output_dir" validate:"required"`

	// WeeklyAggregation selects train_weekly.csv/test_weekly.csv instead of the daily train.csv/test.csv.
	WeeklyAggregation bool `koanf:"weekly_aggregation"`

	// TargetField is the column predicted.
	TargetField string `koanf:"target_field" validate:"oneof=sales quantity"`

	// MinTarget filters out training rows with smaller targets.
	MinTarget float64 `koanf:"min_target" validate:"gt=0"`

	// TrainRatio is the fraction of the (date ordered) training records used for training, the rest
	// is used for validation.
	TrainRatio float64 `koanf:"train_ratio" validate:"gt=0,lt=1"`

	// Offline reuses the prepared datasets and encoders from CacheDir instead of re-extracting them.
	Offline bool `koanf:"offline"`

	// SkipTraining reloads the trained ensemble from CacheDir instead of training it.
	SkipTraining bool `koanf:"skip_training"`

	// Seed is the base seed: ensemble member i uses Seed+i.
	Seed int64 `koanf:"seed"`

	ProgressBar bool `koanf:"progress_bar"`

	Schema   SchemaConfig   `koanf:"schema"`
	Ensemble EnsembleConfig `koanf:"ensemble"`
	Model    ModelConfig    `koanf:"model"`
	Export   ExportConfig   `koanf:"export"`
	Forecast ForecastConfig `koanf:"forecast"`
}

// SchemaConfig overrides the embedding table sizes of the default schema, by column name.
type SchemaConfig struct {
	Cardinalities map[string]int `koanf:"cardinalities" validate:"dive,gt=0"`
	EmbeddingDims map[string]int `koanf:"embedding_dims" validate:"dive,gt=0"`
}

// EnsembleConfig configures the ensemble training.
type EnsembleConfig struct {
	Size        int `koanf:"size" validate:"gt=0"`
	SampleSize  int `koanf:"sample_size" validate:"gt=0"`
	Parallelism int `koanf:"parallelism" validate:"gte=-1"`
}

// ModelConfig holds the hyperparameters of each member. They are copied to the model context with
// Config.ApplyToContext.
type ModelConfig struct {
	LSTMUnits        []int   `koanf:"lstm_units" validate:"min=1,dive,gt=0"`
	EmbeddingDropout float64 `koanf:"embedding_dropout" validate:"gte=0,lt=1"`
	LSTMDropout      float64 `koanf:"lstm_dropout" validate:"gte=0,lt=1"`
	OutputActivation string  `koanf:"output_activation" validate:"required"`
	Loss             string  `koanf:"loss" validate:"required"`
	Optimizer        string  `koanf:"optimizer" validate:"required"`
	LearningRate     float64 `koanf:"learning_rate" validate:"gt=0"`
	Epochs           int     `koanf:"epochs" validate:"gt=0"`
	Patience         int     `koanf:"patience" validate:"gte=0"`
	BatchSize        int     `koanf:"batch_size" validate:"gt=0"`
	EvalBatchSize    int     `koanf:"eval_batch_size" validate:"gt=0"`
}

// ExportConfig selects the optional outputs.
type ExportConfig struct {
	Embeddings     bool   `koanf:"embeddings"`
	EmbeddingsFile string `koanf:"embeddings_file" validate:"required_if=Embeddings true"`
	Metrics        bool   `koanf:"metrics"`
}

// ForecastConfig configures the optional forecast of every (store, product, day) in [Start, End].
type ForecastConfig struct {
	Enabled  bool     `koanf:"enabled"`
	Stores   []string `koanf:"stores" validate:"dive,required"`
	Products []string `koanf:"products" validate:"dive,required"`
	Start    string   `koanf:"start" validate:"omitempty,datetime=2006-01-02"`
	End      string   `koanf:"end" validate:"omitempty,datetime=2006-01-02"`
}

// Default returns the configuration with all default values.
func Default() *Config {
	return &Config{
		DataDir:     "~/work/salesforecast/data",
		CacheDir:    "~/work/salesforecast/cache",
		OutputDir:   "~/work/salesforecast/output",
		TargetField: features.FieldSales,
		MinTarget:   0.1,
		TrainRatio:  0.95,
		Seed:        0,
		ProgressBar: true,
		Ensemble: EnsembleConfig{
			Size:        5,
			SampleSize:  500_000,
			Parallelism: 1,
		},
		Model: ModelConfig{
			LSTMUnits:        []int{512, 256, 256, 128, 64},
			EmbeddingDropout: 0.02,
			LSTMDropout:      0.4,
			OutputActivation: "relu",
			Loss:             "mse",
			Optimizer:        "adam",
			LearningRate:     1e-3,
			Epochs:           15,
			Patience:         4,
			BatchSize:        128,
			EvalBatchSize:    1024,
		},
		Export: ExportConfig{
			Embeddings:     true,
			EmbeddingsFile: "embeddings.json",
			Metrics:        true,
		},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the configuration values.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if _, err := c.FeatureSchema(); err != nil {
		return errors.WithMessage(err, "invalid schema configuration")
	}
	if f := c.Forecast; f.Enabled {
		if len(f.Stores) == 0 || len(f.Products) == 0 || f.Start == "" || f.End == "" {
			return errors.New("forecast requires stores, products, start and end")
		}
		if f.End < f.Start {
			return errors.Errorf("forecast end %s is before start %s", f.End, f.Start)
		}
	}
	return nil
}

// FeatureSchema returns the default schema with the configured table size overrides.
func (c *Config) FeatureSchema() (features.Schema, error) {
	return features.DefaultSchema().WithTableSizes(c.Schema.Cardinalities, c.Schema.EmbeddingDims)
}

// TrainFile returns the path of the training CSV.
func (c *Config) TrainFile() string {
	if c.WeeklyAggregation {
		return filepath.Join(c.DataDir, "train_weekly.csv")
	}
	return filepath.Join(c.DataDir, "train.csv")
}

// TestFile returns the path of the test CSV.
func (c *Config) TestFile() string {
	if c.WeeklyAggregation {
		return filepath.Join(c.DataDir, "test_weekly.csv")
	}
	return filepath.Join(c.DataDir, "test.csv")
}

// ApplyToContext copies the model hyperparameters to the context. Settings given afterwards in the
// command line (see commandline.ParseContextSettings) override these.
func (c *Config) ApplyToContext(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		model.ParamLSTMUnits:         c.Model.LSTMUnits,
		model.ParamEmbeddingDropout:  c.Model.EmbeddingDropout,
		model.ParamLSTMDropout:       c.Model.LSTMDropout,
		model.ParamOutputActivation:  c.Model.OutputActivation,
		model.ParamEpochs:            c.Model.Epochs,
		model.ParamPatience:          c.Model.Patience,
		model.ParamBatchSize:         c.Model.BatchSize,
		model.ParamEvalBatchSize:     c.Model.EvalBatchSize,
		losses.ParamLoss:             c.Model.Loss,
		optimizers.ParamOptimizer:    c.Model.Optimizer,
		optimizers.ParamLearningRate: c.Model.LearningRate,
	})
}
