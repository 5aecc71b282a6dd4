// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline drives a full forecasting run: extraction of features and targets from the raw records,
// encoding, train/validation split, ensemble training, evaluation, prediction on the test records and export
// of predictions, embeddings and metrics.
package pipeline

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/salesforecast/internal/config"
	"github.com/gomlx/salesforecast/pkg/dataset"
	"github.com/gomlx/salesforecast/pkg/ensemble"
	"github.com/gomlx/salesforecast/pkg/features"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// State of the pipeline. A run goes through the states in order.
type State int

const (
	StateExtract State = iota
	StateFeaturePrep
	StateTrain
	StateEvaluate
	StatePredict
	StateExport
)

var stateNames = []string{"EXTRACT", "FEATURE_PREP", "TRAIN", "EVALUATE", "PREDICT", "EXPORT"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Artifact file names.
const (
	EncodersFile      = "encoders.bin"
	TrainPreparedFile = "train_prepped.bin"
	TestPreparedFile  = "test_prepped.bin"
	TestEncodedFile   = "test_features_encoded.csv"
	ModelsDir         = "models"
	PredictionsFile   = "test_predicted.csv"
	MetricsFile       = "metrics.prom"
	ForecastFile      = "forecast.csv"
)

// Result summarizes a run.
type Result struct {
	RunID string

	TrainRows, ValidationRows, TestRows int

	// Dropped and Filtered count training records rejected during extraction (zero in offline mode).
	Dropped, Filtered int

	// TrainError and ValidationError are the ensemble mean relative errors. ValidationError is NaN if the
	// validation split is empty.
	TrainError, ValidationError float64

	// Output files written. Optional outputs are empty if not written.
	PredictionsFile, EmbeddingsFile, MetricsFile, ForecastFile string

	Elapsed time.Duration
}

// Driver runs the pipeline for one configuration.
type Driver struct {
	Config   *config.Config
	Backend  backends.Backend
	Template *context.Context
	RunID    string

	schema  features.Schema
	state   State
	metrics *runMetrics
	result  *Result

	trainExtracted, testExtracted *features.Extracted
	encoders                      *features.EncoderSet
	trainPrepared, testPrepared   *dataset.Prepared
	trainSet, validationSet       *dataset.Prepared
	ensemble                      *ensemble.Ensemble
	predictions                   []float64
}

// New creates a Driver. The template context holds the model hyperparameters (see model.CreateDefaultContext
// and config.Config.ApplyToContext).
func New(cfg *config.Config, backend backends.Backend, template *context.Context) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	schema, err := cfg.FeatureSchema()
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	return &Driver{
		Config:   cfg,
		Backend:  backend,
		Template: template,
		RunID:    runID,
		schema:   schema,
		metrics:  newRunMetrics(runID),
		result:   &Result{RunID: runID, ValidationError: math.NaN(), TrainError: math.NaN()},
	}, nil
}

// State returns the current (or last) state of the run.
func (d *Driver) State() State { return d.state }

// Ensemble trained or loaded by the run, nil before the TRAIN state.
func (d *Driver) Ensemble() *ensemble.Ensemble { return d.ensemble }

func (d *Driver) cachePath(name string) string  { return filepath.Join(d.Config.CacheDir, name) }
func (d *Driver) outputPath(name string) string { return filepath.Join(d.Config.OutputDir, name) }

// Run executes all states in order. In offline mode EXTRACT is skipped, and FEATURE_PREP loads the
// artifacts saved by a previous run.
func (d *Driver) Run() (*Result, error) {
	start := time.Now()
	for _, dir := range []string{d.Config.CacheDir, d.Config.OutputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, errors.Wrapf(err, "creating directory %q", dir)
		}
	}
	stages := []func() error{d.extract, d.featurePrep, d.train, d.evaluate, d.predict, d.export}
	first := StateExtract
	if d.Config.Offline {
		first = StateFeaturePrep
	}
	for state := first; state <= StateExport; state++ {
		d.state = state
		klog.Infof("[%s] %s", d.RunID[:8], state)
		stageStart := time.Now()
		if err := stages[state](); err != nil {
			return nil, errors.WithMessagef(err, "pipeline state %s", state)
		}
		d.metrics.observeStage(state, time.Since(stageStart))
	}
	if d.Config.Export.Metrics {
		path := d.outputPath(MetricsFile)
		if err := d.metrics.write(path); err != nil {
			return nil, err
		}
		d.result.MetricsFile = path
	}
	d.result.Elapsed = time.Since(start)
	return d.result, nil
}

// extract reads the raw train and test records, and extracts features and targets. Training records are
// ordered by date, so the validation split holds the most recent ones.
func (d *Driver) extract() error {
	trainRecords, err := features.LoadRecords(d.Config.TrainFile())
	if err != nil {
		return err
	}
	testRecords, err := features.LoadRecords(d.Config.TestFile())
	if err != nil {
		return err
	}
	extractor := features.NewExtractor(d.schema)
	extractor.MinTarget = d.Config.MinTarget
	trainExtracted, err := extractor.ExtractDataset(trainRecords, d.Config.TargetField)
	if err != nil {
		return errors.WithMessagef(err, "extracting training records from %q", d.Config.TrainFile())
	}
	d.trainExtracted = trainExtracted.SortByDate()
	d.testExtracted, err = extractor.ExtractFeatures(testRecords)
	if err != nil {
		return errors.WithMessagef(err, "extracting test records from %q", d.Config.TestFile())
	}
	d.result.Dropped, d.result.Filtered = trainExtracted.Dropped, trainExtracted.Filtered
	d.metrics.skipped.WithLabelValues("malformed").Set(float64(trainExtracted.Dropped))
	d.metrics.skipped.WithLabelValues("min_target").Set(float64(trainExtracted.Filtered))
	klog.Infof("Extracted %s training records (%s dropped, %s below min target) and %s test records",
		humanize.Comma(int64(d.trainExtracted.Len())), humanize.Comma(int64(trainExtracted.Dropped)),
		humanize.Comma(int64(trainExtracted.Filtered)), humanize.Comma(int64(d.testExtracted.Len())))
	return nil
}

// featurePrep fits the encoders on the training features only, encodes train and test, and saves the
// encoders and prepared datasets. In offline mode it loads them instead.
//
// With SkipTraining the encoders the saved ensemble was trained with are loaded from the cache and reused
// as is: refitting them on new data would change the codes the embeddings were learned for.
func (d *Driver) featurePrep() (err error) {
	if d.Config.Offline {
		return d.loadPrepared()
	}
	if d.Config.SkipTraining {
		if d.encoders, err = features.LoadEncoderSet(d.cachePath(EncodersFile)); err != nil {
			return errors.WithMessage(err, "skip_training requires the encoders of the trained ensemble")
		}
	} else {
		d.encoders = features.FitEncoderSet(d.schema, d.trainExtracted.Features)
	}
	if err = d.encoders.CheckCardinalities(d.schema); err != nil {
		return err
	}
	trainX, err := d.encoders.Encode(d.trainExtracted.Features)
	if err != nil {
		return errors.WithMessage(err, "encoding training features")
	}
	testX, err := d.encoders.Encode(d.testExtracted.Features)
	if err != nil {
		return errors.WithMessage(err, "encoding test features")
	}
	if d.trainPrepared, err = dataset.New(trainX, d.trainExtracted.Targets, d.trainExtracted.Features); err != nil {
		return err
	}
	if d.testPrepared, err = dataset.New(testX, nil, d.testExtracted.Features); err != nil {
		return err
	}

	if !d.Config.SkipTraining {
		if err = d.encoders.Save(d.cachePath(EncodersFile)); err != nil {
			return err
		}
	}
	if err = d.trainPrepared.Save(d.cachePath(TrainPreparedFile)); err != nil {
		return err
	}
	if err = d.testPrepared.Save(d.cachePath(TestPreparedFile)); err != nil {
		return err
	}
	return writeEncoded(d.cachePath(TestEncodedFile), d.schema, testX)
}

func (d *Driver) loadPrepared() (err error) {
	if d.encoders, err = features.LoadEncoderSet(d.cachePath(EncodersFile)); err != nil {
		return err
	}
	if err = d.encoders.CheckCardinalities(d.schema); err != nil {
		return err
	}
	if d.trainPrepared, err = dataset.Load(d.cachePath(TrainPreparedFile)); err != nil {
		return err
	}
	if d.testPrepared, err = dataset.Load(d.cachePath(TestPreparedFile)); err != nil {
		return err
	}
	for _, p := range []*dataset.Prepared{d.trainPrepared, d.testPrepared} {
		if err = p.X.CheckWidth(d.schema); err != nil {
			return err
		}
	}
	if !d.trainPrepared.HasTargets() {
		return errors.Errorf("prepared training data in %q has no targets", d.cachePath(TrainPreparedFile))
	}
	klog.Infof("Loaded prepared data from %q: %s training and %s test rows", d.Config.CacheDir,
		humanize.Comma(int64(d.trainPrepared.Len())), humanize.Comma(int64(d.testPrepared.Len())))
	return nil
}

// train splits the training data and trains the ensemble, or reloads it if SkipTraining is set.
func (d *Driver) train() (err error) {
	d.trainSet, d.validationSet, err = dataset.Split(d.trainPrepared, d.Config.TrainRatio)
	if err != nil {
		return err
	}
	d.result.TrainRows, d.result.ValidationRows = d.trainSet.Len(), d.validationSet.Len()
	d.result.TestRows = d.testPrepared.Len()
	d.metrics.rows.WithLabelValues("train").Set(float64(d.trainSet.Len()))
	d.metrics.rows.WithLabelValues("validation").Set(float64(d.validationSet.Len()))
	d.metrics.rows.WithLabelValues("test").Set(float64(d.testPrepared.Len()))

	modelsDir := d.cachePath(ModelsDir)
	if d.Config.SkipTraining {
		d.ensemble, err = ensemble.Load(d.Backend, modelsDir)
		if err != nil {
			return err
		}
		if !equalSchemas(d.ensemble.Schema, d.schema) {
			return errors.Errorf("ensemble in %q was trained with a different schema", modelsDir)
		}
		return nil
	}

	factory := &ensemble.Factory{
		Backend:     d.Backend,
		Template:    d.Template,
		Schema:      d.schema,
		BaseDir:     modelsDir,
		BaseSeed:    d.Config.Seed,
		ProgressBar: d.Config.ProgressBar,
	}
	d.ensemble, err = ensemble.Train(factory, d.trainSet, d.validationSet,
		d.Config.Ensemble.Size, d.Config.Ensemble.SampleSize, d.Config.Ensemble.Parallelism)
	if err != nil {
		return err
	}
	d.metrics.observeReports(d.ensemble.Reports)
	return d.ensemble.Save(modelsDir, d.RunID)
}

func equalSchemas(a, b features.Schema) bool {
	if a.Width() != b.Width() {
		return false
	}
	for ii := range a.Columns {
		if a.Columns[ii] != b.Columns[ii] {
			return false
		}
	}
	return true
}

// evaluate computes the ensemble mean relative error on the train and validation splits.
func (d *Driver) evaluate() (err error) {
	d.result.TrainError, err = d.ensemble.Evaluate(d.trainSet.X, d.trainSet.Y)
	if err != nil {
		return errors.WithMessage(err, "evaluating on training split")
	}
	d.metrics.relativeError.WithLabelValues("train").Set(d.result.TrainError)
	if d.validationSet.Len() > 0 {
		d.result.ValidationError, err = d.ensemble.Evaluate(d.validationSet.X, d.validationSet.Y)
		if err != nil {
			return errors.WithMessage(err, "evaluating on validation split")
		}
		d.metrics.relativeError.WithLabelValues("validation").Set(d.result.ValidationError)
	}
	klog.Infof("Relative error: train %.4f, validation %.4f", d.result.TrainError, d.result.ValidationError)
	return nil
}

// predict runs the ensemble on the test records.
func (d *Driver) predict() (err error) {
	d.predictions, err = d.ensemble.Guess(d.testPrepared.X)
	if err != nil {
		return errors.WithMessage(err, "predicting test records")
	}
	return nil
}

// export writes the test predictions, and optionally the embeddings and the forecast.
func (d *Driver) export() error {
	vectors, err := d.rawFeatures(d.testPrepared)
	if err != nil {
		return err
	}
	path := d.outputPath(PredictionsFile)
	if err = WritePredictions(path, d.schema, vectors, d.predictions); err != nil {
		return err
	}
	d.result.PredictionsFile = path
	klog.Infof("Wrote %s predictions to %q", humanize.Comma(int64(len(d.predictions))), path)

	if d.Config.Export.Embeddings {
		path = d.outputPath(d.Config.Export.EmbeddingsFile)
		if err = d.ensemble.ExportEmbeddings(path, d.encoders); err != nil {
			return err
		}
		d.result.EmbeddingsFile = path
	}

	if f := d.Config.Forecast; f.Enabled {
		start, err := time.Parse(features.DateLayout, f.Start)
		if err != nil {
			return errors.Wrapf(err, "parsing forecast start %q", f.Start)
		}
		end, err := time.Parse(features.DateLayout, f.End)
		if err != nil {
			return errors.Wrapf(err, "parsing forecast end %q", f.End)
		}
		vectors, predictions, err := d.Forecast(f.Stores, f.Products, start, end)
		if err != nil {
			return err
		}
		path = d.outputPath(ForecastFile)
		if err = WritePredictions(path, d.schema, vectors, predictions); err != nil {
			return err
		}
		d.result.ForecastFile = path
	}
	return nil
}

// rawFeatures returns the raw feature values of p, decoding them if they were not kept.
func (d *Driver) rawFeatures(p *dataset.Prepared) ([][]string, error) {
	if p.Raw != nil {
		rows := make([][]string, len(p.Raw))
		for ii, fv := range p.Raw {
			rows[ii] = fv.Labels(d.schema)
		}
		return rows, nil
	}
	return d.encoders.Decode(p.X)
}

// Forecast predicts every (store, product, day) combination with day in [start, end], using the trained
// ensemble. Stores, products and years must have been seen in training.
//
// If the run hasn't trained or loaded an ensemble yet, the encoders and the ensemble saved in the cache
// directory are loaded.
func (d *Driver) Forecast(stores, products []string, start, end time.Time) (rows [][]string, predictions []float64, err error) {
	if end.Before(start) {
		return nil, nil, errors.Errorf("forecast end %s is before start %s",
			end.Format(features.DateLayout), start.Format(features.DateLayout))
	}
	if err = d.ensureTrained(); err != nil {
		return nil, nil, err
	}
	var vectors []features.FeatureVector
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		for _, store := range stores {
			for _, product := range products {
				vectors = append(vectors, features.FeatureVectorFromDate(store, product, day))
			}
		}
	}
	x, err := d.encoders.Encode(vectors)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "encoding forecast features")
	}
	predictions, err = d.ensemble.Guess(x)
	if err != nil {
		return nil, nil, errors.WithMessage(err, "forecasting")
	}
	rows = make([][]string, len(vectors))
	for ii, fv := range vectors {
		rows[ii] = fv.Labels(d.schema)
	}
	klog.Infof("Forecast %s rows: %d stores x %d products from %s to %s", humanize.Comma(int64(len(rows))),
		len(stores), len(products), start.Format(features.DateLayout), end.Format(features.DateLayout))
	return rows, predictions, nil
}

func (d *Driver) ensureTrained() (err error) {
	if d.encoders == nil {
		if d.encoders, err = features.LoadEncoderSet(d.cachePath(EncodersFile)); err != nil {
			return err
		}
	}
	if d.ensemble == nil {
		if d.ensemble, err = ensemble.Load(d.Backend, d.cachePath(ModelsDir)); err != nil {
			return err
		}
	}
	return nil
}
