// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/salesforecast/internal/config"
	"github.com/gomlx/salesforecast/pkg/features"
	"github.com/gomlx/salesforecast/pkg/model"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/gomlx/gomlx/backends/default"
)

func init() {
	if _, found := os.LookupEnv(backends.ConfigEnvVar); !found {
		// For testing, we use the CPU backend (and avoid GPU if not explicitly requested).
		must.M(os.Setenv(backends.ConfigEnvVar, "xla:cpu"))
	}
}

var recordsHeader = []string{
	features.FieldDate, features.ColStore, features.ColProduct, features.ColDayOfWeek,
	features.ColDayOfMonth, features.ColMonth, features.FieldSales, features.FieldQuantity,
}

// writeSyntheticData writes 100 records of 2 stores x 3 products over consecutive days of January 2020:
// every 20th record goes to test.csv, the others to train.csv. Sales are in [5, 500].
func writeSyntheticData(t *testing.T, dataDir string) {
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	stores := []string{"001", "002"}
	products := []string{"Bombay Potato", "Chicken Tikka", "Naan"}
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	var train, test [][]string
	for ii := range 100 {
		day := start.AddDate(0, 0, ii/6)
		storeIdx, productIdx := ii%2, (ii/2)%3
		fv := features.FeatureVectorFromDate(stores[storeIdx], products[productIdx], day)
		sales := 5 + float64(storeIdx)*100 + float64(productIdx)*120 + float64(fv.DayOfWeek)*20
		row := []string{
			day.Format(features.DateLayout), fv.Store, fv.Product, strconv.Itoa(fv.DayOfWeek),
			strconv.Itoa(fv.DayOfMonth), strconv.Itoa(fv.Month), strconv.FormatFloat(sales, 'f', 2, 64),
			strconv.Itoa(int(sales) / 5),
		}
		if ii%20 == 19 {
			test = append(test, row)
		} else {
			train = append(train, row)
		}
	}
	require.NoError(t, features.WriteTable(filepath.Join(dataDir, "train.csv"), recordsHeader, train))
	require.NoError(t, features.WriteTable(filepath.Join(dataDir, "test.csv"), recordsHeader, test))
}

func testConfig(t *testing.T) *config.Config {
	root := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = filepath.Join(root, "data")
	cfg.CacheDir = filepath.Join(root, "cache")
	cfg.OutputDir = filepath.Join(root, "output")
	cfg.ProgressBar = false
	cfg.Seed = 42
	cfg.Ensemble = config.EnsembleConfig{Size: 2, SampleSize: 200, Parallelism: 1}
	cfg.Model.LSTMUnits = []int{8, 4}
	cfg.Model.Epochs = 2
	cfg.Model.Patience = 1
	cfg.Model.BatchSize = 32
	cfg.Schema = config.SchemaConfig{
		Cardinalities: map[string]int{features.ColStore: 2, features.ColProduct: 3},
		EmbeddingDims: map[string]int{features.ColStore: 2, features.ColProduct: 3},
	}
	return cfg
}

func newDriver(t *testing.T, cfg *config.Config) *Driver {
	template := model.CreateDefaultContext()
	cfg.ApplyToContext(template)
	d, err := New(cfg, backends.MustNew(), template)
	require.NoError(t, err)
	return d
}

func readLines(t *testing.T, path string) []string {
	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(string(contents), "\n"), "%q must be newline terminated", path)
	return strings.Split(strings.TrimSuffix(string(contents), "\n"), "\n")
}

func readPredictions(t *testing.T, path string) []float64 {
	records, err := features.LoadRecords(path)
	require.NoError(t, err)
	predictions := make([]float64, len(records))
	for ii, r := range records {
		predictions[ii], err = strconv.ParseFloat(r[features.PredictedLabel], 64)
		require.NoError(t, err)
	}
	return predictions
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "EXTRACT", StateExtract.String())
	assert.Equal(t, "FEATURE_PREP", StateFeaturePrep.String())
	assert.Equal(t, "EXPORT", StateExport.String())
	assert.Equal(t, "UNKNOWN", State(17).String())
}

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping end-to-end training test in short mode.")
	}
	cfg := testConfig(t)
	writeSyntheticData(t, cfg.DataDir)
	cfg.Forecast = config.ForecastConfig{
		Enabled: true, Stores: []string{"001", "002"}, Products: []string{"Naan"},
		Start: "2020-01-02", End: "2020-01-04",
	}
	d := newDriver(t, cfg)
	result, err := d.Run()
	require.NoError(t, err)
	assert.Equal(t, StateExport, d.State())
	assert.Equal(t, 90, result.TrainRows) // round(0.95 * 95)
	assert.Equal(t, 5, result.ValidationRows)
	assert.Equal(t, 5, result.TestRows)
	assert.GreaterOrEqual(t, result.TrainError, 0.0)
	assert.GreaterOrEqual(t, result.ValidationError, 0.0)
	require.Equal(t, 2, d.Ensemble().Len())

	// Predictions: header with the 7 names, one row per test record, raw labels, positive predictions.
	lines := readLines(t, result.PredictionsFile)
	require.Len(t, lines, 1+5)
	assert.Equal(t, "store,product,day_of_week,day_of_month,year,month,predicted", lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "002,Bombay Potato,"), "got %q", lines[1])
	predictions := readPredictions(t, result.PredictionsFile)
	for _, p := range predictions {
		assert.Greater(t, p, 0.0)
	}

	// Intermediate artifacts.
	for _, name := range []string{EncodersFile, TrainPreparedFile, TestPreparedFile, TestEncodedFile,
		filepath.Join(ModelsDir, "ensemble.json"), filepath.Join(ModelsDir, "member_000"), filepath.Join(ModelsDir, "member_001")} {
		_, err := os.Stat(filepath.Join(cfg.CacheDir, name))
		assert.NoError(t, err, "artifact %q", name)
	}
	encodedLines := readLines(t, filepath.Join(cfg.CacheDir, TestEncodedFile))
	require.Len(t, encodedLines, 1+5)
	assert.Equal(t, "store,product,day_of_week,day_of_month,year,month", encodedLines[0])

	// Optional outputs.
	require.NotEmpty(t, result.EmbeddingsFile)
	_, err = os.Stat(result.EmbeddingsFile)
	require.NoError(t, err)
	metrics, err := os.ReadFile(result.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(metrics), "salesforecast_relative_error")
	assert.Contains(t, string(metrics), fmt.Sprintf("run_id=%q", result.RunID))
	forecastLines := readLines(t, result.ForecastFile)
	require.Len(t, forecastLines, 1+3*2)
	assert.Equal(t, "001,Naan,3,2,2020,1", forecastLines[1][:strings.LastIndex(forecastLines[1], ",")])

	// Offline run reusing the prepared data and the trained ensemble gives the same predictions.
	cfg.Offline = true
	cfg.SkipTraining = true
	cfg.Forecast.Enabled = false
	d = newDriver(t, cfg)
	offline, err := d.Run()
	require.NoError(t, err)
	assert.Zero(t, offline.Dropped)
	assert.InDeltaSlice(t, predictions, readPredictions(t, offline.PredictionsFile), 1e-3)
	assert.InDelta(t, result.ValidationError, offline.ValidationError, 1e-4)

	// Non-offline run with skip_training on new training data lacking one product: the saved encoders are
	// reused (the test still has "Bombay Potato") and left untouched.
	encodersBefore, err := os.ReadFile(filepath.Join(cfg.CacheDir, EncodersFile))
	require.NoError(t, err)
	records, err := features.LoadRecords(filepath.Join(cfg.DataDir, "train.csv"))
	require.NoError(t, err)
	var kept [][]string
	for _, r := range records {
		if r[features.ColProduct] == "Bombay Potato" {
			continue
		}
		row := make([]string, len(recordsHeader))
		for ii, name := range recordsHeader {
			row[ii] = r[name]
		}
		kept = append(kept, row)
	}
	require.Less(t, len(kept), len(records))
	require.NoError(t, features.WriteTable(filepath.Join(cfg.DataDir, "train.csv"), recordsHeader, kept))
	cfg.Offline = false
	d = newDriver(t, cfg)
	reused, err := d.Run()
	require.NoError(t, err)
	encodersAfter, err := os.ReadFile(filepath.Join(cfg.CacheDir, EncodersFile))
	require.NoError(t, err)
	assert.Equal(t, encodersBefore, encodersAfter)
	assert.InDeltaSlice(t, predictions, readPredictions(t, reused.PredictionsFile), 1e-3)
}

func TestSkipTrainingRequiresEncoders(t *testing.T) {
	cfg := testConfig(t)
	writeSyntheticData(t, cfg.DataDir)
	cfg.SkipTraining = true
	d := newDriver(t, cfg)
	_, err := d.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(cfg.CacheDir, EncodersFile))
	assert.Equal(t, StateFeaturePrep, d.State())
	_, err = os.Stat(filepath.Join(cfg.CacheDir, EncodersFile))
	assert.True(t, os.IsNotExist(err))
}

func TestMissingInputs(t *testing.T) {
	cfg := testConfig(t)
	d := newDriver(t, cfg)
	_, err := d.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(cfg.DataDir, "train.csv"))
	assert.Equal(t, StateExtract, d.State())

	// Offline mode requires the prepared artifacts.
	cfg.Offline = true
	d = newDriver(t, cfg)
	_, err = d.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), filepath.Join(cfg.CacheDir, EncodersFile))
	assert.Equal(t, StateFeaturePrep, d.State())
}

func TestUnknownTestCategory(t *testing.T) {
	cfg := testConfig(t)
	writeSyntheticData(t, cfg.DataDir)
	test := [][]string{{"2020-01-03", "003", "Naan", "4", "3", "1", "10", "2"}}
	require.NoError(t, features.WriteTable(filepath.Join(cfg.DataDir, "test.csv"), recordsHeader, test))
	d := newDriver(t, cfg)
	_, err := d.Run()
	var unknown *features.UnknownCategoryError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, features.ColStore, unknown.Column)
	assert.Equal(t, StateFeaturePrep, d.State())
}

func TestWritePredictions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predicted.csv")
	raw := [][]string{{"001", "Naan", "0", "6", "2020", "1"}}
	require.NoError(t, WritePredictions(path, features.DefaultSchema(), raw, []float64{12.5}))
	lines := readLines(t, path)
	assert.Equal(t, []string{"store,product,day_of_week,day_of_month,year,month,predicted", "001,Naan,0,6,2020,1,12.5"}, lines)

	err := WritePredictions(path, features.DefaultSchema(), raw, []float64{1, 2})
	var mismatch *features.ShapeMismatchError
	require.ErrorAs(t, err, &mismatch)

	// The header follows the schema of the run.
	storeProduct := features.Schema{Columns: features.DefaultSchema().Columns[:2]}
	require.NoError(t, WritePredictions(path, storeProduct, [][]string{{"001", "Naan"}}, []float64{3}))
	assert.Equal(t, []string{"store,product,predicted", "001,Naan,3"}, readLines(t, path))

	err = WritePredictions(path, storeProduct, raw, []float64{12.5})
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, 2, mismatch.Want)
}
