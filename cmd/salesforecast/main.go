// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// salesforecast trains an ensemble of entity-embedding LSTM regressors on daily (or weekly) sales records and
// writes predictions for the test records.
//
// Configuration is read from an optional YAML file (-config), overridden by SALESFORECAST_* environment
// variables. Model hyperparameters can further be overridden with -set, e.g.:
//
//	salesforecast -config=sales.yaml -set="epochs=5;lstm_units=128,64"
package main

import (
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/salesforecast/internal/config"
	"github.com/gomlx/salesforecast/pkg/model"
	"github.com/gomlx/salesforecast/pkg/pipeline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/default"
)

var (
	flagConfig        = flag.String("config", "", "YAML configuration file. If empty, only defaults and SALESFORECAST_* environment variables are used.")
	flagPrintSettings = flag.Bool("print_settings", false, "Print the final model hyperparameters before running.")
)

func main() {
	ctx := model.CreateDefaultContext()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	flag.Parse()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		klog.Fatalf("Invalid configuration: %+v", err)
	}
	cfg.ApplyToContext(ctx)
	paramsSet := must.M1(commandline.ParseContextSettings(ctx, *settings))
	if *flagPrintSettings {
		fmt.Println(commandline.SprintContextSettings(ctx))
	} else if len(paramsSet) > 0 {
		klog.V(1).Infof("Hyperparameters set on the command line:\n%s", commandline.SprintModifiedContextSettings(ctx, paramsSet))
	}

	var result *pipeline.Result
	err = exceptions.TryCatch[error](func() {
		driver := must.M1(pipeline.New(cfg, backends.MustNew(), ctx))
		klog.Infof("Run %s: data=%q cache=%q output=%q", driver.RunID, cfg.DataDir, cfg.CacheDir, cfg.OutputDir)
		var runErr error
		result, runErr = driver.Run()
		if runErr != nil {
			panic(runErr)
		}
	})
	if err != nil {
		klog.Fatalf("Failed with error: %+v", err)
	}
	fmt.Fprintln(os.Stdout, summary(result))
}

// summary renders the run result as a table.
func summary(result *pipeline.Result) string {
	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	headerStyle := lipgloss.NewStyle().Padding(0, 1).Bold(true).Reverse(true)
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Headers("Run", result.RunID)

	table.Row("Train rows", humanize.Comma(int64(result.TrainRows)))
	table.Row("Validation rows", humanize.Comma(int64(result.ValidationRows)))
	table.Row("Test rows", humanize.Comma(int64(result.TestRows)))
	if result.Dropped > 0 || result.Filtered > 0 {
		table.Row("Dropped / filtered", fmt.Sprintf("%s / %s",
			humanize.Comma(int64(result.Dropped)), humanize.Comma(int64(result.Filtered))))
	}
	table.Row("Train relative error", fmt.Sprintf("%.4f", result.TrainError))
	if !math.IsNaN(result.ValidationError) {
		table.Row("Validation relative error", fmt.Sprintf("%.4f", result.ValidationError))
	}
	table.Row("Predictions", result.PredictionsFile)
	for _, output := range []struct{ name, path string }{
		{"Embeddings", result.EmbeddingsFile},
		{"Forecast", result.ForecastFile},
		{"Metrics", result.MetricsFile},
	} {
		if output.path != "" {
			table.Row(output.name, output.path)
		}
	}
	table.Row("Elapsed", commandline.FormatDuration(result.Elapsed))
	return table.String()
}
