// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"strconv"
	"time"

	"github.com/gomlx/salesforecast/pkg/model"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// runMetrics are collected in a registry private to one run, and written as a Prometheus textfile
// (e.g. for the node exporter textfile collector) at the end of the run.
type runMetrics struct {
	registry *prometheus.Registry

	rows          *prometheus.GaugeVec
	skipped       *prometheus.GaugeVec
	relativeError *prometheus.GaugeVec
	stageDuration *prometheus.GaugeVec
	memberEpochs  *prometheus.GaugeVec
	memberLoss    *prometheus.GaugeVec
}

func newRunMetrics(runID string) *runMetrics {
	constLabels := prometheus.Labels{"run_id": runID}
	m := &runMetrics{
		registry: prometheus.NewRegistry(),
		rows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "salesforecast_rows",
			Help:        "Number of rows in each dataset",
			ConstLabels: constLabels,
		}, []string{"dataset"}),
		skipped: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "salesforecast_skipped_records",
			Help:        "Number of training records skipped during extraction, by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		relativeError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "salesforecast_relative_error",
			Help:        "Mean relative error of the ensemble",
			ConstLabels: constLabels,
		}, []string{"dataset"}),
		stageDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "salesforecast_stage_duration_seconds",
			Help:        "Wall time spent in each pipeline stage",
			ConstLabels: constLabels,
		}, []string{"stage"}),
		memberEpochs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "salesforecast_member_epochs",
			Help:        "Number of epochs trained by each ensemble member",
			ConstLabels: constLabels,
		}, []string{"member"}),
		memberLoss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "salesforecast_member_best_validation_loss",
			Help:        "Best validation loss (transformed target space) of each ensemble member",
			ConstLabels: constLabels,
		}, []string{"member"}),
	}
	m.registry.MustRegister(m.rows, m.skipped, m.relativeError, m.stageDuration, m.memberEpochs, m.memberLoss)
	return m
}

func (m *runMetrics) observeStage(state State, elapsed time.Duration) {
	m.stageDuration.WithLabelValues(state.String()).Set(elapsed.Seconds())
}

func (m *runMetrics) observeReports(reports []*model.FitReport) {
	for ii, report := range reports {
		if report == nil {
			continue
		}
		member := strconv.Itoa(ii)
		m.memberEpochs.WithLabelValues(member).Set(float64(report.Epochs))
		if len(report.ValidationLosses) > 0 {
			m.memberLoss.WithLabelValues(member).Set(report.BestValidationLoss())
		}
	}
}

func (m *runMetrics) write(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return errors.Wrapf(err, "writing metrics to %q", path)
	}
	return nil
}
