// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DateLayout is the layout of the "date" field of the records.
const DateLayout = "2006-01-02"

// Record is one raw sales observation, as read from the input files: field name to value.
// It is never modified after being read.
type Record map[string]string

// FeatureVector holds the fixed feature tuple of a Record, before encoding.
type FeatureVector struct {
	Store, Product                     string
	DayOfWeek, DayOfMonth, Year, Month int
}

// Label returns the value of the given schema column as a string, or "" for an unknown column.
func (fv FeatureVector) Label(column string) string {
	switch column {
	case ColStore:
		return fv.Store
	case ColProduct:
		return fv.Product
	case ColDayOfWeek:
		return strconv.Itoa(fv.DayOfWeek)
	case ColDayOfMonth:
		return strconv.Itoa(fv.DayOfMonth)
	case ColYear:
		return strconv.Itoa(fv.Year)
	case ColMonth:
		return strconv.Itoa(fv.Month)
	}
	return ""
}

// Labels returns the feature values of the schema columns as strings, in schema order. These are the labels
// fed to the encoders and the raw values written next to predictions.
func (fv FeatureVector) Labels(schema Schema) []string {
	labels := make([]string, len(schema.Columns))
	for ii, col := range schema.Columns {
		labels[ii] = fv.Label(col.Name)
	}
	return labels
}

// FeatureVectorFromDate builds the FeatureVector of a store/product on a given day.
// Day of week follows the upstream convention of Monday=0.
func FeatureVectorFromDate(store, product string, date time.Time) FeatureVector {
	return FeatureVector{
		Store:      store,
		Product:    product,
		DayOfWeek:  (int(date.Weekday()) + 6) % 7,
		DayOfMonth: date.Day(),
		Year:       date.Year(),
		Month:      int(date.Month()),
	}
}

// Extractor selects the FeatureVector and target from records. The fields read are the ones of the
// Schema columns; year is derived from the record date.
type Extractor struct {
	Schema Schema

	// MinTarget drops rows whose target is below it. Set to 0 to keep every non-negative target.
	MinTarget float64
}

// NewExtractor for the given schema.
func NewExtractor(schema Schema) *Extractor {
	return &Extractor{Schema: schema}
}

func requireField(r Record, field string) (string, error) {
	value, found := r[field]
	value = strings.TrimSpace(value)
	if !found || value == "" || value == "NaN" {
		return "", &MissingFieldError{Field: field}
	}
	return value, nil
}

func intField(r Record, field string) (int, error) {
	value, err := requireField(r, field)
	if err != nil {
		return 0, err
	}
	// Upstream cleaning may write integer columns as floats ("3.0").
	v, err := strconv.Atoi(value)
	if err != nil {
		f, fErr := strconv.ParseFloat(value, 64)
		if fErr != nil || f != float64(int(f)) {
			return 0, &ParseError{Field: field, Value: value, Err: err}
		}
		v = int(f)
	}
	return v, nil
}

// Extract the FeatureVector from a record. It returns a *ParseError if the date or an integer field is
// malformed, and a *MissingFieldError if a required field is absent.
func (e *Extractor) Extract(r Record) (FeatureVector, error) {
	fv, _, err := e.extractRow(r)
	return fv, err
}

func (e *Extractor) extractRow(r Record) (fv FeatureVector, date time.Time, err error) {
	dateStr, err := requireField(r, FieldDate)
	if err != nil {
		return
	}
	date, err = time.Parse(DateLayout, dateStr)
	if err != nil {
		err = &ParseError{Field: FieldDate, Value: dateStr, Err: err}
		return
	}
	for _, col := range e.Schema.Columns {
		switch col.Name {
		case ColStore:
			fv.Store, err = requireField(r, ColStore)
		case ColProduct:
			fv.Product, err = requireField(r, ColProduct)
		case ColDayOfWeek:
			fv.DayOfWeek, err = intField(r, ColDayOfWeek)
		case ColDayOfMonth:
			fv.DayOfMonth, err = intField(r, ColDayOfMonth)
		case ColYear:
			fv.Year = date.Year()
		case ColMonth:
			fv.Month, err = intField(r, ColMonth)
		default:
			err = errors.Errorf("no extraction rule for schema column %q", col.Name)
		}
		if err != nil {
			return
		}
	}
	return
}

// Extracted is the result of Extractor.ExtractDataset.
type Extracted struct {
	Features []FeatureVector

	// Targets are aligned with Features. Empty when extracted without a target field.
	Targets []float64

	// Dates of each row, used to order records chronologically.
	Dates []time.Time

	// Dropped counts rows rejected with ParseError or MissingFieldError, Filtered the ones below MinTarget.
	Dropped, Filtered int
}

// Len returns the number of extracted rows.
func (ex *Extracted) Len() int { return len(ex.Features) }

// ExtractDataset extracts the features and the numeric target named targetField from records.
//
// Rows that fail extraction are dropped and counted, they don't abort the batch. It returns an error
// (wrapping the first row error) only if no row survives.
func (e *Extractor) ExtractDataset(records []Record, targetField string) (*Extracted, error) {
	return e.extract(records, targetField)
}

// ExtractFeatures is like ExtractDataset, but for records without a target.
func (e *Extractor) ExtractFeatures(records []Record) (*Extracted, error) {
	return e.extract(records, "")
}

func (e *Extractor) extract(records []Record, targetField string) (*Extracted, error) {
	ex := &Extracted{
		Features: make([]FeatureVector, 0, len(records)),
		Dates:    make([]time.Time, 0, len(records)),
	}
	if targetField != "" {
		ex.Targets = make([]float64, 0, len(records))
	}
	var firstErr error
	for rowIdx, r := range records {
		fv, date, err := e.extractRow(r)
		var target float64
		if err == nil && targetField != "" {
			target, err = e.target(r, targetField)
			if err == nil && target < e.MinTarget {
				ex.Filtered++
				continue
			}
		}
		if err != nil {
			if firstErr == nil {
				firstErr = errors.WithMessagef(err, "row #%d", rowIdx)
			}
			klog.V(2).Infof("dropping row #%d: %v", rowIdx, err)
			ex.Dropped++
			continue
		}
		ex.Features = append(ex.Features, fv)
		ex.Dates = append(ex.Dates, date)
		if targetField != "" {
			ex.Targets = append(ex.Targets, target)
		}
	}
	if ex.Dropped > 0 {
		klog.Warningf("dropped %s of %s records with missing or malformed fields (first: %v)",
			humanize.Comma(int64(ex.Dropped)), humanize.Comma(int64(len(records))), firstErr)
	}
	if ex.Len() == 0 {
		if firstErr == nil {
			firstErr = errors.Errorf("%d records given, %d filtered by min target %g", len(records), ex.Filtered, e.MinTarget)
		}
		return nil, errors.WithMessage(firstErr, "no valid records left after extraction")
	}
	return ex, nil
}

func (e *Extractor) target(r Record, field string) (float64, error) {
	value, err := requireField(r, field)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, &ParseError{Field: field, Value: value, Err: err}
	}
	if v < 0 {
		return 0, &ParseError{Field: field, Value: value, Err: errors.New("target must be non-negative")}
	}
	return v, nil
}

// SortByDate returns a copy of ex with rows stably ordered by date, oldest first.
// Rows with the same date keep their relative order.
func (ex *Extracted) SortByDate() *Extracted {
	n := ex.Len()
	order := make([]int, n)
	for ii := range order {
		order[ii] = ii
	}
	sort.SliceStable(order, func(i, j int) bool { return ex.Dates[order[i]].Before(ex.Dates[order[j]]) })
	out := &Extracted{
		Features: make([]FeatureVector, n),
		Dates:    make([]time.Time, n),
		Dropped:  ex.Dropped,
		Filtered: ex.Filtered,
	}
	if ex.Targets != nil {
		out.Targets = make([]float64, n)
	}
	for to, from := range order {
		out.Features[to] = ex.Features[from]
		out.Dates[to] = ex.Dates[from]
		if ex.Targets != nil {
			out.Targets[to] = ex.Targets[from]
		}
	}
	return out
}
