// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package features converts raw sales records into encoded categorical features.
//
// The fixed feature tuple is (store, product, day_of_week, day_of_month, year, month). Its order is defined
// by a Schema value, which is passed explicitly to every component that depends on it: the Extractor,
// the EncoderSet and the model's embedding inputs. Adding a feature means changing the Schema and the
// model together.
package features

import (
	"slices"

	"github.com/pkg/errors"
)

// Column names of the fixed feature tuple.
const (
	ColStore       = "store"
	ColProduct     = "product"
	ColDayOfWeek   = "day_of_week"
	ColDayOfMonth  = "day_of_month"
	ColYear        = "year"
	ColMonth       = "month"
	FieldDate      = "date"
	FieldSales     = "sales"
	FieldQuantity  = "quantity"
	PredictedLabel = "predicted"
)

// Column describes one categorical feature column.
type Column struct {
	// Name of the column, also used to name its embedding table.
	Name string

	// Cardinality is the number of rows of the column's embedding table: encoded values must be < Cardinality.
	Cardinality int

	// EmbeddingDim is the size of the learned vector for each value.
	EmbeddingDim int

	// Numeric columns hold integer labels, and their encoders order labels by numeric value.
	Numeric bool
}

// Schema is the ordered list of feature columns.
type Schema struct {
	Columns []Column
}

// DefaultSchema returns the schema used by the sales forecaster, with the embedding table sizes of
// the reference architecture.
func DefaultSchema() Schema {
	return Schema{Columns: []Column{
		{Name: ColStore, Cardinality: 6, EmbeddingDim: 5},
		{Name: ColProduct, Cardinality: 710, EmbeddingDim: 200},
		{Name: ColDayOfWeek, Cardinality: 7, EmbeddingDim: 6, Numeric: true},
		{Name: ColDayOfMonth, Cardinality: 31, EmbeddingDim: 10, Numeric: true},
		{Name: ColYear, Cardinality: 5, EmbeddingDim: 4, Numeric: true},
		{Name: ColMonth, Cardinality: 12, EmbeddingDim: 6, Numeric: true},
	}}
}

// Width is the number of columns.
func (s Schema) Width() int { return len(s.Columns) }

// Names of the columns, in order.
func (s Schema) Names() []string {
	names := make([]string, len(s.Columns))
	for ii, col := range s.Columns {
		names[ii] = col.Name
	}
	return names
}

// Index returns the position of the column with the given name, or -1.
func (s Schema) Index(name string) int {
	return slices.IndexFunc(s.Columns, func(c Column) bool { return c.Name == name })
}

// ConcatenatedDim is the sum of all embedding dimensions: the width of the concatenated embeddings.
func (s Schema) ConcatenatedDim() int {
	var total int
	for _, col := range s.Columns {
		total += col.EmbeddingDim
	}
	return total
}

// WithTableSizes returns a copy of the schema with the cardinalities and embedding dimensions overwritten
// for the named columns. Names not in the schema are an error.
func (s Schema) WithTableSizes(cardinalities, embeddingDims map[string]int) (Schema, error) {
	out := Schema{Columns: slices.Clone(s.Columns)}
	for name, card := range cardinalities {
		idx := out.Index(name)
		if idx < 0 {
			return Schema{}, errors.Errorf("unknown column %q in cardinalities", name)
		}
		out.Columns[idx].Cardinality = card
	}
	for name, dim := range embeddingDims {
		idx := out.Index(name)
		if idx < 0 {
			return Schema{}, errors.Errorf("unknown column %q in embedding dimensions", name)
		}
		out.Columns[idx].EmbeddingDim = dim
	}
	return out, out.Validate()
}

// Validate checks that the schema has the fixed six columns in order and positive table sizes.
func (s Schema) Validate() error {
	want := DefaultSchema().Names()
	if s.Width() != len(want) {
		return &ShapeMismatchError{What: "schema columns", Got: s.Width(), Want: len(want)}
	}
	for ii, col := range s.Columns {
		if col.Name != want[ii] {
			return errors.Errorf("schema column #%d is %q, expected %q", ii, col.Name, want[ii])
		}
		if col.Cardinality <= 0 || col.EmbeddingDim <= 0 {
			return errors.Errorf("schema column %q must have positive cardinality and embedding dimension, got %d and %d",
				col.Name, col.Cardinality, col.EmbeddingDim)
		}
	}
	return nil
}
