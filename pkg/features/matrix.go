// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import "slices"

// Matrix holds encoded features, one row per record.
type Matrix struct {
	NumRows, NumColumns int

	// Codes is shaped `[NumRows, NumColumns]`, row-major, ordered as the schema columns.
	Codes []int32
}

// NewMatrix allocates a zero matrix.
func NewMatrix(numRows, numColumns int) *Matrix {
	return &Matrix{NumRows: numRows, NumColumns: numColumns, Codes: make([]int32, numRows*numColumns)}
}

// Row returns a slice pointing to the codes of row rowIdx.
func (m *Matrix) Row(rowIdx int) []int32 {
	return m.Codes[rowIdx*m.NumColumns : (rowIdx+1)*m.NumColumns]
}

// Column returns a copy of the codes of column colIdx.
func (m *Matrix) Column(colIdx int) []int32 {
	col := make([]int32, m.NumRows)
	for rowIdx := range col {
		col[rowIdx] = m.Codes[rowIdx*m.NumColumns+colIdx]
	}
	return col
}

// Slice returns a new matrix with rows [from, to).
func (m *Matrix) Slice(from, to int) *Matrix {
	return &Matrix{
		NumRows:    to - from,
		NumColumns: m.NumColumns,
		Codes:      slices.Clone(m.Codes[from*m.NumColumns : to*m.NumColumns]),
	}
}

// Gather returns a new matrix with the given rows, in the given order. Rows may repeat.
func (m *Matrix) Gather(rows []int) *Matrix {
	out := NewMatrix(len(rows), m.NumColumns)
	for to, from := range rows {
		copy(out.Row(to), m.Row(from))
	}
	return out
}

// CheckWidth returns a *ShapeMismatchError if the matrix doesn't have the schema's number of columns.
func (m *Matrix) CheckWidth(schema Schema) error {
	if m.NumColumns != schema.Width() {
		return &ShapeMismatchError{What: "encoded matrix columns", Got: m.NumColumns, Want: schema.Width()}
	}
	if len(m.Codes) != m.NumRows*m.NumColumns {
		return &ShapeMismatchError{What: "encoded matrix size", Got: len(m.Codes), Want: m.NumRows * m.NumColumns}
	}
	return nil
}
