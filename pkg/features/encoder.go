// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"encoding/gob"
	"io"
	"os"
	"slices"
	"sort"
	"strconv"

	"github.com/gomlx/salesforecast/internal/fsutil"
	"github.com/pkg/errors"
)

// CategoricalEncoder maps the distinct labels of one column to contiguous integers 0..k-1.
//
// Labels are sorted before being assigned codes (numerically for numeric columns, lexicographically
// otherwise), so fitting on the same values always yields the same encoding.
type CategoricalEncoder struct {
	Column string

	// Labels holds the label for each code: Labels[code] = label.
	Labels []string

	index map[string]int32
}

// FitEncoder builds the encoder for column from the observed labels.
func FitEncoder(column Column, labels []string) *CategoricalEncoder {
	seen := make(map[string]struct{}, 64)
	var distinct []string
	for _, label := range labels {
		if _, found := seen[label]; !found {
			seen[label] = struct{}{}
			distinct = append(distinct, label)
		}
	}
	if column.Numeric {
		sort.SliceStable(distinct, func(i, j int) bool {
			a, errA := strconv.Atoi(distinct[i])
			b, errB := strconv.Atoi(distinct[j])
			if errA != nil || errB != nil {
				return distinct[i] < distinct[j]
			}
			return a < b
		})
	} else {
		sort.Strings(distinct)
	}
	enc := &CategoricalEncoder{Column: column.Name, Labels: distinct}
	enc.buildIndex()
	return enc
}

func (enc *CategoricalEncoder) buildIndex() {
	enc.index = make(map[string]int32, len(enc.Labels))
	for code, label := range enc.Labels {
		enc.index[label] = int32(code)
	}
}

// Cardinality is the number of distinct labels seen during fit.
func (enc *CategoricalEncoder) Cardinality() int { return len(enc.Labels) }

// Code returns the code of one label, or an *UnknownCategoryError.
func (enc *CategoricalEncoder) Code(label string) (int32, error) {
	code, found := enc.index[label]
	if !found {
		return 0, &UnknownCategoryError{Column: enc.Column, Label: label}
	}
	return code, nil
}

// Transform maps labels to their codes. It fails with *UnknownCategoryError on the first label not seen
// during fit.
func (enc *CategoricalEncoder) Transform(labels []string) ([]int32, error) {
	codes := make([]int32, len(labels))
	for ii, label := range labels {
		code, err := enc.Code(label)
		if err != nil {
			return nil, err
		}
		codes[ii] = code
	}
	return codes, nil
}

// Inverse maps codes back to their labels.
func (enc *CategoricalEncoder) Inverse(codes []int32) ([]string, error) {
	labels := make([]string, len(codes))
	for ii, code := range codes {
		if code < 0 || int(code) >= len(enc.Labels) {
			return nil, errors.Errorf("code %d out of range for column %q with %d labels", code, enc.Column, len(enc.Labels))
		}
		labels[ii] = enc.Labels[code]
	}
	return labels, nil
}

// EncoderSet holds one fitted encoder per schema column. It is fit once on the training features and then
// reused, never refit, for validation, test and inference inputs.
type EncoderSet struct {
	Encoders []*CategoricalEncoder
}

// FitEncoderSet fits one encoder per column of schema over the given (training) feature vectors.
func FitEncoderSet(schema Schema, vectors []FeatureVector) *EncoderSet {
	width := schema.Width()
	columns := make([][]string, width)
	for _, fv := range vectors {
		for colIdx, label := range fv.Labels(schema) {
			columns[colIdx] = append(columns[colIdx], label)
		}
	}
	set := &EncoderSet{Encoders: make([]*CategoricalEncoder, width)}
	for colIdx, col := range schema.Columns {
		set.Encoders[colIdx] = FitEncoder(col, columns[colIdx])
	}
	return set
}

// Encode the feature vectors into a Matrix. It fails with *UnknownCategoryError if any label is unknown.
func (set *EncoderSet) Encode(vectors []FeatureVector) (*Matrix, error) {
	m := NewMatrix(len(vectors), len(set.Encoders))
	for rowIdx, fv := range vectors {
		row := m.Row(rowIdx)
		for colIdx, enc := range set.Encoders {
			code, err := enc.Code(fv.Label(enc.Column))
			if err != nil {
				return nil, errors.WithMessagef(err, "encoding row #%d", rowIdx)
			}
			row[colIdx] = code
		}
	}
	return m, nil
}

// Decode converts a matrix back to raw labels, one []string per row.
func (set *EncoderSet) Decode(m *Matrix) ([][]string, error) {
	if m.NumColumns != len(set.Encoders) {
		return nil, &ShapeMismatchError{What: "encoded matrix columns", Got: m.NumColumns, Want: len(set.Encoders)}
	}
	rows := make([][]string, m.NumRows)
	for rowIdx := range rows {
		rows[rowIdx] = make([]string, m.NumColumns)
	}
	for colIdx, enc := range set.Encoders {
		labels, err := enc.Inverse(m.Column(colIdx))
		if err != nil {
			return nil, err
		}
		for rowIdx, label := range labels {
			rows[rowIdx][colIdx] = label
		}
	}
	return rows, nil
}

// CheckCardinalities verifies the fitted encoders fit the schema's embedding tables: the number of columns
// must match, and no column may have more labels than its table has rows.
func (set *EncoderSet) CheckCardinalities(schema Schema) error {
	if len(set.Encoders) != schema.Width() {
		return &ShapeMismatchError{What: "encoder set columns", Got: len(set.Encoders), Want: schema.Width()}
	}
	for colIdx, col := range schema.Columns {
		enc := set.Encoders[colIdx]
		if enc.Column != col.Name {
			return errors.Errorf("encoder #%d is for column %q, schema expects %q", colIdx, enc.Column, col.Name)
		}
		if enc.Cardinality() > col.Cardinality {
			return &ShapeMismatchError{
				What: "cardinality of column " + col.Name + " (fitted labels vs. embedding table rows)",
				Got:  enc.Cardinality(), Want: col.Cardinality}
		}
	}
	return nil
}

// Equal returns whether both sets hold the same encoders.
func (set *EncoderSet) Equal(other *EncoderSet) bool {
	return slices.EqualFunc(set.Encoders, other.Encoders, func(a, b *CategoricalEncoder) bool {
		return a.Column == b.Column && slices.Equal(a.Labels, b.Labels)
	})
}

// Save the encoder set to path, atomically replacing any previous version.
func (set *EncoderSet) Save(path string) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		if err := gob.NewEncoder(w).Encode(set); err != nil {
			return errors.Wrap(err, "failed to encode encoder set")
		}
		return nil
	})
}

// LoadEncoderSet loads an encoder set saved with EncoderSet.Save. A missing file is an error naming path.
func LoadEncoderSet(path string) (*EncoderSet, error) {
	if err := fsutil.RequireFile(path, "encoder set"); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open encoder set %q", path)
	}
	defer func() { _ = f.Close() }()
	set := &EncoderSet{}
	if err := gob.NewDecoder(f).Decode(set); err != nil {
		return nil, errors.Wrapf(err, "failed to decode encoder set from %q", path)
	}
	for _, enc := range set.Encoders {
		enc.buildIndex()
	}
	return set, nil
}
