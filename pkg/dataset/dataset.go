// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dataset holds prepared (encoded features, target) pairs, and the policies to partition them:
// a chronological train/validation Split and bootstrap Sample with replacement.
package dataset

import (
	"encoding/gob"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"slices"

	"github.com/gomlx/salesforecast/internal/fsutil"
	"github.com/gomlx/salesforecast/pkg/features"
	"github.com/pkg/errors"
)

// Prepared holds encoded features and, optionally, the aligned targets.
// Rows are in chronological order.
type Prepared struct {
	X *features.Matrix

	// Y is aligned with the rows of X. It is nil for inference-only data.
	Y []float64

	// Raw holds the pre-encoding feature vectors, aligned with X. It is kept so outputs can be written with
	// the original labels; it may be nil.
	Raw []features.FeatureVector
}

// New creates a Prepared from its parts, checking that they are aligned.
func New(x *features.Matrix, y []float64, raw []features.FeatureVector) (*Prepared, error) {
	if y != nil && len(y) != x.NumRows {
		return nil, &features.ShapeMismatchError{What: "targets vs. feature rows", Got: len(y), Want: x.NumRows}
	}
	if raw != nil && len(raw) != x.NumRows {
		return nil, &features.ShapeMismatchError{What: "raw features vs. feature rows", Got: len(raw), Want: x.NumRows}
	}
	return &Prepared{X: x, Y: y, Raw: raw}, nil
}

// Len is the number of rows.
func (p *Prepared) Len() int { return p.X.NumRows }

// HasTargets returns whether targets are available.
func (p *Prepared) HasTargets() bool { return p.Y != nil }

// Slice returns rows [from, to) as a new Prepared.
func (p *Prepared) Slice(from, to int) *Prepared {
	out := &Prepared{X: p.X.Slice(from, to)}
	if p.Y != nil {
		out.Y = slices.Clone(p.Y[from:to])
	}
	if p.Raw != nil {
		out.Raw = slices.Clone(p.Raw[from:to])
	}
	return out
}

// Gather returns the given rows (possibly repeated) as a new Prepared.
func (p *Prepared) Gather(rows []int) *Prepared {
	out := &Prepared{X: p.X.Gather(rows)}
	if p.Y != nil {
		out.Y = make([]float64, len(rows))
		for to, from := range rows {
			out.Y[to] = p.Y[from]
		}
	}
	if p.Raw != nil {
		out.Raw = make([]features.FeatureVector, len(rows))
		for to, from := range rows {
			out.Raw[to] = p.Raw[from]
		}
	}
	return out
}

// TrainSize returns round(ratio·n), the number of rows Split assigns to training.
func TrainSize(n int, ratio float64) int {
	return int(math.Round(ratio * float64(n)))
}

// Split p into a train prefix of TrainSize(n, ratio) rows and a validation suffix with the rest.
// Rows are never reordered: validation always comes chronologically after train.
//
// The ratio must be in the open interval (0, 1).
func Split(p *Prepared, ratio float64) (train, validation *Prepared, err error) {
	if !(ratio > 0 && ratio < 1) {
		return nil, nil, errors.Errorf("split ratio must be in (0, 1), got %g", ratio)
	}
	n := p.Len()
	nTrain := TrainSize(n, ratio)
	return p.Slice(0, nTrain), p.Slice(nTrain, n), nil
}

// Sample draws n rows uniformly at random with replacement from p. The same row may appear multiple
// times, and n may be larger than p.Len().
func Sample(p *Prepared, n int, rng *rand.Rand) (*Prepared, error) {
	if p.Len() == 0 {
		return nil, errors.New("can't sample from an empty dataset")
	}
	if n <= 0 {
		return nil, errors.Errorf("sample size must be > 0, got %d", n)
	}
	rows := make([]int, n)
	for ii := range rows {
		rows[ii] = rng.IntN(p.Len())
	}
	return p.Gather(rows), nil
}

// NewRand returns the random number generator used for sampling with the given seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Save p to path in binary format, atomically replacing any previous version.
func (p *Prepared) Save(path string) error {
	return fsutil.WriteAtomic(path, func(w io.Writer) error {
		if err := gob.NewEncoder(w).Encode(p); err != nil {
			return errors.Wrap(err, "failed to encode prepared dataset")
		}
		return nil
	})
}

// Load a Prepared saved with Prepared.Save. A missing file is an error naming path.
func Load(path string) (*Prepared, error) {
	if err := fsutil.RequireFile(path, "prepared dataset"); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open prepared dataset %q", path)
	}
	defer func() { _ = f.Close() }()
	p := &Prepared{}
	if err := gob.NewDecoder(f).Decode(p); err != nil {
		return nil, errors.Wrapf(err, "failed to decode prepared dataset from %q", path)
	}
	if p.X == nil {
		return nil, errors.Errorf("prepared dataset %q has no features", path)
	}
	return New(p.X, p.Y, p.Raw)
}
