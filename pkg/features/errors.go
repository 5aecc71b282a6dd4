// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import "fmt"

// ParseError is returned when a field of a record is present but can't be parsed (e.g. a malformed date).
type ParseError struct {
	Field, Value string
	Err          error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse field %q (value %q): %v", e.Field, e.Value, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// MissingFieldError is returned when a required field is absent from a record or empty.
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("required field %q is missing", e.Field)
}

// UnknownCategoryError is returned when encoding a label that was not seen when the encoder was fit.
// There is no safe fallback code for it.
type UnknownCategoryError struct {
	Column, Label string
}

func (e *UnknownCategoryError) Error() string {
	return fmt.Sprintf("unknown category %q for column %q: it was not seen when the encoder was fit", e.Label, e.Column)
}

// ShapeMismatchError is returned when an encoded matrix doesn't match the schema width, or a fitted encoder
// set doesn't fit the schema's embedding tables.
type ShapeMismatchError struct {
	What      string
	Got, Want int
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("shape mismatch in %s: got %d, want %d", e.What, e.Got, e.Want)
}
