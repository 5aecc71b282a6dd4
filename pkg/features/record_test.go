// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRecord() Record {
	return Record{
		FieldDate: "2020-01-15", ColStore: "005", ColProduct: "Bombay Potato",
		ColDayOfWeek: "2", ColDayOfMonth: "15", ColMonth: "1", FieldSales: "42.5", FieldQuantity: "7",
	}
}

func TestExtract(t *testing.T) {
	e := NewExtractor(DefaultSchema())
	fv, err := e.Extract(validRecord())
	require.NoError(t, err)
	assert.Equal(t, FeatureVector{Store: "005", Product: "Bombay Potato",
		DayOfWeek: 2, DayOfMonth: 15, Year: 2020, Month: 1}, fv)
	assert.Equal(t, []string{"005", "Bombay Potato", "2", "15", "2020", "1"}, fv.Labels(DefaultSchema()))

	// Integer columns written as floats are accepted.
	r := validRecord()
	r[ColMonth] = "1.0"
	fv, err = e.Extract(r)
	require.NoError(t, err)
	assert.Equal(t, 1, fv.Month)

	r = validRecord()
	r[FieldDate] = "15/01/2020"
	_, err = e.Extract(r)
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr), "got %v", err)
	assert.Equal(t, FieldDate, parseErr.Field)

	r = validRecord()
	delete(r, ColProduct)
	_, err = e.Extract(r)
	var missing *MissingFieldError
	require.True(t, errors.As(err, &missing), "got %v", err)
	assert.Equal(t, ColProduct, missing.Field)

	r = validRecord()
	r[ColStore] = "  "
	_, err = e.Extract(r)
	require.True(t, errors.As(err, &missing))

	// Only the schema columns are read.
	storeOnly := NewExtractor(Schema{Columns: []Column{{Name: ColStore, Cardinality: 6, EmbeddingDim: 5}}})
	r = validRecord()
	delete(r, ColProduct)
	fv, err = storeOnly.Extract(r)
	require.NoError(t, err)
	assert.Equal(t, FeatureVector{Store: "005"}, fv)
	assert.Equal(t, []string{"005"}, fv.Labels(storeOnly.Schema))

	unknown := NewExtractor(Schema{Columns: []Column{{Name: "color", Cardinality: 3, EmbeddingDim: 2}}})
	_, err = unknown.Extract(validRecord())
	require.ErrorContains(t, err, "color")
}

func TestExtractDataset(t *testing.T) {
	e := NewExtractor(DefaultSchema())
	e.MinTarget = 0.1
	good := validRecord()
	badDate := validRecord()
	badDate[FieldDate] = "not a date"
	noTarget := validRecord()
	delete(noTarget, FieldSales)
	tiny := validRecord()
	tiny[FieldSales] = "0.01"
	negative := validRecord()
	negative[FieldSales] = "-3"

	ex, err := e.ExtractDataset([]Record{good, badDate, noTarget, tiny, negative, good}, FieldSales)
	require.NoError(t, err)
	assert.Equal(t, 2, ex.Len())
	assert.Equal(t, []float64{42.5, 42.5}, ex.Targets)
	assert.Equal(t, 3, ex.Dropped)
	assert.Equal(t, 1, ex.Filtered)

	ex, err = e.ExtractDataset([]Record{good}, FieldQuantity)
	require.NoError(t, err)
	assert.Equal(t, []float64{7}, ex.Targets)

	// Only bad rows: the batch is empty afterward, so it fails.
	_, err = e.ExtractDataset([]Record{badDate, noTarget}, FieldSales)
	require.Error(t, err)

	ex, err = e.ExtractFeatures([]Record{noTarget})
	require.NoError(t, err)
	assert.Nil(t, ex.Targets)
	assert.Equal(t, 1, ex.Len())
}

func TestSortByDate(t *testing.T) {
	e := NewExtractor(DefaultSchema())
	var records []Record
	for ii, date := range []string{"2020-01-03", "2020-01-01", "2020-01-02", "2020-01-01"} {
		r := validRecord()
		r[FieldDate] = date
		r[FieldSales] = strings.Repeat("1", ii+1)
		records = append(records, r)
	}
	ex, err := e.ExtractDataset(records, FieldSales)
	require.NoError(t, err)
	sorted := ex.SortByDate()
	assert.Equal(t, []float64{11, 1111, 111, 1}, sorted.Targets)
	for ii := 1; ii < sorted.Len(); ii++ {
		assert.False(t, sorted.Dates[ii].Before(sorted.Dates[ii-1]))
	}
	// Original is untouched.
	assert.Equal(t, []float64{1, 11, 111, 1111}, ex.Targets)
}

func TestFeatureVectorFromDate(t *testing.T) {
	// 2020-05-04 was a Monday.
	fv := FeatureVectorFromDate("s", "p", time.Date(2020, 5, 4, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, FeatureVector{Store: "s", Product: "p", DayOfWeek: 0, DayOfMonth: 4, Year: 2020, Month: 5}, fv)
	fv = FeatureVectorFromDate("s", "p", time.Date(2020, 5, 10, 0, 0, 0, 0, time.UTC))
	assert.Equal(t, 6, fv.DayOfWeek)
}

func TestReadRecordsAndWriteTable(t *testing.T) {
	csv := "date,store,product,day_of_week,day_of_month,month,sales\n" +
		"2020-01-15,005,Bombay Potato,2,15,1,42.5\n" +
		"2020-01-16,006,Chilli Chicken,3,16,1,\n"
	records, err := ReadRecords(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "Bombay Potato", records[0][ColProduct])
	assert.Equal(t, "005", records[0][ColStore], "leading zeros must be preserved")

	e := NewExtractor(DefaultSchema())
	ex, err := e.ExtractDataset(records, FieldSales)
	require.NoError(t, err)
	assert.Equal(t, 1, ex.Len())
	assert.Equal(t, 1, ex.Dropped)

	path := filepath.Join(t.TempDir(), "out.csv")
	header := []string{"a", "b"}
	require.NoError(t, WriteTable(path, header, [][]string{{"1", "x"}, {"2", "y"}}))
	loaded, err := LoadRecords(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, Record{"a": "2", "b": "y"}, loaded[1])

	require.Error(t, WriteTable(path, header, [][]string{{"only one"}}))
	_, err = LoadRecords(filepath.Join(t.TempDir(), "nope.csv"))
	require.Error(t, err)
}
