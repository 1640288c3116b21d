// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Missing is the sentinel for a missing value.
var Missing = float32(math.NaN())

func isMissing(v float32) bool { return v != v }

// Matrix is a row-major float32 matrix with optional labels. RowNames
// and ColNames are nil if the source did not provide them.
type Matrix struct {
	Rows, Cols int
	Data       []float32
	RowNames   []string
	ColNames   []string
}

func NewMatrix(rows, cols int) *Matrix {
	return &Matrix{Rows: rows, Cols: cols, Data: make([]float32, rows*cols)}
}

func (m *Matrix) At(i, j int) float32     { return m.Data[i*m.Cols+j] }
func (m *Matrix) Set(i, j int, v float32) { m.Data[i*m.Cols+j] = v }

// T returns a transposed copy. Row and column labels are swapped.
func (m *Matrix) T() *Matrix {
	t := NewMatrix(m.Cols, m.Rows)
	for i := 0; i < m.Rows; i++ {
		for j := 0; j < m.Cols; j++ {
			t.Data[j*t.Cols+i] = m.Data[i*m.Cols+j]
		}
	}
	t.RowNames, t.ColNames = m.ColNames, m.RowNames
	return t
}

// present returns the non-missing values of column j restricted to
// rows (all rows if rows is nil), appended to buf.
func (m *Matrix) present(j int, rows []int, buf []float64) []float64 {
	buf = buf[:0]
	if rows == nil {
		for i := 0; i < m.Rows; i++ {
			if v := m.Data[i*m.Cols+j]; !isMissing(v) {
				buf = append(buf, float64(v))
			}
		}
		return buf
	}
	for _, i := range rows {
		if v := m.Data[i*m.Cols+j]; !isMissing(v) {
			buf = append(buf, float64(v))
		}
	}
	return buf
}

// CountMissing returns the number of missing entries.
func (m *Matrix) CountMissing() int {
	n := 0
	for _, v := range m.Data {
		if isMissing(v) {
			n++
		}
	}
	return n
}

// Dense returns a float64 copy, with missing values replaced by fill.
func (m *Matrix) Dense(fill float64) *mat.Dense {
	data := make([]float64, len(m.Data))
	for i, v := range m.Data {
		if isMissing(v) {
			data[i] = fill
		} else {
			data[i] = float64(v)
		}
	}
	return mat.NewDense(m.Rows, m.Cols, data)
}

// popMeanStd returns the mean and population standard deviation (as
// numpy's nanmean/nanstd with ddof=0) of x. With len(x)==0 both are
// NaN. Constant input yields exactly zero std.
func popMeanStd(x []float64) (mean, std float64) {
	if len(x) == 0 {
		return math.NaN(), math.NaN()
	}
	if floats.Min(x) == floats.Max(x) {
		return x[0], 0
	}
	mean, variance := stat.MeanVariance(x, nil)
	n := float64(len(x))
	return mean, math.Sqrt(variance * (n - 1) / n)
}
