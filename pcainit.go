// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"github.com/james-bowman/nlp"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

// pcaInit returns an N×k matrix of principal component scores of
// all views side by side, suitable for initialising the factors.
// Missing values are replaced by their column mean first.
func pcaInit(ds *Dataset, k int) (*mat.Dense, error) {
	n := ds.N()
	cols := 0
	for _, view := range ds.Views {
		cols += view.Data.Cols
	}
	if max := minInt(n, cols); k > max {
		log.Warnf("reducing PCA components from %d to %d (data is %d × %d)", k, max, n, cols)
		k = max
	}
	if k < 1 {
		return nil, configErrorf("cannot do PCA: data is empty")
	}
	log.Printf("creating PCA input matrix: %d rows, %d cols", n, cols)
	mtx := mat.NewDense(n, cols, nil)
	offset := 0
	var buf []float64
	for _, view := range ds.Views {
		m := view.Data
		for j := 0; j < m.Cols; j++ {
			buf = m.present(j, nil, buf)
			fill := 0.0
			if len(buf) > 0 {
				fill, _ = popMeanStd(buf)
			}
			for i := 0; i < m.Rows; i++ {
				if v := m.At(i, j); isMissing(v) {
					mtx.Set(i, offset+j, fill)
				} else {
					mtx.Set(i, offset+j, float64(v))
				}
			}
		}
		offset += m.Cols
	}
	log.Print("fitting")
	transformer := nlp.NewPCA(k)
	transformer.Fit(mtx.T())
	log.Print("transforming")
	pca, err := transformer.Transform(mtx.T())
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(pca.T()), nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
