// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"fmt"
	"io"
	"log"
	"math"

	"github.com/kshedden/statmodel/glm"
	"github.com/kshedden/statmodel/statmodel"
	"github.com/sirupsen/logrus"
)

// LoadCovariates reads a whitespace-delimited sample × covariate
// matrix with no header, and checks that it has n rows.
func LoadCovariates(path string, n int) (*Matrix, error) {
	cov, err := LoadTable(path, TableOptions{Delimiter: " "})
	if err != nil {
		return nil, err
	}
	if cov.Rows != n {
		return nil, configErrorf("covariates file %s has %d rows, but data has %d samples", path, cov.Rows, n)
	}
	return cov, nil
}

// scaleCovariates centers each covariate column and scales it to
// unit standard deviation. Constant columns are only centered.
func scaleCovariates(cov *Matrix) {
	var buf []float64
	for j := 0; j < cov.Cols; j++ {
		buf = cov.present(j, nil, buf)
		if len(buf) == 0 {
			continue
		}
		mean, sd := popMeanStd(buf)
		if sd == 0 {
			sd = 1
		}
		for i := 0; i < cov.Rows; i++ {
			p := i*cov.Cols + j
			cov.Data[p] = float32((float64(cov.Data[p]) - mean) / sd)
		}
	}
}

var regressConfig = &glm.Config{
	Family:    glm.NewFamily(glm.GaussianFamily),
	FitMethod: "IRLS",
	Log:       log.New(io.Discard, "", 0),
}

// regressCovariates replaces each column of m by the residuals of a
// linear model (intercept + covariates) fitted on the column's present
// values. Samples with a missing covariate are left unchanged.
func regressCovariates(m, cov *Matrix) error {
	names := []string{"outcome", "intercept"}
	for k := 0; k < cov.Cols; k++ {
		names = append(names, fmt.Sprintf("cov%d", k))
	}
	var failed int
	for j := 0; j < m.Cols; j++ {
		var rows []int
		for i := 0; i < m.Rows; i++ {
			if isMissing(m.At(i, j)) {
				continue
			}
			ok := true
			for k := 0; k < cov.Cols; k++ {
				if isMissing(cov.At(i, k)) {
					ok = false
					break
				}
			}
			if ok {
				rows = append(rows, i)
			}
		}
		if len(rows) <= cov.Cols+1 {
			failed++
			continue
		}
		coef, err := fitColumn(m, cov, j, rows, names)
		if err != nil {
			return err
		}
		if coef == nil {
			failed++
			continue
		}
		for _, i := range rows {
			pred := coef[0]
			for k := 0; k < cov.Cols; k++ {
				pred += coef[k+1] * float64(cov.At(i, k))
			}
			m.Set(i, j, float32(float64(m.At(i, j))-pred))
		}
	}
	if failed > 0 {
		logrus.Warnf("could not regress covariates out of %d of %d features (too few observations or singular design)", failed, m.Cols)
	}
	return nil
}

// fitColumn returns the fitted coefficients (intercept first), or
// nil if the fit failed numerically.
func fitColumn(m, cov *Matrix, j int, rows []int, names []string) (coef []float64, err error) {
	data := make([][]statmodel.Dtype, 2+cov.Cols)
	for c := range data {
		data[c] = make([]statmodel.Dtype, len(rows))
	}
	for r, i := range rows {
		data[0][r] = statmodel.Dtype(m.At(i, j))
		data[1][r] = 1
		for k := 0; k < cov.Cols; k++ {
			data[2+k][r] = statmodel.Dtype(cov.At(i, k))
		}
	}
	model, err := glm.NewGLM(statmodel.NewDataset(data, names), "outcome", names[1:], regressConfig)
	if err != nil {
		return nil, fmt.Errorf("regress covariates: %w", err)
	}
	defer func() {
		if recover() != nil {
			// typically "matrix singular or near-singular"
			coef, err = nil, nil
		}
	}()
	params := model.Fit().Params()
	for _, p := range params {
		if math.IsNaN(p) || math.IsInf(p, 0) {
			return nil, nil
		}
	}
	return params, nil
}
