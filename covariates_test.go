// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat"
	"gopkg.in/check.v1"
)

type covariatesSuite struct{}

var _ = check.Suite(&covariatesSuite{})

func (s *covariatesSuite) TestLoad(c *check.C) {
	tmpdir := c.MkDir()
	writeTable(c, tmpdir+"/cov.txt", 10, 2, 0)
	cov, err := LoadCovariates(tmpdir+"/cov.txt", 10)
	c.Assert(err, check.IsNil)
	c.Check(cov.Rows, check.Equals, 10)
	c.Check(cov.Cols, check.Equals, 2)

	_, err = LoadCovariates(tmpdir+"/cov.txt", 9)
	var cerr *ConfigError
	c.Check(errors.As(err, &cerr), check.Equals, true)
	c.Check(err, check.ErrorMatches, `config error: covariates file .* has 10 rows, but data has 9 samples`)
}

func (s *covariatesSuite) TestScale(c *check.C) {
	cov := &Matrix{Rows: 4, Cols: 2, Data: []float32{1, 5, 2, 5, 3, 5, 4, 5}}
	scaleCovariates(cov)
	mean, sd := popMeanStd(cov.present(0, nil, nil))
	c.Check(math.Abs(mean) < 1e-6, check.Equals, true)
	c.Check(math.Abs(sd-1) < 1e-6, check.Equals, true)
	// constant column is centered only
	c.Check(cov.present(1, nil, nil), check.DeepEquals, []float64{0, 0, 0, 0})
}

func (s *covariatesSuite) TestRegress(c *check.C) {
	rng := rand.New(rand.NewSource(11))
	n := 40
	cov := NewMatrix(n, 1)
	m := NewMatrix(n, 2)
	for i := 0; i < n; i++ {
		x := rng.NormFloat64()
		cov.Set(i, 0, float32(x))
		m.Set(i, 0, float32(3*x+1+rng.NormFloat64()*0.5))
		m.Set(i, 1, float32(rng.NormFloat64()))
	}
	m.Set(3, 0, Missing)
	c.Assert(regressCovariates(m, cov), check.IsNil)
	c.Check(isMissing(m.At(3, 0)), check.Equals, true)

	var xs, resid []float64
	for i := 0; i < n; i++ {
		if v := m.At(i, 0); !isMissing(v) {
			xs = append(xs, float64(cov.At(i, 0)))
			resid = append(resid, float64(v))
		}
	}
	corr := stat.Correlation(xs, resid, nil)
	c.Check(math.Abs(corr) < 1e-3, check.Equals, true, check.Commentf("corr %v", corr))
	mean, sd := popMeanStd(resid)
	c.Check(math.Abs(mean) < 1e-3, check.Equals, true, check.Commentf("mean %v", mean))
	c.Check(sd < 1, check.Equals, true, check.Commentf("sd %v", sd))
}

func (s *covariatesSuite) TestRegressTooFewRows(c *check.C) {
	cov := &Matrix{Rows: 3, Cols: 2, Data: []float32{1, 2, 3, 4, 5, 6}}
	m := &Matrix{Rows: 3, Cols: 1, Data: []float32{1, Missing, 2}}
	c.Assert(regressCovariates(m, cov), check.IsNil)
	c.Check(m.Data[0], check.Equals, float32(1))
	c.Check(m.Data[2], check.Equals, float32(2))
}
