// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"errors"
	"flag"
	"io"

	"gopkg.in/check.v1"
)

type optionsSuite struct{}

var _ = check.Suite(&optionsSuite{})

func (s *optionsSuite) TestValidateExpands(c *check.C) {
	opts := DefaultDataOptions()
	opts.InputFiles = []string{"a", "b", "c"}
	opts.ViewNames = []string{"x", "y", "x"}
	opts.GroupNames = []string{"g1", "g1", "g2"}
	opts.Likelihoods = []Likelihood{Gaussian, Poisson}
	opts.Mask = []float64{0.1}
	c.Assert(opts.Validate(), check.IsNil)
	c.Check(opts.Likelihoods, check.DeepEquals, []Likelihood{Gaussian, Poisson})
	c.Check(opts.Mask, check.DeepEquals, []float64{0.1, 0.1})
	c.Check(opts.MaskZeros, check.DeepEquals, []bool{false, false})
	c.Check(opts.Gaussianise, check.HasLen, 2)
}

func (s *optionsSuite) TestValidateErrors(c *check.C) {
	for _, trial := range []struct {
		mod   func(*DataOptions)
		match string
	}{
		{func(o *DataOptions) { o.InputFiles = nil }, `config error: no input files`},
		{func(o *DataOptions) { o.GroupNames = []string{"g"} }, `.*length of group names \(1\) and input files \(2\).*`},
		{func(o *DataOptions) { o.ScaleViews, o.ScaleFeatures = true, true }, `config error: scale either entire views or features, not both`},
		{func(o *DataOptions) { o.RegressCovariates = true }, `.*without a covariates file`},
		{func(o *DataOptions) { o.Likelihoods = nil }, `config error: please specify one likelihood for each view`},
		{func(o *DataOptions) { o.Likelihoods = []Likelihood{"gamma"} }, `config error: unsupported likelihood "gamma".*`},
		{func(o *DataOptions) { o.Likelihoods = []Likelihood{Gaussian, Gaussian, Gaussian} }, `config error: likelihoods: got 3 values for 2 views`},
		{func(o *DataOptions) { o.Mask = []float64{1.5} }, `config error: mask fraction 1.5 out of range \[0,1\]`},
		{func(o *DataOptions) {
			o.GroupNames = []string{"g1", "g2"}
			o.SamplesGroupsFile = "groups.txt"
		}, `.*cannot use both a samples-groups file and multiple group names`},
	} {
		opts := DefaultDataOptions()
		opts.InputFiles = []string{"a", "b"}
		opts.ViewNames = []string{"x", "y"}
		opts.Likelihoods = []Likelihood{Gaussian}
		trial.mod(&opts)
		err := opts.Validate()
		var cerr *ConfigError
		c.Check(errors.As(err, &cerr), check.Equals, true, check.Commentf("%s", trial.match))
		c.Check(err, check.ErrorMatches, trial.match)
	}
}

func (s *optionsSuite) TestModelAndTrainOptions(c *check.C) {
	mo := ModelOptions{Factors: 0}
	c.Check(mo.Validate(), check.ErrorMatches, `.*number of factors must be positive.*`)
	mo = ModelOptions{Factors: 5, FractionSpatialFactors: 2}
	c.Check(mo.Validate(), check.NotNil)
	mo.FractionSpatialFactors = 0.5
	c.Check(mo.Validate(), check.IsNil)

	to := DefaultTrainOptions()
	c.Check(to.Validate(), check.IsNil)
	to.DropR2 = 1
	c.Check(to.Validate(), check.NotNil)
	to = DefaultTrainOptions()
	to.Tolerance = 0
	c.Check(to.Validate(), check.NotNil)
}

func (s *optionsSuite) TestSchedule(c *check.C) {
	c.Check(schedule(ModelOptions{}), check.DeepEquals, []string{"Y", "SW", "Z", "AlphaW", "AlphaZ", "ThetaW", "Tau"})
	c.Check(schedule(ModelOptions{CovarianceSamples: true}), check.DeepEquals, []string{"Y", "SW", "Z", "AlphaW", "SigmaZ", "ThetaW", "Tau"})
	c.Check(schedule(ModelOptions{Transpose: true}), check.DeepEquals, []string{"Y", "TZ", "W", "AlphaW", "AlphaZ", "ThetaZ", "Tau"})
	c.Check(schedule(ModelOptions{Transpose: true, PositionsSamplesFile: "pos.txt"}), check.DeepEquals, []string{"Y", "TZ", "W", "SigmaAlphaW", "AlphaZ", "ThetaZ", "Tau"})
}

func (s *optionsSuite) TestChooseSeed(c *check.C) {
	c.Check(chooseSeed(42), check.Equals, int64(42))
	seed := chooseSeed(0)
	c.Check(seed > 0, check.Equals, true)
	c.Check(seed <= 1000000, check.Equals, true)
}

func (s *optionsSuite) TestListFlags(c *check.C) {
	var views stringList
	var liks likelihoodList
	var mask floatList
	var zeros boolList
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Var(&views, "views", "")
	flags.Var(&liks, "likelihoods", "")
	flags.Var(&mask, "mask", "")
	flags.Var(&zeros, "mask-zeros", "")
	err := flags.Parse([]string{"-views=rna, meth", "-likelihoods=gaussian,bernoulli", "-mask=0.1,0", "-mask-zeros=true"})
	c.Assert(err, check.IsNil)
	c.Check([]string(views), check.DeepEquals, []string{"rna", "meth"})
	c.Check([]Likelihood(liks), check.DeepEquals, []Likelihood{Gaussian, Bernoulli})
	c.Check([]float64(mask), check.DeepEquals, []float64{0.1, 0})
	c.Check([]bool(zeros), check.DeepEquals, []bool{true})
	c.Check(views.String(), check.Equals, "rna,meth")
	c.Check(mask.String(), check.Equals, "0.1,0")

	err = flags.Parse([]string{"-mask=x"})
	c.Check(err, check.ErrorMatches, `.*invalid number "x".*`)
}
