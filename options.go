// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Likelihood is the observation noise model of a view.
type Likelihood string

const (
	Gaussian     Likelihood = "gaussian"
	Bernoulli    Likelihood = "bernoulli"
	Poisson      Likelihood = "poisson"
	ZeroInflated Likelihood = "zero_inflated"
)

func (l Likelihood) valid() bool {
	switch l {
	case Gaussian, Bernoulli, Poisson, ZeroInflated:
		return true
	}
	return false
}

// continuous reports whether centering and scaling apply to views
// with this likelihood.
func (l Likelihood) continuous() bool {
	return l == Gaussian || l == ZeroInflated
}

// DataOptions control loading and preprocessing. Per-view slices
// (Likelihoods, Mask, MaskZeros, Gaussianise) are indexed by unique
// view name in order of first appearance in ViewNames; a slice of
// length 1 applies to all views.
type DataOptions struct {
	InputFiles []string
	ViewNames  []string // one per input file
	GroupNames []string // one per input file, or empty

	Delimiter      string
	Header         bool
	RowNames       bool
	FeaturesInRows bool

	Likelihoods []Likelihood
	Mask        []float64
	MaskZeros   []bool
	Gaussianise []bool

	CenterFeatures         bool
	CenterFeaturesPerGroup bool
	ScaleViews             bool
	ScaleFeatures          bool

	CovariatesFile    string
	ScaleCovariates   bool
	RegressCovariates bool

	SamplesGroupsFile string

	Threads int
}

// DefaultDataOptions returns the defaults used by the prepare command.
func DefaultDataOptions() DataOptions {
	return DataOptions{
		Delimiter:      " ",
		CenterFeatures: true,
		Threads:        4,
	}
}

// uniqueViews returns the distinct view names in order of first
// appearance.
func (opts *DataOptions) uniqueViews() []string {
	return uniqueStrings(opts.ViewNames)
}

func uniqueStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

func (opts *DataOptions) tableOptions() TableOptions {
	return TableOptions{
		Delimiter:      opts.Delimiter,
		Header:         opts.Header,
		RowNames:       opts.RowNames,
		FeaturesInRows: opts.FeaturesInRows,
	}
}

// Validate checks option consistency and expands length-1 per-view
// slices to one entry per view.
func (opts *DataOptions) Validate() error {
	if len(opts.InputFiles) == 0 {
		return configErrorf("no input files")
	}
	if len(opts.InputFiles) != len(opts.ViewNames) {
		return configErrorf("length of view names (%d) and input files (%d) does not match", len(opts.ViewNames), len(opts.InputFiles))
	}
	if len(opts.GroupNames) > 0 && len(opts.GroupNames) != len(opts.InputFiles) {
		return configErrorf("length of group names (%d) and input files (%d) does not match", len(opts.GroupNames), len(opts.InputFiles))
	}
	if opts.SamplesGroupsFile != "" && len(uniqueStrings(opts.GroupNames)) > 1 {
		return configErrorf("cannot use both a samples-groups file and multiple group names")
	}
	if opts.ScaleViews && opts.ScaleFeatures {
		return configErrorf("scale either entire views or features, not both")
	}
	if opts.RegressCovariates && opts.CovariatesFile == "" {
		return configErrorf("cannot regress covariates without a covariates file")
	}
	if opts.Threads < 1 {
		opts.Threads = 1
	}
	m := len(opts.uniqueViews())
	var err error
	if opts.Likelihoods, err = expandPerView("likelihoods", opts.Likelihoods, m, ""); err != nil {
		return err
	}
	for _, l := range opts.Likelihoods {
		if !l.valid() {
			return configErrorf("unsupported likelihood %q (must be gaussian, bernoulli, poisson, or zero_inflated)", l)
		}
	}
	if opts.Mask, err = expandPerView("mask", opts.Mask, m, 0); err != nil {
		return err
	}
	for _, f := range opts.Mask {
		if !(f >= 0 && f <= 1) {
			return configErrorf("mask fraction %v out of range [0,1]", f)
		}
	}
	if opts.MaskZeros, err = expandPerView("mask-zeros", opts.MaskZeros, m, false); err != nil {
		return err
	}
	if opts.Gaussianise, err = expandPerView("gaussianise-features", opts.Gaussianise, m, false); err != nil {
		return err
	}
	return nil
}

func expandPerView[T any](name string, in []T, m int, zero T) ([]T, error) {
	switch len(in) {
	case m:
		return in, nil
	case 0:
		if name == "likelihoods" {
			return nil, configErrorf("please specify one likelihood for each view")
		}
		in = []T{zero}
		fallthrough
	case 1:
		out := make([]T, m)
		for i := range out {
			out[i] = in[0]
		}
		return out, nil
	default:
		return nil, configErrorf("%s: got %d values for %d views", name, len(in), m)
	}
}

// ModelOptions are passed through to the inference engine.
type ModelOptions struct {
	Factors                int          `json:"K"`
	Likelihoods            []Likelihood `json:"likelihood"`
	LearnIntercept         bool         `json:"learnIntercept"`
	Transpose              bool         `json:"transpose"`
	CovarianceSamples      bool         `json:"covariance_samples"`
	PositionsSamplesFile   string       `json:"positions_samples_file,omitempty"`
	FractionSpatialFactors float64      `json:"fraction_spatial_factors"`
	PermuteSamples         bool         `json:"permute_samples"`
	SigmaClusterFile       string       `json:"sigma_cluster_file,omitempty"`
	ScaleCovariates        bool         `json:"scale_covariates"`
	Covariates             int          `json:"covariates"` // number of covariate factors included in Factors
}

func (mo *ModelOptions) Validate() error {
	if mo.Factors < 1 {
		return configErrorf("number of factors must be positive, got %d", mo.Factors)
	}
	if mo.FractionSpatialFactors < 0 || mo.FractionSpatialFactors > 1 {
		return configErrorf("fraction of spatial factors %v out of range [0,1]", mo.FractionSpatialFactors)
	}
	return nil
}

// TrainOptions are passed through to the inference engine.
type TrainOptions struct {
	MaxIter       int      `json:"maxiter"`
	ElboFreq      int      `json:"elbofreq"`
	Tolerance     float64  `json:"tolerance"`
	StartDrop     int      `json:"startdrop"`
	FreqDrop      int      `json:"freqdrop"`
	DropR2        float64  `json:"drop_by_r2,omitempty"` // 0 = don't drop
	ForceIter     bool     `json:"forceiter"`
	StartSparsity int      `json:"startSparsity"`
	Verbose       bool     `json:"verbose"`
	Seed          int64    `json:"seed"`
	Schedule      []string `json:"schedule"`
}

func DefaultTrainOptions() TrainOptions {
	return TrainOptions{
		MaxIter:       5000,
		ElboFreq:      1,
		Tolerance:     0.01,
		StartDrop:     1,
		FreqDrop:      1,
		StartSparsity: 100,
	}
}

func (to *TrainOptions) Validate() error {
	if to.MaxIter < 1 {
		return configErrorf("maximum iterations must be positive")
	}
	if to.ElboFreq < 1 || to.FreqDrop < 1 {
		return configErrorf("ELBO and drop frequencies must be positive")
	}
	if to.Tolerance <= 0 {
		return configErrorf("tolerance must be positive")
	}
	if to.DropR2 < 0 || to.DropR2 >= 1 {
		return configErrorf("drop-r2 threshold %v out of range [0,1)", to.DropR2)
	}
	return nil
}

// schedule returns the order of node updates for one training
// iteration.
func schedule(mo ModelOptions) []string {
	spatial := mo.PositionsSamplesFile != "" || mo.CovarianceSamples
	switch {
	case mo.Transpose && spatial:
		return []string{"Y", "TZ", "W", "SigmaAlphaW", "AlphaZ", "ThetaZ", "Tau"}
	case mo.Transpose:
		return []string{"Y", "TZ", "W", "AlphaW", "AlphaZ", "ThetaZ", "Tau"}
	case spatial:
		return []string{"Y", "SW", "Z", "AlphaW", "SigmaZ", "ThetaW", "Tau"}
	default:
		return []string{"Y", "SW", "Z", "AlphaW", "AlphaZ", "ThetaW", "Tau"}
	}
}

// chooseSeed returns seed, or a clock-derived seed if seed is 0.
func chooseSeed(seed int64) int64 {
	if seed != 0 {
		return seed
	}
	seed = time.Now().UnixNano()/int64(time.Millisecond)%1000000 + 1
	log.Infof("using random seed %d", seed)
	return seed
}

// Comma-separated list flag types.

type stringList []string

func (sl *stringList) String() string { return strings.Join(*sl, ",") }
func (sl *stringList) Set(s string) error {
	*sl = nil
	if s == "" {
		return nil
	}
	for _, v := range strings.Split(s, ",") {
		*sl = append(*sl, strings.TrimSpace(v))
	}
	return nil
}

type likelihoodList []Likelihood

func (ll *likelihoodList) String() string {
	var s []string
	for _, l := range *ll {
		s = append(s, string(l))
	}
	return strings.Join(s, ",")
}
func (ll *likelihoodList) Set(s string) error {
	var sl stringList
	sl.Set(s)
	*ll = nil
	for _, v := range sl {
		*ll = append(*ll, Likelihood(v))
	}
	return nil
}

type floatList []float64

func (fl *floatList) String() string {
	var s []string
	for _, f := range *fl {
		s = append(s, strconv.FormatFloat(f, 'g', -1, 64))
	}
	return strings.Join(s, ",")
}
func (fl *floatList) Set(s string) error {
	var sl stringList
	sl.Set(s)
	*fl = nil
	for _, v := range sl {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q", v)
		}
		*fl = append(*fl, f)
	}
	return nil
}

type boolList []bool

func (bl *boolList) String() string {
	var s []string
	for _, b := range *bl {
		s = append(s, strconv.FormatBool(b))
	}
	return strings.Join(s, ",")
}
func (bl *boolList) Set(s string) error {
	var sl stringList
	sl.Set(s)
	*bl = nil
	for _, v := range sl {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid boolean %q", v)
		}
		*bl = append(*bl, b)
	}
	return nil
}
