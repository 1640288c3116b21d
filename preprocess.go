// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"math"
	"sort"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// interopMissing is how some R/reticulate paths encode a missing
// value (the smallest int32).
const interopMissing = -2147483648

// Preprocess applies the per-view transforms to ds in place. rng is
// used for masking; it must not be nil if any mask fraction is
// nonzero. Per-view option slices may be empty (no masking, no
// gaussianising), have one entry for all views, or one per view.
func Preprocess(ds *Dataset, opts *DataOptions, rng *rand.Rand) error {
	nviews := len(ds.Views)
	mask, err := expandPerView("mask", opts.Mask, nviews, 0)
	if err != nil {
		return err
	}
	maskZ, err := expandPerView("mask-zeros", opts.MaskZeros, nviews, false)
	if err != nil {
		return err
	}
	gauss, err := expandPerView("gaussianise-features", opts.Gaussianise, nviews, false)
	if err != nil {
		return err
	}
	if opts.ScaleViews && opts.ScaleFeatures {
		return configErrorf("scale either entire views or features, not both")
	}
	for m, view := range ds.Views {
		data := view.Data
		recodeSentinel(data)
		if f := mask[m]; f > 0 {
			log.Infof("masking %.1f%% of values in view %q", f*100, view.Name)
			maskCells(data, f, rng)
		}
		if maskZ[m] {
			log.Infof("masking zeros in view %q", view.Name)
			maskZeros(data)
		}
		if !view.Likelihood.continuous() {
			continue
		}
		if err := transformView(ds, view, opts, gauss[m]); err != nil {
			return err
		}
	}
	return nil
}

// transformView centers, regresses, and scales a continuous view.
// Zeros of a zero-inflated view are left out and put back afterwards,
// even if a step fails.
func transformView(ds *Dataset, view *View, opts *DataOptions, gauss bool) error {
	data := view.Data
	if view.Likelihood == ZeroInflated {
		defer hideZeros(data)()
	}
	if opts.CenterFeatures {
		if opts.CenterFeaturesPerGroup {
			rows := ds.groupRows()
			for _, g := range ds.Groups {
				centerFeatures(data, rows[g])
			}
		} else {
			centerFeatures(data, nil)
		}
	}
	if opts.RegressCovariates && ds.Covariates != nil {
		log.Infof("regressing %d covariates out of view %q", ds.Covariates.Cols, view.Name)
		if err := regressCovariates(data, ds.Covariates); err != nil {
			return err
		}
	}
	if opts.ScaleViews {
		if err := scaleView(view); err != nil {
			return err
		}
	}
	if gauss {
		log.Infof("gaussianising features in view %q", view.Name)
		gaussianise(data)
	}
	if opts.ScaleFeatures {
		if err := scaleFeatures(view); err != nil {
			return err
		}
	}
	return nil
}

func recodeSentinel(m *Matrix) {
	for i, v := range m.Data {
		if v == interopMissing {
			m.Data[i] = Missing
		}
	}
}

// maskCells sets exactly round(len*frac) distinct cells, chosen
// uniformly at random, to Missing.
func maskCells(m *Matrix, frac float64, rng *rand.Rand) int {
	n := len(m.Data)
	k := int(math.RoundToEven(float64(n) * frac))
	if k > n {
		k = n
	}
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	for i := 0; i < k; i++ {
		j := i + rng.Intn(n-i)
		perm[i], perm[j] = perm[j], perm[i]
		m.Data[perm[i]] = Missing
	}
	return k
}

// maskZeros sets all zero entries to Missing, and returns their
// positions.
func maskZeros(m *Matrix) []int {
	var zeros []int
	for i, v := range m.Data {
		if v == 0 {
			zeros = append(zeros, i)
			m.Data[i] = Missing
		}
	}
	return zeros
}

// hideZeros sets zero entries to Missing and returns a function that
// restores them bit for bit (so -0 stays -0).
func hideZeros(m *Matrix) func() {
	var pos []int
	var orig []float32
	for i, v := range m.Data {
		if v == 0 {
			pos = append(pos, i)
			orig = append(orig, v)
			m.Data[i] = Missing
		}
	}
	return func() {
		for k, i := range pos {
			m.Data[i] = orig[k]
		}
	}
}

// centerFeatures subtracts from each column the mean of its present
// values in the given rows (all rows if rows is nil).
func centerFeatures(m *Matrix, rows []int) {
	if rows == nil {
		rows = make([]int, m.Rows)
		for i := range rows {
			rows[i] = i
		}
	}
	var buf []float64
	for j := 0; j < m.Cols; j++ {
		buf = m.present(j, rows, buf)
		if len(buf) == 0 {
			continue
		}
		mean, _ := popMeanStd(buf)
		for _, i := range rows {
			p := i*m.Cols + j
			if v := m.Data[p]; !isMissing(v) {
				m.Data[p] = float32(float64(v) - mean)
			}
		}
	}
}

// scaleView divides all entries by the standard deviation of the
// view's present values.
func scaleView(view *View) error {
	m := view.Data
	var all []float64
	for _, v := range m.Data {
		if !isMissing(v) {
			all = append(all, float64(v))
		}
	}
	if len(all) == 0 {
		return nil
	}
	_, sd := popMeanStd(all)
	if sd == 0 {
		return &DegenerateDataWarning{View: view.Name}
	}
	for i, v := range m.Data {
		m.Data[i] = float32(float64(v) / sd)
	}
	return nil
}

// scaleFeatures divides each column by the standard deviation of its
// present values. Nothing is modified if any column with present
// values is constant.
func scaleFeatures(view *View) error {
	m := view.Data
	sds := make([]float64, m.Cols)
	var degenerate []string
	var buf []float64
	for j := range sds {
		buf = m.present(j, nil, buf)
		if len(buf) == 0 {
			sds[j] = 1
			continue
		}
		_, sds[j] = popMeanStd(buf)
		if sds[j] == 0 {
			degenerate = append(degenerate, view.Features[j])
		}
	}
	if len(degenerate) > 0 {
		return &DegenerateDataWarning{View: view.Name, Features: degenerate}
	}
	for i, v := range m.Data {
		m.Data[i] = float32(float64(v) / sds[i%m.Cols])
	}
	return nil
}

// gaussianise replaces each column's present values by normal scores:
// dense rank r (1-based) maps to the standard normal quantile of
// r/(maxrank+1).
func gaussianise(m *Matrix) {
	var buf []float64
	for j := 0; j < m.Cols; j++ {
		buf = m.present(j, nil, buf)
		if len(buf) == 0 {
			continue
		}
		sort.Float64s(buf)
		distinct := buf[:1]
		for _, v := range buf[1:] {
			if v != distinct[len(distinct)-1] {
				distinct = append(distinct, v)
			}
		}
		denom := float64(len(distinct) + 1)
		for i := 0; i < m.Rows; i++ {
			p := i*m.Cols + j
			v := m.Data[p]
			if isMissing(v) {
				continue
			}
			rank := sort.SearchFloat64s(distinct, float64(v)) + 1
			m.Data[p] = float32(distuv.UnitNormal.Quantile(float64(rank) / denom))
		}
	}
}
