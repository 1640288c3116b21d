// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
	log "github.com/sirupsen/logrus"
)

const defaultGroupName = "group_0"

// View is one data modality. Data has one row per sample (in Dataset
// sample order) and one column per feature.
type View struct {
	Name       string
	Likelihood Likelihood
	Features   []string
	Data       *Matrix
}

// InputFile records where one (view, group) block came from.
type InputFile struct {
	Path    string `json:"path"`
	View    string `json:"view"`
	Group   string `json:"group"`
	Blake2b string `json:"blake2b,omitempty"`
}

// Dataset is the assembled, sample-aligned collection of views.
type Dataset struct {
	Views        []*View
	Groups       []string // distinct group names, in row order
	Samples      []string
	SampleGroups []string // group name of each sample
	Covariates   *Matrix  // nil if none
	Inputs       []InputFile
}

// N returns the number of samples.
func (ds *Dataset) N() int { return len(ds.SampleGroups) }

// groupRows returns the row indices belonging to each group.
func (ds *Dataset) groupRows() map[string][]int {
	rows := map[string][]int{}
	for i, g := range ds.SampleGroups {
		rows[g] = append(rows[g], i)
	}
	return rows
}

// Assemble loads all input files and builds one matrix per view,
// with rows concatenated in group order.
func Assemble(opts *DataOptions) (*Dataset, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	views := opts.uniqueViews()
	groups := uniqueStrings(opts.GroupNames)

	// fileIdx[v][g] is the index into opts.InputFiles for view
	// views[v], group groups[g].
	var fileIdx [][]int
	if len(groups) <= 1 {
		if len(opts.InputFiles) != len(views) {
			return nil, configErrorf("view names must be unique if there are no groups (%d files, %d distinct view names)", len(opts.InputFiles), len(views))
		}
		if len(groups) == 0 {
			groups = []string{defaultGroupName}
		}
		for v := range views {
			fileIdx = append(fileIdx, []int{v})
		}
	} else {
		gpos := map[string]int{}
		for g, name := range groups {
			gpos[name] = g
		}
		for _, vname := range views {
			idx := make([]int, len(groups))
			for g := range idx {
				idx[g] = -1
			}
			var seen []string
			ok := true
			for i, name := range opts.ViewNames {
				if name != vname {
					continue
				}
				gname := opts.GroupNames[i]
				seen = append(seen, gname)
				if idx[gpos[gname]] >= 0 {
					ok = false
				}
				idx[gpos[gname]] = i
			}
			if !ok || len(seen) != len(groups) {
				return nil, &ConfigError{
					Msg:    fmt.Sprintf("group names for one view should be unique: view %q has groups %q, expected each of %q exactly once", vname, seen, groups),
					Detail: labelDiff(groups, seen),
				}
			}
			fileIdx = append(fileIdx, idx)
		}
	}

	tables := make([][]*Matrix, len(views))
	for v := range tables {
		tables[v] = make([]*Matrix, len(groups))
	}
	tbl := throttle{Max: opts.Threads}
	topts := opts.tableOptions()
	for v := range views {
		for g := range groups {
			v, g := v, g
			tbl.Go(func() error {
				m, err := LoadTable(opts.InputFiles[fileIdx[v][g]], topts)
				tables[v][g] = m
				return err
			})
		}
	}
	if err := tbl.Wait(); err != nil {
		return nil, err
	}

	ds := &Dataset{}
	for v, vname := range views {
		for g, gname := range groups {
			ds.Inputs = append(ds.Inputs, InputFile{
				Path:  opts.InputFiles[fileIdx[v][g]],
				View:  vname,
				Group: gname,
			})
		}
	}
	if err := checkAlignment(views, groups, tables); err != nil {
		return nil, err
	}

	for g, gname := range groups {
		block := tables[0][g]
		for i := 0; i < block.Rows; i++ {
			if block.RowNames != nil {
				ds.Samples = append(ds.Samples, block.RowNames[i])
			} else {
				ds.Samples = append(ds.Samples, fmt.Sprintf("sample%d_%s", i, gname))
			}
			ds.SampleGroups = append(ds.SampleGroups, gname)
		}
	}
	ds.Groups = groups

	for v, vname := range views {
		cols := tables[v][0].Cols
		data := NewMatrix(len(ds.Samples), cols)
		offset := 0
		for _, block := range tables[v] {
			copy(data.Data[offset:], block.Data)
			offset += len(block.Data)
		}
		features := tables[v][0].ColNames
		if features == nil {
			features = make([]string, cols)
			for j := range features {
				features[j] = fmt.Sprintf("feature%d_%s", j, vname)
			}
		}
		data.RowNames, data.ColNames = ds.Samples, features
		ds.Views = append(ds.Views, &View{
			Name:       vname,
			Likelihood: opts.Likelihoods[v],
			Features:   features,
			Data:       data,
		})
		log.Infof("view %q: %d samples, %d features, %d groups", vname, data.Rows, data.Cols, len(groups))
	}

	if opts.SamplesGroupsFile != "" {
		labels, err := loadLabels(opts.SamplesGroupsFile)
		if err != nil {
			return nil, err
		}
		if len(labels) != ds.N() {
			return nil, configErrorf("samples-groups file %s has %d labels, but data has %d samples", opts.SamplesGroupsFile, len(labels), ds.N())
		}
		ds.SampleGroups = labels
		ds.Groups = uniqueStrings(labels)
		for i := range ds.Inputs {
			ds.Inputs[i].Group = ""
		}
	}
	return ds, nil
}

// checkAlignment verifies that the blocks can be stacked: within a
// group, every view has the same samples; within a view, every group
// has the same features.
func checkAlignment(views, groups []string, tables [][]*Matrix) error {
	for g, gname := range groups {
		ref := tables[0][g]
		for v := 1; v < len(views); v++ {
			m := tables[v][g]
			if m.Rows != ref.Rows {
				return configErrorf("group %q has %d samples in view %q but %d samples in view %q (if features are in rows, use -features-in-rows)", gname, ref.Rows, views[0], m.Rows, views[v])
			}
			if ref.RowNames != nil && m.RowNames != nil && !equalStrings(ref.RowNames, m.RowNames) {
				return &ConfigError{
					Msg:    fmt.Sprintf("sample names in group %q differ between views %q and %q", gname, views[0], views[v]),
					Detail: labelDiff(ref.RowNames, m.RowNames),
				}
			}
		}
	}
	for v, vname := range views {
		ref := tables[v][0]
		for g := 1; g < len(groups); g++ {
			m := tables[v][g]
			if m.Cols != ref.Cols {
				return configErrorf("view %q has %d features in group %q but %d features in group %q", vname, ref.Cols, groups[0], m.Cols, groups[g])
			}
			if ref.ColNames != nil && m.ColNames != nil && !equalStrings(ref.ColNames, m.ColNames) {
				return &ConfigError{
					Msg:    fmt.Sprintf("feature names in view %q differ between groups %q and %q", vname, groups[0], groups[g]),
					Detail: labelDiff(ref.ColNames, m.ColNames),
				}
			}
		}
	}
	return nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

const maxDiffLines = 20

// labelDiff returns a line diff of two label lists ("-" only in want,
// "+" only in got), truncated to maxDiffLines lines.
func labelDiff(want, got []string) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(strings.Join(want, "\n")+"\n", strings.Join(got, "\n")+"\n")
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)
	var out []string
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		default:
			continue
		}
		for _, line := range strings.Split(strings.TrimSuffix(d.Text, "\n"), "\n") {
			out = append(out, prefix+line)
		}
	}
	if len(out) > maxDiffLines {
		out = append(out[:maxDiffLines], fmt.Sprintf("... (%d more)", len(out)-maxDiffLines))
	}
	return strings.Join(out, "\n")
}
