// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

const manifestFile = "manifest.json"

// Manifest describes a prepared dataset directory.
type Manifest struct {
	Views        []ManifestView `json:"views"`
	Groups       []string       `json:"groups"`
	Samples      int            `json:"samples"`
	Covariates   int            `json:"covariates,omitempty"`
	ZInit        bool           `json:"z_init,omitempty"`
	DataOptions  DataOptions    `json:"data_options"`
	ModelOptions ModelOptions   `json:"model_options"`
	TrainOptions TrainOptions   `json:"train_options"`
	Inputs       []InputFile    `json:"inputs"`
}

type ManifestView struct {
	Name       string     `json:"name"`
	Likelihood Likelihood `json:"likelihood"`
	Features   int        `json:"features"`
	Data       string     `json:"data"`          // relative path of .npy file
	FeatureIDs string     `json:"feature_names"` // relative path of .txt file
}

// fileSafe returns a view name usable as a file name.
func fileSafe(name string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == 0 {
			return '_'
		}
		return r
	}, name)
}

// WritePrepared writes ds, the options, and (if non-nil) the initial
// factor values to dir, which is created if needed.
func WritePrepared(dir string, ds *Dataset, dopts DataOptions, mo ModelOptions, to TrainOptions, zinit mat.Matrix, threads int) error {
	owner := map[string]string{}
	for _, view := range ds.Views {
		fnm := fileSafe(view.Name)
		if other, ok := owner[fnm]; ok {
			return configErrorf("views %q and %q would both be written to %q", other, view.Name, fnm)
		}
		owner[fnm] = view.Name
	}
	for _, sub := range []string{"data", "features"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0777); err != nil {
			return err
		}
	}
	manifest := Manifest{
		Groups:       ds.Groups,
		Samples:      ds.N(),
		ZInit:        zinit != nil,
		DataOptions:  dopts,
		ModelOptions: mo,
		TrainOptions: to,
		Inputs:       ds.Inputs,
	}
	if ds.Covariates != nil {
		manifest.Covariates = ds.Covariates.Cols
	}

	tbl := throttle{Max: threads}
	for i := range manifest.Inputs {
		i := i
		tbl.Go(func() error {
			sum, err := fingerprint(manifest.Inputs[i].Path)
			if err != nil {
				return fmt.Errorf("fingerprint %s: %w", manifest.Inputs[i].Path, err)
			}
			manifest.Inputs[i].Blake2b = sum
			return nil
		})
	}
	for _, view := range ds.Views {
		mv := ManifestView{
			Name:       view.Name,
			Likelihood: view.Likelihood,
			Features:   view.Data.Cols,
			Data:       "data/" + fileSafe(view.Name) + ".npy",
			FeatureIDs: "features/" + fileSafe(view.Name) + ".txt",
		}
		manifest.Views = append(manifest.Views, mv)
		view := view
		tbl.Go(func() error {
			m := view.Data
			return writeNumpyFloat32(filepath.Join(dir, mv.Data), m.Data, m.Rows, m.Cols)
		})
		tbl.Go(func() error {
			return writeLines(filepath.Join(dir, mv.FeatureIDs), view.Features)
		})
	}
	tbl.Go(func() error {
		return writeLines(filepath.Join(dir, "samples.txt"), ds.Samples)
	})
	tbl.Go(func() error {
		return writeLines(filepath.Join(dir, "samples_groups.txt"), ds.SampleGroups)
	})
	if ds.Covariates != nil {
		tbl.Go(func() error {
			return writeNumpyDense(filepath.Join(dir, "covariates.npy"), ds.Covariates.Dense(0))
		})
	}
	if zinit != nil {
		tbl.Go(func() error {
			return writeNumpyDense(filepath.Join(dir, "z_init.npy"), zinit)
		})
	}
	if err := tbl.Wait(); err != nil {
		return err
	}

	log.Infof("writing %s", filepath.Join(dir, manifestFile))
	return writeJSON(filepath.Join(dir, manifestFile), manifest)
}

// ReadManifest reads the manifest of a prepared dataset directory.
func ReadManifest(dir string) (*Manifest, error) {
	buf, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err = json.Unmarshal(buf, &manifest); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Join(dir, manifestFile), err)
	}
	return &manifest, nil
}

func writeLines(fnm string, lines []string) error {
	f, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer f.Close()
	bufw := bufio.NewWriter(f)
	for _, line := range lines {
		fmt.Fprintln(bufw, line)
	}
	if err = bufw.Flush(); err != nil {
		return err
	}
	return f.Close()
}
