// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"bufio"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	"github.com/montanaflynn/stats"
	log "github.com/sirupsen/logrus"
)

type statscmd struct{}

func (cmd *statscmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	inputDir := flags.String("i", "./prepared", "prepared dataset `directory`")
	outputFilename := flags.String("o", "-", "output `file`")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *outputFilename != "-" {
			err = errors.New("cannot specify output file in container mode: not implemented")
			return 1
		}
		runner := containerRunner{
			Name:        "mofaprep stats",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         16000000000,
			VCPUs:       1,
			Priority:    *priority,
		}
		err = runner.TranslatePaths(inputDir)
		if err != nil {
			return 1
		}
		runner.Args = []string{"stats", "-local=true", "-i", *inputDir, "-o", "/mnt/output/stats.json"}
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output+"/stats.json")
		return 0
	}

	var output io.WriteCloser
	if *outputFilename == "-" {
		output = nopCloser{stdout}
	} else {
		output, err = os.OpenFile(*outputFilename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
		if err != nil {
			return 1
		}
		defer output.Close()
	}

	bufw := bufio.NewWriter(output)
	err = doStats(*inputDir, bufw)
	if err != nil {
		return 1
	}
	err = bufw.Flush()
	if err != nil {
		return 1
	}
	err = output.Close()
	if err != nil {
		return 1
	}
	return 0
}

type viewSummary struct {
	Name            string     `json:"name"`
	Likelihood      Likelihood `json:"likelihood"`
	Samples         int        `json:"samples"`
	Features        int        `json:"features"`
	MissingFraction float64    `json:"missing_fraction"`
	Mean            float64    `json:"mean"`
	SD              float64    `json:"sd"`
	Median          float64    `json:"median"`
	P5              float64    `json:"p5"`
	P95             float64    `json:"p95"`
}

type datasetSummary struct {
	Samples         int            `json:"samples"`
	SamplesPerGroup map[string]int `json:"samples_per_group"`
	Covariates      int            `json:"covariates"`
	Factors         int            `json:"factors"`
	Seed            int64          `json:"seed"`
	Views           []viewSummary  `json:"views"`
}

// doStats writes a JSON summary of the prepared dataset in dir.
func doStats(dir string, output io.Writer) error {
	manifest, err := ReadManifest(dir)
	if err != nil {
		return err
	}
	labels, err := loadLabels(filepath.Join(dir, "samples_groups.txt"))
	if err != nil {
		return err
	}
	ret := datasetSummary{
		Samples:         manifest.Samples,
		SamplesPerGroup: map[string]int{},
		Covariates:      manifest.Covariates,
		Factors:         manifest.ModelOptions.Factors,
		Seed:            manifest.TrainOptions.Seed,
	}
	for _, g := range labels {
		ret.SamplesPerGroup[g]++
	}
	for _, mv := range manifest.Views {
		m, err := readNumpyFloat32(filepath.Join(dir, mv.Data))
		if err != nil {
			return err
		}
		if m.Rows != manifest.Samples || m.Cols != mv.Features {
			return fmt.Errorf("%s: shape (%d, %d) does not match manifest (%d, %d)", mv.Data, m.Rows, m.Cols, manifest.Samples, mv.Features)
		}
		vs := viewSummary{
			Name:       mv.Name,
			Likelihood: mv.Likelihood,
			Samples:    m.Rows,
			Features:   m.Cols,
		}
		var present []float64
		for _, v := range m.Data {
			if !isMissing(v) {
				present = append(present, float64(v))
			}
		}
		if len(m.Data) > 0 {
			vs.MissingFraction = float64(len(m.Data)-len(present)) / float64(len(m.Data))
		}
		if len(present) > 0 {
			vs.Mean, vs.SD = popMeanStd(present)
			if vs.Median, err = stats.Median(present); err != nil {
				return err
			}
			if vs.P5, err = stats.PercentileNearestRank(present, 5); err != nil {
				return err
			}
			if vs.P95, err = stats.PercentileNearestRank(present, 95); err != nil {
				return err
			}
		}
		ret.Views = append(ret.Views, vs)
	}
	enc := json.NewEncoder(output)
	enc.SetIndent("", "  ")
	return enc.Encode(ret)
}
