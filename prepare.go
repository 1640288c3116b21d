// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"

	"git.arvados.org/arvados.git/sdk/go/arvados"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

type prepareCmd struct{}

func (cmd *prepareCmd) RunCommand(prog string, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	var err error
	defer func() {
		if err != nil {
			fmt.Fprintf(stderr, "%s\n", err)
		}
	}()
	flags := flag.NewFlagSet("", flag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.Usage = func() {
		fmt.Fprintf(stderr, "usage: %s [options] datafile [datafile ...]\n", prog)
		flags.PrintDefaults()
	}
	pprof := flags.String("pprof", "", "serve Go profile data at http://`[addr]:port`")
	runlocal := flags.Bool("local", false, "run on local host (default: run in an arvados container)")
	projectUUID := flags.String("project", "", "project `UUID` for output data")
	priority := flags.Int("priority", 500, "container request priority")
	outputDir := flags.String("output-dir", "./prepared", "prepared dataset `directory`")
	outputFilename := flags.String("o", "", "trained model output `file` (with -engine)")
	engineCommand := flags.String("engine", "", "inference engine `command`; the prepared directory and model file are appended to its arguments")
	pca := flags.Bool("pca-init", false, "write PCA scores as initial factor values")

	dopts := DefaultDataOptions()
	var views, groups stringList
	var likelihoods likelihoodList
	var mask floatList
	var maskZeros, gaussianise boolList
	flags.Var(&views, "views", "comma-separated view `names`, one per data file")
	flags.Var(&groups, "groups", "comma-separated group `names`, one per data file")
	flags.Var(&likelihoods, "likelihoods", "comma-separated `likelihoods` (gaussian, bernoulli, poisson, zero_inflated), one per view or one for all")
	flags.Var(&mask, "mask", "comma-separated `fractions` of values to mask at random, one per view or one for all")
	flags.Var(&maskZeros, "mask-zeros", "comma-separated `booleans`: treat zeros as missing, one per view or one for all")
	flags.Var(&gaussianise, "gaussianise-features", "comma-separated `booleans`: quantile-normalise features, one per view or one for all")
	flags.StringVar(&dopts.Delimiter, "delimiter", dopts.Delimiter, "field `delimiter` (\" \" splits on any whitespace)")
	flags.BoolVar(&dopts.Header, "header", dopts.Header, "first line of each data file has feature names")
	flags.BoolVar(&dopts.RowNames, "rownames", dopts.RowNames, "first field of each line has the sample name")
	flags.BoolVar(&dopts.FeaturesInRows, "features-in-rows", dopts.FeaturesInRows, "data files have one row per feature instead of one row per sample")
	flags.BoolVar(&dopts.CenterFeatures, "center-features", dopts.CenterFeatures, "center features to zero mean")
	flags.BoolVar(&dopts.CenterFeaturesPerGroup, "center-features-per-group", dopts.CenterFeaturesPerGroup, "center features separately in each group")
	flags.BoolVar(&dopts.ScaleViews, "scale-views", dopts.ScaleViews, "scale each view to unit variance")
	flags.BoolVar(&dopts.ScaleFeatures, "scale-features", dopts.ScaleFeatures, "scale each feature to unit variance")
	flags.StringVar(&dopts.CovariatesFile, "covariates", "", "sample covariates `file` (whitespace-delimited, no header)")
	flags.BoolVar(&dopts.ScaleCovariates, "scale-covariates", dopts.ScaleCovariates, "scale covariates to zero mean and unit variance")
	flags.BoolVar(&dopts.RegressCovariates, "regress-covariates", dopts.RegressCovariates, "regress covariates out of the data instead of adding them as factors")
	flags.StringVar(&dopts.SamplesGroupsFile, "samples-groups-file", "", "`file` with one group label per sample")
	flags.IntVar(&dopts.Threads, "threads", dopts.Threads, "maximum number of files to load or write concurrently")

	mo := ModelOptions{Factors: 10}
	flags.IntVar(&mo.Factors, "factors", mo.Factors, "number of factors")
	flags.BoolVar(&mo.LearnIntercept, "learn-intercept", mo.LearnIntercept, "learn feature-wise intercepts")
	flags.BoolVar(&mo.Transpose, "transpose", mo.Transpose, "use the transposed (sample-wise sparsity) model")
	flags.BoolVar(&mo.CovarianceSamples, "covariance-samples", mo.CovarianceSamples, "use a covariance prior on the factors")
	flags.StringVar(&mo.PositionsSamplesFile, "positions-samples-file", "", "sample positions `file` for the covariance prior")
	flags.Float64Var(&mo.FractionSpatialFactors, "fraction-spatial-factors", 0, "fraction of factors with a spatial prior")
	flags.BoolVar(&mo.PermuteSamples, "permute-samples", mo.PermuteSamples, "permute sample positions")
	flags.StringVar(&mo.SigmaClusterFile, "sigma-cluster-file", "", "sample cluster `file` for the covariance prior")

	to := DefaultTrainOptions()
	flags.IntVar(&to.MaxIter, "iter", to.MaxIter, "maximum number of iterations")
	flags.IntVar(&to.ElboFreq, "elbofreq", to.ElboFreq, "compute the ELBO every `N` iterations")
	flags.Float64Var(&to.Tolerance, "tolerance", to.Tolerance, "convergence threshold on the ELBO change")
	flags.IntVar(&to.StartDrop, "start-drop", to.StartDrop, "first iteration at which factors may be dropped")
	flags.IntVar(&to.FreqDrop, "freq-drop", to.FreqDrop, "drop factors every `N` iterations")
	flags.Float64Var(&to.DropR2, "drop-r2", to.DropR2, "drop factors explaining less than this fraction of variance (0 to disable)")
	flags.BoolVar(&to.ForceIter, "nostop", to.ForceIter, "run all iterations even after convergence")
	flags.IntVar(&to.StartSparsity, "start-sparsity", to.StartSparsity, "iteration at which sparsity nodes start updating")
	flags.BoolVar(&to.Verbose, "verbose", to.Verbose, "verbose engine output")
	flags.Int64Var(&to.Seed, "seed", 0, "random seed (0 to derive one from the clock)")
	err = flags.Parse(args)
	if err == flag.ErrHelp {
		err = nil
		return 0
	} else if err != nil {
		return 2
	}
	dopts.InputFiles = flags.Args()
	dopts.ViewNames = views
	dopts.GroupNames = groups
	dopts.Likelihoods = likelihoods
	dopts.Mask = mask
	dopts.MaskZeros = maskZeros
	dopts.Gaussianise = gaussianise

	if *pprof != "" {
		go func() {
			log.Println(http.ListenAndServe(*pprof, nil))
		}()
	}

	if !*runlocal {
		if *engineCommand != "" {
			err = errors.New("cannot use -engine in container mode: not implemented")
			return 1
		}
		runner := containerRunner{
			Name:        "mofaprep prepare",
			Client:      arvados.NewClientFromEnv(),
			ProjectUUID: *projectUUID,
			RAM:         64000000000,
			VCPUs:       dopts.Threads,
			Priority:    *priority,
		}
		paths := []*string{&dopts.CovariatesFile, &dopts.SamplesGroupsFile, &mo.PositionsSamplesFile, &mo.SigmaClusterFile}
		for i := range dopts.InputFiles {
			paths = append(paths, &dopts.InputFiles[i])
		}
		err = runner.TranslatePaths(paths...)
		if err != nil {
			return 1
		}
		runner.Args = []string{"prepare", "-local=true", "-output-dir=/mnt/output"}
		flags.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "local", "project", "priority", "output-dir", "pprof":
				return
			}
			runner.Args = append(runner.Args, "-"+f.Name+"="+f.Value.String())
		})
		runner.Args = append(runner.Args, dopts.InputFiles...)
		var output string
		output, err = runner.Run()
		if err != nil {
			return 1
		}
		fmt.Fprintln(stdout, output)
		return 0
	}

	var eng Engine
	if *engineCommand != "" {
		if *outputFilename == "" {
			err = configErrorf("-engine requires an output file (-o)")
			return 1
		}
		eng, err = newCommandEngine(*engineCommand, *outputDir, stdout, stderr)
		if err != nil {
			return 1
		}
	}
	err = prepare(context.Background(), *outputDir, &dopts, mo, to, *pca, eng, *outputFilename)
	if err != nil {
		return 1
	}
	fmt.Fprintln(stdout, *outputDir)
	return 0
}

// prepare loads and preprocesses the data, writes the prepared
// dataset to dir, and, if eng is not nil, builds, trains, and saves a
// model to outfile.
func prepare(ctx context.Context, dir string, dopts *DataOptions, mo ModelOptions, to TrainOptions, withPCA bool, eng Engine, outfile string) error {
	if err := mo.Validate(); err != nil {
		return err
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if !dopts.CenterFeatures && !mo.LearnIntercept {
		log.Warn("not centering features and not learning the intercept: the model assumes zero-mean features")
	}
	to.Seed = chooseSeed(to.Seed)

	ds, err := Assemble(dopts)
	if err != nil {
		return err
	}
	if dopts.CovariatesFile != "" {
		ds.Covariates, err = LoadCovariates(dopts.CovariatesFile, ds.N())
		if err != nil {
			return err
		}
		if dopts.ScaleCovariates {
			scaleCovariates(ds.Covariates)
		}
	}
	err = Preprocess(ds, dopts, rand.New(rand.NewSource(uint64(to.Seed))))
	if err != nil {
		return err
	}

	mo.Likelihoods = dopts.Likelihoods
	mo.ScaleCovariates = dopts.ScaleCovariates
	if ds.Covariates != nil && !dopts.RegressCovariates {
		mo.Covariates = ds.Covariates.Cols
		mo.Factors += mo.Covariates
		log.Infof("adding %d covariate factors (K=%d)", mo.Covariates, mo.Factors)
	}
	to.Schedule = schedule(mo)

	var zinit mat.Matrix
	if withPCA {
		z, err := pcaInit(ds, mo.Factors)
		if err != nil {
			return err
		}
		zinit = z
	}
	err = WritePrepared(dir, ds, *dopts, mo, to, zinit, dopts.Threads)
	if err != nil {
		return err
	}
	if eng == nil {
		return nil
	}
	model, err := eng.Build(ctx, mo, ds)
	if err != nil {
		return err
	}
	if err = eng.Train(ctx, model, to); err != nil {
		return err
	}
	return eng.Save(ctx, model, outfile)
}
