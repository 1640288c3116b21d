// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Engine builds, trains, and saves a factor model.
type Engine interface {
	Build(ctx context.Context, mo ModelOptions, ds *Dataset) (Model, error)
	Train(ctx context.Context, model Model, to TrainOptions) error
	Save(ctx context.Context, model Model, outfile string) error
}

// Model is an engine-specific handle returned by Build.
type Model interface{}

// commandEngine hands a prepared dataset directory to an external
// program, invoked as "Command... <dir> <modelfile>".
type commandEngine struct {
	Command []string
	Dir     string // prepared dataset directory
	Stdout  io.Writer
	Stderr  io.Writer
}

type commandModel struct {
	dir     string
	outfile string
	trained bool
}

func newCommandEngine(command, dir string, stdout, stderr io.Writer) (*commandEngine, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, configErrorf("empty engine command")
	}
	return &commandEngine{Command: args, Dir: dir, Stdout: stdout, Stderr: stderr}, nil
}

// Build checks that the prepared directory matches ds and mo.
func (eng *commandEngine) Build(ctx context.Context, mo ModelOptions, ds *Dataset) (Model, error) {
	if err := mo.Validate(); err != nil {
		return nil, err
	}
	manifest, err := ReadManifest(eng.Dir)
	if err != nil {
		return nil, err
	}
	if manifest.Samples != ds.N() || len(manifest.Views) != len(ds.Views) {
		return nil, fmt.Errorf("%s does not match dataset: %d samples × %d views, expected %d × %d", eng.Dir, manifest.Samples, len(manifest.Views), ds.N(), len(ds.Views))
	}
	if len(mo.Likelihoods) != len(ds.Views) {
		return nil, configErrorf("%d likelihoods for %d views", len(mo.Likelihoods), len(ds.Views))
	}
	manifest.ModelOptions = mo
	if err = writeJSON(filepath.Join(eng.Dir, manifestFile), manifest); err != nil {
		return nil, err
	}
	log.Infof("built model: K=%d, %d views, %d groups", mo.Factors, len(ds.Views), len(ds.Groups))
	return &commandModel{dir: eng.Dir, outfile: filepath.Join(eng.Dir, "model.hdf5")}, nil
}

// Train records the training options and runs the engine program.
func (eng *commandEngine) Train(ctx context.Context, model Model, to TrainOptions) error {
	cm, ok := model.(*commandModel)
	if !ok {
		return fmt.Errorf("unsupported model type %T", model)
	}
	if err := to.Validate(); err != nil {
		return err
	}
	if err := writeJSON(filepath.Join(cm.dir, "train_options.json"), to); err != nil {
		return err
	}
	args := append(append([]string(nil), eng.Command[1:]...), cm.dir, cm.outfile)
	cmd := exec.CommandContext(ctx, eng.Command[0], args...)
	cmd.Stdout = eng.Stdout
	cmd.Stderr = eng.Stderr
	log.Infof("running engine: %q", cmd.Args)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("engine %s: %w", eng.Command[0], err)
	}
	if _, err := os.Stat(cm.outfile); err != nil {
		return fmt.Errorf("engine %s did not write a model: %w", eng.Command[0], err)
	}
	cm.trained = true
	return nil
}

// Save moves the trained model file to outfile.
func (eng *commandEngine) Save(ctx context.Context, model Model, outfile string) error {
	cm, ok := model.(*commandModel)
	if !ok {
		return fmt.Errorf("unsupported model type %T", model)
	}
	if !cm.trained {
		return errors.New("cannot save untrained model")
	}
	log.Infof("saving model to %s", outfile)
	if err := os.Rename(cm.outfile, outfile); err == nil {
		return nil
	}
	// rename fails across filesystems
	in, err := os.Open(cm.outfile)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(outfile)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err = io.Copy(out, in); err != nil {
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Remove(cm.outfile)
}

func writeJSON(fnm string, v interface{}) error {
	buf, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(fnm, append(buf, '\n'), 0666)
}
