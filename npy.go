// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/kshedden/gonpy"
	log "github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/mat"
)

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

func writeNumpyFloat32(fnm string, out []float32, rows, cols int) error {
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriterSize(output, 1<<20)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     rows,
		"cols":     cols,
		"bytes":    rows * cols * 4,
	}).Infof("writing numpy: %s", fnm)
	npw.Shape = []int{rows, cols}
	if err = npw.WriteFloat32(out); err != nil {
		return fmt.Errorf("%s: WriteFloat32: %w", fnm, err)
	}
	if err = bufw.Flush(); err != nil {
		return err
	}
	return output.Close()
}

func writeNumpyDense(fnm string, m mat.Matrix) error {
	rows, cols := m.Dims()
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out[i*cols+j] = m.At(i, j)
		}
	}
	output, err := os.Create(fnm)
	if err != nil {
		return err
	}
	defer output.Close()
	bufw := bufio.NewWriter(output)
	npw, err := gonpy.NewWriter(nopCloser{bufw})
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"filename": fnm,
		"rows":     rows,
		"cols":     cols,
	}).Infof("writing numpy: %s", fnm)
	npw.Shape = []int{rows, cols}
	if err = npw.WriteFloat64(out); err != nil {
		return fmt.Errorf("%s: WriteFloat64: %w", fnm, err)
	}
	if err = bufw.Flush(); err != nil {
		return err
	}
	return output.Close()
}

// readNumpyFloat32 reads a 2-d float32 .npy file.
func readNumpyFloat32(fnm string) (*Matrix, error) {
	f, err := open(fnm)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	npr, err := gonpy.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	if len(npr.Shape) != 2 {
		return nil, fmt.Errorf("%s: expected 2-d array, got shape %v", fnm, npr.Shape)
	}
	data, err := npr.GetFloat32()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fnm, err)
	}
	return &Matrix{Rows: npr.Shape[0], Cols: npr.Shape[1], Data: data}, nil
}
