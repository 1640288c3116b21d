// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// TableOptions describe the layout of a delimited input table.
type TableOptions struct {
	Delimiter string // " " (the default) splits on runs of whitespace
	Header    bool   // first row holds column names
	RowNames  bool   // first column holds row names

	// Transpose after parsing: the file has features in rows and
	// samples in columns.
	FeaturesInRows bool
}

func (opts TableOptions) split(line string) []string {
	if opts.Delimiter == "" || opts.Delimiter == " " {
		return strings.Fields(line)
	}
	fields := strings.Split(strings.TrimRight(line, "\r"), opts.Delimiter)
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// Tokens (besides the empty string) that are read as missing values.
var missingTokens = map[string]bool{
	"":         true,
	"NA":       true,
	"NaN":      true,
	"nan":      true,
	"NA_real_": true,
}

func parseValue(tok string) (float32, error) {
	if missingTokens[tok] {
		return Missing, nil
	}
	f, err := strconv.ParseFloat(tok, 32)
	if err != nil {
		return 0, err
	}
	return float32(f), nil
}

// LoadTable reads a delimited numeric table from path.
func LoadTable(path string, opts TableOptions) (*Matrix, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, &DataLoadError{Path: path, Err: err}
	}
	defer f.Close()
	m, err := readTable(f, path, opts)
	if err != nil {
		return nil, err
	}
	if opts.FeaturesInRows {
		m = m.T()
	}
	log.Infof("loaded %s with dim (%d, %d)", path, m.Rows, m.Cols)
	return m, nil
}

func readTable(r io.Reader, path string, opts TableOptions) (*Matrix, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<30)
	m := &Matrix{}
	lineNum := 0
	cols := -1
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := opts.split(line)
		if opts.Header && m.ColNames == nil {
			m.ColNames = fields
			if !opts.RowNames {
				cols = len(fields)
			}
			// Otherwise the header may or may not have a
			// corner cell above the row names (R omits
			// it). Decide when we see the first data row.
			continue
		}
		var rowname string
		if opts.RowNames {
			if len(fields) == 0 {
				return nil, &DataLoadError{Path: path, Line: lineNum, Err: fmt.Errorf("missing row name")}
			}
			rowname, fields = fields[0], fields[1:]
		}
		if cols < 0 {
			cols = len(fields)
			if opts.Header {
				switch len(m.ColNames) {
				case cols:
				case cols + 1:
					m.ColNames = m.ColNames[1:]
				default:
					return nil, &DataLoadError{Path: path, Line: lineNum, Err: fmt.Errorf("%d data fields do not match %d header fields", cols, len(m.ColNames))}
				}
			}
		}
		if len(fields) != cols {
			return nil, &DataLoadError{Path: path, Line: lineNum, Err: fmt.Errorf("expected %d fields, found %d (wrong delimiter?)", cols, len(fields))}
		}
		for _, tok := range fields {
			v, err := parseValue(tok)
			if err != nil {
				return nil, &DataLoadError{Path: path, Line: lineNum, Err: err}
			}
			m.Data = append(m.Data, v)
		}
		if opts.RowNames {
			m.RowNames = append(m.RowNames, rowname)
		}
		m.Rows++
	}
	if err := scanner.Err(); err != nil {
		return nil, &DataLoadError{Path: path, Err: err}
	}
	if cols < 0 {
		if opts.Header && !opts.RowNames {
			cols = len(m.ColNames)
		} else {
			cols = 0
			m.ColNames = nil
		}
	}
	m.Cols = cols
	return m, nil
}

// loadLabels reads whitespace-separated string labels, e.g., one
// group name per sample.
func loadLabels(path string) ([]string, error) {
	f, err := zopen(path)
	if err != nil {
		return nil, &DataLoadError{Path: path, Err: err}
	}
	defer f.Close()
	var labels []string
	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	for scanner.Scan() {
		labels = append(labels, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, &DataLoadError{Path: path, Err: err}
	}
	return labels, nil
}
