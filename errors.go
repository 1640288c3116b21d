// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"fmt"
	"strings"
)

// ConfigError reports inconsistent or missing options: view/file
// count mismatch, duplicate view names, group set mismatch, conflicting
// scaling flags, covariate row count mismatch, etc.
type ConfigError struct {
	Msg    string
	Detail string // optional, e.g., a diff of mismatched labels
}

func (e *ConfigError) Error() string {
	if e.Detail == "" {
		return "config error: " + e.Msg
	}
	return "config error: " + e.Msg + "\n" + e.Detail
}

func configErrorf(format string, args ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// DataLoadError reports an unreadable or malformed input file.
type DataLoadError struct {
	Path string
	Line int // 0 if not specific to a line
	Err  error
}

func (e *DataLoadError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("error loading %s line %d: %s", e.Path, e.Line, e.Err)
	}
	return fmt.Sprintf("error loading %s: %s", e.Path, e.Err)
}

func (e *DataLoadError) Unwrap() error { return e.Err }

// DegenerateDataWarning reports a zero standard deviation encountered
// while scaling. Features is empty when the whole view is constant.
type DegenerateDataWarning struct {
	View     string
	Features []string
}

func (e *DegenerateDataWarning) Error() string {
	if len(e.Features) == 0 {
		return fmt.Sprintf("view %q has zero variance, cannot scale", e.View)
	}
	names := e.Features
	more := ""
	if len(names) > 10 {
		more = fmt.Sprintf(" (and %d more)", len(names)-10)
		names = names[:10]
	}
	return fmt.Sprintf("view %q: %d feature(s) have zero variance, cannot scale: %s%s", e.View, len(e.Features), strings.Join(names, ", "), more)
}
