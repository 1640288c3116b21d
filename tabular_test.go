// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"errors"
	"os"

	"github.com/klauspost/pgzip"
	"gopkg.in/check.v1"
)

type tabularSuite struct{}

var _ = check.Suite(&tabularSuite{})

func (s *tabularSuite) TestPlain(c *check.C) {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/a.txt", []byte("1 2 3\n4  5\t6\n\n7 NA 9\n"), 0666)
	c.Assert(err, check.IsNil)
	m, err := LoadTable(tmpdir+"/a.txt", TableOptions{Delimiter: " "})
	c.Assert(err, check.IsNil)
	c.Check(m.Rows, check.Equals, 3)
	c.Check(m.Cols, check.Equals, 3)
	c.Check(m.RowNames, check.IsNil)
	c.Check(m.ColNames, check.IsNil)
	c.Check(m.At(1, 2), check.Equals, float32(6))
	c.Check(isMissing(m.At(2, 1)), check.Equals, true)
	c.Check(m.CountMissing(), check.Equals, 1)
}

func (s *tabularSuite) TestHeaderAndRowNames(c *check.C) {
	tmpdir := c.MkDir()
	for _, header := range []string{"id,f1,f2\n", "f1,f2\n"} {
		err := os.WriteFile(tmpdir+"/a.csv", []byte(header+"s1,1.5,\ns2,-2,3e2\n"), 0666)
		c.Assert(err, check.IsNil)
		m, err := LoadTable(tmpdir+"/a.csv", TableOptions{Delimiter: ",", Header: true, RowNames: true})
		c.Assert(err, check.IsNil, check.Commentf("header %q", header))
		c.Check(m.ColNames, check.DeepEquals, []string{"f1", "f2"})
		c.Check(m.RowNames, check.DeepEquals, []string{"s1", "s2"})
		c.Check(m.At(0, 0), check.Equals, float32(1.5))
		c.Check(isMissing(m.At(0, 1)), check.Equals, true)
		c.Check(m.At(1, 1), check.Equals, float32(300))
	}
}

func (s *tabularSuite) TestFeaturesInRows(c *check.C) {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/a.tsv", []byte("s1\ts2\ts3\ng1\t1\t2\t3\ng2\t4\t5\t6\n"), 0666)
	c.Assert(err, check.IsNil)
	m, err := LoadTable(tmpdir+"/a.tsv", TableOptions{Delimiter: "\t", Header: true, RowNames: true, FeaturesInRows: true})
	c.Assert(err, check.IsNil)
	c.Check(m.Rows, check.Equals, 3)
	c.Check(m.Cols, check.Equals, 2)
	c.Check(m.RowNames, check.DeepEquals, []string{"s1", "s2", "s3"})
	c.Check(m.ColNames, check.DeepEquals, []string{"g1", "g2"})
	c.Check(m.At(2, 0), check.Equals, float32(3))
	c.Check(m.At(0, 1), check.Equals, float32(4))
}

func (s *tabularSuite) TestGzip(c *check.C) {
	tmpdir := c.MkDir()
	f, err := os.Create(tmpdir + "/a.txt.gz")
	c.Assert(err, check.IsNil)
	zw := pgzip.NewWriter(f)
	_, err = zw.Write([]byte("1 2\n3 4\n"))
	c.Assert(err, check.IsNil)
	c.Assert(zw.Close(), check.IsNil)
	c.Assert(f.Close(), check.IsNil)
	m, err := LoadTable(tmpdir+"/a.txt.gz", TableOptions{})
	c.Assert(err, check.IsNil)
	c.Check(m.Data, check.DeepEquals, []float32{1, 2, 3, 4})
}

func (s *tabularSuite) TestErrors(c *check.C) {
	tmpdir := c.MkDir()
	var dle *DataLoadError

	_, err := LoadTable(tmpdir+"/nonexistent.txt", TableOptions{})
	c.Check(errors.As(err, &dle), check.Equals, true)
	c.Check(errors.Is(err, os.ErrNotExist), check.Equals, true)

	err = os.WriteFile(tmpdir+"/ragged.txt", []byte("1 2 3\n4 5\n"), 0666)
	c.Assert(err, check.IsNil)
	_, err = LoadTable(tmpdir+"/ragged.txt", TableOptions{})
	c.Assert(errors.As(err, &dle), check.Equals, true)
	c.Check(dle.Line, check.Equals, 2)
	c.Check(err, check.ErrorMatches, `.*ragged.txt line 2: expected 3 fields, found 2.*`)

	err = os.WriteFile(tmpdir+"/word.txt", []byte("1 2\n3 four\n"), 0666)
	c.Assert(err, check.IsNil)
	_, err = LoadTable(tmpdir+"/word.txt", TableOptions{})
	c.Assert(errors.As(err, &dle), check.Equals, true)
	c.Check(dle.Line, check.Equals, 2)

	err = os.WriteFile(tmpdir+"/header.txt", []byte("a b c d\nx 1 2\n"), 0666)
	c.Assert(err, check.IsNil)
	_, err = LoadTable(tmpdir+"/header.txt", TableOptions{Header: true, RowNames: true})
	c.Check(err, check.ErrorMatches, `.*2 data fields do not match 4 header fields`)
}

func (s *tabularSuite) TestLoadLabels(c *check.C) {
	tmpdir := c.MkDir()
	err := os.WriteFile(tmpdir+"/groups.txt", []byte("A\nA\nB\n"), 0666)
	c.Assert(err, check.IsNil)
	labels, err := loadLabels(tmpdir + "/groups.txt")
	c.Check(err, check.IsNil)
	c.Check(labels, check.DeepEquals, []string{"A", "A", "B"})
}
