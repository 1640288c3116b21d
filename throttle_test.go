// Copyright (C) The Lightning Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package mofaprep

import (
	"errors"
	"sync/atomic"
	"time"

	"gopkg.in/check.v1"
)

type throttleSuite struct{}

var _ = check.Suite(&throttleSuite{})

func (s *throttleSuite) TestMax(c *check.C) {
	var running, peak int32
	tbl := throttle{Max: 3}
	for i := 0; i < 20; i++ {
		tbl.Go(func() error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}
	c.Check(tbl.Wait(), check.IsNil)
	c.Check(peak <= 3, check.Equals, true, check.Commentf("peak %d", peak))
}

func (s *throttleSuite) TestFirstError(c *check.C) {
	var calls int32
	tbl := throttle{Max: 1}
	for i := 0; i < 5; i++ {
		i := i
		tbl.Go(func() error {
			atomic.AddInt32(&calls, 1)
			if i == 1 {
				return errors.New("fail")
			}
			return nil
		})
	}
	c.Check(tbl.Wait(), check.ErrorMatches, "fail")
	// with Max=1, functions after the failure are skipped
	c.Check(atomic.LoadInt32(&calls), check.Equals, int32(2))
}
