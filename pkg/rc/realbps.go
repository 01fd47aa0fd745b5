// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rc

import (
	"github.com/pion/ratecontrol/pkg/history"
)

// timedBits is one coded frame of the trailing one second window.
type timedBits struct {
	time int64
	bits int
}

// span collects frames newest first and converts them into a bitrate over
// the time they actually cover.
type span struct {
	newest int64
	oldest int64
	sum    int64
	n      int
}

func (s *span) add(t int64, bits int) {
	if s.n == 0 {
		s.newest = t
	}
	s.oldest = t
	s.sum += int64(bits)
	s.n++
}

// covers reports whether a frame at t lies within one second of the newest.
func (s *span) covers(t int64, timeScale int) bool {
	return s.n == 0 || t > s.newest-int64(timeScale)
}

// interval is the mean spacing of the collected frames, or one nominal frame
// interval when that is unknown.
func (s *span) interval(timeScale, fps int) int64 {
	if s.n > 1 && s.newest > s.oldest {
		return max((s.newest-s.oldest)/int64(s.n-1), 1)
	}

	return int64(max(timeScale/max(fps, 1), 1))
}

// bps returns the bitrate of the collected frames plus extra bits of one more
// frame following the newest. Each frame lasts one interval.
func (s *span) bps(timeScale, fps, extra int) int {
	interval := s.interval(timeScale, fps)
	sum := s.sum
	var dur int64
	if s.n > 0 {
		dur = s.newest - s.oldest + interval
	}
	if extra > 0 {
		sum += int64(extra)
		dur += interval
	}
	if dur <= 0 {
		return 0
	}

	return int(sum * int64(timeScale) / dur)
}

// pushRecent appends a frame to the time window and drops what fell out of
// the last second. A clock going backwards restarts the window.
func (c *Controller) pushRecent(cfg *Config, t int64, bits int) {
	if c.recent.Len() > 0 && t < c.recent.Back().time {
		c.recent.Clear()
	}
	c.recent.PushBack(timedBits{time: t, bits: bits})
	for c.recent.Front().time <= t-int64(cfg.TimeScale) {
		c.recent.PopFront()
	}
}

// windowBps returns the bitrate of the last second: the frames of the last
// TimeScale ticks when a time scale is set, the last fpsOut frames otherwise.
func (c *Controller) windowBps() int {
	if ts := c.applied.TimeScale; ts > 0 {
		var s span
		for i := c.recent.Len() - 1; i >= 0; i-- {
			f := c.recent.At(i)
			s.add(f.time, f.bits)
		}
		if s.n == 0 {
			return c.realBps
		}
		// Until a whole second has been seen its remainder is taken to be on
		// target, like the primed frame ring.
		dur := s.newest - s.oldest + s.interval(ts, c.fpsOut)
		if rest := int64(ts) - dur; rest > 0 {
			return int(s.sum + int64(c.applied.BpsTarget)*rest/int64(ts))
		}

		return s.bps(ts, c.fpsOut, 0)
	}

	n := min(c.gopBits.Len(), c.fpsOut)
	if n == 0 {
		return c.realBps
	}
	var sum int64
	for i := 0; i < n; i++ {
		v, err := c.gopBits.Previous(i)
		if err != nil {
			break
		}
		sum += int64(v)
	}

	return int(sum * int64(c.fpsOut) / int64(n))
}

// CalcRealBps computes the bitrate of the last second from the finished
// records of list plus curBits for a frame still in flight, stores it as the
// realized bitrate and returns it. With a time scale the window is the last
// TimeScale ticks and the sum is divided by the time the frames span;
// otherwise it is the last fpsOut frames. An empty window yields 0 and
// changes nothing.
func (c *Controller) CalcRealBps(list *history.List, curBits int) int {
	cfg := c.applied
	if list == nil || cfg == nil || c.fpsOut <= 0 {
		return 0
	}
	if cfg.TimeScale > 0 {
		return c.calcRealBpsTimed(list, cfg.TimeScale, curBits)
	}

	slots := c.fpsOut
	var sum int64
	n := 0
	if curBits > 0 {
		sum += int64(curBits)
		n++
		slots--
	}
	list.Walk(func(r *history.Record) bool {
		if slots <= 0 {
			return false
		}
		if !r.Done {
			return true
		}
		sum += int64(r.RealBits)
		n++
		slots--

		return true
	})
	if n == 0 {
		return 0
	}
	c.realBps = int(sum * int64(c.fpsOut) / int64(n))

	return c.realBps
}

func (c *Controller) calcRealBpsTimed(list *history.List, timeScale, curBits int) int {
	var s span
	list.Walk(func(r *history.Record) bool {
		if !r.Done {
			return true
		}
		if !s.covers(r.Time, timeScale) {
			return false
		}
		s.add(r.Time, r.RealBits)

		return true
	})
	if s.n == 0 && curBits <= 0 {
		return 0
	}
	c.realBps = s.bps(timeScale, c.fpsOut, curBits)

	return c.realBps
}
