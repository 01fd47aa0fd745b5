// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rc

import (
	"fmt"

	"github.com/pion/ratecontrol"
	"github.com/pion/ratecontrol/pkg/history"
	"github.com/pion/ratecontrol/pkg/linreg"
)

// UpdateHWResult folds the encoded size of the current frame back into the
// controller. It must be called exactly once per allocated frame.
func (c *Controller) UpdateHWResult(res ratecontrol.HalResult) error {
	cfg := c.applied
	if cfg == nil {
		return fmt.Errorf("%w: feedback before configuration", ratecontrol.ErrInvalidState)
	}
	if res.Bits < 0 {
		return fmt.Errorf("%w: %d bits", ratecontrol.ErrInvalidArgument, res.Bits)
	}
	if res.Type == ratecontrol.FrameUnknown {
		res.Type = c.curFrmType
	}
	intra := res.Type == ratecontrol.FrameIntra
	bits := res.Bits

	ticks := c.ticks(cfg, res.Time)
	c.rollWindowIfDue(cfg, res.Time)

	skipped := bits == 0 && c.skipRequested
	if skipped {
		c.vb.OnFrameSkipped(ticks)
	} else {
		if intra {
			c.intra.Update(bits)
			c.accIntraBitsInFps += int64(bits)
			c.accIntraCount++
			c.pidIntra.Update(c.bitsTarget - bits)
			c.adaptIntraRate()
		} else {
			c.inter.Update(bits)
			c.accInterBitsInFps += int64(bits)
			c.accInterCount++
			c.pidInter.Update(c.bitsTarget - bits)
		}
		c.vb.Update(bits, ticks)
	}
	c.gopBits.Update(bits)
	if cfg.TimeScale > 0 {
		c.pushRecent(cfg, res.Time, bits)
	}
	c.accTotalBits += int64(bits)
	c.accTotalCount++

	if intra {
		c.gopPos = 1
		c.vb.StartGOP(max(cfg.IGOP, c.fpsOut))
	} else {
		c.gopPos++
	}

	if c.history != nil {
		c.recordResult(cfg, res)
	}
	c.realBps = c.windowBps()

	c.lastRealBits = bits
	c.lastTarget = c.bitsTarget
	if skipped {
		c.lastTarget = 0
	}
	c.lastSetQP, c.lastRealQP = res.SetQP, res.RealQP
	c.lastTime = res.Time
	c.preFrmType = res.Type
	c.skipRequested = false
	c.frmCnt++

	return nil
}

// ticks returns the duration of the frame in virtual buffer ticks.
func (c *Controller) ticks(cfg *Config, t int64) int {
	if cfg.TimeScale <= 0 {
		return 1
	}
	if c.frmCnt > 1 && t > c.lastTime {
		return int(min(t-c.lastTime, int64(cfg.TimeScale)))
	}

	return max(cfg.TimeScale/c.fpsOut, 1)
}

// rollWindowIfDue closes the one second window before the frame at t is
// accounted. Windows are counted in frames unless a time scale is set.
func (c *Controller) rollWindowIfDue(cfg *Config, t int64) {
	if cfg.TimeScale > 0 {
		sec := t / int64(cfg.TimeScale)
		if !c.windowOpen {
			c.timeInSecond = sec
			c.windowOpen = true

			return
		}
		if sec == c.timeInSecond {
			return
		}
		c.timeInSecond = sec
	} else {
		if c.accTotalCount < c.fpsOut {
			return
		}
		c.timeInSecond++
	}
	c.rollWindow()
}

func (c *Controller) rollWindow() {
	expected := int64(c.accIntraCount)*int64(c.bitsPerIntra) + int64(c.accInterCount)*int64(c.bitsPerInter)
	c.pidFps.Update(int(expected - c.accTotalBits))

	c.lastFpsBits = c.accTotalBits
	c.lastIntraPercent = 0
	if c.accTotalBits > 0 {
		c.lastIntraPercent = int(c.accIntraBitsInFps * 100 / c.accTotalBits)
	}
	c.intraPercent.Update(c.lastIntraPercent)
	c.log.Debugf("window %d: %d bits in %d frames, expected %d, intra %d%%",
		c.timeInSecond, c.accTotalBits, c.accTotalCount, expected, c.lastIntraPercent)

	c.resetWindow()
	c.vb.StartWindow()
}

// adaptIntraRate moves the intra to inter ratio toward the realized one.
func (c *Controller) adaptIntraRate() {
	mean := c.inter.Mean()
	if mean <= 0 {
		return
	}
	realized := (c.intra.Mean() + mean/2) / mean
	realized = min(max(realized, c.applied.MinIBitProp), c.applied.MaxIBitProp)
	next := (3*c.intraToInterRate + realized + 2) / 4
	if next == c.intraToInterRate {
		return
	}
	c.log.Debugf("intra to inter rate %d -> %d", c.intraToInterRate, next)
	c.intraToInterRate = next
	c.updateTargets()
}

func (c *Controller) recordResult(cfg *Config, res ratecontrol.HalResult) {
	rec, created := c.history.Upsert(c.frmCnt, func(r *history.Record) {
		r.FrmType = res.Type
		r.RealBits = res.Bits
		r.Time = res.Time
		r.AccIntraBitsInFps = c.accIntraBitsInFps
		r.AccInterBitsInFps = c.accInterBitsInFps
		r.LastFpsBits = c.lastFpsBits
		r.LastIntraPercent = c.lastIntraPercent
		r.QPSum = res.QPSum
		r.SSESum = res.SSESum
		r.SetQP = res.SetQP
		r.QPMin = res.QPMin
		r.QPMax = res.QPMax
		r.RealQP = res.RealQP
		r.Done = true
	})
	if created {
		c.fillContract(cfg, rec)
		rec.TgtBits = c.bitsTarget
		rec.BitMin, rec.BitMax = c.bitMin, c.bitMax
		rec.Quality = c.quality
		rec.AQPropOffset = c.prevAQPropOffset
	}
	c.ensureModel(cfg, c.history, rec)

	if res.RealQP <= 0 || res.Bits == 0 || rec.Model() == nil {
		return
	}
	refQP := res.SetQP
	if refQP <= 0 {
		refQP = res.RealQP
	}
	rec.Model().Update(qpToX(res.RealQP), linreg.Weight(rec.Model().WeightMode(), res.RealQP, refQP), res.Bits)
}

func (c *Controller) fillContract(cfg *Config, r *history.Record) {
	r.Bps = cfg.BpsTarget
	r.Fps = c.fpsOut
	r.Gop = cfg.IGOP
	r.BitsPerPic = c.bitsPerPic
	r.BitsPerIntra = c.bitsPerIntra
	r.BitsPerInter = c.bitsPerInter
}

// ensureModel gives rec a model of its own, continuing from the previous
// record's fit when there is one.
func (c *Controller) ensureModel(cfg *Config, list *history.List, rec *history.Record) {
	if rec.Model() != nil {
		return
	}
	if prev := list.Before(rec.FrmCnt); prev != nil && prev.Model() != nil {
		rec.SetModel(prev.Model().Clone())

		return
	}
	m, err := linreg.New(cfg.ModelWindow, cfg.WeightMode)
	if err != nil {
		c.log.Errorf("frame %d: no quality model: %v", rec.FrmCnt, err)

		return
	}
	rec.SetModel(m)
}

// RecordParam stores the allocation decision in syn as the record of
// syn.FrmCnt, creating or updating it.
func (c *Controller) RecordParam(list *history.List, syn *Syntax) error {
	if list == nil || syn == nil {
		return fmt.Errorf("%w: nil list or syntax", ratecontrol.ErrInvalidArgument)
	}
	cfg := c.applied
	if cfg == nil {
		return fmt.Errorf("%w: record before configuration", ratecontrol.ErrInvalidState)
	}
	if syn.FrmCnt <= 0 {
		return fmt.Errorf("%w: frame count %d", ratecontrol.ErrInvalidArgument, syn.FrmCnt)
	}

	rec, _ := list.Upsert(syn.FrmCnt, func(r *history.Record) {
		c.fillContract(cfg, r)
		r.FrmType = syn.Type
		r.GopMode = syn.GopMode
		r.Layer = syn.Layer
		r.TgtBits = syn.BitTarget
		r.BitMin = syn.BitMin
		r.BitMax = syn.BitMax
		r.AQPropOffset = syn.AQPropOffset
		r.Quality = syn.Quality
	})
	c.ensureModel(cfg, list, rec)

	return nil
}
