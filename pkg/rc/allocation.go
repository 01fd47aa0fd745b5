// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rc

import (
	"fmt"
	"math"

	"github.com/pion/ratecontrol"
	"github.com/pion/ratecontrol/pkg/history"
	"github.com/pion/ratecontrol/pkg/linreg"
	"github.com/pion/ratecontrol/pkg/pid"
)

const (
	maxAQPropOffset = 8
	// Inter frames looked at to tell still content.
	stillWindow = 4
	// Buffer levels in permille.
	vbufferHighLevel = 900
	vbufferLowLevel  = 100
)

// BitsAllocation decides the type and the size of the next frame and fills
// the allocation fields of syn.
func (c *Controller) BitsAllocation(syn *Syntax) error {
	if syn == nil {
		return fmt.Errorf("%w: nil syntax", ratecontrol.ErrInvalidArgument)
	}
	cfg, err := c.sync()
	if err != nil {
		return err
	}

	intra := c.isIntra(cfg, syn)
	frmType := ratecontrol.FrameInter
	if intra {
		frmType = ratecontrol.FrameIntra
	}
	layer := min(max(syn.Layer, 0), MaxLayers-1)

	base := c.bitsPerInter
	if intra {
		base = c.bitsPerIntra
	}
	if prop := cfg.LayerBitProp[layer]; prop > 0 {
		base = scale(base, prop, 100)
	}

	target := base
	if intra {
		target += pidCorrection(c.pidIntra)
	} else {
		target += pidCorrection(c.pidInter)
	}
	target += c.pidFps.Calc() / c.fpsOut
	target += c.balance(base)
	target = c.applyVBR(cfg, base, target)

	lo, hi := c.frameBounds(cfg, base, intra)
	target = min(max(target, lo), hi)

	still := false
	if !intra && cfg.MinStillProp > 0 && c.bitsPerInter > 0 {
		n := min(stillWindow, c.inter.Len())
		if c.inter.SumWithRatio(n, 100, n*c.bitsPerInter) < int64(cfg.MinStillProp) {
			still = true
			mean := int(c.inter.SumWithRatio(n, 1, n))
			target = max((target+mean)/2, 1)
			lo = min(lo, target)
		}
	}

	skip := false
	occ, size := c.vb.Occupancy(), c.vb.Size()
	room := scale(size, vbufferHighLevel, 1000) - occ + c.bitsPerPic
	if target > room {
		target = max(room, 0)
		if target < lo {
			skip = true
		}
	}
	if c.vb.SkipHint() {
		skip = true
	}
	if skip {
		c.log.Warnf("frame %d: buffer at %d/%d bits, asking to skip", c.frmCnt, occ, size)
	}

	band := cfg.BitBandPercent
	bandHi := band
	if occ*1000 < size*vbufferLowLevel {
		bandHi *= 2
	}
	bitMin := scale(target, 100-band, 100)
	bitMax := scale(target, 100+bandHi, 100)
	// Channel capacity left unused by the last frame may be spent on this one.
	if slack := c.vb.Slack(); slack > 0 {
		bitMax = max(bitMax, target+slack)
	}

	aq := c.aqPropOffset()
	baseQP, qp := c.qualityHint(cfg, target, intra, layer, still)

	c.forceIDR = false
	c.curFrmType = frmType
	c.bitsTarget = target
	c.bitMin, c.bitMax = bitMin, bitMax
	if intra {
		c.prevIntraTarget = target
	} else {
		c.prevInterTarget = target
	}
	c.prevAQPropOffset = aq
	c.baseQuality, c.quality = baseQP, qp
	c.skipRequested = skip
	c.still = still

	syn.FrmCnt = c.frmCnt
	syn.GopMode = cfg.GopMode
	syn.Type = frmType
	syn.BitTarget = target
	syn.BitMin = bitMin
	syn.BitMax = bitMax
	syn.AQPropOffset = aq
	syn.Quality = qp
	syn.Skip = skip
	syn.History = c.history

	c.log.Tracef("frame %d %s: target %d [%d, %d] aq %d qp %d",
		c.frmCnt, frmType, target, bitMin, bitMax, aq, qp)

	return nil
}

func (c *Controller) isIntra(cfg *Config, syn *Syntax) bool {
	switch {
	case c.frmCnt == 1, c.forceIDR, syn.ForceIDR:
		return true
	case syn.TypeHint == ratecontrol.FrameIntra:
		return true
	default:
		return cfg.IGOP > 0 && c.gopPos >= cfg.IGOP
	}
}

// pidCorrection halves the correction of a controller that has not seen a
// full window of errors yet.
func pidCorrection(p *pid.Controller) int {
	if !p.Engaged() {
		return p.Calc() / 2
	}

	return p.Calc()
}

// balance spreads the gap between what the window should have spent so far
// and what it did spend over the frames left in the window, bounded to half
// of base either way.
func (c *Controller) balance(base int) int {
	expected := int64(c.accIntraCount)*int64(c.bitsPerIntra) + int64(c.accInterCount)*int64(c.bitsPerInter)
	left := int64(max(c.fpsOut-c.accTotalCount, 1))
	adj := (expected - c.accTotalBits) / left
	bound := int64(base / 2)

	return int(min(max(adj, -bound), bound))
}

func (c *Controller) applyVBR(cfg *Config, base, target int) int {
	bps := int64(c.realBps)
	bpsTarget := int64(cfg.BpsTarget)
	switch {
	case cfg.VBRHiProp > 0 && bps*100 > bpsTarget*int64(cfg.VBRHiProp):
		return int(int64(target) * bpsTarget / bps)
	case cfg.VBRLoProp > 0 && bps*100 < bpsTarget*int64(cfg.VBRLoProp):
		return min(target, base)
	default:
		return target
	}
}

// frameBounds derives the per frame floor and ceiling from the bitrate bounds
// and, for intra frames, from the intra proportion bounds.
func (c *Controller) frameBounds(cfg *Config, base int, intra bool) (lo, hi int) {
	lo = scale(base, cfg.BpsMin, cfg.BpsTarget)
	hi = scale(base, cfg.BpsMax, cfg.BpsTarget)
	if intra {
		lo = max(lo, cfg.MinIBitProp*c.bitsPerInter)
		hi = min(hi, cfg.MaxIBitProp*c.bitsPerInter)
	}
	lo = max(lo, 1)

	return min(lo, hi), max(hi, 1)
}

// aqPropOffset follows how far the last frame missed its target and how far
// the hardware drifted from the suggested QP, smoothed over frames.
func (c *Controller) aqPropOffset() int {
	raw := 0
	if c.lastTarget > 0 {
		ratio := int(int64(c.lastRealBits) * 100 / int64(c.lastTarget))
		raw = (ratio - 100) / 8
		if c.lastSetQP > 0 && c.lastRealQP > 0 {
			raw += c.lastRealQP - c.lastSetQP
		}
		raw = min(max(raw, -maxAQPropOffset), maxAQPropOffset)
	}
	aq := (3*c.prevAQPropOffset + raw) / 4

	return min(max(aq, -maxAQPropOffset), maxAQPropOffset)
}

// qualityHint inverts the newest QP to bits model at target. It returns the
// hint before and after the frame type, layer and still adjustments.
func (c *Controller) qualityHint(cfg *Config, target int, intra bool, layer int, still bool) (int, int) {
	baseQP := c.baseQuality
	if m := c.latestModel(); m != nil {
		if x, ok := m.PredictX(target, qpToX(baseQP)); ok {
			baseQP = xToQP(x)
		}
	}
	baseQP = min(max(baseQP, cfg.MinQuality), cfg.MaxQuality)

	qp := baseQP
	if intra {
		qp = min(max(qp-cfg.IQualityDelta, cfg.MinIQuality), cfg.MaxIQuality)
	} else {
		qp = min(max(qp+cfg.LayerQualityDelta[layer], cfg.MinQuality), cfg.MaxQuality)
	}
	if still && cfg.MaxStillQuality > 0 {
		qp = min(qp, cfg.MaxStillQuality)
	}

	return baseQP, qp
}

func (c *Controller) latestModel() *linreg.Model {
	if c.history == nil {
		return nil
	}
	var model *linreg.Model
	c.history.Walk(func(r *history.Record) bool {
		if m := r.Model(); m != nil && m.Len() > 0 {
			model = m

			return false
		}

		return true
	})

	return model
}

// qpToX maps a QP to the inverse of its quantizer step, scaled so QP 4
// (step 1) is 4096.
func qpToX(qp int) int {
	return int(math.Round(4096 / math.Exp2(float64(qp-4)/6)))
}

func xToQP(x int) int {
	if x <= 0 {
		return maxQP
	}
	qp := int(math.Round(4 + 6*math.Log2(4096/float64(x))))

	return min(max(qp, minQP), maxQP)
}

func scale(v, num, denom int) int {
	if denom == 0 {
		return v
	}

	return int(int64(v) * int64(num) / int64(denom))
}
