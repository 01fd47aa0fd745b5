// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rc

import (
	"fmt"

	"github.com/pion/ratecontrol"
	"github.com/pion/ratecontrol/pkg/linreg"
)

// MaxLayers is the number of temporal layers a Config can describe.
const MaxLayers = 4

const (
	minQP = 0
	maxQP = 51

	defaultBitBandPercent = 15
	defaultModelWindow    = 15
	defaultMinIBitProp    = 2
	defaultMaxIBitProp    = 10
)

// Config is the rate control contract of one stream. A Config handed to
// SetUserCfg is copied; later changes to the caller's value have no effect.
type Config struct {
	// Input frame rate. FpsInFlex marks a variable input rate.
	FpsInFlex  bool
	FpsInNum   int
	FpsInDenom int
	// Output frame rate.
	FpsOutNum   int
	FpsOutDenom int

	// IGOP is the distance between intra frames, 0 for a single intra frame.
	IGOP int
	// VGOP is the visual GOP length of GopModeSmartP.
	VGOP    int
	GopMode ratecontrol.GopMode

	// Bitrate in bits per second. Zero BpsMin and BpsMax default to
	// BpsTarget·15/16 and BpsTarget·17/16.
	BpsMin    int
	BpsTarget int
	BpsMax    int

	// Intra frame size as a multiple of the inter frame size.
	MinIBitProp int
	MaxIBitProp int
	// LayerBitProp scales the target of each temporal layer in percent.
	// A zero entry leaves the layer unscaled.
	LayerBitProp [MaxLayers]int

	// QP bounds of the quality hint.
	MinQuality  int
	MaxQuality  int
	MinIQuality int
	MaxIQuality int
	// IQualityDelta is subtracted from the hint on intra frames.
	IQualityDelta     int
	LayerQualityDelta [MaxLayers]int

	// MaxReencodeTimes bounds the encoder's re-encode loop. It is carried
	// for the encoder and not enforced here.
	MaxReencodeTimes int

	// Still detection: the last inter frames averaging below MinStillProp
	// percent of their target mark still content, which caps the QP hint
	// at MaxStillQuality. Zero disables it.
	MinStillProp    int
	MaxStillQuality int

	// VBR: above VBRHiProp percent of BpsTarget over the last second the
	// target is cut, below VBRLoProp percent it is not grown. Zero disables
	// either side.
	VBRHiProp int
	VBRLoProp int

	// BufferSize is the virtual buffer size in bits, BpsTarget when zero.
	BufferSize int
	// TimeScale is the tick rate of HalResult.Time. When zero the one second
	// window is counted in frames.
	TimeScale int
	// BitBandPercent is the width of the [BitMin, BitMax] band around the
	// target.
	BitBandPercent int

	// ModelWindow is the sample count of each frame's QP to bits model.
	ModelWindow int
	WeightMode  linreg.WeightMode
}

// DefaultConfig returns a 2 Mbps, 30 fps contract with an intra frame every
// two seconds.
func DefaultConfig() Config {
	return Config{
		FpsInNum:        30,
		FpsInDenom:      1,
		FpsOutNum:       30,
		FpsOutDenom:     1,
		IGOP:            60,
		GopMode:         ratecontrol.GopModeNormalP,
		BpsTarget:       2_000_000,
		BpsMin:          1_875_000,
		BpsMax:          2_125_000,
		MinIBitProp:     defaultMinIBitProp,
		MaxIBitProp:     defaultMaxIBitProp,
		MinQuality:      10,
		MaxQuality:      51,
		MinIQuality:     10,
		MaxIQuality:     48,
		IQualityDelta:   2,
		MinStillProp:    20,
		MaxStillQuality: 36,
		BitBandPercent:  defaultBitBandPercent,
		ModelWindow:     defaultModelWindow,
		WeightMode:      linreg.WeightLinear,
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ratecontrol.ErrInvalidArgument}, args...)...)
}

//nolint:cyclop
func (c *Config) validate() error {
	switch {
	case c.FpsOutNum <= 0 || c.FpsOutDenom < 0:
		return invalid("output frame rate %d/%d", c.FpsOutNum, c.FpsOutDenom)
	case c.FpsInNum < 0 || c.FpsInDenom < 0:
		return invalid("input frame rate %d/%d", c.FpsInNum, c.FpsInDenom)
	case c.BpsTarget <= 0:
		return invalid("target bitrate %d", c.BpsTarget)
	case c.BpsMin < 0 || (c.BpsMin > 0 && c.BpsMin > c.BpsTarget):
		return invalid("minimum bitrate %d above target %d", c.BpsMin, c.BpsTarget)
	case c.BpsMax < 0 || (c.BpsMax > 0 && c.BpsMax < c.BpsTarget):
		return invalid("maximum bitrate %d below target %d", c.BpsMax, c.BpsTarget)
	case c.IGOP < 0 || c.VGOP < 0:
		return invalid("gop %d/%d", c.IGOP, c.VGOP)
	case c.MinIBitProp < 0 || c.MaxIBitProp < c.MinIBitProp:
		return invalid("intra proportion [%d, %d]", c.MinIBitProp, c.MaxIBitProp)
	case !qpRange(c.MinQuality, c.MaxQuality) || !qpRange(c.MinIQuality, c.MaxIQuality):
		return invalid("quality bounds [%d, %d] intra [%d, %d]",
			c.MinQuality, c.MaxQuality, c.MinIQuality, c.MaxIQuality)
	case c.MinStillProp < 0 || c.MinStillProp > 100:
		return invalid("still proportion %d", c.MinStillProp)
	case c.VBRHiProp < 0 || c.VBRLoProp < 0 || (c.VBRHiProp > 0 && c.VBRLoProp > c.VBRHiProp):
		return invalid("vbr proportions %d/%d", c.VBRLoProp, c.VBRHiProp)
	case c.BufferSize < 0 || c.TimeScale < 0 || c.MaxReencodeTimes < 0:
		return invalid("buffer %d time scale %d reencode %d", c.BufferSize, c.TimeScale, c.MaxReencodeTimes)
	case c.BitBandPercent < 0 || c.BitBandPercent > 100:
		return invalid("bit band %d%%", c.BitBandPercent)
	case c.ModelWindow < 0:
		return invalid("model window %d", c.ModelWindow)
	}
	for i, prop := range c.LayerBitProp {
		if prop < 0 {
			return invalid("layer %d proportion %d", i, prop)
		}
	}

	return nil
}

func qpRange(lo, hi int) bool {
	// An all zero range is filled in by withDefaults.
	if lo == 0 && hi == 0 {
		return true
	}

	return lo >= minQP && hi <= maxQP && lo <= hi
}

// withDefaults returns a copy of c with every zero field that has a default
// filled in.
func (c Config) withDefaults() Config {
	if c.FpsOutDenom == 0 {
		c.FpsOutDenom = 1
	}
	if c.FpsInNum == 0 {
		c.FpsInNum, c.FpsInDenom = c.FpsOutNum, c.FpsOutDenom
	}
	if c.FpsInDenom == 0 {
		c.FpsInDenom = 1
	}
	if c.BpsMin == 0 {
		c.BpsMin = int(int64(c.BpsTarget) * 15 / 16)
	}
	if c.BpsMax == 0 {
		c.BpsMax = int(int64(c.BpsTarget) * 17 / 16)
	}
	if c.MinIBitProp == 0 && c.MaxIBitProp == 0 {
		c.MinIBitProp, c.MaxIBitProp = defaultMinIBitProp, defaultMaxIBitProp
	}
	c.MinIBitProp = max(c.MinIBitProp, 1)
	c.MaxIBitProp = max(c.MaxIBitProp, c.MinIBitProp)
	if c.MinQuality == 0 && c.MaxQuality == 0 {
		c.MaxQuality = maxQP
	}
	if c.MinIQuality == 0 && c.MaxIQuality == 0 {
		c.MinIQuality, c.MaxIQuality = c.MinQuality, c.MaxQuality
	}
	if c.BitBandPercent == 0 {
		c.BitBandPercent = defaultBitBandPercent
	}
	if c.ModelWindow == 0 {
		c.ModelWindow = defaultModelWindow
	}
	if c.BufferSize == 0 {
		c.BufferSize = c.BpsTarget
	}

	return c
}

// withBitrate returns a copy of c retargeted to bps, with the bitrate bounds
// and the buffer scaled by the same ratio.
func (c Config) withBitrate(bps int) Config {
	scale := func(v int) int {
		return int(int64(v) * int64(bps) / int64(c.BpsTarget))
	}
	c.BpsMin = scale(c.BpsMin)
	c.BpsMax = max(scale(c.BpsMax), bps)
	c.BufferSize = max(scale(c.BufferSize), 1)
	c.BpsTarget = bps

	return c
}

// fpsOut returns the output frame rate rounded to whole frames, at least 1.
func (c *Config) fpsOut() int {
	return max(1, (c.FpsOutNum+c.FpsOutDenom/2)/c.FpsOutDenom)
}
