// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package rc implements per-frame rate control of a video encoder: it decides
// the size of each frame before it is encoded and learns from the size the
// hardware actually produced.
package rc

import (
	"fmt"
	"sync/atomic"

	"github.com/gammazero/deque"
	"github.com/pion/logging"
	"github.com/pion/ratecontrol"
	"github.com/pion/ratecontrol/pkg/history"
	"github.com/pion/ratecontrol/pkg/pid"
	"github.com/pion/ratecontrol/pkg/statring"
	"github.com/pion/ratecontrol/pkg/vbuffer"
)

const (
	intraRingSize        = 4
	intraPercentRingSize = 8
	maxInterRingSize     = 120
	maxGopRingSize       = 300
)

// Controller is the rate control state of one stream. Apart from
// SetTargetBitrate it must be driven from a single goroutine in the order
// BitsAllocation, encode, UpdateHWResult.
type Controller struct {
	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory
	history       *history.List

	// snapshot is the latest configuration, applied is the one the derived
	// state below was computed from.
	snapshot atomic.Pointer[Config]
	applied  *Config

	fpsOut           int
	bitsPerPic       int
	bitsPerIntra     int
	bitsPerInter     int
	intraToInterRate int

	accIntraBitsInFps int64
	accInterBitsInFps int64
	accTotalBits      int64
	accIntraCount     int
	accInterCount     int
	accTotalCount     int
	timeInSecond      int64
	windowOpen        bool
	lastFpsBits       int64
	lastIntraPercent  int
	lastTime          int64

	prevIntraTarget int
	prevInterTarget int
	curFrmType      ratecontrol.FrameType
	preFrmType      ratecontrol.FrameType
	gopPos          int
	forceIDR        bool
	skipRequested   bool

	intra        *statring.Ring
	inter        *statring.Ring
	gopBits      *statring.Ring
	intraPercent *statring.Ring
	recent       deque.Deque[timedBits]
	pidIntra     *pid.Controller
	pidInter     *pid.Controller
	pidFps       *pid.Controller
	vb           *vbuffer.Buffer

	bitsTarget       int
	bitMin           int
	bitMax           int
	frmCnt           int
	realBps          int
	prevAQPropOffset int
	quality          int
	baseQuality      int
	still            bool

	lastRealBits int
	lastTarget   int
	lastSetQP    int
	lastRealQP   int
}

// New returns a controller with its buffers allocated. It has to be
// configured with SetUserCfg before the first frame.
func New(opts ...Option) (*Controller, error) {
	c := &Controller{
		frmCnt:     1,
		curFrmType: ratecontrol.FrameIntra,
		preFrmType: ratecontrol.FrameUnknown,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	if c.loggerFactory == nil {
		c.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	c.log = c.loggerFactory.NewLogger("rc")

	def := DefaultConfig()
	fps := def.fpsOut()
	var err error
	if c.intra, err = statring.New(intraRingSize, 0); err != nil {
		return nil, fmt.Errorf("%w: intra ring: %w", ratecontrol.ErrAllocation, err)
	}
	if c.inter, err = statring.New(interRingSize(fps), 0); err != nil {
		return nil, fmt.Errorf("%w: inter ring: %w", ratecontrol.ErrAllocation, err)
	}
	if c.gopBits, err = statring.New(gopRingSize(def.IGOP, fps), 0); err != nil {
		return nil, fmt.Errorf("%w: gop ring: %w", ratecontrol.ErrAllocation, err)
	}
	if c.intraPercent, err = statring.New(intraPercentRingSize, 0); err != nil {
		return nil, fmt.Errorf("%w: intra percent ring: %w", ratecontrol.ErrAllocation, err)
	}
	c.intraPercent.Clear()

	c.vb, err = vbuffer.New(vbufferConfig(&def, def.BpsTarget/fps),
		vbuffer.WithLoggerFactory(c.loggerFactory))
	if err != nil {
		return nil, fmt.Errorf("%w: virtual buffer: %w", ratecontrol.ErrAllocation, err)
	}

	c.pidIntra = pid.New(0, 0, 0, 1, 1)
	c.pidInter = pid.New(0, 0, 0, 1, 1)
	c.pidFps = pid.New(0, 0, 0, 1, 1)

	return c, nil
}

func interRingSize(fps int) int {
	return min(max(fps, 1), maxInterRingSize)
}

func gopRingSize(igop, fps int) int {
	return min(max(igop, fps, 1), maxGopRingSize)
}

func vbufferConfig(cfg *Config, bitsPerPic int) vbuffer.Config {
	vc := vbuffer.Config{
		BufferSize: cfg.BufferSize,
		BitRate:    cfg.BpsTarget,
		BitPerPic:  bitsPerPic,
		TimeScale:  cfg.FpsOutNum,
		UnitsInTic: cfg.FpsOutDenom,
	}
	if vc.BufferSize == 0 {
		vc.BufferSize = cfg.BpsTarget
	}
	if vc.UnitsInTic == 0 {
		vc.UnitsInTic = 1
	}
	if cfg.TimeScale > 0 {
		vc.TimeScale, vc.UnitsInTic = cfg.TimeScale, 1
	}

	return vc
}

// SetUserCfg validates cfg, fills in its defaults and makes it the contract
// of the stream. Derived targets take effect from the next frame. With
// forceIDR the next frame is intra and the window accumulators restart.
// On error the controller is left untouched.
func (c *Controller) SetUserCfg(cfg Config, forceIDR bool) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	snap := cfg.withDefaults()
	if err := c.apply(&snap); err != nil {
		return err
	}
	c.snapshot.Store(&snap)
	if forceIDR {
		c.restartGOP()
	}

	return nil
}

// SetTargetBitrate retargets the stream to bps, scaling the bitrate bounds
// and the buffer alongside. It is safe to call from any goroutine and takes
// effect at the next BitsAllocation.
func (c *Controller) SetTargetBitrate(bps int) error {
	if bps <= 0 {
		return fmt.Errorf("%w: target bitrate %d", ratecontrol.ErrInvalidArgument, bps)
	}
	for {
		old := c.snapshot.Load()
		if old == nil {
			return fmt.Errorf("%w: bitrate update before configuration", ratecontrol.ErrInvalidState)
		}
		if old.BpsTarget == bps {
			return nil
		}
		next := old.withBitrate(bps)
		if c.snapshot.CompareAndSwap(old, &next) {
			return nil
		}
	}
}

// sync applies the latest snapshot if it changed since the last frame.
func (c *Controller) sync() (*Config, error) {
	snap := c.snapshot.Load()
	if snap == nil {
		return nil, fmt.Errorf("%w: rate control is not configured", ratecontrol.ErrInvalidState)
	}
	if snap != c.applied {
		if err := c.apply(snap); err != nil {
			return nil, err
		}
	}

	return c.applied, nil
}

// apply recomputes the derived state from cfg. Buffers are only reallocated
// when their capacity changes.
func (c *Controller) apply(cfg *Config) error {
	fps := cfg.fpsOut()
	bitsPerPic := int(int64(cfg.BpsTarget) / int64(fps))
	if bitsPerPic <= 0 {
		return fmt.Errorf("%w: %d bps at %d fps leaves no bits per picture",
			ratecontrol.ErrInvalidArgument, cfg.BpsTarget, fps)
	}

	interSize := interRingSize(fps)
	gopSize := gopRingSize(cfg.IGOP, fps)
	var inter, gopBits *statring.Ring
	var err error
	if interSize != c.inter.Size() {
		if inter, err = statring.New(interSize, 0); err != nil {
			return fmt.Errorf("%w: inter ring: %w", ratecontrol.ErrAllocation, err)
		}
	}
	if gopSize != c.gopBits.Size() {
		if gopBits, err = statring.New(gopSize, 0); err != nil {
			return fmt.Errorf("%w: gop ring: %w", ratecontrol.ErrAllocation, err)
		}
	}
	if err = c.vb.Configure(vbufferConfig(cfg, bitsPerPic)); err != nil {
		return err
	}

	first := c.applied == nil
	rateChanged := first || bitsPerPic != c.bitsPerPic
	c.applied = cfg
	c.fpsOut = fps
	c.bitsPerPic = bitsPerPic
	if first || c.intraToInterRate < cfg.MinIBitProp || c.intraToInterRate > cfg.MaxIBitProp {
		c.intraToInterRate = (cfg.MinIBitProp + cfg.MaxIBitProp) / 2
	}
	c.updateTargets()

	if inter != nil {
		c.inter = inter
	}
	if gopBits != nil {
		c.gopBits = gopBits
	}
	if first || inter != nil || rateChanged {
		c.inter.Reset(c.bitsPerInter)
		c.intra.Reset(c.bitsPerIntra)
	}
	if first || gopBits != nil || rateChanged {
		c.gopBits.Reset(c.bitsPerPic)
	}

	c.pidIntra.SetParam(4, 1, 1, 16, intraRingSize)
	c.pidInter.SetParam(4, 1, 1, 64, interSize)
	c.pidFps.SetParam(4, 1, 0, 16, intraRingSize)
	if rateChanged {
		c.pidIntra.Reset()
		c.pidInter.Reset()
		c.pidFps.Reset()
		c.recent.Clear()
		c.realBps = cfg.BpsTarget
	}
	if first {
		c.baseQuality = (cfg.MinQuality + cfg.MaxQuality + 1) / 2
		c.quality = c.baseQuality
		c.vb.StartGOP(max(cfg.IGOP, fps))
	}

	c.log.Infof("rate control: %d bps (%d..%d) %d fps gop %d, %d bits per picture, intra %d inter %d",
		cfg.BpsTarget, cfg.BpsMin, cfg.BpsMax, fps, cfg.IGOP, c.bitsPerPic, c.bitsPerIntra, c.bitsPerInter)

	return nil
}

// updateTargets splits the GOP budget between the intra frame and the
// inter frames so that one intra frame costs intraToInterRate inter frames.
func (c *Controller) updateTargets() {
	igop := c.applied.IGOP
	if igop <= 0 {
		c.bitsPerInter = c.bitsPerPic
		c.bitsPerIntra = c.bitsPerPic * c.intraToInterRate

		return
	}
	c.bitsPerInter = int(int64(igop) * int64(c.bitsPerPic) / int64(c.intraToInterRate+igop-1))
	c.bitsPerIntra = c.bitsPerInter * c.intraToInterRate
}

func (c *Controller) restartGOP() {
	c.forceIDR = true
	c.gopPos = 0
	c.resetWindow()
	c.windowOpen = false
	c.intraPercent.Clear()
}

func (c *Controller) resetWindow() {
	c.accIntraBitsInFps = 0
	c.accInterBitsInFps = 0
	c.accTotalBits = 0
	c.accIntraCount = 0
	c.accInterCount = 0
	c.accTotalCount = 0
}

// Config returns a copy of the configuration in force.
func (c *Controller) Config() (Config, bool) {
	if c.applied == nil {
		return Config{}, false
	}

	return *c.applied, true
}

// BitsPerPic returns the average picture budget.
func (c *Controller) BitsPerPic() int {
	return c.bitsPerPic
}

// BitsPerIntra returns the nominal intra frame target.
func (c *Controller) BitsPerIntra() int {
	return c.bitsPerIntra
}

// BitsPerInter returns the nominal inter frame target.
func (c *Controller) BitsPerInter() int {
	return c.bitsPerInter
}

// IntraToInterRate returns the current intra to inter size ratio.
func (c *Controller) IntraToInterRate() int {
	return c.intraToInterRate
}

// BitsTarget returns the target of the last allocated frame.
func (c *Controller) BitsTarget() int {
	return c.bitsTarget
}

// RealBps returns the realized bitrate over the last second.
func (c *Controller) RealBps() int {
	return c.realBps
}

// Quality returns the last QP hint.
func (c *Controller) Quality() int {
	return c.quality
}

// FrmCnt returns the count of the next frame, starting from 1.
func (c *Controller) FrmCnt() int {
	return c.frmCnt
}

// MaxReencodeTimes returns the configured re-encode bound.
func (c *Controller) MaxReencodeTimes() int {
	if c.applied == nil {
		return 0
	}

	return c.applied.MaxReencodeTimes
}

// LastWindow returns the bits and the intra share in percent of the last
// completed one second window.
func (c *Controller) LastWindow() (bits int64, intraPercent int) {
	return c.lastFpsBits, c.lastIntraPercent
}

// VBuffer returns the virtual buffer of the stream.
func (c *Controller) VBuffer() *vbuffer.Buffer {
	return c.vb
}
