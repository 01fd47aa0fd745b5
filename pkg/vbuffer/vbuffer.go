// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package vbuffer simulates the encoder side transmission buffer (a leaky
// bucket in the spirit of the HRD) that rate control keeps from overflowing.
package vbuffer

import (
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/pion/ratecontrol"
	"golang.org/x/time/rate"
)

// Config describes the channel the buffer drains into.
type Config struct {
	// BufferSize is the capacity in bits.
	BufferSize int
	// BitRate is the drain rate in bits per second.
	BitRate int
	// BitPerPic is the nominal size of one picture in bits.
	BitPerPic int
	// TimeScale and UnitsInTic define the tick: one tick lasts
	// UnitsInTic/TimeScale seconds.
	TimeScale  int
	UnitsInTic int
}

func (c Config) validate() error {
	if c.BufferSize <= 0 || c.BitRate <= 0 || c.TimeScale <= 0 || c.UnitsInTic <= 0 || c.BitPerPic < 0 {
		return fmt.Errorf("%w: virtual buffer %+v", ratecontrol.ErrInvalidArgument, c)
	}

	return nil
}

// Option configures a Buffer.
type Option func(*Buffer) error

// WithLoggerFactory sets the logger factory of the buffer.
func WithLoggerFactory(loggerFactory logging.LoggerFactory) Option {
	return func(b *Buffer) error {
		b.loggerFactory = loggerFactory

		return nil
	}
}

// Buffer is the virtual buffer state. Occupancy is kept in [0, BufferSize];
// an overflow is signalled through SkipHint instead of being enforced, since
// the real frame size is only known after encoding.
type Buffer struct {
	log           logging.LeveledLogger
	loggerFactory logging.LoggerFactory
	overflowLog   rate.Sometimes

	bufferSize int64
	bitRate    int64
	bitPerPic  int64
	timeScale  int64
	unitsInTic int64

	picTimeInc      int64
	drainRem        int64
	virtualBitCnt   int64
	realBitCnt      int64
	bufferOccupancy int64
	slack           int64
	skipFrameTarget int
	skippedFrames   int
	bucketFullness  int64
	gopRem          int64
	windowRem       int64
}

// New returns an empty buffer.
func New(cfg Config, opts ...Option) (*Buffer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	b := &Buffer{
		overflowLog: rate.Sometimes{Interval: time.Second},
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	if b.loggerFactory == nil {
		b.loggerFactory = logging.NewDefaultLoggerFactory()
	}
	b.log = b.loggerFactory.NewLogger("vbuffer")
	b.apply(cfg)
	b.StartWindow()

	return b, nil
}

// Configure changes the channel parameters, keeping the accumulated state.
// Occupancy is clamped when the buffer shrinks.
func (b *Buffer) Configure(cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	b.apply(cfg)
	b.bufferOccupancy = min(b.bufferOccupancy, b.bufferSize)

	return nil
}

func (b *Buffer) apply(cfg Config) {
	b.bufferSize = int64(cfg.BufferSize)
	b.bitRate = int64(cfg.BitRate)
	b.bitPerPic = int64(cfg.BitPerPic)
	b.timeScale = int64(cfg.TimeScale)
	b.unitsInTic = int64(cfg.UnitsInTic)
}

// Update accounts one coded picture of bits produced after ticks ticks. A
// zero sized picture while a skip is requested counts as a skipped frame.
func (b *Buffer) Update(bits int, ticks int) {
	if bits == 0 && b.skippedFrames < b.skipFrameTarget {
		b.skippedFrames++
	}

	b.picTimeInc = int64(ticks)
	num := b.bitRate*int64(ticks)*b.unitsInTic + b.drainRem
	drain := num / b.timeScale
	b.drainRem = num % b.timeScale

	b.virtualBitCnt += drain
	b.realBitCnt += int64(bits)
	b.gopRem -= int64(bits)
	b.windowRem -= int64(bits)
	b.bucketFullness = max(0, b.bucketFullness+int64(bits)-b.bitPerPic)

	occ := b.bufferOccupancy + int64(bits) - drain
	b.slack = 0
	switch {
	case occ > b.bufferSize:
		b.skipFrameTarget++
		b.overflowLog.Do(func() {
			b.log.Warnf("virtual buffer overflow: %d bits over %d, skip target %d",
				occ-b.bufferSize, b.bufferSize, b.skipFrameTarget)
		})
		occ = b.bufferSize
	case occ < 0:
		b.slack = -occ
		occ = 0
	}
	b.bufferOccupancy = occ

	if occ < b.bufferSize && b.skipFrameTarget > 0 &&
		(b.skippedFrames >= b.skipFrameTarget || 2*occ < b.bufferSize) {
		b.skipFrameTarget = 0
		b.skippedFrames = 0
	}
}

// OnFrameSkipped accounts a picture the encoder dropped after ticks ticks.
func (b *Buffer) OnFrameSkipped(ticks int) {
	b.Update(0, ticks)
}

// StartGOP resets the GOP remainder to the budget of frames pictures.
func (b *Buffer) StartGOP(frames int) {
	b.gopRem = b.bitPerPic * int64(frames)
}

// StartWindow resets the one second window remainder.
func (b *Buffer) StartWindow() {
	b.windowRem = b.bitRate
}

// SkipHint reports whether the buffer asks for the next frame to be skipped.
func (b *Buffer) SkipHint() bool {
	return b.skippedFrames < b.skipFrameTarget
}

// SkipFrameTarget returns how many frames the buffer wants skipped in a row.
func (b *Buffer) SkipFrameTarget() int {
	return b.skipFrameTarget
}

// SkippedFrames returns how many frames have been skipped in the current run.
func (b *Buffer) SkippedFrames() int {
	return b.skippedFrames
}

// Size returns the buffer capacity in bits.
func (b *Buffer) Size() int {
	return int(b.bufferSize)
}

// Occupancy returns the bits currently held in the buffer.
func (b *Buffer) Occupancy() int {
	return int(b.bufferOccupancy)
}

// Level returns the occupancy in permille of the capacity.
func (b *Buffer) Level() int {
	return int(b.bufferOccupancy * 1000 / b.bufferSize)
}

// Slack returns how many bits the last update would have drained below empty.
// A positive slack means there is room to raise quality.
func (b *Buffer) Slack() int {
	return int(b.slack)
}

// Fullness returns the integrator fullness: produced bits minus the nominal
// picture size, floored at zero.
func (b *Buffer) Fullness() int64 {
	return b.bucketFullness
}

// DrainPerTick returns the channel bits drained during ticks ticks, ignoring
// rounding carry.
func (b *Buffer) DrainPerTick(ticks int) int {
	return int(b.bitRate * int64(ticks) * b.unitsInTic / b.timeScale)
}

// Counts returns the virtual (channel) and real bit counters.
func (b *Buffer) Counts() (virtual, actual int64) {
	return b.virtualBitCnt, b.realBitCnt
}

// Remainders returns the bits left in the current GOP and window budgets.
// They go negative on overspend.
func (b *Buffer) Remainders() (gop, window int64) {
	return b.gopRem, b.windowRem
}

// PicTimeInc returns the ticks elapsed before the last coded picture.
func (b *Buffer) PicTimeInc() int {
	return int(b.picTimeInc)
}
