// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtpfeedback

import (
	"errors"
	"time"

	"github.com/pion/logging"
	"github.com/pion/ratecontrol"
	"github.com/pion/ratecontrol/pkg/rc"
	"golang.org/x/time/rate"
)

var errInvalidBounds = errors.New("invalid bitrate bounds")

// Option can be used to configure an Interceptor.
type Option func(*Interceptor) error

// WithLoggerFactory sets a logger factory for the interceptor.
func WithLoggerFactory(loggerFactory logging.LoggerFactory) Option {
	return func(i *Interceptor) error {
		i.log = loggerFactory.NewLogger("rtpfeedback")

		return nil
	}
}

// WithFrameHandler sets the function called with the size of every frame
// sent on a video stream.
func WithFrameHandler(f func(ssrc uint32, res ratecontrol.HalResult)) Option {
	return func(i *Interceptor) error {
		i.onFrame = f

		return nil
	}
}

// WithBitrateHandler sets the function called when the receiver reports a
// new bitrate estimate.
func WithBitrateHandler(f func(bps int)) Option {
	return func(i *Interceptor) error {
		i.onBitrate = f

		return nil
	}
}

// WithController retargets c whenever the receiver reports a new bitrate
// estimate.
func WithController(c *rc.Controller) Option {
	return func(i *Interceptor) error {
		i.onBitrate = func(bps int) {
			if err := c.SetTargetBitrate(bps); err != nil {
				i.log.Warnf("failed to retarget rate control: %v", err)
			}
		}

		return nil
	}
}

// WithBitrateBounds clamps the reported estimates to [minBps, maxBps]. A
// zero bound is ignored.
func WithBitrateBounds(minBps, maxBps int) Option {
	return func(i *Interceptor) error {
		if minBps < 0 || maxBps < 0 || (maxBps > 0 && minBps > maxBps) {
			return errInvalidBounds
		}
		i.minBitrate, i.maxBitrate = minBps, maxBps

		return nil
	}
}

// WithUpdateInterval sets the minimum interval between two bitrate updates.
// Zero forwards every estimate.
func WithUpdateInterval(interval time.Duration) Option {
	return func(i *Interceptor) error {
		if interval <= 0 {
			i.limiter = rate.NewLimiter(rate.Inf, 1)

			return nil
		}
		i.limiter = rate.NewLimiter(rate.Every(interval), 1)

		return nil
	}
}
