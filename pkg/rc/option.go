// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rc

import (
	"github.com/pion/logging"
	"github.com/pion/ratecontrol/pkg/history"
)

// Option configures a Controller.
type Option func(*Controller) error

// WithLoggerFactory sets the logger factory of the controller and of the
// virtual buffer it owns.
func WithLoggerFactory(loggerFactory logging.LoggerFactory) Option {
	return func(c *Controller) error {
		c.loggerFactory = loggerFactory

		return nil
	}
}

// WithHistory attaches the parameter history list the controller reads its
// QP to bits model from and records feedback into. The list stays owned by
// the caller.
func WithHistory(list *history.List) Option {
	return func(c *Controller) error {
		c.history = list

		return nil
	}
}
