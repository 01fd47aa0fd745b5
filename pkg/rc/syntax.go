// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rc

import (
	"github.com/pion/ratecontrol"
	"github.com/pion/ratecontrol/pkg/history"
)

// Syntax is the per-frame exchange with the encoder. The caller fills the
// request fields, BitsAllocation fills the rest.
type Syntax struct {
	// Request.
	ForceIDR bool
	TypeHint ratecontrol.FrameType
	Layer    int

	// Allocation.
	FrmCnt       int
	GopMode      ratecontrol.GopMode
	Type         ratecontrol.FrameType
	BitTarget    int
	BitMin       int
	BitMax       int
	AQPropOffset int
	// Quality is the suggested QP.
	Quality int
	// Skip asks the encoder to drop the frame to protect the buffer.
	Skip bool

	// History is the list attached to the controller, if any. It is not
	// owned by the syntax.
	History *history.List
}
