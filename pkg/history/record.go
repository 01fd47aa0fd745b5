// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package history

import (
	"github.com/pion/ratecontrol"
	"github.com/pion/ratecontrol/pkg/linreg"
)

// Record is the allocation decision and the realized result of one frame.
type Record struct {
	FrmCnt  int
	FrmType ratecontrol.FrameType
	GopMode ratecontrol.GopMode
	Layer   int

	// Contract in force when the frame was allocated.
	Bps          int
	Fps          int
	Gop          int
	BitsPerPic   int
	BitsPerIntra int
	BitsPerInter int

	// Allocation.
	TgtBits      int
	BitMin       int
	BitMax       int
	AQPropOffset int
	Quality      int

	// Realized result.
	RealBits          int
	Time              int64
	AccIntraBitsInFps int64
	AccInterBitsInFps int64
	LastFpsBits       int64
	LastIntraPercent  int
	Done              bool

	// Re-encode quality data reported by the hardware.
	QPSum  int
	SSESum int64
	SetQP  int
	QPMin  int
	QPMax  int
	RealQP int

	// WindowLen is the sample window of the frame's model.
	WindowLen int

	model *linreg.Model
}

// Model returns the QP to bits model fitted up to this frame, or nil.
func (r *Record) Model() *linreg.Model {
	return r.model
}

// SetModel attaches m to the record. The record owns m afterwards.
func (r *Record) SetModel(m *linreg.Model) {
	r.model = m
	if m != nil {
		r.WindowLen = m.Size()
	}
}
