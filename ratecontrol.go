// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package ratecontrol contains the types shared by the rate control engine of a
// hardware video encoder: frame types, GOP modes and the per-frame hardware
// feedback message. The engine itself lives in pkg/rc.
package ratecontrol

import "fmt"

// FrameType is the coding type of a frame.
type FrameType int

const (
	// FrameUnknown leaves the decision to rate control.
	FrameUnknown FrameType = iota
	// FrameIntra is an intra (I/IDR) frame.
	FrameIntra
	// FrameInter is an inter (P) frame.
	FrameInter
)

func (t FrameType) String() string {
	switch t {
	case FrameUnknown:
		return "unknown"
	case FrameIntra:
		return "intra"
	case FrameInter:
		return "inter"
	default:
		return fmt.Sprintf("invalid frame type: %d", t)
	}
}

// GopMode selects the reference structure the encoder runs with.
type GopMode int

const (
	// GopModeNormalP is a plain I P P P ... structure.
	GopModeNormalP GopMode = iota
	// GopModeSmartP uses a long-term background reference (visual GOP).
	GopModeSmartP
)

func (m GopMode) String() string {
	switch m {
	case GopModeNormalP:
		return "normal-p"
	case GopModeSmartP:
		return "smart-p"
	default:
		return fmt.Sprintf("invalid gop mode: %d", m)
	}
}

// HalResult is the feedback the hardware layer reports once a frame is
// encoded. The QP fields are optional; zero means not reported.
type HalResult struct {
	Type FrameType
	// Time is the presentation time of the frame in ticks of the configured
	// time scale.
	Time int64
	Bits int

	QPSum  int
	SSESum int64
	SetQP  int
	QPMin  int
	QPMax  int
	RealQP int
}
