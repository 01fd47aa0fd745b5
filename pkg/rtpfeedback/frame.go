// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtpfeedback

import (
	"sync"

	"github.com/pion/ratecontrol"
	"github.com/pion/rtp"
)

const mimeTypeH264 = "video/H264"

// H.264 NAL unit types.
const (
	naluIDR   = 5
	naluSPS   = 7
	naluSTAPA = 24
	naluFUA   = 28

	naluTypeMask = 0x1F
	fuStartBit   = 0x80
)

// assembler groups the packets of a stream into frames: a frame is the run
// of packets sharing a timestamp, closed by the marker bit.
type assembler struct {
	mu sync.Mutex

	ssrc uint32
	h264 bool

	open     bool
	ts       uint32
	bytes    int
	keyframe bool

	// unwrapped timestamp of the open frame
	time    int64
	hasTime bool
}

func newAssembler(ssrc uint32, h264 bool) *assembler {
	return &assembler{ssrc: ssrc, h264: h264}
}

// push adds one packet and returns the frames it completes. A packet of a
// new timestamp closes the previous frame even when its marker was lost, so a
// marked single packet frame following a lost marker completes two frames.
func (a *assembler) push(header *rtp.Header, payload []byte) []ratecontrol.HalResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	var done []ratecontrol.HalResult
	if a.open && header.Timestamp != a.ts {
		done = append(done, a.close())
	}
	if !a.open {
		a.start(header.Timestamp)
	}
	a.bytes += len(payload)
	if a.h264 && isH264Keyframe(payload) {
		a.keyframe = true
	}
	if header.Marker {
		done = append(done, a.close())
	}

	return done
}

// flush closes the open frame, if there is one.
func (a *assembler) flush() (ratecontrol.HalResult, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.open {
		return ratecontrol.HalResult{}, false
	}

	return a.close(), true
}

func (a *assembler) start(ts uint32) {
	if a.hasTime {
		a.time += int64(int32(ts - a.ts))
	} else {
		a.time = int64(ts)
		a.hasTime = true
	}
	a.ts = ts
	a.open = true
	a.bytes = 0
	a.keyframe = false
}

func (a *assembler) close() ratecontrol.HalResult {
	a.open = false
	typ := ratecontrol.FrameUnknown
	if a.h264 {
		typ = ratecontrol.FrameInter
		if a.keyframe {
			typ = ratecontrol.FrameIntra
		}
	}

	return ratecontrol.HalResult{Type: typ, Time: a.time, Bits: a.bytes * 8}
}

// isH264Keyframe reports whether an RTP payload (RFC 6184) starts an IDR
// picture or carries a sequence parameter set.
func isH264Keyframe(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch payload[0] & naluTypeMask {
	case naluIDR, naluSPS:
		return true
	case naluSTAPA:
		for off := 1; off+2 < len(payload); {
			size := int(payload[off])<<8 | int(payload[off+1])
			off += 2
			if size == 0 || off+size > len(payload) {
				return false
			}
			if t := payload[off] & naluTypeMask; t == naluIDR || t == naluSPS {
				return true
			}
			off += size
		}
	case naluFUA:
		return len(payload) > 1 && payload[1]&fuStartBit != 0 && payload[1]&naluTypeMask == naluIDR
	}

	return false
}
