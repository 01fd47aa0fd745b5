// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package rtpfeedback connects rate control to a WebRTC sender: it measures
// the frames leaving on video streams and forwards the receiver's bitrate
// estimates (REMB).
package rtpfeedback

import (
	"strings"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/ratecontrol"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"golang.org/x/time/rate"
)

const defaultUpdateInterval = 500 * time.Millisecond

// InterceptorFactory is a interceptor.Factory for an Interceptor.
type InterceptorFactory struct {
	opts []Option
}

// NewInterceptor returns a new InterceptorFactory.
func NewInterceptor(opts ...Option) (*InterceptorFactory, error) {
	return &InterceptorFactory{opts: opts}, nil
}

// NewInterceptor returns a new Interceptor.
func (f *InterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return New(f.opts...)
}

// Interceptor reports the size of outgoing video frames and the bitrate
// estimates carried in incoming RTCP.
type Interceptor struct {
	interceptor.NoOp

	log        logging.LeveledLogger
	onFrame    func(ssrc uint32, res ratecontrol.HalResult)
	onBitrate  func(bps int)
	limiter    *rate.Limiter
	minBitrate int
	maxBitrate int

	streams sync.Map
}

// New returns a new Interceptor.
func New(opts ...Option) (*Interceptor, error) {
	i := &Interceptor{
		log:     logging.NewDefaultLoggerFactory().NewLogger("rtpfeedback"),
		limiter: rate.NewLimiter(rate.Every(defaultUpdateInterval), 1),
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}

	return i, nil
}

// BindLocalStream measures the frames of video streams. Other streams are
// passed through untouched.
func (i *Interceptor) BindLocalStream(
	info *interceptor.StreamInfo, writer interceptor.RTPWriter,
) interceptor.RTPWriter {
	if !strings.HasPrefix(strings.ToLower(info.MimeType), "video/") {
		return writer
	}
	i.streams.Store(info.SSRC, newAssembler(info.SSRC, strings.EqualFold(info.MimeType, mimeTypeH264)))

	return interceptor.RTPWriterFunc(
		func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
			if asm := i.stream(info.SSRC); asm != nil {
				for _, res := range asm.push(header, payload) {
					i.report(asm.ssrc, res)
				}
			}

			return writer.Write(header, payload, attributes)
		},
	)
}

// UnbindLocalStream reports the frame still open on the stream and drops its
// state.
func (i *Interceptor) UnbindLocalStream(info *interceptor.StreamInfo) {
	value, ok := i.streams.LoadAndDelete(info.SSRC)
	if !ok {
		return
	}
	asm, ok := value.(*assembler)
	if !ok {
		return
	}
	if res, ok := asm.flush(); ok {
		i.report(asm.ssrc, res)
	}
}

// stream returns the frame state of a bound stream, nil once the stream
// is unbound or the interceptor closed.
func (i *Interceptor) stream(ssrc uint32) *assembler {
	value, ok := i.streams.Load(ssrc)
	if !ok {
		return nil
	}
	asm, _ := value.(*assembler)

	return asm
}

func (i *Interceptor) report(ssrc uint32, res ratecontrol.HalResult) {
	if i.onFrame != nil {
		i.onFrame(ssrc, res)
	}
}

// BindRTCPReader inspects incoming RTCP for receiver bitrate estimates.
func (i *Interceptor) BindRTCPReader(reader interceptor.RTCPReader) interceptor.RTCPReader {
	return interceptor.RTCPReaderFunc(
		func(b []byte, a interceptor.Attributes) (int, interceptor.Attributes, error) {
			n, attr, err := reader.Read(b, a)
			if err != nil {
				return 0, nil, err
			}

			pkts, err := rtcp.Unmarshal(b[:n])
			if err != nil {
				i.log.Debugf("skipping unparsable rtcp: %v", err)

				return n, attr, nil
			}
			for _, pkt := range pkts {
				if remb, ok := pkt.(*rtcp.ReceiverEstimatedMaximumBitrate); ok {
					i.onEstimate(int(remb.Bitrate))
				}
			}

			return n, attr, nil
		},
	)
}

func (i *Interceptor) onEstimate(bps int) {
	if i.minBitrate > 0 {
		bps = max(bps, i.minBitrate)
	}
	if i.maxBitrate > 0 {
		bps = min(bps, i.maxBitrate)
	}
	if bps <= 0 || i.onBitrate == nil || !i.limiter.Allow() {
		return
	}
	i.log.Debugf("receiver estimate %d bps", bps)
	i.onBitrate(bps)
}

// Close drops the state of every stream. Frames written afterwards are no
// longer reported.
func (i *Interceptor) Close() error {
	i.streams.Clear()

	return nil
}
