// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package rtpfeedback

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/logging"
	"github.com/pion/ratecontrol"
	"github.com/pion/ratecontrol/internal/test"
	"github.com/pion/ratecontrol/pkg/rc"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	transportTest "github.com/pion/transport/v3/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameLog struct {
	mu     sync.Mutex
	frames []ratecontrol.HalResult
}

func (l *frameLog) add(_ uint32, res ratecontrol.HalResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, res)
}

func (l *frameLog) get() []ratecontrol.HalResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]ratecontrol.HalResult(nil), l.frames...)
}

func packet(seq uint16, ts uint32, marker bool, payload []byte) *rtp.Packet {
	return &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			SSRC:           1,
			SequenceNumber: seq,
			Timestamp:      ts,
			Marker:         marker,
		},
		Payload: payload,
	}
}

func fill(head []byte, size int) []byte {
	out := make([]byte, size)
	copy(out, head)

	return out
}

func TestFrameAssembly(t *testing.T) {
	lim := transportTest.TimeOut(time.Second * 5)
	defer lim.Stop()
	report := transportTest.CheckRoutines(t)
	defer report()

	var log frameLog
	i, err := New(WithFrameHandler(log.add), WithLoggerFactory(logging.NewDefaultLoggerFactory()))
	require.NoError(t, err)

	stream := test.NewMockStream(&interceptor.StreamInfo{SSRC: 1, MimeType: "video/h264", ClockRate: 90_000}, i)

	// IDR split in FU-A fragments.
	require.NoError(t, stream.WriteRTP(packet(1, 3000, false, fill([]byte{0x7C, 0x85}, 1000))))
	require.NoError(t, stream.WriteRTP(packet(2, 3000, false, fill([]byte{0x7C, 0x05}, 1000))))
	require.NoError(t, stream.WriteRTP(packet(3, 3000, true, fill([]byte{0x7C, 0x45}, 500))))
	// Single NAL inter frame.
	require.NoError(t, stream.WriteRTP(packet(4, 6000, true, fill([]byte{0x41}, 300))))
	// Inter frame whose marker got lost, closed by the next timestamp.
	require.NoError(t, stream.WriteRTP(packet(5, 9000, false, fill([]byte{0x41}, 200))))
	require.NoError(t, stream.WriteRTP(packet(6, 12000, false, fill([]byte{0x41}, 100))))
	require.NoError(t, stream.WriteRTP(packet(7, 12000, true, fill([]byte{0x41}, 100))))

	for n := 0; n < 7; n++ {
		select {
		case <-stream.WrittenRTP():
		case <-time.After(100 * time.Millisecond):
			assert.Fail(t, "rtp packet written but not found")
		}
	}

	assert.Equal(t, []ratecontrol.HalResult{
		{Type: ratecontrol.FrameIntra, Time: 3000, Bits: 2500 * 8},
		{Type: ratecontrol.FrameInter, Time: 6000, Bits: 300 * 8},
		{Type: ratecontrol.FrameInter, Time: 9000, Bits: 200 * 8},
		{Type: ratecontrol.FrameInter, Time: 12000, Bits: 200 * 8},
	}, log.get())

	assert.NoError(t, stream.Close())
}

func TestTimestampUnwrap(t *testing.T) {
	var log frameLog
	i, err := New(WithFrameHandler(log.add))
	require.NoError(t, err)

	w := i.BindLocalStream(&interceptor.StreamInfo{SSRC: 1, MimeType: "video/VP8"},
		interceptor.RTPWriterFunc(func(_ *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			return len(payload), nil
		}))
	for n, ts := range []uint32{0xFFFF_F000, 0x0000_0800, 0x0000_1800} {
		p := packet(uint16(n), ts, true, make([]byte, 10)) //nolint:gosec
		_, err = w.Write(&p.Header, p.Payload, interceptor.Attributes{})
		require.NoError(t, err)
	}

	frames := log.get()
	require.Len(t, frames, 3)
	assert.Equal(t, int64(0xFFFF_F000), frames[0].Time)
	assert.Equal(t, int64(0xFFFF_F000)+0x1800, frames[1].Time)
	assert.Equal(t, int64(0xFFFF_F000)+0x2800, frames[2].Time)
	// Only H.264 frames are classified.
	assert.Equal(t, ratecontrol.FrameUnknown, frames[0].Type)
	assert.NoError(t, i.Close())
}

func bindDiscard(i *Interceptor, info *interceptor.StreamInfo) interceptor.RTPWriter {
	return i.BindLocalStream(info,
		interceptor.RTPWriterFunc(func(_ *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			return len(payload), nil
		}))
}

func TestLostMarkerBeforeSinglePacketFrame(t *testing.T) {
	var log frameLog
	i, err := New(WithFrameHandler(log.add))
	require.NoError(t, err)
	w := bindDiscard(i, &interceptor.StreamInfo{SSRC: 1, MimeType: "video/H264"})

	write := func(p *rtp.Packet) {
		_, err := w.Write(&p.Header, p.Payload, interceptor.Attributes{})
		require.NoError(t, err)
	}

	write(packet(1, 3000, false, fill([]byte{0x65}, 400)))
	assert.Empty(t, log.get())

	// Closes the frame at 3000 and completes itself.
	write(packet(2, 6000, true, fill([]byte{0x41}, 100)))
	assert.Equal(t, []ratecontrol.HalResult{
		{Type: ratecontrol.FrameIntra, Time: 3000, Bits: 400 * 8},
		{Type: ratecontrol.FrameInter, Time: 6000, Bits: 100 * 8},
	}, log.get())

	write(packet(3, 9000, true, fill([]byte{0x41}, 50)))
	frames := log.get()
	require.Len(t, frames, 3)
	assert.Equal(t, ratecontrol.HalResult{Type: ratecontrol.FrameInter, Time: 9000, Bits: 50 * 8}, frames[2])
	assert.NoError(t, i.Close())
}

func TestUnbindReportsOpenFrame(t *testing.T) {
	var log frameLog
	i, err := New(WithFrameHandler(log.add))
	require.NoError(t, err)
	info := &interceptor.StreamInfo{SSRC: 1, MimeType: "video/VP8"}
	w := bindDiscard(i, info)

	p := packet(1, 3000, false, make([]byte, 120))
	_, err = w.Write(&p.Header, p.Payload, interceptor.Attributes{})
	require.NoError(t, err)
	assert.Empty(t, log.get())

	i.UnbindLocalStream(info)
	assert.Equal(t, []ratecontrol.HalResult{{Type: ratecontrol.FrameUnknown, Time: 3000, Bits: 120 * 8}}, log.get())

	// Nothing is measured once the stream is gone.
	p = packet(2, 6000, true, make([]byte, 80))
	n, err := w.Write(&p.Header, p.Payload, interceptor.Attributes{})
	require.NoError(t, err)
	assert.Equal(t, 80, n)
	assert.Len(t, log.get(), 1)

	i.UnbindLocalStream(info)
	assert.Len(t, log.get(), 1)
	assert.NoError(t, i.Close())
}

func TestCloseStopsMeasuring(t *testing.T) {
	var log frameLog
	i, err := New(WithFrameHandler(log.add))
	require.NoError(t, err)
	w := bindDiscard(i, &interceptor.StreamInfo{SSRC: 1, MimeType: "video/VP8"})
	require.NoError(t, i.Close())

	p := packet(1, 3000, true, make([]byte, 10))
	_, err = w.Write(&p.Header, p.Payload, interceptor.Attributes{})
	require.NoError(t, err)
	assert.Empty(t, log.get())
}

func TestAudioPassesThrough(t *testing.T) {
	var log frameLog
	i, err := New(WithFrameHandler(log.add))
	require.NoError(t, err)

	written := 0
	w := i.BindLocalStream(&interceptor.StreamInfo{SSRC: 2, MimeType: "audio/opus"},
		interceptor.RTPWriterFunc(func(_ *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
			written++

			return len(payload), nil
		}))
	p := packet(1, 960, true, make([]byte, 50))
	_, err = w.Write(&p.Header, p.Payload, interceptor.Attributes{})
	require.NoError(t, err)

	assert.Equal(t, 1, written)
	assert.Empty(t, log.get())
}

func TestReceiverEstimate(t *testing.T) {
	lim := transportTest.TimeOut(time.Second * 5)
	defer lim.Stop()
	report := transportTest.CheckRoutines(t)
	defer report()

	estimates := make(chan int, 10)
	i, err := New(
		WithBitrateHandler(func(bps int) { estimates <- bps }),
		WithBitrateBounds(100_000, 1_500_000),
		WithUpdateInterval(0),
	)
	require.NoError(t, err)
	stream := test.NewMockStream(&interceptor.StreamInfo{SSRC: 1, MimeType: "video/h264"}, i)

	for _, bps := range []float32{1_000_000, 4_000_000, 50_000} {
		stream.ReceiveRTCP([]rtcp.Packet{
			&rtcp.ReceiverEstimatedMaximumBitrate{Bitrate: bps, SSRCs: []uint32{1}},
		})
		select {
		case r := <-stream.ReadRTCP():
			assert.NoError(t, r.Err)
		case <-time.After(time.Second):
			assert.Fail(t, "rtcp packet received but not read")
		}
	}

	var got []int
	for n := 0; n < 3; n++ {
		select {
		case bps := <-estimates:
			got = append(got, bps)
		case <-time.After(time.Second):
			assert.Fail(t, "missing estimate")
		}
	}
	assert.Equal(t, []int{1_000_000, 1_500_000, 100_000}, got)

	assert.NoError(t, stream.Close())
}

func TestEstimatesAreThrottled(t *testing.T) {
	estimates := 0
	i, err := New(WithBitrateHandler(func(int) { estimates++ }), WithUpdateInterval(time.Hour))
	require.NoError(t, err)

	for n := 0; n < 5; n++ {
		i.onEstimate(1_000_000)
	}
	assert.Equal(t, 1, estimates)
}

func TestEstimateRetargetsController(t *testing.T) {
	c, err := rc.New()
	require.NoError(t, err)
	require.NoError(t, c.SetUserCfg(rc.DefaultConfig(), false))

	i, err := New(WithController(c), WithUpdateInterval(0))
	require.NoError(t, err)
	i.onEstimate(1_000_000)

	var syn rc.Syntax
	require.NoError(t, c.BitsAllocation(&syn))
	assert.Equal(t, 33_333, c.BitsPerPic())
}

func TestInvalidBounds(t *testing.T) {
	_, err := New(WithBitrateBounds(2_000, 1_000))
	assert.ErrorIs(t, err, errInvalidBounds)
}

func TestIsH264Keyframe(t *testing.T) {
	cases := []struct {
		name    string
		payload []byte
		want    bool
	}{
		{name: "empty", payload: nil, want: false},
		{name: "idr", payload: []byte{0x65, 0x88}, want: true},
		{name: "sps", payload: []byte{0x67, 0x42}, want: true},
		{name: "slice", payload: []byte{0x41, 0x9A}, want: false},
		{name: "stapA", payload: []byte{0x78, 0x00, 0x02, 0x67, 0x42, 0x00, 0x02, 0x68, 0xCE}, want: true},
		{name: "stapANoKey", payload: []byte{0x78, 0x00, 0x02, 0x06, 0x05}, want: false},
		{name: "stapATruncated", payload: []byte{0x78, 0x00, 0x09, 0x67}, want: false},
		{name: "fuAStart", payload: []byte{0x7C, 0x85}, want: true},
		{name: "fuAMiddle", payload: []byte{0x7C, 0x05}, want: false},
		{name: "fuAInter", payload: []byte{0x7C, 0x81}, want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, isH264Keyframe(tc.payload))
		})
	}
}
