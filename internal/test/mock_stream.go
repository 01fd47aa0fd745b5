// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package test provides helpers for testing interceptors
package test

import (
	"errors"
	"io"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// MockStream is the sending side of a media stream bound to an interceptor:
// RTP goes out through the local stream, RTCP feedback comes back in.
type MockStream struct {
	interceptor interceptor.Interceptor

	rtcpReader interceptor.RTCPReader
	rtcpWriter interceptor.RTCPWriter
	rtpWriter  interceptor.RTPWriter

	rtcpIn chan []rtcp.Packet

	rtcpOutModified chan []rtcp.Packet
	rtpOutModified  chan *rtp.Packet
	rtcpInModified  chan RTCPWithError

	done chan struct{}
}

// RTCPWithError is used to send a batch of rtcp packets or an error on a channel.
type RTCPWithError struct {
	Packets []rtcp.Packet
	Err     error
}

// NewMockStream binds info and the RTCP path of the sender to i.
func NewMockStream(info *interceptor.StreamInfo, i interceptor.Interceptor) *MockStream {
	mockStream := &MockStream{
		interceptor:     i,
		rtcpIn:          make(chan []rtcp.Packet, 1000),
		rtcpOutModified: make(chan []rtcp.Packet, 1000),
		rtpOutModified:  make(chan *rtp.Packet, 1000),
		rtcpInModified:  make(chan RTCPWithError, 1000),
		done:            make(chan struct{}),
	}
	mockStream.rtcpWriter = i.BindRTCPWriter(
		interceptor.RTCPWriterFunc(func(pkts []rtcp.Packet, _ interceptor.Attributes) (int, error) {
			select {
			case mockStream.rtcpOutModified <- pkts:
			default:
			}

			return 0, nil
		}),
	)
	mockStream.rtcpReader = i.BindRTCPReader(interceptor.RTCPReaderFunc(
		func(b []byte, attrs interceptor.Attributes) (int, interceptor.Attributes, error) {
			pkts, ok := <-mockStream.rtcpIn
			if !ok {
				return 0, nil, io.EOF
			}

			marshaled, err := rtcp.Marshal(pkts)
			if err != nil {
				return 0, nil, err
			} else if len(marshaled) > len(b) {
				return 0, nil, io.ErrShortBuffer
			}

			return copy(b, marshaled), attrs, nil
		},
	))
	mockStream.rtpWriter = i.BindLocalStream(
		info, interceptor.RTPWriterFunc(
			func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
				select {
				case mockStream.rtpOutModified <- &rtp.Packet{Header: *header, Payload: payload}:
				default:
				}

				return len(payload), nil
			},
		),
	)

	go func() {
		defer close(mockStream.done)

		buf := make([]byte, 1500)
		for {
			n, _, err := mockStream.rtcpReader.Read(buf, interceptor.Attributes{})
			if err != nil {
				if !errors.Is(err, io.EOF) {
					mockStream.rtcpInModified <- RTCPWithError{Err: err}
				}

				return
			}

			pkts, err := rtcp.Unmarshal(buf[:n])
			mockStream.rtcpInModified <- RTCPWithError{Packets: pkts, Err: err}
		}
	}()

	return mockStream
}

// WriteRTCP writes a batch of rtcp packet to the stream, using the interceptor.
func (s *MockStream) WriteRTCP(pkts []rtcp.Packet) error {
	_, err := s.rtcpWriter.Write(pkts, interceptor.Attributes{})

	return err
}

// WriteRTP writes an rtp packet to the stream, using the interceptor.
func (s *MockStream) WriteRTP(p *rtp.Packet) error {
	_, err := s.rtpWriter.Write(&p.Header, p.Payload, interceptor.Attributes{})

	return err
}

// ReceiveRTCP schedules a new rtcp batch, so it can be read by the stream.
func (s *MockStream) ReceiveRTCP(pkts []rtcp.Packet) {
	s.rtcpIn <- pkts
}

// WrittenRTCP returns a channel containing the rtcp batches written, modified by the interceptor.
func (s *MockStream) WrittenRTCP() chan []rtcp.Packet {
	return s.rtcpOutModified
}

// WrittenRTP returns a channel containing rtp packets written, modified by the interceptor.
func (s *MockStream) WrittenRTP() chan *rtp.Packet {
	return s.rtpOutModified
}

// ReadRTCP returns a channel containing the rtcp batched read, modified by the interceptor.
func (s *MockStream) ReadRTCP() chan RTCPWithError {
	return s.rtcpInModified
}

// Close closes the stream, waits for its reader and closes the interceptor.
func (s *MockStream) Close() error {
	close(s.rtcpIn)
	<-s.done

	return s.interceptor.Close()
}
