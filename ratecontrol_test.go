// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ratecontrol

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFrameTypeString(t *testing.T) {
	cases := []struct {
		typ  FrameType
		want string
	}{
		{FrameUnknown, "unknown"},
		{FrameIntra, "intra"},
		{FrameInter, "inter"},
		{FrameType(7), "invalid frame type: 7"},
	}
	for _, c := range cases {
		t.Run(c.want, func(t *testing.T) {
			assert.Equal(t, c.want, c.typ.String())
		})
	}
}

func TestGopModeString(t *testing.T) {
	assert.Equal(t, "normal-p", GopModeNormalP.String())
	assert.Equal(t, "smart-p", GopModeSmartP.String())
	assert.Equal(t, "invalid gop mode: -1", GopMode(-1).String())
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	for _, sentinel := range []error{ErrAllocation, ErrInvalidArgument, ErrInvalidState, ErrNotFound} {
		err := fmt.Errorf("%w: frame %d", sentinel, 3)
		assert.ErrorIs(t, err, sentinel)
		for _, other := range []error{ErrAllocation, ErrInvalidArgument, ErrInvalidState, ErrNotFound} {
			if !errors.Is(other, sentinel) {
				assert.NotErrorIs(t, err, other)
			}
		}
	}
}
