// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package pid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProportionalOnly(t *testing.T) {
	c := New(3, 0, 0, 4, 10)
	for _, e := range []int{100, -40, 7, 0, 1_000_000} {
		c.Update(e)
		assert.Equal(t, e*3/4, c.Calc())
	}
}

func TestIntegralIsBounded(t *testing.T) {
	cases := []struct {
		name   string
		length int
		value  int
	}{
		{name: "positive", length: 5, value: 1000},
		{name: "negative", length: 7, value: -333},
		{name: "unitWindow", length: 1, value: 42},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := New(0, 1, 0, 1, tc.length)
			for n := 0; n < 50*tc.length; n++ {
				c.Update(tc.value)
				_, i, _ := c.Terms()
				assert.LessOrEqual(t, abs(i), tc.length*abs(tc.value))
			}
			assert.True(t, c.Engaged())
			assert.Equal(t, tc.length*tc.value, c.Calc())
		})
	}
}

func TestIntegralAlternatingBounded(t *testing.T) {
	c := New(0, 1, 0, 1, 4)
	for n := 0; n < 200; n++ {
		v := 500
		if n%3 == 0 {
			v = -900
		}
		c.Update(v)
		_, i, _ := c.Terms()
		assert.LessOrEqual(t, abs(i), 4*900)
	}
}

func TestDerivative(t *testing.T) {
	c := New(0, 0, 2, 1, 3)
	c.Update(10)
	assert.Equal(t, 20, c.Calc())
	c.Update(4)
	assert.Equal(t, -12, c.Calc())
}

func TestRampUp(t *testing.T) {
	c := New(1, 1, 1, 1, 3)
	assert.False(t, c.Engaged())
	c.Update(1)
	c.Update(1)
	assert.False(t, c.Engaged())
	assert.NotZero(t, c.Calc())
	c.Update(1)
	assert.True(t, c.Engaged())

	c.Reset()
	assert.False(t, c.Engaged())
	assert.Zero(t, c.Calc())
}

func TestZeroDivisor(t *testing.T) {
	c := New(1, 1, 1, 0, 3)
	c.Update(100)
	assert.Zero(t, c.Calc())
}

func abs(v int) int {
	if v < 0 {
		return -v
	}

	return v
}
