// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package statring

import (
	"math/rand"
	"testing"

	"github.com/pion/ratecontrol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shiftRing moves every element on each push, the way small histories used to
// be stored.
type shiftRing struct {
	val []int
	len int
}

func (s *shiftRing) update(v int) {
	copy(s.val[1:], s.val[:len(s.val)-1])
	s.val[0] = v
	if s.len < len(s.val) {
		s.len++
	}
}

func (s *shiftRing) sum() int64 {
	var sum int64
	for _, v := range s.val[:s.len] {
		sum += int64(v)
	}

	return sum
}

func TestNew(t *testing.T) {
	_, err := New(0, 1)
	assert.ErrorIs(t, err, ratecontrol.ErrAllocation)

	_, err = New(-3, 1)
	assert.ErrorIs(t, err, ratecontrol.ErrAllocation)

	r, err := New(5, 7)
	require.NoError(t, err)
	assert.Equal(t, 5, r.Size())
	assert.Equal(t, 5, r.Len())
	assert.Equal(t, int64(35), r.Sum())
	assert.Equal(t, 7, r.Mean())
}

func TestRingMatchesShiftModel(t *testing.T) {
	for _, size := range []int{1, 4, 8, 9, 16, 60} {
		r, err := New(size, 0)
		require.NoError(t, err)
		r.Clear()
		ref := &shiftRing{val: make([]int, size)}

		rng := rand.New(rand.NewSource(int64(size))) //nolint:gosec
		pushed := []int{}
		for n := 0; n < 3*size+5; n++ {
			v := rng.Intn(200_000) - 50_000
			r.Update(v)
			ref.update(v)
			pushed = append(pushed, v)

			var want int64
			for _, p := range pushed[max(0, len(pushed)-size):] {
				want += int64(p)
			}
			assert.Equal(t, want, r.Sum(), "size %d after %d pushes", size, n+1)
			assert.Equal(t, ref.sum(), r.Sum())
			assert.Equal(t, ref.len, r.Len())
			for idx := 0; idx < ref.len; idx++ {
				got, err := r.Previous(idx)
				require.NoError(t, err)
				assert.Equal(t, ref.val[idx], got)
			}
		}
	}
}

func TestMean(t *testing.T) {
	cases := []struct {
		name   string
		values []int
		mean   int
	}{
		{name: "empty", values: nil, mean: 0},
		{name: "exact", values: []int{10, 20, 30}, mean: 20},
		{name: "roundsUp", values: []int{1, 2}, mean: 2},
		{name: "roundsDown", values: []int{1, 1, 2}, mean: 1},
		{name: "negative", values: []int{-1, -2}, mean: -2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, err := New(4, 0)
			require.NoError(t, err)
			r.Clear()
			for _, v := range tc.values {
				r.Update(v)
			}
			assert.Equal(t, tc.mean, r.Mean())
		})
	}
}

func TestPreviousOutOfRange(t *testing.T) {
	r, err := New(3, 0)
	require.NoError(t, err)
	r.Clear()
	r.Update(4)

	_, err = r.Previous(1)
	assert.ErrorIs(t, err, ratecontrol.ErrInvalidArgument)
	_, err = r.Previous(-1)
	assert.ErrorIs(t, err, ratecontrol.ErrInvalidArgument)

	v, err := r.Previous(0)
	assert.NoError(t, err)
	assert.Equal(t, 4, v)
}

func TestReset(t *testing.T) {
	r, err := New(10, 0)
	require.NoError(t, err)
	for i := 1; i <= 13; i++ {
		r.Update(i)
	}
	r.Reset(3)
	assert.Equal(t, int64(30), r.Sum())
	for idx := 0; idx < r.Len(); idx++ {
		v, err := r.Previous(idx)
		require.NoError(t, err)
		assert.Equal(t, 3, v)
	}

	r.Update(13)
	assert.Equal(t, int64(40), r.Sum())
}

func TestSumWithRatio(t *testing.T) {
	r, err := New(6, 0)
	require.NoError(t, err)
	for _, v := range []int{100, 100, 100, 10, 20, 30} {
		r.Update(v)
	}

	cases := []struct {
		name       string
		n          int
		num, denom int
		want       int64
	}{
		{"newest only", 1, 1, 1, 30},
		{"halved", 2, 1, 2, 25},
		{"mean of three", 3, 1, 3, 20},
		{"percent", 3, 100, 60, 100},
		{"zero ratio", 3, 0, 1, 0},
		{"whole ring", 6, 1, 1, 360},
		{"n past length", 100, 1, 4, 90},
		{"negative n", -1, 1, 1, 0},
		{"no denominator", 3, 1, 0, 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, r.SumWithRatio(c.n, c.num, c.denom))
		})
	}
}

func TestSumWithRatioIgnoresOlderSamples(t *testing.T) {
	r, err := New(4, 0)
	require.NoError(t, err)
	for _, v := range []int{1000, 1000, 10, 20} {
		r.Update(v)
	}
	assert.Equal(t, int64(15), r.SumWithRatio(2, 1, 2))
}
