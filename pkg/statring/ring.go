// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package statring implements a fixed capacity history of integer samples with
// a running sum, used for per-frame bit statistics.
package statring

import (
	"fmt"

	"github.com/pion/ratecontrol"
)

// Ring keeps the most recent samples pushed into it. Sum, mean and history
// lookups are O(1); only SumWithRatio walks the stored values.
type Ring struct {
	size int
	len  int
	posW int
	posR int
	val  []int
	sum  int64
}

// New creates a Ring of the given size with every slot primed to fill.
func New(size, fill int) (*Ring, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: ring size %d", ratecontrol.ErrAllocation, size)
	}

	r := &Ring{
		size: size,
		len:  size,
		val:  make([]int, size),
	}
	r.Reset(fill)

	return r, nil
}

// Reset overwrites every valid slot with val.
func (r *Ring) Reset(val int) {
	for i := 0; i < r.len; i++ {
		r.val[(r.posR+i)%r.size] = val
	}
	r.sum = int64(val) * int64(r.len)
}

// Clear drops every sample.
func (r *Ring) Clear() {
	r.len = 0
	r.posR = r.posW
	r.sum = 0
}

// Update pushes val, evicting the oldest sample when the ring is full.
func (r *Ring) Update(val int) {
	if r.len == r.size {
		r.sum -= int64(r.val[r.posW])
		r.posR = (r.posR + 1) % r.size
	} else {
		r.len++
	}
	r.val[r.posW] = val
	r.sum += int64(val)
	r.posW = (r.posW + 1) % r.size
}

// Size returns the capacity.
func (r *Ring) Size() int {
	return r.size
}

// Len returns the number of valid samples.
func (r *Ring) Len() int {
	return r.len
}

// Sum returns the sum of all valid samples.
func (r *Ring) Sum() int64 {
	return r.sum
}

// Mean returns the average of the valid samples rounded to nearest, or 0 when
// the ring is empty.
func (r *Ring) Mean() int {
	if r.len == 0 {
		return 0
	}

	return int(divRound(r.sum, int64(r.len)))
}

// Previous returns the sample pushed idx updates ago, 0 being the latest.
func (r *Ring) Previous(idx int) (int, error) {
	if idx < 0 || idx >= r.len {
		return 0, fmt.Errorf("%w: index %d outside [0, %d)", ratecontrol.ErrInvalidArgument, idx, r.len)
	}

	return r.val[r.at(idx)], nil
}

// SumWithRatio returns the sum of the n most recent samples scaled by
// num/denom. A non-positive denom yields 0.
func (r *Ring) SumWithRatio(n int, num, denom int) int64 {
	n = max(0, min(n, r.len))
	if denom <= 0 {
		return 0
	}

	var recent int64
	for idx := 0; idx < n; idx++ {
		recent += int64(r.val[r.at(idx)])
	}

	return recent * int64(num) / int64(denom)
}

// at maps a history index to a slot, 0 being the latest write.
func (r *Ring) at(idx int) int {
	return ((r.posW-1-idx)%r.size + r.size) % r.size
}

func divRound(a, b int64) int64 {
	if (a < 0) != (b < 0) {
		return (a - b/2) / b
	}

	return (a + b/2) / b
}
