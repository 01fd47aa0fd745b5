// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package linreg implements the windowed weighted least squares model that
// relates a frame's complexity proxy x to the bits it produced:
//
//	bits ≈ a*x + b*x*x
//
// Every sample carries a weight r, so the fit minimizes
// Σ r*(bits - a*x - b*x*x)². The weight is normally derived from how far the
// frame's QP was from the reference QP, see Weight.
package linreg

import (
	"fmt"
	"math"

	"github.com/pion/ratecontrol"
)

const singularTolerance = 1e-9

// WeightMode selects how a sample's QP distance discounts its weight.
type WeightMode int

const (
	// WeightFlat gives every sample the same weight.
	WeightFlat WeightMode = iota
	// WeightLinear drops the weight by 2 per QP of distance.
	WeightLinear
	// WeightHalving halves the weight every 3 QP of distance.
	WeightHalving
)

const maxWeight = 16

// Weight returns the sample weight for a frame encoded at qp when the
// reference is refQP. The result is in [1, 16].
func Weight(mode WeightMode, qp, refQP int) int {
	dist := qp - refQP
	if dist < 0 {
		dist = -dist
	}

	switch mode {
	case WeightLinear:
		return max(1, maxWeight-2*dist)
	case WeightHalving:
		if dist/3 >= 5 {
			return 1
		}

		return max(1, maxWeight>>(dist/3))
	default:
		return maxWeight
	}
}

// Model is a circular window of (x, r, bits) samples and the coefficients
// fitted over it. The sample arrays are kept in lock-step: x[k], r[k], y[k]
// and bits[k] always describe the same sample.
type Model struct {
	size int
	n    int
	i    int

	a float64
	b float64
	// c is the weighted mean squared residual of the last fit.
	c float64

	x    []int
	r    []int
	y    []int64
	bits []int64

	weightMode WeightMode
}

// New allocates a model holding up to size samples.
func New(size int, mode WeightMode) (*Model, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: model size %d", ratecontrol.ErrAllocation, size)
	}

	return &Model{
		size:       size,
		x:          make([]int, size),
		r:          make([]int, size),
		y:          make([]int64, size),
		bits:       make([]int64, size),
		weightMode: mode,
	}, nil
}

// WeightMode returns the mode the owner uses to derive sample weights.
func (m *Model) WeightMode() WeightMode {
	return m.weightMode
}

// Size returns the window capacity.
func (m *Model) Size() int {
	return m.size
}

// Len returns the number of samples in the window.
func (m *Model) Len() int {
	return m.n
}

// Coefficients returns the fitted a, b and the residual c.
func (m *Model) Coefficients() (a, b, c float64) {
	return m.a, m.b, m.c
}

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	c := *m
	c.x = append([]int(nil), m.x...)
	c.r = append([]int(nil), m.r...)
	c.y = append([]int64(nil), m.y...)
	c.bits = append([]int64(nil), m.bits...)

	return &c
}

// Update stores a sample, evicting the oldest one when the window is full,
// and refits the model. A degenerate window keeps the previous coefficients.
func (m *Model) Update(x, r, bits int) {
	m.x[m.i] = x
	m.r[m.i] = r
	m.y[m.i] = int64(x) * int64(x) * int64(r)
	m.bits[m.i] = int64(bits)

	m.i = (m.i + 1) % m.size
	if m.n < m.size {
		m.n++
	}

	m.fit()
}

func (m *Model) fit() {
	var sw, s2, s3, s4, s1b, s2b float64
	for k := 0; k < m.n; k++ {
		w := float64(m.r[k])
		x := float64(m.x[k])
		bits := float64(m.bits[k])
		xxr := float64(m.y[k])

		sw += w
		s2 += xxr
		s3 += xxr * x
		s4 += xxr * x * x
		s1b += w * x * bits
		s2b += xxr * bits
	}
	if sw <= singularTolerance || s2 <= singularTolerance {
		return
	}

	a, b := s1b/s2, 0.0
	if det := s2*s4 - s3*s3; math.Abs(det) > singularTolerance*s2*s4 {
		a = (s1b*s4 - s2b*s3) / det
		b = (s2*s2b - s3*s1b) / det
	}
	if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
		return
	}
	m.a, m.b = a, b

	var res float64
	for k := 0; k < m.n; k++ {
		e := float64(m.bits[k]) - m.eval(float64(m.x[k]))
		res += float64(m.r[k]) * e * e
	}
	m.c = res / sw
}

func (m *Model) eval(x float64) float64 {
	return m.a*x + m.b*x*x
}

// PredictBits evaluates the fitted curve at x.
func (m *Model) PredictBits(x int) int {
	return int(math.Round(m.eval(float64(x))))
}

// PredictX inverts the fit: it returns the x that is expected to produce bits.
// When both roots of the quadratic are positive the one closest to prevX is
// returned. ok is false when the model has no positive solution.
func (m *Model) PredictX(bits int, prevX int) (x int, ok bool) {
	target := float64(bits)

	if math.Abs(m.b) < singularTolerance {
		if m.a <= 0 {
			return 0, false
		}
		root := target / m.a
		if root <= 0 {
			return 0, false
		}

		return int(math.Round(root)), true
	}

	disc := m.a*m.a + 4*m.b*target
	if disc < 0 {
		return 0, false
	}
	// b*x² + a*x - bits = 0, solved without cancellation between a and sq.
	q := -0.5 * (m.a + math.Copysign(math.Sqrt(disc), m.a))
	roots := []float64{q / m.b}
	if q != 0 {
		roots = append(roots, -target/q)
	}

	best, found := 0.0, false
	for _, root := range roots {
		if root <= 0 {
			continue
		}
		if !found || math.Abs(root-float64(prevX)) < math.Abs(best-float64(prevX)) {
			best, found = root, true
		}
	}
	if !found {
		return 0, false
	}

	return int(math.Round(best)), true
}
