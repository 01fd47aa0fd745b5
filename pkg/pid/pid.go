// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package pid implements the discrete PID controller rate control uses to turn
// a series of target-minus-actual bit errors into a bit correction.
package pid

// Controller is a discrete proportional-integral-derivative controller with
// integer gains. Calc returns (coefP*p + coefI*i + coefD*d) / div.
//
// The controller keeps returning corrections while it ramps up, but they are
// only representative once len samples have been seen; see Engaged.
type Controller struct {
	p int
	i int
	d int

	coefP int
	coefI int
	coefD int
	div   int
	len   int
	count int
}

// New returns a controller configured with SetParam.
func New(coefP, coefI, coefD, div, length int) *Controller {
	c := &Controller{}
	c.SetParam(coefP, coefI, coefD, div, length)

	return c
}

// SetParam sets the gains and the engagement window. It does not touch the
// accumulated terms.
func (c *Controller) SetParam(coefP, coefI, coefD, div, length int) {
	c.coefP = coefP
	c.coefI = coefI
	c.coefD = coefD
	c.div = div
	c.len = max(length, 1)
}

// Reset zeroes the accumulated terms.
func (c *Controller) Reset() {
	c.p = 0
	c.i = 0
	c.d = 0
	c.count = 0
}

// Update folds a new error sample into the controller. Once the window is
// full the integral leaks 1/len per sample, which keeps |i| <= len*max|val|.
func (c *Controller) Update(val int) {
	c.d = val - c.p
	c.p = val

	if c.count < c.len {
		c.i += val
		c.count++

		return
	}
	c.i += val - c.i/c.len
}

// Calc returns the correction for the current state.
func (c *Controller) Calc() int {
	if c.div == 0 {
		return 0
	}
	a := int64(c.coefP)*int64(c.p) + int64(c.coefI)*int64(c.i) + int64(c.coefD)*int64(c.d)

	return int(a / int64(c.div))
}

// Engaged reports whether the controller has seen a full window of samples.
func (c *Controller) Engaged() bool {
	return c.count >= c.len
}

// Terms returns the proportional, integral and derivative terms.
func (c *Controller) Terms() (p, i, d int) {
	return c.p, c.i, c.d
}
