// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

package ratecontrol

import "errors"

var (
	// ErrAllocation is returned when a buffer could not be set up. The owning
	// object is unusable afterwards.
	ErrAllocation = errors.New("allocation failed")
	// ErrInvalidArgument is returned for non-positive sizes, nil required
	// values and out-of-range lookups.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidState is returned when an operation runs before the required
	// initialization or configuration.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound is returned when no history record matches a frame count.
	ErrNotFound = errors.New("record not found")
)
