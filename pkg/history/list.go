// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package history keeps the per-frame parameter records of an encoding
// stream, ordered by frame count.
package history

import (
	"fmt"
	"sort"

	"github.com/gammazero/deque"
	"github.com/pion/ratecontrol"
)

// List is an ordered set of records keyed by frame count. Records are
// normally appended in encode order; out of order keys are inserted in
// place. List is not safe for concurrent use.
type List struct {
	records deque.Deque[*Record]
}

// NewList returns an empty list.
func NewList() *List {
	return &List{}
}

// search returns the position of frmCnt, or where it would be inserted.
func (l *List) search(frmCnt int) (int, bool) {
	n := l.records.Len()
	idx := sort.Search(n, func(i int) bool {
		return l.records.At(i).FrmCnt >= frmCnt
	})

	return idx, idx < n && l.records.At(idx).FrmCnt == frmCnt
}

// Upsert applies fn to the record of frmCnt, creating it first when missing.
// It reports whether the record was created.
func (l *List) Upsert(frmCnt int, fn func(*Record)) (*Record, bool) {
	if back := l.Back(); back == nil || back.FrmCnt < frmCnt {
		rec := &Record{FrmCnt: frmCnt}
		l.records.PushBack(rec)
		fn(rec)

		return rec, true
	}

	idx, ok := l.search(frmCnt)
	if ok {
		rec := l.records.At(idx)
		fn(rec)

		return rec, false
	}
	rec := &Record{FrmCnt: frmCnt}
	l.records.Insert(idx, rec)
	fn(rec)

	return rec, true
}

// Query returns the record of frmCnt.
func (l *List) Query(frmCnt int) (*Record, error) {
	idx, ok := l.search(frmCnt)
	if !ok {
		return nil, fmt.Errorf("%w: frame %d", ratecontrol.ErrNotFound, frmCnt)
	}

	return l.records.At(idx), nil
}

// Before returns the newest record older than frmCnt, or nil.
func (l *List) Before(frmCnt int) *Record {
	idx, _ := l.search(frmCnt)
	if idx == 0 {
		return nil
	}

	return l.records.At(idx - 1)
}

// Delete removes the record of frmCnt.
func (l *List) Delete(frmCnt int) error {
	idx, ok := l.search(frmCnt)
	if !ok {
		return fmt.Errorf("%w: frame %d", ratecontrol.ErrNotFound, frmCnt)
	}
	l.records.Remove(idx)

	return nil
}

// DeleteRange removes every record with lo <= FrmCnt <= hi and returns how
// many were removed.
func (l *List) DeleteRange(lo, hi int) int {
	if lo > hi {
		return 0
	}
	start, _ := l.search(lo)
	removed := 0
	for start < l.records.Len() && l.records.At(start).FrmCnt <= hi {
		l.records.Remove(start)
		removed++
	}

	return removed
}

// PruneBefore drops the records older than frmCnt.
func (l *List) PruneBefore(frmCnt int) int {
	removed := 0
	for l.records.Len() > 0 && l.records.Front().FrmCnt < frmCnt {
		l.records.PopFront()
		removed++
	}

	return removed
}

// Len returns the number of records.
func (l *List) Len() int {
	return l.records.Len()
}

// Back returns the newest record, or nil when the list is empty.
func (l *List) Back() *Record {
	if l.records.Len() == 0 {
		return nil
	}

	return l.records.Back()
}

// Walk calls fn for each record from the newest to the oldest until fn
// returns false.
func (l *List) Walk(fn func(*Record) bool) {
	for i := l.records.Len() - 1; i >= 0; i-- {
		if !fn(l.records.At(i)) {
			return
		}
	}
}

// Clear removes every record.
func (l *List) Clear() {
	l.records.Clear()
}
