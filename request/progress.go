// Copyright 2024 The flight Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package request

// Progress counts units of transfer work. Total is zero when the
// expected amount is unknown, for example a response without a
// Content-Length header.
type Progress struct {
	Total     int64
	Completed int64
}

// Fraction reports completion as a value in [0, 1], or 0 when the total
// is unknown.
func (p Progress) Fraction() float64 {
	if p.Total <= 0 {
		return 0
	}
	f := float64(p.Completed) / float64(p.Total)
	if f > 1 {
		return 1
	}
	return f
}
