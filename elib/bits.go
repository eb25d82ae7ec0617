// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elib

import "math/bits"

// IsPow2 true for x a power of 2 (or zero)
func IsPow2(x Word) bool { return 0 == x&(x-1) }

// RoundPow2 rounds x up to a multiple of power of two p
func RoundPow2(x, p Word) Word { return (x + p - 1) &^ (p - 1) }

// MinLog2 is floor(log2(x)); x must be non-zero.
func MinLog2(x Word) uint { return WordBits - 1 - uint(bits.LeadingZeros64(uint64(x))) }

// MaxLog2 is ceil(log2(x)); x must be non-zero.
func MaxLog2(x Word) uint {
	l := MinLog2(x)
	if x > Word(1)<<l {
		l++
	}
	return l
}
