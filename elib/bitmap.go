// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elib is a collection of small data structures: bitmaps, pools and
// bit twiddling helpers.
package elib

import (
	"fmt"
	"math/bits"
)

// Bitmap is a set of small non-negative integers stored one bit per member.
// The zero value is an empty set; Set grows the bitmap as needed.
type Bitmap []Word

// NewBitmap returns an empty bitmap with room for n bits.
func NewBitmap(n uint) Bitmap {
	i, _ := bitmapIndex(n + WordBits - 1)
	return make(Bitmap, i)
}

// index gives word index and mask for given bit index
func bitmapIndex(x uint) (i uint, m Word) {
	i = x / WordBits
	m = 1 << (x % WordBits)
	return
}

func (b Bitmap) Get(x uint) bool {
	i, m := bitmapIndex(x)
	// Out of range bits are always zero.
	if i >= uint(len(b)) {
		return false
	}
	return b[i]&m != 0
}

// Set sets bit x and returns its previous value.
func (b *Bitmap) Set(x uint) (old bool) {
	i, m := bitmapIndex(x)
	if i >= uint(len(*b)) {
		n := make(Bitmap, i+1)
		copy(n, *b)
		*b = n
	}
	v := (*b)[i]
	old = v&m != 0
	(*b)[i] = v | m
	return
}

// Unset clears bit x and returns its previous value.
func (b Bitmap) Unset(x uint) (old bool) {
	i, m := bitmapIndex(x)
	if i >= uint(len(b)) {
		return
	}
	v := b[i]
	old = v&m != 0
	b[i] = v &^ m
	return
}

// Count returns number of set bits.
func (b Bitmap) Count() (n uint) {
	for _, w := range b {
		n += uint(bits.OnesCount64(uint64(w)))
	}
	return
}

func (b Bitmap) IsZero() bool {
	for _, w := range b {
		if w != 0 {
			return false
		}
	}
	return true
}

// Reset clears all bits keeping capacity.
func (b Bitmap) Reset() {
	for i := range b {
		b[i] = 0
	}
}

// Next advances *x to the next set bit after *x.
// Start iteration with *x = ^uint(0).
func (b Bitmap) Next(x *uint) bool {
	start := *x + 1
	i, _ := bitmapIndex(start)
	for ; i < uint(len(b)); i++ {
		w := b[i]
		if i == start/WordBits {
			w &^= (Word(1) << (start % WordBits)) - 1
		}
		if w != 0 {
			*x = i*WordBits + uint(bits.TrailingZeros64(uint64(w)))
			return true
		}
	}
	return false
}

// ForeachSetBit calls fn for every set bit in increasing order.
func (b Bitmap) ForeachSetBit(fn func(x uint)) {
	for x := ^uint(0); b.Next(&x); {
		fn(x)
	}
}

func (b Bitmap) String() (s string) {
	s = "{"
	n := 0
	b.ForeachSetBit(func(x uint) {
		if n > 0 {
			s += ", "
		}
		s += fmt.Sprintf("%d", x)
		n++
	})
	s += "}"
	return
}
