// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rdm

import (
	"fmt"

	"github.com/platinasystems/mcdma/elib"
)

// buddy is a power of two allocator over the words of one block.
// Allocation is lowest address first.
type buddy struct {
	log2Words uint
	// free[o] bit i set means words [i<<o, (i+1)<<o) are a free chunk of order o.
	free  []elib.Bitmap
	nFree []uint
	// 1 + order of allocation starting at each word; zero if none.
	order []uint8
	used  uint
}

func (b *buddy) init(log2Words uint) {
	b.log2Words = log2Words
	b.free = make([]elib.Bitmap, log2Words+1)
	b.nFree = make([]uint, log2Words+1)
	for o := range b.free {
		b.free[o] = elib.NewBitmap(1 << (log2Words - uint(o)))
	}
	b.order = make([]uint8, 1<<log2Words)
	b.reset()
}

func (b *buddy) reset() {
	for o := range b.free {
		b.free[o].Reset()
		b.nFree[o] = 0
	}
	for i := range b.order {
		b.order[i] = 0
	}
	b.used = 0
	b.free[b.log2Words].Set(0)
	b.nFree[b.log2Words] = 1
}

func (b *buddy) words() uint  { return 1 << b.log2Words }
func (b *buddy) empty() bool  { return b.used == 0 }
func (b *buddy) isFull() bool { return b.used == b.words() }

// alloc returns offset of a free chunk of 1<<order words.
func (b *buddy) alloc(order uint) (offset uint, ok bool) {
	o := order
	for o <= b.log2Words && b.nFree[o] == 0 {
		o++
	}
	if o > b.log2Words {
		return
	}
	i := ^uint(0)
	b.free[o].Next(&i)
	b.free[o].Unset(i)
	b.nFree[o]--

	// Split, keeping lower half and freeing upper.
	for o > order {
		o--
		i <<= 1
		b.free[o].Set(i + 1)
		b.nFree[o]++
	}
	offset = i << order
	b.order[offset] = uint8(order + 1)
	b.used += 1 << order
	ok = true
	return
}

// size returns words allocated at offset; zero if offset is not the start of an allocation.
func (b *buddy) size(offset uint) uint {
	if offset >= uint(len(b.order)) || b.order[offset] == 0 {
		return 0
	}
	return 1 << (b.order[offset] - 1)
}

func (b *buddy) freeOffset(offset uint) {
	if b.size(offset) == 0 {
		panic(fmt.Errorf("rdm buddy: free of unallocated offset %d", offset))
	}
	o := uint(b.order[offset] - 1)
	b.order[offset] = 0
	b.used -= 1 << o

	// Coalesce with free buddies.
	i := offset >> o
	for o < b.log2Words {
		bud := i ^ 1
		if !b.free[o].Get(bud) {
			break
		}
		b.free[o].Unset(bud)
		b.nFree[o]--
		i >>= 1
		o++
	}
	b.free[o].Set(i)
	b.nFree[o]++
}
