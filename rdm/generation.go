// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package rdm

import (
	"github.com/platinasystems/mcdma/elib"
)

type generation uint8

const (
	// Freed since the last epoch advance.
	queued generation = iota
	// Freed before the last advance; reusable after the next one.
	waiting
)

var generationStrings = [...]string{
	queued:  "queued",
	waiting: "waiting",
}

func (g generation) String() string { return elib.Stringer(generationStrings[:], int(g)) }

// generations holds the two deferred free generations of a block.
// Offsets only move between generations in advance.
type generations struct {
	bits [2]elib.Bitmap
	// Index into bits of the queued generation.
	q uint8
}

func (g *generations) init(n uint) {
	g.bits[0] = elib.NewBitmap(n)
	g.bits[1] = elib.NewBitmap(n)
	g.q = 0
}

func (g *generations) index(x generation) uint8 {
	if x == queued {
		return g.q
	}
	return g.q ^ 1
}

func (g *generations) get(x generation) elib.Bitmap { return g.bits[g.index(x)] }

// add queues offset; false if offset is already in either generation.
func (g *generations) add(offset uint) bool {
	if g.has(offset) {
		return false
	}
	g.bits[g.q].Set(offset)
	return true
}

func (g *generations) has(offset uint) bool {
	return g.bits[0].Get(offset) || g.bits[1].Get(offset)
}

// drop removes offset from both generations.
func (g *generations) drop(offset uint) {
	g.bits[0].Unset(offset)
	g.bits[1].Unset(offset)
}

func (g *generations) len(x generation) uint { return g.get(x).Count() }

func (g *generations) empty() bool { return g.bits[0].IsZero() && g.bits[1].IsZero() }

// advance retires the waiting generation calling fn for each offset, then
// makes queued the new waiting generation and starts an empty queued one.
func (g *generations) advance(fn func(offset uint)) {
	w := g.index(waiting)
	g.bits[w].ForeachSetBit(fn)
	g.bits[w].Reset()
	g.q = w
}
