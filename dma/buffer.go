// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"

	"github.com/platinasystems/mcdma/elib"
	"github.com/platinasystems/mcdma/internal/dmamem"
	"github.com/platinasystems/mcdma/internal/dr"
	"github.com/platinasystems/mcdma/rdm"
	"github.com/platinasystems/mcdma/treesize"
)

type bufferState uint8

const (
	idle bufferState = iota
	// Linked on a session write list.
	staged
	// Owned by hardware.
	inflight
	// Completion is being processed.
	completing
)

var bufferStateStrings = [...]string{
	idle:       "idle",
	staged:     "staged",
	inflight:   "in flight",
	completing: "completing",
}

func (s bufferState) String() string { return elib.Stringer(bufferStateStrings[:], int(s)) }

// Buffer holds write records for one descriptor.
type Buffer struct {
	// Slot in pool arena.
	index uint
	tag   dr.Tag
	// Message id assigned by Acquire.
	id uint64

	chunk dmamem.Chunk
	data  []byte
	phys  uintptr

	// Bytes of data used by encoded records.
	used    uint
	entries uint
	width   dr.Width
	sub     uint

	state     bufferState
	mapped    bool
	submitted bool
	// Carries the session's deferred effects.
	authoritative bool

	// Write list linkage.
	list       *List
	prev, next *Buffer

	updates []treesize.Update
	frees   []rdm.Address
}

func (b *Buffer) Tag() dr.Tag         { return b.tag }
func (b *Buffer) ID() uint64          { return b.id }
func (b *Buffer) Width() dr.Width     { return b.width }
func (b *Buffer) Entries() uint       { return b.entries }
func (b *Buffer) Used() uint          { return b.used }
func (b *Buffer) Subdevice() uint     { return b.sub }
func (b *Buffer) Bytes() []byte       { return b.data[:b.used] }
func (b *Buffer) Submitted() bool     { return b.submitted }
func (b *Buffer) Authoritative() bool { return b.authoritative }

func (b *Buffer) Updates() []treesize.Update {
	return append([]treesize.Update(nil), b.updates...)
}

func (b *Buffer) Frees() []rdm.Address {
	return append([]rdm.Address(nil), b.frees...)
}

func (b *Buffer) hasEffects() bool { return len(b.updates) > 0 || len(b.frees) > 0 }

// room reports whether another record of width w fits.
func (b *Buffer) room(w dr.Width) bool {
	return b.used+w.RecordBytes() <= uint(len(b.data))
}

func (b *Buffer) append(w dr.Width, addr uint32, hi, lo uint64) {
	if w != b.width {
		panic(fmt.Errorf("buffer %s: %s record in %s buffer", b.tag, w, b.width))
	}
	b.used += encode(b.data[b.used:], w, addr, hi, lo)
	b.entries++
}

func (b *Buffer) descriptor() dr.Descriptor {
	return dr.Descriptor{
		Address: b.phys,
		Bytes:   b.used,
		Entries: b.entries,
		Width:   b.width,
		Tag:     b.tag,
	}
}

func (b *Buffer) String() string {
	return fmt.Sprintf("%s id %d %s sub %d entries %d bytes %d %s",
		b.tag, b.id, b.width, b.sub, b.entries, b.used, b.state)
}
