// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dr describes the hardware collaborators of the multicast DMA
// driver: descriptor rings, register access and the RDM change engine.
package dr

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/platinasystems/mcdma/elib"
)

// Width is the entry width class of a write.
type Width uint8

const (
	Narrow Width = iota // 32 bit register
	Medium              // 64 bit register
	Wide                // 128 bit memory
	NWidth
)

var widthStrings = [...]string{
	Narrow: "narrow",
	Medium: "medium",
	Wide:   "wide",
}

func (w Width) String() string { return elib.Stringer(widthStrings[:], int(w)) }

// Bytes of data carried by one write of this width.
func (w Width) Bytes() uint { return 4 << w }

// RecordBytes is the encoded size of one write record in a DMA buffer:
// 32 bit word address followed by 64 or 128 bits of data.
func (w Width) RecordBytes() uint {
	if w == Wide {
		return 4 + 16
	}
	return 4 + 8
}

// Tag correlates a hardware completion with the buffer that was pushed.
// Low OwnerBits identify the subsystem; the rest is the buffer index.
type Tag uint32

const (
	OwnerBits = 4
	ownerMask = 1<<OwnerBits - 1

	// Owner id of multicast write list buffers.
	OwnerMcast = 0x3
)

func MakeTag(owner, index uint) Tag { return Tag(index<<OwnerBits | owner&ownerMask) }

func (t Tag) Owner() uint { return uint(t & ownerMask) }
func (t Tag) Index() uint { return uint(t >> OwnerBits) }

func (t Tag) String() string { return fmt.Sprintf("%d.%d", t.Owner(), t.Index()) }

// Descriptor is one transmit ring entry.
type Descriptor struct {
	// Device address of buffer.
	Address uintptr
	// Number of valid bytes in buffer.
	Bytes uint
	// Number of encoded write records.
	Entries uint
	Width   Width
	Tag     Tag
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("tag %s addr 0x%x bytes %d entries %d %s",
		d.Tag, d.Address, d.Bytes, d.Entries, d.Width)
}

// Completion is one entry read from a completion ring.
type Completion struct {
	Tag Tag
	// Non-zero for hardware errors.
	Status uint32
}

// ErrRingFull is returned by Push when the transmit ring has no free slots.
// It is the only push error that may be retried.
var ErrRingFull = errors.New("descriptor ring full")

// Ring is the descriptor ring pair of one device; sub selects the subdevice.
type Ring interface {
	// Push queues d on the transmit ring.  Hardware does not see it until Start.
	Push(sub uint, d Descriptor) error
	// Service reads up to max completions (max <= 0 for all) calling fn for
	// each and returns the number read.
	Service(sub uint, max int, fn func(c Completion)) int
	// Start publishes pushed descriptors to hardware.
	Start(sub uint) error
}

// Regs is direct register access.
type Regs interface {
	Read32(addr uint32) (uint32, error)
	Write32(addr uint32, v uint32) error
}

// Changer requests and observes RDM changes: hardware switching to the
// replication structure most recently written for a pipe.  ChangeDone
// returns true once per acknowledged request; later calls return false
// until the next request is acknowledged.
type Changer interface {
	RequestChange(pipe uint) error
	ChangeDone(pipe uint) (bool, error)
}
