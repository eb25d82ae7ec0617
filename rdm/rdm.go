// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package rdm allocates replication data memory (RDM) for multicast trees.
//
// RDM is divided into fixed size blocks.  A block is owned by one pipe and
// one node class at a time and is sub-allocated in power of two chunks.
// Freed addresses are not reusable until hardware has acknowledged two RDM
// changes for the owning pipe: hardware may still be reading the old tree
// when the first change is requested.
package rdm

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"github.com/platinasystems/log"

	"github.com/platinasystems/mcdma/elib"
	"github.com/platinasystems/mcdma/internal/dr"
	"github.com/platinasystems/mcdma/treesize"
)

// Address is an RDM word address.
type Address uint32

func (a Address) String() string { return fmt.Sprintf("0x%05x", uint32(a)) }

// Class of tree node.
type Class uint8

const (
	// First level: per group fan out.
	L1 Class = iota
	// Second level: port and lag membership.
	L2
	NClass
)

var classStrings = [...]string{
	L1: "l1",
	L2: "l2",
}

func (c Class) String() string { return elib.Stringer(classStrings[:], int(c)) }

var (
	ErrNoBlocks     = errors.New("rdm: no free blocks")
	ErrNotAllocated = errors.New("rdm: address not allocated")
	ErrAlreadyFreed = errors.New("rdm: address already freed")
	ErrBadSize      = errors.New("rdm: size must be a power of two no larger than a block")
	ErrBadAddress   = errors.New("rdm: address out of range")
)

type Config struct {
	// First word of RDM.
	Base Address
	// Number of blocks and words per block (power of two).
	Blocks, BlockWords uint
	Pipes              uint
	// Register address of the block to pipe shadow table; one 32 bit
	// register per block.
	ShadowBase uint32
}

// Shadow register value of an owned block.
const shadowValid = 1 << 31

func shadowValue(pipe uint, c Class) uint32 { return shadowValid | uint32(c)<<8 | uint32(pipe) }

type block struct {
	owned bool
	pipe  uint
	class Class
	sub   buddy
	gens  generations
}

type pipe struct {
	// Indices of blocks owned by this pipe by class in claim order.
	blocks [NClass][]uint
	// Ready tree length updates waiting for an RDM change acknowledgment.
	updates *queue.Queue
	// Number of updates covered by the outstanding change request.
	covered int
	epochs  uint64
}

// Allocator manages the RDM of one device.
type Allocator struct {
	cfg      Config
	log2Size uint
	regs     dr.Regs

	// Guards all of the following; never held across register access.
	mu     sync.Mutex
	blocks []block
	free   elib.Pool
	pipes  []pipe
}

func New(cfg Config, regs dr.Regs) (a *Allocator, err error) {
	if cfg.Blocks == 0 || cfg.BlockWords == 0 || !elib.IsPow2(elib.Word(cfg.BlockWords)) {
		err = fmt.Errorf("rdm: invalid geometry %d blocks of %d words", cfg.Blocks, cfg.BlockWords)
		return
	}
	if cfg.Pipes == 0 {
		err = fmt.Errorf("rdm: no pipes")
		return
	}
	a = &Allocator{
		cfg:      cfg,
		log2Size: elib.MinLog2(elib.Word(cfg.BlockWords)),
		regs:     regs,
		blocks:   make([]block, cfg.Blocks),
		pipes:    make([]pipe, cfg.Pipes),
	}
	for i := range a.pipes {
		a.pipes[i].updates = queue.New()
	}
	a.free.PutRange(cfg.Blocks)
	return
}

func (a *Allocator) Config() Config { return a.cfg }

func (a *Allocator) locate(x Address) (bi, offset uint, err error) {
	if x < a.cfg.Base {
		err = errors.Wrapf(ErrBadAddress, "%s", x)
		return
	}
	o := uint(x - a.cfg.Base)
	bi, offset = o>>a.log2Size, o&(a.cfg.BlockWords-1)
	if bi >= a.cfg.Blocks {
		err = errors.Wrapf(ErrBadAddress, "%s", x)
	}
	return
}

func (a *Allocator) address(bi, offset uint) Address {
	return a.cfg.Base + Address(bi<<a.log2Size+offset)
}

func (a *Allocator) checkPipe(p uint) {
	if p >= a.cfg.Pipes {
		panic(fmt.Errorf("rdm: pipe %d out of range %d", p, a.cfg.Pipes))
	}
}

func (a *Allocator) writeShadow(bi uint, v uint32) error {
	if a.regs == nil {
		return nil
	}
	err := a.regs.Write32(a.cfg.ShadowBase+4*uint32(bi), v)
	return errors.Wrapf(err, "rdm: block %d shadow write", bi)
}

// Allocate returns size words for a node of class c on pipe p.
func (a *Allocator) Allocate(p uint, c Class, size uint) (x Address, err error) {
	a.checkPipe(p)
	if size == 0 || size > a.cfg.BlockWords || !elib.IsPow2(elib.Word(size)) {
		err = errors.Wrapf(ErrBadSize, "size %d", size)
		return
	}
	order := elib.MinLog2(elib.Word(size))

	a.mu.Lock()
	for _, bi := range a.pipes[p].blocks[c] {
		if o, ok := a.blocks[bi].sub.alloc(order); ok {
			x = a.address(bi, o)
			a.mu.Unlock()
			return
		}
	}

	// Reserve a free block; it is not used until its shadow register is written.
	bi := a.free.GetIndex(a.cfg.Blocks)
	a.mu.Unlock()
	if bi >= a.cfg.Blocks {
		err = errors.Wrapf(ErrNoBlocks, "pipe %d %s", p, c)
		return
	}
	if err = a.writeShadow(bi, shadowValue(p, c)); err != nil {
		a.mu.Lock()
		a.free.PutIndex(bi)
		a.mu.Unlock()
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	b := &a.blocks[bi]
	if b.sub.free == nil {
		b.sub.init(a.log2Size)
		b.gens.init(a.cfg.BlockWords)
	} else {
		b.sub.reset()
	}
	b.owned, b.pipe, b.class = true, p, c
	a.pipes[p].blocks[c] = append(a.pipes[p].blocks[c], bi)
	o, _ := b.sub.alloc(order)
	x = a.address(bi, o)
	return
}

// release disowns an empty block; caller holds lock and must unclaim it.
func (a *Allocator) release(bi uint) {
	b := &a.blocks[bi]
	if !b.owned || !b.sub.empty() || !b.gens.empty() {
		panic(fmt.Errorf("rdm: release of busy block %d", bi))
	}
	p := &a.pipes[b.pipe]
	l := p.blocks[b.class]
	for i := range l {
		if l[i] == bi {
			p.blocks[b.class] = append(l[:i], l[i+1:]...)
			break
		}
	}
	b.owned = false
}

// unclaim clears shadow registers of released blocks and returns them to
// the free pool.
func (a *Allocator) unclaim(bis []uint) (err error) {
	for _, bi := range bis {
		if x := a.writeShadow(bi, 0); x != nil && err == nil {
			err = x
		}
	}
	a.mu.Lock()
	for _, bi := range bis {
		a.free.PutIndex(bi)
	}
	a.mu.Unlock()
	return
}

func (a *Allocator) allocated(x Address) (b *block, offset uint, err error) {
	var bi uint
	if bi, offset, err = a.locate(x); err != nil {
		return
	}
	b = &a.blocks[bi]
	if !b.owned || b.sub.size(offset) == 0 {
		err = errors.Wrapf(ErrNotAllocated, "%s", x)
	}
	return
}

// Free queues x for reuse after two acknowledged RDM changes of its pipe
// and returns the pipe.
func (a *Allocator) Free(x Address) (p uint, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, offset, err := a.allocated(x)
	if err != nil {
		return
	}
	p = b.pipe
	if !b.gens.add(offset) {
		err = errors.Wrapf(ErrAlreadyFreed, "%s", x)
	}
	return
}

// FreeNow returns x to its block immediately.
// Only valid when hardware is known not to be reading RDM.
func (a *Allocator) FreeNow(x Address) (err error) {
	a.mu.Lock()
	b, offset, err := a.allocated(x)
	if err != nil {
		a.mu.Unlock()
		return
	}
	bi, _, _ := a.locate(x)
	b.gens.drop(offset)
	b.sub.freeOffset(offset)
	released := b.sub.empty() && b.gens.empty()
	if released {
		a.release(bi)
	}
	a.mu.Unlock()

	if released {
		err = a.unclaim([]uint{bi})
	}
	return
}

// Size returns words allocated at x; zero if not allocated.
func (a *Allocator) Size(x Address) uint {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, offset, err := a.allocated(x)
	if err != nil {
		return 0
	}
	return b.sub.size(offset)
}

// Freed reports whether x has a deferred free waiting on RDM changes.
func (a *Allocator) Freed(x Address) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, offset, err := a.allocated(x)
	return err == nil && b.gens.has(offset)
}

// Owner returns owning pipe and class of block bi.
func (a *Allocator) Owner(bi uint) (p uint, c Class, owned bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b := &a.blocks[bi]
	return b.pipe, b.class, b.owned
}

// QueueUpdate queues a ready tree length update; it becomes visible on a
// later epoch advance of its pipe.
func (a *Allocator) QueueUpdate(u treesize.Update) {
	a.checkPipe(u.Pipe)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pipes[u.Pipe].updates.Add(u)
}

// ChangeRequested notes that an RDM change for p is about to be requested.
// Updates queued so far are retired when it is acknowledged.
func (a *Allocator) ChangeRequested(p uint) {
	a.checkPipe(p)
	a.mu.Lock()
	defer a.mu.Unlock()
	pp := &a.pipes[p]
	pp.covered = pp.updates.Length()
}

// Epoch is the result of an epoch advance.
type Epoch struct {
	Pipe uint
	// Sequence number of this advance for pipe.
	Seq uint64
	// Tree length updates now visible.
	Updates []treesize.Update
	// Addresses returned to the sub allocators.
	Reused uint
	// Blocks returned to the free pool.
	Released []uint
	// Another change is needed to retire remaining frees or updates.
	Again bool
}

// AdvanceEpoch must be called once hardware has acknowledged an RDM change
// for pipe p.  It is the only way freed addresses move toward reuse.
func (a *Allocator) AdvanceEpoch(p uint) (e Epoch, err error) {
	a.checkPipe(p)
	a.mu.Lock()
	pp := &a.pipes[p]
	e.Pipe = p
	for c := range pp.blocks {
		// Copy since release modifies pipe block lists.
		l := append([]uint(nil), pp.blocks[c]...)
		for _, bi := range l {
			b := &a.blocks[bi]
			b.gens.advance(func(offset uint) {
				b.sub.freeOffset(offset)
				e.Reused++
			})
			if b.sub.empty() && b.gens.empty() {
				a.release(bi)
				e.Released = append(e.Released, bi)
			} else if b.gens.len(waiting) > 0 {
				e.Again = true
			}
		}
	}
	for ; pp.covered > 0; pp.covered-- {
		e.Updates = append(e.Updates, pp.updates.Remove().(treesize.Update))
	}
	if pp.updates.Length() > 0 {
		e.Again = true
	}
	pp.epochs++
	e.Seq = pp.epochs
	a.mu.Unlock()

	if len(e.Released) > 0 {
		if err = a.unclaim(e.Released); err != nil {
			log.Print("err", err)
		}
	}
	return
}

type PipeStats struct {
	Blocks         [NClass]uint
	UsedWords      uint
	Queued         uint
	Waiting        uint
	PendingUpdates uint
	Epochs         uint64
}

type Stats struct {
	FreeBlocks uint
	Pipes      []PipeStats
}

func (a *Allocator) Stats() (s Stats) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s.FreeBlocks = a.free.FreeLen()
	s.Pipes = make([]PipeStats, len(a.pipes))
	for pi := range a.pipes {
		pp, ps := &a.pipes[pi], &s.Pipes[pi]
		for c := range pp.blocks {
			ps.Blocks[c] = uint(len(pp.blocks[c]))
			for _, bi := range pp.blocks[c] {
				b := &a.blocks[bi]
				ps.UsedWords += b.sub.used
				ps.Queued += b.gens.len(queued)
				ps.Waiting += b.gens.len(waiting)
			}
		}
		ps.PendingUpdates = uint(pp.updates.Length())
		ps.Epochs = pp.epochs
	}
	return
}
