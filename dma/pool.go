// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/platinasystems/mcdma/elib"
	"github.com/platinasystems/mcdma/internal/dmamem"
	"github.com/platinasystems/mcdma/internal/dr"
)

var ErrNoBuffer = errors.New("no dma buffer available")

// Pool is a fixed arena of write list buffers.
type Pool struct {
	mem         dmamem.Allocator
	bufferBytes uint

	mu   sync.Mutex
	bufs []Buffer
	free elib.Pool
	seq  uint64

	// Held only to update inUse.
	inUseMu sync.Mutex
	inUse   uint
}

func NewPool(mem dmamem.Allocator, n, bufferBytes uint) *Pool {
	p := &Pool{
		mem:         mem,
		bufferBytes: bufferBytes,
		bufs:        make([]Buffer, n),
	}
	for i := range p.bufs {
		b := &p.bufs[i]
		b.index = uint(i)
		b.tag = dr.MakeTag(dr.OwnerMcast, uint(i))
	}
	p.free.PutRange(n)
	return p
}

func (p *Pool) Len() uint { return uint(len(p.bufs)) }

// Acquire returns an empty staged buffer or ErrNoBuffer.  It never blocks.
func (p *Pool) Acquire() (b *Buffer, err error) {
	p.mu.Lock()
	i := p.free.GetIndex(uint(len(p.bufs)))
	if i >= uint(len(p.bufs)) {
		p.mu.Unlock()
		err = ErrNoBuffer
		return
	}
	b = &p.bufs[i]
	p.setState(b, idle, staged)
	p.seq++
	b.id = p.seq
	p.mu.Unlock()

	c, err := p.mem.Alloc(p.bufferBytes)
	if err != nil {
		p.mu.Lock()
		p.setState(b, staged, idle)
		p.free.PutIndex(i)
		p.mu.Unlock()
		if errors.Is(err, dmamem.ErrExhausted) {
			err = errors.Wrap(ErrNoBuffer, err.Error())
		}
		b = nil
		return
	}
	b.chunk = c
	b.data = c.Data[:p.bufferBytes]
	return
}

// Release returns b to the pool.  Linked buffers and buffers still
// carrying deferred effects are programming errors.
func (p *Pool) Release(b *Buffer) {
	if b.list != nil || b.prev != nil || b.next != nil {
		panic(fmt.Errorf("release of linked buffer %s", b))
	}
	if b.hasEffects() {
		panic(fmt.Errorf("release of buffer %s with %d updates %d frees", b, len(b.updates), len(b.frees)))
	}
	if b.mapped {
		panic(fmt.Errorf("release of mapped buffer %s", b))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if b.state != staged && b.state != completing {
		panic(fmt.Errorf("release of %s buffer %s", b.state, b))
	}
	p.mem.Free(b.chunk)
	*b = Buffer{index: b.index, tag: b.tag}
	if !p.free.PutIndex(b.index) {
		panic(fmt.Errorf("duplicate release of buffer %s", b.tag))
	}
}

func (p *Pool) setState(b *Buffer, from, to bufferState) {
	if b.state != from {
		panic(fmt.Errorf("buffer %s: state %s, expected %s", b.tag, b.state, from))
	}
	b.state = to
}

// transition moves b between states asserting the previous one.
func (p *Pool) transition(b *Buffer, from, to bufferState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setState(b, from, to)
}

// claim returns the in flight buffer for a completion or nil when the
// tag does not name one.
func (p *Pool) claim(t dr.Tag, sub uint) (b *Buffer, why string) {
	i := t.Index()
	if i >= uint(len(p.bufs)) {
		return nil, "index out of range"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	b = &p.bufs[i]
	switch {
	case b.state != inflight:
		return nil, fmt.Sprintf("buffer %s", b.state)
	case b.sub != sub:
		return nil, fmt.Sprintf("buffer on subdevice %d", b.sub)
	}
	b.state = completing
	return b, ""
}

func (p *Pool) InUse() uint {
	p.inUseMu.Lock()
	defer p.inUseMu.Unlock()
	return p.inUse
}

func (p *Pool) inc() {
	p.inUseMu.Lock()
	p.inUse++
	p.inUseMu.Unlock()
}

func (p *Pool) dec() {
	p.inUseMu.Lock()
	defer p.inUseMu.Unlock()
	if p.inUse == 0 {
		panic("dma pool: in use underflow")
	}
	p.inUse--
}

// Idle buffer count.
func (p *Pool) Idle() uint {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.FreeLen()
}
