// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/platinasystems/mcdma/internal/dr"
	"github.com/platinasystems/mcdma/rdm"
	"github.com/platinasystems/mcdma/treesize"
)

// Append stages a write of hi:lo to 16 byte aligned address addr on
// subdevice sub (or AllSubdevices) of device dev for session si.
func (m *Main) Append(dev uint, sub int, si uint, w dr.Width, addr uint64, hi, lo uint64) error {
	if addr%16 != 0 {
		panic(fmt.Errorf("write address 0x%x not 16 byte aligned", addr))
	}
	if addr>>4 > math.MaxUint32 {
		panic(fmt.Errorf("write address 0x%x out of range", addr))
	}
	d, s := m.Device(dev), m.session(si)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.appendSubs(s, d, sub, w, uint32(addr>>4), hi, lo)
}

func (m *Main) appendSubs(s *session, d *Device, sub int, w dr.Width, word uint32, hi, lo uint64) error {
	if w >= dr.NWidth {
		panic(fmt.Errorf("invalid write width %d", w))
	}
	if sub != AllSubdevices {
		if sub < 0 {
			panic(fmt.Errorf("subdevice %d out of range", sub))
		}
		d.checkSub(uint(sub))
		return m.append(s, d, uint(sub), w, word, hi, lo)
	}
	for i := uint(0); i < d.cfg.Subdevices; i++ {
		if err := m.append(s, d, i, w, word, hi, lo); err != nil {
			return err
		}
	}
	return nil
}

func (m *Main) append(s *session, d *Device, sub uint, w dr.Width, word uint32, hi, lo uint64) error {
	l := &s.device(d)[sub]
	if b := l.tail; b != nil && b.width == w && b.room(w) {
		b.append(w, word, hi, lo)
		return nil
	}
	b, err := m.getBuffer(s, d)
	if err != nil {
		return errors.Wrapf(err, "%s subdevice %d", d, sub)
	}
	b.width = w
	b.sub = sub
	l.push(b)
	b.append(w, word, hi, lo)
	return nil
}

// getBuffer acquires a buffer, making room by sending the session's own
// staged writes or waiting for completions.
func (m *Main) getBuffer(s *session, d *Device) (b *Buffer, err error) {
	bo := m.backoff()
	for {
		if b, err = d.pool.Acquire(); !errors.Is(err, ErrNoBuffer) {
			return
		}
		if s.staged() > 0 {
			batching := s.batching
			s.batching = false
			err = m.send(s, false)
			s.batching = batching
			if err != nil {
				return
			}
			continue
		}
		if d.pool.InUse() == 0 {
			return
		}
		if d.Service(0) == 0 {
			time.Sleep(bo.Duration())
		} else {
			bo.Reset()
		}
	}
}

// Send hands all staged buffers of session si to hardware.  When isLast,
// deferred effects queued by the session ride on the last buffer of each
// device and fire when hardware completes it.
func (m *Main) Send(si uint, isLast bool) error {
	s := m.session(si)
	s.mu.Lock()
	defer s.mu.Unlock()
	return m.send(s, isLast)
}

func (m *Main) send(s *session, isLast bool) (err error) {
	for _, d := range m.Devices() {
		if err = m.sendDevice(s, d, isLast); err != nil {
			break
		}
	}
	if err != nil {
		m.discard(s, true)
	}
	return
}

// carrier returns the buffer to carry deferred effects of device d.
func (m *Main) carrier(s *session, d *Device) (b *Buffer, err error) {
	ls := s.device(d)
	if l := &ls[d.cfg.AuthoritativeSubdevice]; l.count > 0 {
		return l.tail, nil
	}
	for i := range ls {
		if ls[i].count > 0 {
			return ls[i].tail, nil
		}
	}
	// Nothing staged: an empty buffer carries the effects.
	if b, err = m.getBuffer(s, d); err != nil {
		return
	}
	b.width = dr.Wide
	b.sub = d.cfg.AuthoritativeSubdevice
	ls[b.sub].push(b)
	return
}

func (m *Main) sendDevice(s *session, d *Device, isLast bool) (err error) {
	if isLast && !s.deferred(d).empty() {
		var b *Buffer
		if b, err = m.carrier(s, d); err != nil {
			return
		}
		x := s.deferred(d)
		b.updates = append(b.updates, x.updates...)
		b.frees = append(b.frees, x.frees...)
		b.authoritative = true
		for _, u := range x.updates {
			for _, t := range d.trees {
				t.Attach(u, b.tag)
			}
		}
		x.reset()
	}

	ls := s.device(d)
	var touched []uint
	defer func() {
		for _, sub := range touched {
			if e := d.hw.Ring.Start(sub); e != nil && err == nil {
				err = errors.Wrapf(e, "%s subdevice %d start", d, sub)
			}
		}
	}()
	for sub := range ls {
		l := &ls[sub]
		if l.count == 0 {
			continue
		}
		touched = append(touched, uint(sub))
		if err = m.pushList(d, uint(sub), l); err != nil {
			return
		}
	}
	return
}

// pushList pushes every buffer of l to the transmit ring of sub in order.
func (m *Main) pushList(d *Device, sub uint, l *List) error {
	tries := 0
	bo := m.backoff()
	for b := l.head; b != nil; b = l.head {
		if !b.mapped {
			phys, err := d.hw.Mapper.Map(b.chunk)
			if err != nil {
				return errors.Wrapf(err, "%s subdevice %d map %s", d, sub, b)
			}
			b.phys, b.mapped = phys, true
		}

		l.unlink(b)
		d.pool.transition(b, staged, inflight)
		b.submitted = true
		d.pool.inc()
		err := d.hw.Ring.Push(sub, b.descriptor())
		if err == nil {
			atomic.AddUint64(&d.counters.pushes, 1)
			tries = 0
			continue
		}
		d.pool.dec()
		b.submitted = false
		d.pool.transition(b, inflight, staged)
		l.pushHead(b)
		if !errors.Is(err, dr.ErrRingFull) {
			return errors.Wrapf(err, "%s subdevice %d push %s", d, sub, b)
		}

		atomic.AddUint64(&d.counters.ringFull, 1)
		if tries++; m.cfg.RingRetries > 0 && tries >= m.cfg.RingRetries {
			return errors.Wrapf(err, "%s subdevice %d after %d attempts", d, sub, tries)
		}
		// Hardware can only make room for descriptors it has seen.
		if err = d.hw.Ring.Start(sub); err != nil {
			return errors.Wrapf(err, "%s subdevice %d start", d, sub)
		}
		if d.serviceSub(sub, 0) == 0 {
			time.Sleep(bo.Duration())
		}
	}
	return nil
}

// discard releases every staged buffer of session s.  When keep, deferred
// effects carried by discarded buffers return to the session.
func (m *Main) discard(s *session, keep bool) {
	for di, ls := range s.lists {
		if ls == nil {
			continue
		}
		d := m.Device(uint(di))
		x := &s.pending[di]
		for sub := range ls {
			l := &ls[sub]
			for b := l.pop(); b != nil; b = l.pop() {
				if keep {
					x.updates = append(x.updates, b.updates...)
					x.frees = append(x.frees, b.frees...)
					for _, u := range b.updates {
						for _, t := range d.trees {
							t.Stage(u)
						}
					}
				} else {
					d.dropEffects(b.updates, b.frees)
				}
				b.updates, b.frees = nil, nil
				if b.mapped {
					if err := d.hw.Mapper.Unmap(b.chunk); err != nil {
						d.logf("err", "unmap %s: %v", b, err)
					}
					b.mapped = false
				}
				d.pool.Release(b)
			}
		}
		if !keep {
			d.dropEffects(x.updates, x.frees)
			x.reset()
		}
	}
}

// dropEffects undoes the staging of deferred effects that will not be sent.
func (d *Device) dropEffects(us []treesize.Update, xs []rdm.Address) {
	for _, u := range us {
		for _, t := range d.trees {
			t.Unstage(u)
		}
	}
	d.dropFrees(xs)
}

// Abort discards session si's staged writes and deferred effects.
func (m *Main) Abort(si uint) {
	s := m.session(si)
	s.mu.Lock()
	defer s.mu.Unlock()
	m.discard(s, false)
	s.batching = false
}

// Discard drops session si's staged writes and ends its batch.  Deferred
// effects stay queued for the next send.
func (m *Main) Discard(si uint) {
	s := m.session(si)
	s.mu.Lock()
	defer s.mu.Unlock()
	m.discard(s, true)
	s.batching = false
}

// Begin starts a batch: writes accumulate until End.
func (m *Main) Begin(si uint) {
	s := m.session(si)
	s.mu.Lock()
	s.batching = true
	s.mu.Unlock()
}

// End sends the batch started by Begin.
func (m *Main) End(si uint) error {
	s := m.session(si)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batching = false
	return m.send(s, true)
}

// Staged returns the number of buffers staged by session si.
func (m *Main) Staged(si uint) uint {
	s := m.session(si)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staged()
}

// QueueTreeUpdate defers a tree size change until the session's writes
// complete.
func (m *Main) QueueTreeUpdate(si, dev uint, u treesize.Update) {
	d, s := m.Device(dev), m.session(si)
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range d.trees {
		t.Stage(u)
	}
	x := s.deferred(d)
	x.updates = append(x.updates, u)
}

// Free defers release of RDM address x until the session's writes
// complete and hardware has moved past the structures referencing it.
// A second free of x, from any session, fails with rdm.ErrAlreadyFreed
// until x has been reused.
func (m *Main) Free(si, dev uint, x rdm.Address) error {
	d, s := m.Device(dev), m.session(si)
	if err := d.queueFree(x); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.deferred(d)
	f.frees = append(f.frees, x)
	return nil
}

// FreeNow releases x immediately; hardware must not be using it.
// Addresses with a deferred free in progress are refused.
func (m *Main) FreeNow(dev uint, x rdm.Address) error {
	d := m.Device(dev)
	d.freeMu.Lock()
	defer d.freeMu.Unlock()
	if _, ok := d.freeing[x]; ok {
		return errors.Wrapf(rdm.ErrAlreadyFreed, "%s free now %s", d, x)
	}
	return d.rdm.FreeNow(x)
}

// queueFree accepts a deferred free of x unless x is unallocated or
// already on its way to reuse.
func (d *Device) queueFree(x rdm.Address) error {
	d.freeMu.Lock()
	defer d.freeMu.Unlock()
	if d.rdm.Size(x) == 0 {
		return errors.Wrapf(rdm.ErrNotAllocated, "%s free %s", d, x)
	}
	if _, ok := d.freeing[x]; ok || d.rdm.Freed(x) {
		return errors.Wrapf(rdm.ErrAlreadyFreed, "%s free %s", d, x)
	}
	d.freeing[x] = struct{}{}
	return nil
}

// dropFrees forgets deferred frees that will never reach the allocator.
func (d *Device) dropFrees(xs []rdm.Address) {
	if len(xs) == 0 {
		return
	}
	d.freeMu.Lock()
	defer d.freeMu.Unlock()
	for _, x := range xs {
		delete(d.freeing, x)
	}
}

// commitFree hands a completed deferred free to the allocator.
func (d *Device) commitFree(x rdm.Address) (p uint, err error) {
	d.freeMu.Lock()
	defer d.freeMu.Unlock()
	delete(d.freeing, x)
	return d.rdm.Free(x)
}

func (m *Main) Allocate(dev, pipe uint, c rdm.Class, size uint) (rdm.Address, error) {
	return m.Device(dev).rdm.Allocate(pipe, c, size)
}

// WriteReg32 writes a register directly or, in DMA register mode, as a
// narrow write list record on every subdevice.  Register records carry the
// register address itself.  Outside a batch the write is sent at once.
func (m *Main) WriteReg32(si, dev uint, addr, v uint32) error {
	d := m.Device(dev)
	if !d.cfg.DmaRegisterMode {
		return errors.Wrapf(d.hw.Regs.Write32(addr, v), "%s write 0x%x", d, addr)
	}
	s := m.session(si)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := m.appendSubs(s, d, AllSubdevices, dr.Narrow, addr, 0, uint64(v)); err != nil {
		return err
	}
	if s.batching {
		return nil
	}
	return m.send(s, true)
}

// ReadReg32 reads a register after writes in flight have completed.
func (m *Main) ReadReg32(ctx context.Context, dev uint, addr uint32) (v uint32, err error) {
	d := m.Device(dev)
	if d.cfg.DmaRegisterMode {
		if err = d.Drain(ctx); err != nil {
			return
		}
	}
	v, err = d.hw.Regs.Read32(addr)
	err = errors.Wrapf(err, "%s read 0x%x", d, addr)
	return
}
