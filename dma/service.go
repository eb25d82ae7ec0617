// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/platinasystems/mcdma/elib"
	"github.com/platinasystems/mcdma/internal/dr"
)

// Service reads up to max completions (max <= 0 for all) from each
// subdevice ring then handles acknowledged RDM changes.  It returns the
// amount of work done.
func (d *Device) Service(max int) (n int) {
	for sub := uint(0); sub < d.cfg.Subdevices; sub++ {
		n += d.serviceSub(sub, max)
	}
	n += d.pollChanges()
	return
}

func (d *Device) serviceSub(sub uint, max int) int {
	return d.hw.Ring.Service(sub, max, func(c dr.Completion) { d.complete(sub, c) })
}

// complete processes one completion read from the ring of subdevice sub.
func (d *Device) complete(sub uint, c dr.Completion) {
	if c.Tag.Owner() != dr.OwnerMcast {
		atomic.AddUint64(&d.counters.foreign, 1)
		if d.limiter.Allow() {
			d.logf("warn", "subdevice %d: dropping completion with foreign tag %s", sub, c.Tag)
		}
		return
	}
	b, why := d.pool.claim(c.Tag, sub)
	if b == nil {
		atomic.AddUint64(&d.counters.foreign, 1)
		if d.limiter.Allow() {
			d.logf("warn", "subdevice %d: dropping completion %s: %s", sub, c.Tag, why)
		}
		return
	}
	atomic.AddUint64(&d.counters.completions, 1)
	if c.Status != 0 {
		atomic.AddUint64(&d.counters.anomalies, 1)
		d.logf("err", "subdevice %d: %s completed with status 0x%x", sub, b, c.Status)
	}

	if b.mapped {
		if err := d.hw.Mapper.Unmap(b.chunk); err != nil {
			d.logf("err", "unmap %s: %v", b, err)
		}
		b.mapped = false
	}

	var pipes elib.Bitmap
	if b.authoritative {
		for _, u := range b.updates {
			for _, t := range d.trees {
				t.Ready(u)
			}
			d.rdm.QueueUpdate(u)
			pipes.Set(u.Pipe)
		}
		for _, x := range b.frees {
			p, err := d.commitFree(x)
			if err != nil {
				panic(err)
			}
			pipes.Set(p)
		}
	}
	b.updates, b.frees = nil, nil

	pipes.ForeachSetBit(func(p uint) { d.requestChange(p) })
	d.pool.Release(b)

	if d.cfg.Subdevices > 1 && sub == d.cfg.AuthoritativeSubdevice {
		if d.cfg.SecondSubdeviceSleep > 0 {
			time.Sleep(d.cfg.SecondSubdeviceSleep)
		} else {
			runtime.Gosched()
		}
	}
	d.pool.dec()
}

// requestChange asks hardware to switch pipe p to its newest replication
// structures unless a request is already outstanding.
func (d *Device) requestChange(p uint) {
	d.mu.Lock()
	pc := &d.change[p]
	if pc.outstanding {
		pc.again = true
		d.mu.Unlock()
		return
	}
	pc.outstanding = true
	d.mu.Unlock()

	d.rdm.ChangeRequested(p)
	atomic.AddUint64(&d.counters.changeRequests, 1)
	if err := d.hw.Changer.RequestChange(p); err != nil {
		d.logf("err", "pipe %d: rdm change request: %v", p, err)
		d.mu.Lock()
		pc.outstanding = false
		d.mu.Unlock()
	}
}

// pollChanges advances RDM epochs of pipes whose change hardware has
// acknowledged.
func (d *Device) pollChanges() (n int) {
	d.pollMu.Lock()
	defer d.pollMu.Unlock()
	for p := range d.change {
		d.mu.Lock()
		outstanding := d.change[p].outstanding
		d.mu.Unlock()
		if !outstanding {
			continue
		}
		done, err := d.hw.Changer.ChangeDone(uint(p))
		if err != nil {
			d.logf("err", "pipe %d: rdm change status: %v", p, err)
			continue
		}
		if !done {
			continue
		}
		atomic.AddUint64(&d.counters.changeAcks, 1)
		e, err := d.rdm.AdvanceEpoch(uint(p))
		if err != nil {
			d.logf("err", "pipe %d: %v", p, err)
		}
		for _, u := range e.Updates {
			for _, t := range d.trees {
				t.Commit(u)
			}
		}

		d.mu.Lock()
		pc := &d.change[p]
		again := pc.again || e.Again
		pc.outstanding, pc.again = false, false
		d.mu.Unlock()
		if again {
			d.requestChange(uint(p))
		}
		n++
	}
	return
}

// Drain services completions until no buffers are in flight.
// Only ctx ends it early.
func (d *Device) Drain(ctx context.Context) error {
	bo := d.m.backoff()
	for d.pool.InUse() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.Service(0) > 0 {
			bo.Reset()
			continue
		}
		t := time.NewTimer(bo.Duration())
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

// Quiesce drains and then waits for outstanding RDM changes so deferred
// frees are reusable.
func (d *Device) Quiesce(ctx context.Context) error {
	if err := d.Drain(ctx); err != nil {
		return err
	}
	bo := d.m.backoff()
	for {
		d.mu.Lock()
		busy := false
		for i := range d.change {
			busy = busy || d.change[i].outstanding
		}
		d.mu.Unlock()
		if !busy {
			return nil
		}
		if d.Service(0) > 0 {
			bo.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
}

// Run services the device until ctx is done.
func (d *Device) Run(ctx context.Context) error {
	bo := d.m.backoff()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.Service(0) > 0 {
			bo.Reset()
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(bo.Duration()):
		}
	}
}
