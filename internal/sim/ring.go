// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim simulates the hardware collaborators of the multicast DMA
// driver: descriptor rings, registers and the RDM change engine.
package sim

import (
	"fmt"
	"sync"

	"github.com/eapache/queue"

	"github.com/platinasystems/mcdma/internal/dr"
)

type pending struct {
	d      dr.Descriptor
	status uint32
}

type subRing struct {
	// Pushed but not yet started.
	tx *queue.Queue
	// Started; owned by hardware until consumed.
	hw *queue.Queue
	// Completions waiting to be serviced.
	cq *queue.Queue

	pushes, starts, services int

	full   map[int]bool
	fail   map[int]error
	status map[int]uint32

	pushed []dr.Descriptor
}

// Ring is a simulated descriptor ring pair per subdevice.
type Ring struct {
	mu sync.Mutex
	// Maximum number of descriptors owned by the ring (pushed, not yet consumed).
	Depth int
	// Service consumes everything started before reading completions so
	// completions are always eventually delivered.
	AutoConsume bool
	subs        []subRing
}

func NewRing(nSub uint, depth int) *Ring {
	r := &Ring{Depth: depth, subs: make([]subRing, nSub)}
	for i := range r.subs {
		s := &r.subs[i]
		s.tx, s.hw, s.cq = queue.New(), queue.New(), queue.New()
		s.full = make(map[int]bool)
		s.fail = make(map[int]error)
		s.status = make(map[int]uint32)
	}
	return r
}

func (r *Ring) sub(i uint) *subRing {
	if i >= uint(len(r.subs)) {
		panic(fmt.Errorf("sim ring: subdevice %d out of range", i))
	}
	return &r.subs[i]
}

// FullOn makes the n'th push attempt (1 based) on sub report a full ring.
func (r *Ring) FullOn(sub uint, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub(sub).full[n] = true
}

// FailOn makes the n'th push attempt on sub fail with err.
func (r *Ring) FailOn(sub uint, n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub(sub).fail[n] = err
}

// StatusOn makes the completion of the n'th accepted push carry status.
func (r *Ring) StatusOn(sub uint, n int, status uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub(sub).status[n] = status
}

func (r *Ring) Push(sub uint, d dr.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sub(sub)
	s.pushes++
	if err, ok := s.fail[s.pushes]; ok {
		return err
	}
	if s.full[s.pushes] || (r.Depth > 0 && s.tx.Length()+s.hw.Length() >= r.Depth) {
		return dr.ErrRingFull
	}
	s.pushed = append(s.pushed, d)
	s.tx.Add(pending{d: d, status: s.status[len(s.pushed)]})
	return nil
}

func (r *Ring) Start(sub uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sub(sub)
	s.starts++
	for s.tx.Length() > 0 {
		s.hw.Add(s.tx.Remove())
	}
	return nil
}

// Consume completes up to n started descriptors on sub (n < 0 for all).
func (r *Ring) Consume(sub uint, n int) (done int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consume(r.sub(sub), n)
}

func (r *Ring) consume(s *subRing, n int) (done int) {
	for s.hw.Length() > 0 && (n < 0 || done < n) {
		p := s.hw.Remove().(pending)
		s.cq.Add(dr.Completion{Tag: p.d.Tag, Status: p.status})
		done++
	}
	return
}

// Inject adds a completion that was never pushed, as another subsystem
// sharing the ring would.
func (r *Ring) Inject(sub uint, c dr.Completion) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sub(sub).cq.Add(c)
}

func (r *Ring) Service(sub uint, max int, fn func(c dr.Completion)) int {
	r.mu.Lock()
	s := r.sub(sub)
	s.services++
	if r.AutoConsume {
		r.consume(s, -1)
	}
	var cs []dr.Completion
	for s.cq.Length() > 0 && (max <= 0 || len(cs) < max) {
		cs = append(cs, s.cq.Remove().(dr.Completion))
	}
	r.mu.Unlock()

	// Handler runs unlocked; it may push more work.
	for i := range cs {
		fn(cs[i])
	}
	return len(cs)
}

// Counters for sub.
type RingStats struct {
	Pushes, Accepted, Starts, Services int
	// Descriptors owned by hardware or waiting to be serviced.
	Outstanding int
}

func (r *Ring) Stats(sub uint) (st RingStats) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sub(sub)
	st.Pushes = s.pushes
	st.Accepted = len(s.pushed)
	st.Starts = s.starts
	st.Services = s.services
	st.Outstanding = s.tx.Length() + s.hw.Length() + s.cq.Length()
	return
}

// Pushed returns a copy of all descriptors accepted on sub in push order.
func (r *Ring) Pushed(sub uint) []dr.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sub(sub)
	return append([]dr.Descriptor(nil), s.pushed...)
}
