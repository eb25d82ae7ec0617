// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package treesize tracks per pipe replication tree lengths ("tails") of
// multicast groups.  A length change is staged by tree mutation code, tied to
// the DMA buffer whose completion makes the new tree readable, and made visible
// to the data plane once hardware acknowledges the RDM change.
package treesize

import (
	"fmt"
	"sync"

	"github.com/platinasystems/mcdma/internal/dr"
)

// MGID is a multicast group id; root of a replication tree.
type MGID uint16

// Update sets the active length of a group's tree on one pipe.
type Update struct {
	Pipe   uint
	MGID   MGID
	Length uint32
}

func (u Update) String() string {
	return fmt.Sprintf("mgid 0x%x pipe %d length %d", u.MGID, u.Pipe, u.Length)
}

type state uint8

const (
	idle state = iota
	// Length staged; no buffer yet.
	staged
	// Waiting for completion of buffer.
	attached
	// Buffer completed; waiting for RDM change acknowledgment.
	ready
)

var stateStrings = [...]string{
	idle:     "idle",
	staged:   "staged",
	attached: "attached",
	ready:    "ready",
}

func (s state) String() string { return stateStrings[s] }

// Record is the length bookkeeping of one group on one pipe.
type Record struct {
	// Length visible to the data plane.
	Active uint32
	// Most recently staged length.
	Target uint32
	// Buffer whose completion makes Target readable; valid while attached.
	Tag   dr.Tag
	state state
}

func (r *Record) Pending() bool { return r.state != idle }

// Table holds the records of one subdevice.
type Table struct {
	mu     sync.Mutex
	nPipes uint
	groups map[MGID][]Record
}

func New(nPipes uint) *Table {
	return &Table{nPipes: nPipes, groups: make(map[MGID][]Record)}
}

func (t *Table) record(u Update) *Record {
	if u.Pipe >= t.nPipes {
		panic(fmt.Errorf("treesize: pipe %d out of range %d", u.Pipe, t.nPipes))
	}
	rs, ok := t.groups[u.MGID]
	if !ok {
		rs = make([]Record, t.nPipes)
		t.groups[u.MGID] = rs
	}
	return &rs[u.Pipe]
}

// Stage records a new target length.
func (t *Table) Stage(u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(u)
	r.Target = u.Length
	r.state = staged
}

// Attach ties a staged length to the buffer carrying the last write of its batch.
func (t *Table) Attach(u Update, tag dr.Tag) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(u)
	if r.Target == u.Length {
		r.Tag = tag
		r.state = attached
	}
}

// Ready notes that the buffer for u completed.  Returns false if a newer
// length has been staged since.
func (t *Table) Ready(u Update) (ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(u)
	if ok = r.Target == u.Length; ok {
		r.Tag = 0
		r.state = ready
	}
	return
}

// Unstage drops a staged length that will never be written.  A newer or
// completed length is left alone.
func (t *Table) Unstage(u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(u)
	if r.Target == u.Length && (r.state == staged || r.state == attached) {
		r.Target = r.Active
		r.Tag = 0
		r.state = idle
	}
}

// Commit makes u visible.
func (t *Table) Commit(u Update) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := t.record(u)
	r.Active = u.Length
	if r.Target == u.Length {
		r.state = idle
	}
}

// Active returns the length visible to the data plane.
func (t *Table) Active(g MGID, pipe uint) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, ok := t.groups[g]; ok && pipe < uint(len(rs)) {
		return rs[pipe].Active
	}
	return 0
}

// Get returns a copy of the record for group g on pipe.
func (t *Table) Get(g MGID, pipe uint) (r Record, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs, found := t.groups[g]; found && pipe < uint(len(rs)) {
		r, ok = rs[pipe], true
	}
	return
}

func (t *Table) Delete(g MGID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.groups, g)
}

// Len returns number of groups.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups)
}
