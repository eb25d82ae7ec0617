// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"sync"
)

type RegWrite struct {
	Addr, Value uint32
}

// Regs is a register file backed by a map.
type Regs struct {
	mu     sync.Mutex
	regs   map[uint32]uint32
	writes []RegWrite
	// Returned by all accesses when non-nil.
	Err error
}

func NewRegs() *Regs { return &Regs{regs: make(map[uint32]uint32)} }

func (r *Regs) Read32(addr uint32) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return 0, r.Err
	}
	return r.regs[addr], nil
}

func (r *Regs) Write32(addr, v uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.regs[addr] = v
	r.writes = append(r.writes, RegWrite{Addr: addr, Value: v})
	return nil
}

func (r *Regs) Writes() []RegWrite {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]RegWrite(nil), r.writes...)
}
