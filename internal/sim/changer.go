// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package sim

import (
	"sync"
)

type pipeChange struct {
	requested bool
	left      int
	requests  int
	acks      int
}

// Changer acknowledges an RDM change request after Lag polls.
type Changer struct {
	mu    sync.Mutex
	Lag   int
	pipes []pipeChange
}

func NewChanger(nPipes uint, lag int) *Changer {
	return &Changer{Lag: lag, pipes: make([]pipeChange, nPipes)}
}

func (c *Changer) RequestChange(pipe uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &c.pipes[pipe]
	p.requests++
	if !p.requested {
		p.requested = true
		p.left = c.Lag
	}
	return nil
}

// ChangeDone reports true once per acknowledged change.
func (c *Changer) ChangeDone(pipe uint) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := &c.pipes[pipe]
	if !p.requested {
		return false, nil
	}
	if p.left > 0 {
		p.left--
		return false, nil
	}
	p.requested = false
	p.acks++
	return true, nil
}

func (c *Changer) Requests(pipe uint) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipes[pipe].requests
}

func (c *Changer) Acks(pipe uint) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pipes[pipe].acks
}
