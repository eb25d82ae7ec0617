// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jpillora/backoff"

	"github.com/platinasystems/mcdma/rdm"
	"github.com/platinasystems/mcdma/treesize"
)

// AllSubdevices as a subdevice argument replicates a write to every subdevice.
const AllSubdevices = -1

type Config struct {
	Sessions uint
	// Push attempts per buffer on a full ring; zero for no limit.
	RingRetries int
	// Idle backoff for drain, buffer waits and Run.
	BackoffMin, BackoffMax time.Duration
}

// deferred effects of a session not yet attached to a buffer.
type deferred struct {
	updates []treesize.Update
	frees   []rdm.Address
}

func (x *deferred) empty() bool { return len(x.updates) == 0 && len(x.frees) == 0 }

func (x *deferred) reset() {
	x.updates = x.updates[:0]
	x.frees = x.frees[:0]
}

type session struct {
	mu       sync.Mutex
	index    uint
	batching bool
	// Indexed by device then subdevice.
	lists   [][]List
	pending []deferred
}

// device returns write lists of device d, creating them on first use.
func (s *session) device(d *Device) []List {
	for uint(len(s.lists)) <= d.index {
		s.lists = append(s.lists, nil)
		s.pending = append(s.pending, deferred{})
	}
	if s.lists[d.index] == nil {
		s.lists[d.index] = make([]List, d.cfg.Subdevices)
	}
	return s.lists[d.index]
}

func (s *session) deferred(d *Device) *deferred {
	s.device(d)
	return &s.pending[d.index]
}

// staged buffer count over all devices.
func (s *session) staged() (n uint) {
	for _, ls := range s.lists {
		for i := range ls {
			n += ls[i].count
		}
	}
	return
}

// Main is the driver front end shared by all devices and sessions.
type Main struct {
	cfg Config

	mu       sync.RWMutex
	devices  []*Device
	sessions []session
}

func New(cfg Config) *Main {
	if cfg.Sessions == 0 {
		cfg.Sessions = 1
	}
	if cfg.BackoffMin == 0 {
		cfg.BackoffMin = 10 * time.Microsecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 1000 * cfg.BackoffMin
	}
	m := &Main{cfg: cfg, sessions: make([]session, cfg.Sessions)}
	for i := range m.sessions {
		m.sessions[i].index = uint(i)
	}
	return m
}

func (m *Main) backoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    m.cfg.BackoffMin,
		Max:    m.cfg.BackoffMax,
		Factor: 2,
	}
}

// AddDevice creates the next device.
func (m *Main) AddDevice(cfg DeviceConfig, hw Hw) (d *Device, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, err = newDevice(m, uint(len(m.devices)), cfg, hw); err != nil {
		return
	}
	m.devices = append(m.devices, d)
	return
}

func (m *Main) Device(i uint) *Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i >= uint(len(m.devices)) {
		panic(fmt.Errorf("device %d out of range", i))
	}
	return m.devices[i]
}

func (m *Main) Devices() []*Device {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*Device(nil), m.devices...)
}

func (m *Main) Sessions() uint { return uint(len(m.sessions)) }

func (m *Main) session(i uint) *session {
	if i >= uint(len(m.sessions)) {
		panic(fmt.Errorf("session %d out of range", i))
	}
	return &m.sessions[i]
}

// Service processes completions and RDM change acknowledgments of all devices.
func (m *Main) Service() (n int) {
	for _, d := range m.Devices() {
		n += d.Service(0)
	}
	return
}

// Drain waits until no buffers are in flight on any device.
func (m *Main) Drain(ctx context.Context) error {
	for _, d := range m.Devices() {
		if err := d.Drain(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Close aborts all sessions and drains every device.
func (m *Main) Close(ctx context.Context) error {
	for i := range m.sessions {
		m.Abort(uint(i))
	}
	var err *multierror.Error
	for _, d := range m.Devices() {
		if e := d.Drain(ctx); e != nil {
			err = multierror.Append(err, fmt.Errorf("device %s: %w", d, e))
		}
	}
	return err.ErrorOrNil()
}

type Stats struct {
	Devices []DeviceStats
}

func (m *Main) Stats() (s Stats) {
	for _, d := range m.Devices() {
		s.Devices = append(s.Devices, d.Stats())
	}
	return
}
