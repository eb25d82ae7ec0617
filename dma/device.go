// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dma moves multicast table writes to hardware through descriptor
// ring write lists and tracks the RDM memory those writes reference.
package dma

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/platinasystems/log"
	uuid "github.com/satori/go.uuid"
	"golang.org/x/time/rate"

	"github.com/platinasystems/mcdma/internal/dmamem"
	"github.com/platinasystems/mcdma/internal/dr"
	"github.com/platinasystems/mcdma/rdm"
	"github.com/platinasystems/mcdma/treesize"
)

type DeviceConfig struct {
	Name       string
	Subdevices uint
	// Subdevice whose completions fire deferred tree updates and frees.
	AuthoritativeSubdevice uint
	Buffers                uint
	BufferBytes            uint
	Rdm                    rdm.Config
	// Register writes must be carried by write lists.
	DmaRegisterMode bool
	// Pause after authoritative completions on multi subdevice devices.
	// Zero yields the processor instead.
	SecondSubdeviceSleep time.Duration
}

// Hw is the set of hardware collaborators of a device.
type Hw struct {
	Ring    dr.Ring
	Mem     dmamem.Allocator
	Mapper  dmamem.Mapper
	Regs    dr.Regs
	Changer dr.Changer
}

type counters struct {
	pushes         uint64
	ringFull       uint64
	completions    uint64
	foreign        uint64
	anomalies      uint64
	changeRequests uint64
	changeAcks     uint64
}

type pipeChange struct {
	// Change requested and not yet acknowledged.
	outstanding bool
	// More work arrived while outstanding.
	again bool
}

type Device struct {
	counters counters

	m     *Main
	index uint
	id    uuid.UUID
	cfg   DeviceConfig
	hw    Hw

	pool  *Pool
	rdm   *rdm.Allocator
	trees []*treesize.Table

	mu     sync.Mutex
	change []pipeChange
	// Serializes acknowledgment polling: ChangeDone reports each ack once.
	pollMu sync.Mutex

	freeMu sync.Mutex
	// Deferred frees accepted but not yet handed to the allocator.
	freeing map[rdm.Address]struct{}

	limiter *rate.Limiter
}

func (c *DeviceConfig) validate() error {
	switch {
	case c.Subdevices == 0:
		return fmt.Errorf("device %s: no subdevices", c.Name)
	case c.AuthoritativeSubdevice >= c.Subdevices:
		return fmt.Errorf("device %s: authoritative subdevice %d >= %d", c.Name, c.AuthoritativeSubdevice, c.Subdevices)
	case c.Buffers == 0:
		return fmt.Errorf("device %s: no buffers", c.Name)
	case c.BufferBytes < dr.Wide.RecordBytes():
		return fmt.Errorf("device %s: buffer bytes %d too small", c.Name, c.BufferBytes)
	}
	return nil
}

func newDevice(m *Main, index uint, cfg DeviceConfig, hw Hw) (d *Device, err error) {
	if err = cfg.validate(); err != nil {
		return
	}
	if hw.Ring == nil || hw.Mem == nil || hw.Mapper == nil || hw.Regs == nil || hw.Changer == nil {
		err = fmt.Errorf("device %s: missing hardware collaborator", cfg.Name)
		return
	}
	d = &Device{
		m:     m,
		index: index,
		id:    uuid.NewV4(),
		cfg:   cfg,
		hw:    hw,
		pool:  NewPool(hw.Mem, cfg.Buffers, cfg.BufferBytes),
		// Ten foreign completion reports then one per second.
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	if d.rdm, err = rdm.New(cfg.Rdm, hw.Regs); err != nil {
		err = errors.Wrapf(err, "device %s", cfg.Name)
		return
	}
	d.trees = make([]*treesize.Table, cfg.Subdevices)
	for i := range d.trees {
		d.trees[i] = treesize.New(cfg.Rdm.Pipes)
	}
	d.change = make([]pipeChange, cfg.Rdm.Pipes)
	d.freeing = make(map[rdm.Address]struct{})
	return
}

func (d *Device) Index() uint          { return d.index }
func (d *Device) Name() string         { return d.cfg.Name }
func (d *Device) ID() uuid.UUID        { return d.id }
func (d *Device) Config() DeviceConfig { return d.cfg }
func (d *Device) Pool() *Pool          { return d.pool }
func (d *Device) Rdm() *rdm.Allocator  { return d.rdm }
func (d *Device) Subdevices() uint     { return d.cfg.Subdevices }
func (d *Device) InUse() uint          { return d.pool.InUse() }

// Tree returns the tree size table of subdevice sub.
func (d *Device) Tree(sub uint) *treesize.Table {
	d.checkSub(sub)
	return d.trees[sub]
}

func (d *Device) checkSub(sub uint) {
	if sub >= d.cfg.Subdevices {
		panic(fmt.Errorf("device %s: subdevice %d out of range", d.cfg.Name, sub))
	}
}

func (d *Device) String() string { return d.cfg.Name }

func (d *Device) logf(pri, format string, args ...interface{}) {
	log.Print(pri, fmt.Sprintf("%s: ", d), fmt.Sprintf(format, args...))
}

type DeviceStats struct {
	Name         string
	ID           string
	Buffers      uint
	BuffersInUse uint
	BuffersIdle  uint

	Pushes         uint64
	RingFull       uint64
	Completions    uint64
	Foreign        uint64
	Anomalies      uint64
	ChangeRequests uint64
	ChangeAcks     uint64

	Rdm rdm.Stats
}

func (d *Device) Stats() (s DeviceStats) {
	c := &d.counters
	s = DeviceStats{
		Name:           d.cfg.Name,
		ID:             d.id.String(),
		Buffers:        d.pool.Len(),
		BuffersInUse:   d.pool.InUse(),
		BuffersIdle:    d.pool.Idle(),
		Pushes:         atomic.LoadUint64(&c.pushes),
		RingFull:       atomic.LoadUint64(&c.ringFull),
		Completions:    atomic.LoadUint64(&c.completions),
		Foreign:        atomic.LoadUint64(&c.foreign),
		Anomalies:      atomic.LoadUint64(&c.anomalies),
		ChangeRequests: atomic.LoadUint64(&c.changeRequests),
		ChangeAcks:     atomic.LoadUint64(&c.changeAcks),
		Rdm:            d.rdm.Stats(),
	}
	return
}
