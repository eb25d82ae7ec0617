// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dma

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/platinasystems/mcdma/internal/dmamem"
	"github.com/platinasystems/mcdma/internal/dr"
	"github.com/platinasystems/mcdma/internal/sim"
	"github.com/platinasystems/mcdma/rdm"
	"github.com/platinasystems/mcdma/treesize"
)

// 64 byte buffers hold 5 narrow or medium records or 3 wide records.
const testBufferBytes = 64

type testHw struct {
	ring    *sim.Ring
	host    *dmamem.Host
	regs    *sim.Regs
	changer *sim.Changer
	hw      Hw
}

type testOption func(c *Config, dc *DeviceConfig, h *testHw)

func newTest(t *testing.T, nSub, nBuf uint, opts ...testOption) (*Main, *Device, *testHw) {
	t.Helper()
	host, err := dmamem.NewHost(nBuf, testBufferBytes)
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })

	h := &testHw{
		ring:    sim.NewRing(nSub, 0),
		host:    host,
		regs:    sim.NewRegs(),
		changer: sim.NewChanger(2, 0),
	}
	cfg := Config{
		Sessions:   2,
		BackoffMin: time.Microsecond,
		BackoffMax: 100 * time.Microsecond,
	}
	dc := DeviceConfig{
		Name:                   "asic0",
		Subdevices:             nSub,
		AuthoritativeSubdevice: nSub - 1,
		Buffers:                nBuf,
		BufferBytes:            testBufferBytes,
		Rdm: rdm.Config{
			Base:       0x100,
			Blocks:     4,
			BlockWords: 8,
			Pipes:      2,
			ShadowBase: 0x8000,
		},
	}
	h.hw = Hw{Ring: h.ring, Mem: host, Mapper: host, Regs: h.regs, Changer: h.changer}
	for _, o := range opts {
		o(&cfg, &dc, h)
	}
	m := New(cfg)
	d, err := m.AddDevice(dc, h.hw)
	require.NoError(t, err)
	return m, d, h
}

func (m *Main) testList(si uint, d *Device, sub uint) *List {
	return &m.sessions[si].device(d)[sub]
}

func (d *Device) buffer(t dr.Tag) *Buffer { return &d.pool.bufs[t.Index()] }

func appendNarrow(t *testing.T, m *Main, sub int, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, m.Append(0, sub, 0, dr.Narrow, uint64(0x1000+16*i), 0, uint64(i)))
	}
}

func TestThreeNarrowWrites(t *testing.T) {
	m, d, _ := newTest(t, 1, 4)
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Append(0, 0, 0, dr.Narrow, 0x1000+16*uint64(i), 0xdead, 0x1_0000_0000|uint64(i)))
	}
	l := m.testList(0, d, 0)
	require.Equal(t, uint(1), l.Len())
	b := l.Head()
	require.Equal(t, uint(36), b.Used())
	require.Equal(t, uint(3), b.Entries())
	require.Equal(t, dr.Narrow, b.Width())

	want := []Record{
		{Addr: 0x100, Lo: 0},
		{Addr: 0x101, Lo: 1},
		{Addr: 0x102, Lo: 2},
	}
	if diff := cmp.Diff(want, Decode(b.Bytes(), dr.Narrow)); diff != "" {
		t.Errorf("records (-want +got):\n%s", diff)
	}
}

func TestWidthChange(t *testing.T) {
	m, d, _ := newTest(t, 1, 4)
	require.NoError(t, m.Append(0, 0, 0, dr.Narrow, 0x1000, 0, 1))
	require.NoError(t, m.Append(0, 0, 0, dr.Narrow, 0x1010, 0, 2))
	require.NoError(t, m.Append(0, 0, 0, dr.Wide, 0x1020, 3, 4))
	l := m.testList(0, d, 0)
	require.Equal(t, uint(2), l.Len())
	require.Equal(t, uint(2), l.Head().Entries())
	tail := l.Tail()
	require.Equal(t, dr.Wide, tail.Width())
	require.Equal(t, uint(20), tail.Used())
	require.Equal(t, []Record{{Addr: 0x102, Hi: 3, Lo: 4}}, Decode(tail.Bytes(), dr.Wide))
}

func TestBufferFull(t *testing.T) {
	m, d, _ := newTest(t, 1, 4)
	appendNarrow(t, m, 0, 11)
	l := m.testList(0, d, 0)
	require.Equal(t, uint(3), l.Len())
	var entries []uint
	for b := l.Head(); b != nil; b = l.Next(b) {
		entries = append(entries, b.Entries())
	}
	require.Equal(t, []uint{5, 5, 1}, entries)
}

func TestMisalignedAppendPanics(t *testing.T) {
	m, _, _ := newTest(t, 1, 4)
	require.Panics(t, func() { m.Append(0, 0, 0, dr.Narrow, 0x1004, 0, 0) })
	require.Panics(t, func() { m.Append(0, 1, 0, dr.Narrow, 0x1000, 0, 0) })
	require.Panics(t, func() { m.Append(0, 0, 7, dr.Narrow, 0x1000, 0, 0) })
}

func TestFreesRideOnLastBuffer(t *testing.T) {
	m, d, h := newTest(t, 1, 4)
	x, err := m.Allocate(0, 1, rdm.L1, 1)
	require.NoError(t, err)
	y, err := m.Allocate(0, 1, rdm.L1, 2)
	require.NoError(t, err)

	appendNarrow(t, m, 0, 6)
	require.NoError(t, m.Free(0, 0, x))
	require.NoError(t, m.Free(0, 0, y))
	require.NoError(t, m.Send(0, true))

	pushed := h.ring.Pushed(0)
	require.Len(t, pushed, 2)
	require.Equal(t, uint(2), d.InUse())
	require.Empty(t, d.buffer(pushed[0].Tag).Frees())
	last := d.buffer(pushed[1].Tag)
	require.Equal(t, []rdm.Address{x, y}, last.Frees())
	require.True(t, last.Authoritative())

	// Nothing is freed before completion.
	require.Zero(t, d.Rdm().Stats().Pipes[1].Queued)

	h.ring.Consume(0, -1)
	d.serviceSub(0, 0)
	require.Zero(t, d.InUse())
	require.Equal(t, uint(2), d.Rdm().Stats().Pipes[1].Queued)
	require.Equal(t, 1, h.changer.Requests(1))
	require.Zero(t, h.changer.Requests(0))
}

// watchRing records pool state each time the driver touches the ring.
type watchRing struct {
	*sim.Ring
	d            *Device
	pushInUse    []uint
	serviceInUse []uint
	full         dr.Tag
	fullSeen     []bool
}

func (r *watchRing) Push(sub uint, x dr.Descriptor) error {
	r.pushInUse = append(r.pushInUse, r.d.InUse())
	err := r.Ring.Push(sub, x)
	if errors.Is(err, dr.ErrRingFull) {
		r.full = x.Tag
	}
	return err
}

func (r *watchRing) Service(sub uint, max int, fn func(c dr.Completion)) int {
	r.serviceInUse = append(r.serviceInUse, r.d.InUse())
	r.fullSeen = append(r.fullSeen, r.d.buffer(r.full).Submitted())
	return r.Ring.Service(sub, max, fn)
}

func TestRingFullRetry(t *testing.T) {
	var w *watchRing
	m, d, h := newTest(t, 1, 4, func(c *Config, dc *DeviceConfig, h *testHw) {
		w = &watchRing{Ring: h.ring}
		h.hw.Ring = w
	})
	w.d = d
	h.ring.FullOn(0, 2)

	appendNarrow(t, m, 0, 11)
	require.NoError(t, m.Send(0, false))

	require.Equal(t, []uint{1, 2, 2, 3}, w.pushInUse)
	require.Equal(t, []uint{1}, w.serviceInUse)
	require.Equal(t, []bool{false}, w.fullSeen)

	st := h.ring.Stats(0)
	require.Equal(t, 4, st.Pushes)
	require.Equal(t, 3, st.Accepted)
	require.Equal(t, 1, st.Services)
	require.Equal(t, uint(3), d.InUse())
	require.Zero(t, m.Staged(0))

	// The retried buffer keeps its place.
	pushed := h.ring.Pushed(0)
	require.Equal(t, w.full, pushed[1].Tag)
	require.Equal(t, []uint{5, 5, 1}, []uint{pushed[0].Entries, pushed[1].Entries, pushed[2].Entries})
}

func TestRingFullEscalates(t *testing.T) {
	m, d, h := newTest(t, 1, 4, func(c *Config, dc *DeviceConfig, h *testHw) {
		c.RingRetries = 2
		h.ring.Depth = 1
	})
	x, err := m.Allocate(0, 0, rdm.L2, 1)
	require.NoError(t, err)
	appendNarrow(t, m, 0, 6)
	require.NoError(t, m.Free(0, 0, x))
	err = m.Send(0, true)
	require.ErrorIs(t, err, dr.ErrRingFull)

	require.Zero(t, m.Staged(0))
	require.Equal(t, uint(1), d.InUse())
	require.Equal(t, uint(3), d.Pool().Idle())
	// The free returned to the session and rides on the next send.
	require.Equal(t, []rdm.Address{x}, m.sessions[0].pending[0].frees)

	h.ring.AutoConsume = true
	require.NoError(t, d.Drain(context.Background()))
	require.Zero(t, d.InUse())
}

func cancelAfter(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

type failMapper struct {
	dmamem.Mapper
	fail bool
}

func (f *failMapper) Map(c dmamem.Chunk) (uintptr, error) {
	if f.fail {
		return 0, errors.New("iommu fault")
	}
	return f.Mapper.Map(c)
}

func TestMapFailureKeepsDeferredEffects(t *testing.T) {
	var fm *failMapper
	m, d, h := newTest(t, 1, 4, func(c *Config, dc *DeviceConfig, h *testHw) {
		fm = &failMapper{Mapper: h.host}
		h.hw.Mapper = fm
	})
	u := treesize.Update{Pipe: 0, MGID: 9, Length: 4}
	m.QueueTreeUpdate(0, 0, u)
	appendNarrow(t, m, 0, 2)

	fm.fail = true
	require.Error(t, m.Send(0, true))
	require.Zero(t, m.Staged(0))
	require.Zero(t, d.InUse())
	require.Equal(t, uint(4), h.host.FreeLen())
	r, ok := d.Tree(0).Get(9, 0)
	require.True(t, ok)
	require.True(t, r.Pending())

	fm.fail = false
	require.NoError(t, m.Send(0, true))
	pushed := h.ring.Pushed(0)
	require.Len(t, pushed, 1)
	require.Zero(t, pushed[0].Entries)
	require.Equal(t, []treesize.Update{u}, d.buffer(pushed[0].Tag).Updates())
}

func TestAbortIdempotent(t *testing.T) {
	m, d, h := newTest(t, 2, 4)
	m.Abort(0)

	x, err := m.Allocate(0, 0, rdm.L1, 1)
	require.NoError(t, err)
	appendNarrow(t, m, AllSubdevices, 7)
	m.QueueTreeUpdate(0, 0, treesize.Update{Pipe: 1, MGID: 3, Length: 2})
	require.NoError(t, m.Free(0, 0, x))
	require.Equal(t, uint(4), m.Staged(0))

	m.Abort(0)
	require.Zero(t, m.Staged(0))
	require.Equal(t, uint(4), d.Pool().Idle())
	require.Equal(t, uint(4), h.host.FreeLen())
	for sub := uint(0); sub < 2; sub++ {
		r, ok := d.Tree(sub).Get(3, 1)
		require.True(t, ok)
		require.False(t, r.Pending(), "subdevice %d", sub)
		require.Zero(t, r.Target, "subdevice %d", sub)
	}
	m.Abort(0)

	require.NoError(t, m.Send(0, true))
	require.Zero(t, h.ring.Stats(0).Pushes)
	require.Zero(t, h.ring.Stats(1).Pushes)
	require.Equal(t, uint(1), m.Device(0).Rdm().Size(x))

	// The aborted free does not block a new one.
	require.NoError(t, m.Free(0, 0, x))
	m.Abort(0)
}

func TestDiscardKeepsDeferredEffects(t *testing.T) {
	m, d, h := newTest(t, 1, 4)
	x, err := m.Allocate(0, 0, rdm.L1, 1)
	require.NoError(t, err)
	u := treesize.Update{MGID: 4, Length: 1}
	m.QueueTreeUpdate(0, 0, u)
	require.NoError(t, m.Free(0, 0, x))
	m.Begin(0)
	appendNarrow(t, m, 0, 7)
	require.Equal(t, uint(2), m.Staged(0))

	m.Discard(0)
	require.Zero(t, m.Staged(0))
	require.Equal(t, uint(4), d.Pool().Idle())
	r, _ := d.Tree(0).Get(4, 0)
	require.True(t, r.Pending())

	require.NoError(t, m.Send(0, true))
	pushed := h.ring.Pushed(0)
	require.Len(t, pushed, 1)
	require.Zero(t, pushed[0].Entries)
	b := d.buffer(pushed[0].Tag)
	require.Equal(t, []rdm.Address{x}, b.Frees())
	require.Equal(t, []treesize.Update{u}, b.Updates())
}

func TestDoubleFree(t *testing.T) {
	m, d, h := newTest(t, 1, 4)
	x, err := m.Allocate(0, 0, rdm.L1, 1)
	require.NoError(t, err)
	y, err := m.Allocate(0, 0, rdm.L1, 1)
	require.NoError(t, err)

	require.NoError(t, m.Free(0, 0, x))
	require.ErrorIs(t, m.Free(0, 0, x), rdm.ErrAlreadyFreed)
	require.ErrorIs(t, m.Free(1, 0, x), rdm.ErrAlreadyFreed)
	require.ErrorIs(t, m.FreeNow(0, x), rdm.ErrAlreadyFreed)
	require.NoError(t, m.Free(1, 0, y))
	require.NoError(t, m.Send(0, true))
	require.NoError(t, m.Send(1, true))

	// In flight.
	require.Equal(t, uint(2), d.InUse())
	require.ErrorIs(t, m.Free(0, 0, x), rdm.ErrAlreadyFreed)
	require.ErrorIs(t, m.FreeNow(0, y), rdm.ErrAlreadyFreed)

	// Completed; waiting on RDM changes.
	h.ring.Consume(0, -1)
	require.NotPanics(t, func() { d.serviceSub(0, 0) })
	require.Zero(t, d.InUse())
	require.True(t, d.Rdm().Freed(x))
	require.ErrorIs(t, m.Free(0, 0, x), rdm.ErrAlreadyFreed)
	require.ErrorIs(t, m.Free(1, 0, y), rdm.ErrAlreadyFreed)

	require.NoError(t, d.Quiesce(context.Background()))
	require.ErrorIs(t, m.Free(0, 0, x), rdm.ErrNotAllocated)
	require.Equal(t, uint(4), d.Rdm().Stats().FreeBlocks)
}

func TestSecondSubdeviceSleep(t *testing.T) {
	const sleep = 50 * time.Millisecond
	m, d, h := newTest(t, 2, 4, func(c *Config, dc *DeviceConfig, h *testHw) {
		dc.SecondSubdeviceSleep = sleep
	})
	appendNarrow(t, m, 0, 1)
	appendNarrow(t, m, 1, 1)
	require.NoError(t, m.Send(0, true))
	h.ring.Consume(0, -1)
	h.ring.Consume(1, -1)

	start := time.Now()
	d.serviceSub(0, 0)
	elapsed := time.Since(start)
	require.True(t, elapsed < sleep, "non-authoritative subdevice slept %s", elapsed)
	require.Equal(t, uint(1), d.InUse())

	done := make(chan time.Duration)
	start = time.Now()
	go func() {
		d.serviceSub(1, 0)
		done <- time.Since(start)
	}()
	time.Sleep(sleep / 5)
	// Released but still counted until the sleep ends.
	require.Equal(t, uint(1), d.InUse())
	require.Equal(t, uint(4), d.Pool().Idle())
	elapsed = <-done
	require.True(t, elapsed >= sleep, "authoritative subdevice slept %s", elapsed)
	require.Zero(t, d.InUse())
}

func TestDrain(t *testing.T) {
	m, d, h := newTest(t, 2, 8)
	h.ring.AutoConsume = true
	appendNarrow(t, m, AllSubdevices, 20)
	require.NoError(t, m.Send(0, true))
	require.Equal(t, uint(8), d.InUse())
	require.NoError(t, m.Drain(context.Background()))
	require.Zero(t, d.InUse())
	require.Equal(t, uint(8), d.Pool().Idle())
	require.Equal(t, uint(8), h.host.FreeLen())
	require.Equal(t, uint64(8), d.Stats().Completions)
}

func TestDrainCanceled(t *testing.T) {
	m, d, _ := newTest(t, 1, 4)
	appendNarrow(t, m, 0, 1)
	require.NoError(t, m.Send(0, true))
	err := d.Drain(cancelAfter(t, 5*time.Millisecond))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, uint(1), d.InUse())
}

func TestOrderWithinBatch(t *testing.T) {
	m, d, h := newTest(t, 1, 8)
	type write struct {
		w      dr.Width
		addr   uint64
		hi, lo uint64
	}
	var writes []write
	for i := 0; i < 16; i++ {
		w := dr.Width(i / 3 % 3)
		writes = append(writes, write{w, 0x4000 + 16*uint64(i), uint64(i) << 8, uint64(i)})
	}
	m.Begin(0)
	for _, x := range writes {
		require.NoError(t, m.Append(0, 0, 0, x.w, x.addr, x.hi, x.lo))
	}
	require.NoError(t, m.End(0))

	var got []write
	for _, p := range h.ring.Pushed(0) {
		b := d.buffer(p.Tag)
		for _, r := range Decode(b.Bytes(), p.Width) {
			got = append(got, write{p.Width, uint64(r.Addr) << 4, r.Hi, r.Lo})
		}
	}
	for i := range writes {
		if writes[i].w != dr.Wide {
			writes[i].hi = 0
		}
	}
	if diff := cmp.Diff(writes, got, cmp.AllowUnexported(write{})); diff != "" {
		t.Errorf("writes (-want +got):\n%s", diff)
	}
}

func TestAuthoritativeSubdevice(t *testing.T) {
	m, d, h := newTest(t, 2, 4)
	u := treesize.Update{Pipe: 1, MGID: 7, Length: 3}
	m.QueueTreeUpdate(0, 0, u)
	appendNarrow(t, m, AllSubdevices, 1)
	require.NoError(t, m.Send(0, true))

	b0 := d.buffer(h.ring.Pushed(0)[0].Tag)
	b1 := d.buffer(h.ring.Pushed(1)[0].Tag)
	require.Empty(t, b0.Updates())
	require.Equal(t, []treesize.Update{u}, b1.Updates())
	for sub := uint(0); sub < 2; sub++ {
		r, _ := d.Tree(sub).Get(7, 1)
		require.Equal(t, b1.Tag(), r.Tag)
	}

	// First subdevice completing changes nothing.
	h.ring.Consume(0, -1)
	d.Service(0)
	require.Zero(t, h.changer.Requests(1))
	require.Zero(t, d.Rdm().Stats().Pipes[1].PendingUpdates)

	h.ring.Consume(1, -1)
	d.serviceSub(1, 0)
	require.Equal(t, 1, h.changer.Requests(1))
	require.Equal(t, uint32(0), d.Tree(0).Active(7, 1))

	// Acknowledged change makes the length visible everywhere.
	d.Service(0)
	require.Equal(t, 1, h.changer.Acks(1))
	for sub := uint(0); sub < 2; sub++ {
		r, ok := d.Tree(sub).Get(7, 1)
		require.True(t, ok)
		require.Equal(t, uint32(3), r.Active)
		require.False(t, r.Pending())
	}
	require.Zero(t, d.InUse())
}

func TestFreeReusedAfterTwoChanges(t *testing.T) {
	m, d, h := newTest(t, 1, 4)
	h.ring.AutoConsume = true
	x, err := m.Allocate(0, 1, rdm.L2, 4)
	require.NoError(t, err)
	require.NoError(t, m.Free(0, 0, x))

	// No writes: an empty buffer carries the free.
	require.NoError(t, m.Send(0, true))
	require.Len(t, h.ring.Pushed(0), 1)
	require.NoError(t, d.Quiesce(context.Background()))

	require.Equal(t, 2, h.changer.Requests(1))
	require.Equal(t, 2, h.changer.Acks(1))
	s := d.Rdm().Stats()
	require.Zero(t, s.Pipes[1].Queued)
	require.Zero(t, s.Pipes[1].Waiting)
	require.Equal(t, uint(4), s.FreeBlocks)

	y, err := m.Allocate(0, 1, rdm.L2, 4)
	require.NoError(t, err)
	require.Equal(t, x, y)
}

func TestFreeUnallocated(t *testing.T) {
	m, _, _ := newTest(t, 1, 4)
	require.ErrorIs(t, m.Free(0, 0, 0x100), rdm.ErrNotAllocated)
}

func TestWriteReg32(t *testing.T) {
	m, _, h := newTest(t, 1, 4)
	require.NoError(t, m.WriteReg32(0, 0, 0x40, 7))
	require.Equal(t, []sim.RegWrite{{Addr: 0x40, Value: 7}}, h.regs.Writes())
	require.Zero(t, h.ring.Stats(0).Pushes)
}

func TestWriteReg32DmaMode(t *testing.T) {
	m, d, h := newTest(t, 2, 4, func(c *Config, dc *DeviceConfig, h *testHw) {
		dc.DmaRegisterMode = true
	})
	require.NoError(t, m.WriteReg32(0, 0, 0x40, 7))
	require.Empty(t, h.regs.Writes())
	for sub := uint(0); sub < 2; sub++ {
		pushed := h.ring.Pushed(sub)
		require.Len(t, pushed, 1)
		require.Equal(t, dr.Narrow, pushed[0].Width)
		require.Equal(t, []Record{{Addr: 0x40, Lo: 7}}, Decode(d.buffer(pushed[0].Tag).Bytes(), dr.Narrow))
	}

	// Batched register writes wait for End.
	m.Begin(1)
	require.NoError(t, m.WriteReg32(1, 0, 0x44, 8))
	require.Len(t, h.ring.Pushed(0), 1)
	require.NoError(t, m.End(1))
	require.Len(t, h.ring.Pushed(0), 2)

	h.ring.AutoConsume = true
	_, err := m.ReadReg32(context.Background(), 0, 0x40)
	require.NoError(t, err)
	require.Zero(t, d.InUse())
}

func TestPoolExhaustionSendsBatch(t *testing.T) {
	m, d, h := newTest(t, 1, 2)
	h.ring.AutoConsume = true
	m.Begin(0)
	appendNarrow(t, m, 0, 11)
	require.True(t, m.sessions[0].batching)
	require.Len(t, h.ring.Pushed(0), 2)
	require.Equal(t, uint(1), m.Staged(0))
	require.NoError(t, m.End(0))
	require.Len(t, h.ring.Pushed(0), 3)
	require.NoError(t, d.Drain(context.Background()))
}

func TestNoBuffer(t *testing.T) {
	m, _, _ := newTest(t, 1, 1)
	appendNarrow(t, m, 0, 1)
	err := m.Append(0, 0, 1, dr.Narrow, 0x2000, 0, 1)
	require.ErrorIs(t, err, ErrNoBuffer)
}

func TestForeignCompletions(t *testing.T) {
	m, d, h := newTest(t, 1, 4)
	h.ring.Inject(0, dr.Completion{Tag: dr.MakeTag(1, 0)})
	h.ring.Inject(0, dr.Completion{Tag: dr.MakeTag(dr.OwnerMcast, 1000)})
	h.ring.Inject(0, dr.Completion{Tag: dr.MakeTag(dr.OwnerMcast, 2)})
	require.Equal(t, 3, d.Service(0))
	require.Equal(t, uint64(3), d.Stats().Foreign)
	require.Zero(t, d.Stats().Completions)

	// A buffer completing on the wrong subdevice is dropped too.
	appendNarrow(t, m, 0, 1)
	require.NoError(t, m.Send(0, true))
	tag := h.ring.Pushed(0)[0].Tag
	d.complete(1, dr.Completion{Tag: tag})
	require.Equal(t, uint(1), d.InUse())
}

func TestCompletionStatus(t *testing.T) {
	m, d, h := newTest(t, 1, 4)
	h.ring.StatusOn(0, 1, 0x5)
	appendNarrow(t, m, 0, 1)
	require.NoError(t, m.Send(0, true))
	h.ring.Consume(0, -1)
	d.Service(0)
	st := d.Stats()
	require.Equal(t, uint64(1), st.Anomalies)
	require.Equal(t, uint64(1), st.Completions)
	require.Zero(t, d.InUse())
}

func TestClose(t *testing.T) {
	m, d, h := newTest(t, 1, 4)
	h.ring.AutoConsume = true
	appendNarrow(t, m, 0, 3)
	require.NoError(t, m.Send(0, true))
	appendNarrow(t, m, 0, 3)
	require.NoError(t, m.Close(context.Background()))
	require.Zero(t, m.Staged(0))
	require.Zero(t, d.InUse())

	m, _, _ = newTest(t, 1, 4)
	appendNarrow(t, m, 0, 1)
	require.NoError(t, m.Send(0, true))
	require.Error(t, m.Close(cancelAfter(t, time.Millisecond)))
}

func TestStaleReleasePanics(t *testing.T) {
	_, d, _ := newTest(t, 1, 4)
	b, err := d.Pool().Acquire()
	require.NoError(t, err)
	var l List
	l.push(b)
	require.Panics(t, func() { d.Pool().Release(b) })
	l.unlink(b)
	b.frees = append(b.frees, 0x100)
	require.Panics(t, func() { d.Pool().Release(b) })
	b.frees = nil
	d.Pool().Release(b)
	require.Panics(t, func() { d.Pool().Release(b) })
}

// levelChanger keeps reporting done until the next request.
type levelChanger struct {
	mu   sync.Mutex
	done []bool
}

func (c *levelChanger) RequestChange(pipe uint) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done[pipe] = true
	return nil
}

func (c *levelChanger) ChangeDone(pipe uint) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done[pipe], nil
}

func TestConcurrentPollAdvancesOnce(t *testing.T) {
	_, d, _ := newTest(t, 1, 4, func(c *Config, dc *DeviceConfig, h *testHw) {
		h.hw.Changer = &levelChanger{done: make([]bool, 2)}
	})
	d.requestChange(0)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.pollChanges()
		}()
	}
	wg.Wait()
	require.Equal(t, uint64(1), d.Stats().ChangeAcks)
	require.Equal(t, uint64(1), d.Rdm().Stats().Pipes[0].Epochs)
}
