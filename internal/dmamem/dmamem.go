// Copyright 2016 Platina Systems, Inc. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dmamem provides DMA capable memory for descriptor ring buffers.
package dmamem

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/platinasystems/mcdma/elib"
)

// Chunk is one DMA allocation.
type Chunk struct {
	Data []byte
	// Device visible address of Data[0].
	Phys uintptr
	ID   int
}

var ErrExhausted = errors.New("dma memory exhausted")

type Allocator interface {
	Alloc(n uint) (Chunk, error)
	Free(c Chunk)
}

// Mapper makes a chunk visible to (Map) or hidden from (Unmap) the device.
type Mapper interface {
	Map(c Chunk) (uintptr, error)
	Unmap(c Chunk) error
}

// Host carves a single anonymous mapping into fixed size chunks.
// Physical addresses are the host virtual addresses which suits devices
// behind an identity mapped iommu and simulation.
type Host struct {
	mu        sync.Mutex
	mem       []byte
	chunkSize uint
	free      elib.Pool
	mapped    elib.Bitmap
	nChunks   uint
}

// NewHost maps n chunks of chunkSize bytes each.
func NewHost(n, chunkSize uint) (h *Host, err error) {
	if n == 0 || chunkSize == 0 {
		err = fmt.Errorf("dmamem: invalid geometry %d x %d", n, chunkSize)
		return
	}
	pageSize := uint(unix.Getpagesize())
	size := elib.RoundPow2(elib.Word(n*chunkSize), elib.Word(pageSize))
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		err = errors.Wrap(err, "dmamem mmap")
		return
	}
	h = &Host{
		mem:       mem,
		chunkSize: chunkSize,
		nChunks:   n,
		mapped:    elib.NewBitmap(n),
	}
	h.free.PutRange(n)
	return
}

func (h *Host) ChunkSize() uint { return h.chunkSize }

func (h *Host) Alloc(n uint) (c Chunk, err error) {
	if n > h.chunkSize {
		err = fmt.Errorf("dmamem: allocation %d larger than chunk size %d", n, h.chunkSize)
		return
	}
	h.mu.Lock()
	i := h.free.GetIndex(h.nChunks)
	h.mu.Unlock()
	if i >= h.nChunks {
		err = ErrExhausted
		return
	}
	o := i * h.chunkSize
	c.Data = h.mem[o : o+h.chunkSize : o+h.chunkSize]
	c.Phys = uintptr(unsafe.Pointer(&c.Data[0]))
	c.ID = int(i)
	return
}

func (h *Host) Free(c Chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mapped.Get(uint(c.ID)) {
		panic(fmt.Errorf("dmamem: free of mapped chunk %d", c.ID))
	}
	if !h.free.PutIndex(uint(c.ID)) {
		panic(fmt.Errorf("dmamem: duplicate free of chunk %d", c.ID))
	}
}

func (h *Host) Map(c Chunk) (uintptr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mapped.Set(uint(c.ID)) {
		return 0, fmt.Errorf("dmamem: chunk %d already mapped", c.ID)
	}
	return c.Phys, nil
}

func (h *Host) Unmap(c Chunk) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.mapped.Unset(uint(c.ID)) {
		return fmt.Errorf("dmamem: chunk %d not mapped", c.ID)
	}
	return nil
}

// Free chunk count.
func (h *Host) FreeLen() uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.free.FreeLen()
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mem == nil {
		return nil
	}
	err := unix.Munmap(h.mem)
	h.mem = nil
	return errors.Wrap(err, "dmamem munmap")
}
