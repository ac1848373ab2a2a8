// First-fit memory allocator for DMA buffers
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package dma

import (
	"container/list"
	"errors"
)

// NewRegion allocates a new memory region for DMA buffer allocation over an
// arbitrary physical address range (e.g. a PCI BAR window or an MSI-X
// table), the application must guarantee that the passed memory range is
// not otherwise in use.
//
// When unique is true the region always becomes the package Default()
// region; otherwise it becomes the Default() region only if none has been
// initialized yet.
func NewRegion(start uint, size int, unique bool) (r *Region, err error) {
	if size <= 0 {
		return nil, errors.New("invalid region size")
	}

	r = &Region{
		start: start,
		size:  uint(size),
	}

	r.freeBlocks = list.New()
	r.freeBlocks.PushFront(&block{addr: start, size: uint(size)})
	r.usedBlocks = make(map[uint]*block)

	if unique || dma == nil {
		dma = r
	}

	return r, nil
}

// Init initializes the global memory region for DMA buffer allocation, the
// application must guarantee that the passed memory range is never used by
// the Go runtime (defining runtime.ramStart and runtime.ramSize
// accordingly).
//
// The global region is used throughout the tamago package for all DMA
// allocations performed through the package level functions below. Separate
// DMA regions can be allocated in other areas (e.g. external RAM, PCI BARs)
// with NewRegion().
func Init(start uint, size int) {
	dma, _ = NewRegion(start, size, true)
}

// Reserve is the equivalent of Region.Reserve() on the global DMA region.
func Reserve(size int, align int) (addr uint, buf []byte) {
	return dma.Reserve(size, align)
}

// Reserved is the equivalent of Region.Reserved() on the global DMA region.
func Reserved(buf []byte) (res bool, addr uint) {
	return dma.Reserved(buf)
}

// Alloc is the equivalent of Region.Alloc() on the global DMA region.
func Alloc(buf []byte, align int) (addr uint) {
	return dma.Alloc(buf, align)
}

// Read is the equivalent of Region.Read() on the global DMA region.
func Read(addr uint, off int, buf []byte) {
	dma.Read(addr, off, buf)
}

// Write is the equivalent of Region.Write() on the global DMA region.
func Write(addr uint, off int, buf []byte) {
	dma.Write(addr, off, buf)
}

// Free is the equivalent of Region.Free() on the global DMA region.
func Free(addr uint) {
	dma.Free(addr)
}

// Release is the equivalent of Region.Release() on the global DMA region.
func Release(addr uint) {
	dma.Release(addr)
}
