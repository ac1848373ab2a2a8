// Intel Ethernet Controller XL710 family driver
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xl710

import (
	"errors"

	"github.com/xl710tamago/tamago/dma"
)

// pageSize is the static DmaBuffer allocation alignment, matching the
// platform page size assumed by dma.Region.
const pageSize = 4096

// maxCookiesNonLSO and maxCookiesLSO bound the number of bind cookies a
// single Tx Control Block may accumulate, matching the scatter/gather limit
// of the non-LSO and LSO bind profiles respectively.
const (
	maxCookiesNonLSO = 8
	maxCookiesLSO    = 32
)

// Cookie describes one bound DMA segment: a device-visible address and its
// length.
type Cookie struct {
	Addr uint
	Len  int
}

// DmaBuffer is a single-cookie DMA allocation used for descriptor rings and
// per-RCB/TCB copy buffers (the "static" profile of the DMA buffer
// primitive). Its address and capacity are non-zero iff the buffer is
// bound; a freed buffer has all fields cleared.
type DmaBuffer struct {
	addr uint
	buf  []byte
	// len is the in-use length, <= cap(buf).
	len int
}

// AllocStatic acquires a static DmaBuffer of the given capacity, page-aligned.
// Allocation is non-blocking: on failure (handled here as a panic from the
// underlying first-fit allocator running out of memory) no partial state
// survives, since nothing is recorded until the allocator call returns.
func AllocStatic(capacity int) (d *DmaBuffer, err error) {
	if capacity <= 0 {
		return nil, errors.New("xl710: invalid DmaBuffer capacity")
	}

	addr, buf := dma.Reserve(capacity, pageSize)

	if addr == 0 {
		return nil, errors.New("xl710: DmaBuffer allocation failed")
	}

	return &DmaBuffer{addr: addr, buf: buf, len: capacity}, nil
}

// Free releases a static DmaBuffer and clears it.
func (d *DmaBuffer) Free() {
	if d == nil || d.addr == 0 {
		return
	}

	dma.Release(d.addr)
	d.addr = 0
	d.buf = nil
	d.len = 0
}

// Addr returns the device-visible (bus) address of the buffer.
func (d *DmaBuffer) Addr() uint {
	return d.addr
}

// Valid reports whether the buffer still holds a live DMA handle, checked
// after a sync call to detect the §7 category 2 fault (the handle was torn
// down, e.g. by a racing Free, out from under an in-flight sync).
func (d *DmaBuffer) Valid() bool {
	return d != nil && d.addr != 0
}

// Len returns the in-use length of the buffer.
func (d *DmaBuffer) Len() int {
	return d.len
}

// Cap returns the buffer's allocated capacity.
func (d *DmaBuffer) Cap() int {
	return len(d.buf)
}

// Bytes returns the kernel-view slice covering the in-use length.
func (d *DmaBuffer) Bytes() []byte {
	return d.buf[:d.len]
}

// SetLen sets the in-use length, it must not exceed the allocated capacity.
func (d *DmaBuffer) SetLen(n int) {
	if n < 0 || n > len(d.buf) {
		panic("xl710: DmaBuffer length out of range")
	}

	d.len = n
}

// SyncForDevice publishes kernel-written contents to the device-visible
// address, required before handing the buffer's address to hardware.
func (d *DmaBuffer) SyncForDevice() {
	dma.Write(d.addr, 0, d.buf[:d.len])
}

// SyncForCPU refreshes the kernel-view slice from the device-visible
// address, required before a CPU read of hardware-written contents.
func (d *DmaBuffer) SyncForCPU() {
	dma.Read(d.addr, 0, d.buf[:cap(d.buf)])
}

// Bind registers an upper-stack memory fragment as a set of device-visible
// cookies without copying, for use by the "bind" DMA profile. It relies on
// dma.Region.Alloc's guarantee that a buffer previously obtained via
// dma.Reserve (as upper-stack send buffers from a DMA-backed pool are) is
// returned unmodified at its existing address; fragments that do not
// originate from DMA-backed memory are copied into a freshly allocated
// cookie instead, so Bind is always safe even though it is not always a
// true zero-copy operation.
func Bind(fragment []byte) (c Cookie, err error) {
	if len(fragment) == 0 {
		return Cookie{}, errors.New("xl710: empty bind fragment")
	}

	addr := dma.Alloc(fragment, 0)

	if addr == 0 {
		return Cookie{}, errors.New("xl710: bind allocation failed")
	}

	return Cookie{Addr: addr, Len: len(fragment)}, nil
}

// Unbind releases a cookie acquired through Bind.
func Unbind(c Cookie) {
	if c.Addr == 0 {
		return
	}

	dma.Free(c.Addr)
}
