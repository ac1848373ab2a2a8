// Intel Ethernet Controller XL710 family driver
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xl710

import (
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip/buffer"
)

// rxHeaderPad is the header-alignment padding reserved at the start of
// every rx DmaBuffer so that, with a 14-byte Ethernet header, the L3 header
// lands on a 4-byte boundary.
const rxHeaderPad = 2

// RCBState names the three states of the RxControlBlock lifecycle.
type RCBState int32

const (
	RCBFree RCBState = iota
	RCBWorking
	RCBLoaned
)

// RCB is a Receive Control Block: it owns a DmaBuffer and lends it to the
// upper stack via a pre-built message wrapper. The reference count is 1
// while the block sits in a free or working list, >= 2 while loaned, and
// reaches 0 only during destruction.
type RCB struct {
	buf  *DmaBuffer
	ring *RxData

	// view caches the upper-stack message wrapper over buf; nil when
	// absent (cleared on recycle), rebuilt on next bind.
	view buffer.View

	refs  int32
	state RCBState
}

// newRCB allocates an RCB with a freshly allocated data buffer sized for
// one MTU-size frame rounded up to 1KiB plus the header pad, per the ring
// allocator's rule in §4.2 of the data plane component design.
func newRCB(bufSize int, ring *RxData) (*RCB, error) {
	buf, err := AllocStatic(bufSize)

	if err != nil {
		return nil, err
	}

	return &RCB{buf: buf, ring: ring, refs: 1, state: RCBFree}, nil
}

// Ref returns the current reference count.
func (r *RCB) Ref() int32 {
	return atomic.LoadInt32(&r.refs)
}

func (r *RCB) incRef() int32 {
	return atomic.AddInt32(&r.refs, 1)
}

func (r *RCB) decRef() int32 {
	return atomic.AddInt32(&r.refs, -1)
}

// Addr returns the rx buffer's device-visible address, for descriptor
// rearming.
func (r *RCB) Addr() uint {
	return r.buf.Addr()
}

// destroy frees the underlying DmaBuffer. Only called once the reference
// count has reached zero.
func (r *RCB) destroy() {
	r.buf.Free()
	r.view = nil
}

// buildView (re)builds the cached message wrapper over the rx buffer's
// first plen payload bytes, starting rxHeaderPad bytes in, if absent.
func (r *RCB) buildView(plen int) buffer.View {
	if r.view != nil {
		return r.view
	}

	data := r.buf.Bytes()

	if rxHeaderPad+plen > len(data) {
		plen = len(data) - rxHeaderPad
	}

	r.view = buffer.NewViewFromBytes(data[rxHeaderPad : rxHeaderPad+plen])

	return r.view
}

// resetView clears the cached wrapper, forcing the next buildView call to
// rebuild it. Called when an RCB returns to the free pool.
func (r *RCB) resetView() {
	r.view = nil
}
