// Intel Ethernet Controller XL710 family driver
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xl710

import (
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// TCBTag identifies which variant of the Transmit Control Block union is
// active.
type TCBTag int

const (
	// TCBNone is the initial/reset state.
	TCBNone TCBTag = iota
	// TCBCopy holds a single copy-path payload buffer.
	TCBCopy
	// TCBBind holds a bound scatter/gather fragment.
	TCBBind
	// TCBContext is a sentinel occupying the slot of a context descriptor,
	// so reclamation treats it like any other working-list entry.
	TCBContext
)

// TCB is a Transmit Control Block. It owns either a copy-destination
// DmaBuffer (TCBCopy) or a transient DMA binding over upper-stack memory
// (TCBBind), and keeps the upper-stack message reference alive until the
// device confirms write-back.
type TCB struct {
	tag TCBTag

	// copyBuf is the pre-allocated copy-path payload buffer, always
	// present regardless of tag.
	copyBuf *DmaBuffer

	// nonLSOCookies and lsoCookies are the two pre-allocated bind-cookie
	// vectors ("handles"); boundLSO selects which one is active for the
	// current bind.
	nonLSOCookies []Cookie
	lsoCookies    []Cookie
	boundLSO      bool

	// cookies is the active cookie vector for the current bind, a
	// reslice of nonLSOCookies or lsoCookies.
	cookies []Cookie

	// msg is the upper-stack message owned by this TCB until write-back.
	msg *stack.PacketBuffer
}

// newTCB allocates a TCB with its copy-path buffer and both pre-allocated
// bind-cookie vectors, per the ring allocator's rule in §4.2.
func newTCB(copyBufSize int) (*TCB, error) {
	buf, err := AllocStatic(copyBufSize)

	if err != nil {
		return nil, err
	}

	return &TCB{
		tag:           TCBNone,
		copyBuf:       buf,
		nonLSOCookies: make([]Cookie, 0, maxCookiesNonLSO),
		lsoCookies:    make([]Cookie, 0, maxCookiesLSO),
	}, nil
}

// beginBind resets the cookie vector for a fresh bind, selecting the LSO
// or non-LSO handle.
func (t *TCB) beginBind(lso bool) {
	t.tag = TCBBind
	t.boundLSO = lso

	if lso {
		t.cookies = t.lsoCookies[:0]
	} else {
		t.cookies = t.nonLSOCookies[:0]
	}
}

// addCookie appends a bind cookie to the active vector.
func (t *TCB) addCookie(c Cookie) {
	t.cookies = append(t.cookies, c)

	if t.boundLSO {
		t.lsoCookies = t.cookies
	} else {
		t.nonLSOCookies = t.cookies
	}
}

// unbind releases every cookie held by a TCBBind and clears the vector.
func (t *TCB) unbind() {
	if t.tag != TCBBind {
		return
	}

	for _, c := range t.cookies {
		Unbind(c)
	}

	t.cookies = t.cookies[:0]
}

// reset detaches the message reference and returns the TCB to the None
// state, ready to be pushed back to the free pool.
func (t *TCB) reset() *stack.PacketBuffer {
	msg := t.msg

	t.tag = TCBNone
	t.msg = nil

	return msg
}

// descriptors returns the number of descriptors this TCB occupies: one per
// bind cookie, or one for a copy-path/context TCB.
func (t *TCB) descriptors() int {
	if t.tag == TCBBind {
		return len(t.cookies)
	}

	return 1
}
