// Intel Ethernet Controller XL710 family driver
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xl710

import (
	"encoding/binary"

	"gvisor.dev/gvisor/pkg/tcpip/buffer"
)

// next advances a descriptor index by count positions modulo n.
func next(i int, count int, n int) int {
	if i < 0 || i >= n {
		panic("xl710: index out of range")
	}

	if count <= 0 {
		panic("xl710: non-positive count")
	}

	return (i + count) % n
}

// prev retreats a descriptor index by count positions modulo n.
func prev(i int, count int, n int) int {
	if i < 0 || i >= n {
		panic("xl710: index out of range")
	}

	if count <= 0 {
		panic("xl710: non-positive count")
	}

	return ((i-count)%n + n) % n
}

// byteAt fetches a single byte at an absolute offset into a fragment
// chain, walking fragment boundaries without coalescing. Bounds are
// checked against 2 bytes rather than 1, matching the reference driver
// this routine is modeled on (see the Open Questions in the design notes);
// the offset must therefore have a full uint16 of chain remaining after
// it even though only one byte is read.
func byteAt(vv buffer.VectorisedView, off int) (b byte, ok bool) {
	if off < 0 || off+2 > vv.Size() {
		return 0, false
	}

	walked := 0

	for _, v := range vv.Views() {
		if off < walked+len(v) {
			return v[off-walked], true
		}

		walked += len(v)
	}

	return 0, false
}

// u16At fetches a big-endian 16-bit value at an absolute offset into a
// fragment chain, walking fragment boundaries without coalescing.
func u16At(vv buffer.VectorisedView, off int) (v uint16, ok bool) {
	if off < 0 || off+2 > vv.Size() {
		return 0, false
	}

	var buf [2]byte
	walked := 0
	need := 2
	got := 0

	for _, view := range vv.Views() {
		if walked+len(view) <= off {
			walked += len(view)
			continue
		}

		start := 0
		if off > walked {
			start = off - walked
		}

		for i := start; i < len(view) && got < need; i++ {
			buf[got] = view[i]
			got++
		}

		walked += len(view)

		if got == need {
			break
		}
	}

	if got != need {
		return 0, false
	}

	return binary.BigEndian.Uint16(buf[:]), true
}
