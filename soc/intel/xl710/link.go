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
	"errors"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// TRQP couples one Transmit-Receive Queue Pair's rings to a gVisor channel
// endpoint and is the package's upper-stack contract surface: rx_poll,
// rx_interrupt, tx_submit and message_recycle (§5) are exported methods
// here, and tx_unblock is the OnUnblock callback. By embedding *channel.Endpoint, TRQP satisfies
// stack.LinkEndpoint directly, the same inbound-delivery/dispatch pattern
// imx6/usb/ethernet's NIC.Link wraps; this package's own tx path goes
// through Submit rather than the embedded WritePacket, since WritePacket's
// stack.GSO argument doesn't carry the richer OffloadRequest this driver
// derives checksum/LSO context from.
type TRQP struct {
	*channel.Endpoint

	dev   *Device
	index int

	rx *RxData
	tx *TxRing

	// OnUnblock, if set, implements tx_unblock: it is called with this
	// queue's index once reclamation clears the ring's blocked state, so
	// the upper stack knows when to resubmit messages Submit handed back.
	OnUnblock func(index int)
}

// NewTRQP wraps a started device's queue index with a channel endpoint of
// the given dispatch queue depth.
func NewTRQP(dev *Device, index int, queueLen int) (*TRQP, error) {
	if index < 0 || index >= len(dev.rx) {
		return nil, errors.New("xl710: invalid queue index")
	}

	t := &TRQP{
		Endpoint: channel.New(queueLen, uint32(dev.Config.MTU), ""),
		dev:      dev,
		index:    index,
		rx:       dev.rx[index],
		tx:       dev.tx[index],
	}

	prevUnblock := dev.onUnblock

	dev.onUnblock = func(i int) {
		if i != t.index {
			if prevUnblock != nil {
				prevUnblock(i)
			}
			return
		}

		if t.OnUnblock != nil {
			t.OnUnblock(i)
		}
	}

	return t, nil
}

// RxPoll implements rx_poll: drain up to byteLimit bytes across at most
// frameLimit frames, inject each into the embedded endpoint, and return the
// decoded frames (with their checksum results) for inspection alongside
// dispatch.
func (t *TRQP) RxPoll(byteLimit int, frameLimit int) []*RxFrame {
	frames := t.rx.run(byteLimit, frameLimit)
	t.inject(frames)
	return frames
}

// RxInterrupt implements rx_interrupt: drain up to the configured
// per-interrupt frame limit, unbounded by byte budget.
func (t *TRQP) RxInterrupt() []*RxFrame {
	frames := t.rx.run(-1, t.dev.Config.RxLimitPerIntr)
	t.inject(frames)
	return frames
}

func (t *TRQP) inject(frames []*RxFrame) {
	for _, f := range frames {
		hdr, proto, payload := splitEthernet(f.Pkt.Data.ToView())

		pkt := &stack.PacketBuffer{
			LinkHeader: hdr,
			Data:       payload.ToVectorisedView(),
		}

		t.Endpoint.InjectInbound(proto, pkt)
	}
}

// splitEthernet separates a raw frame into its 14-byte (or 18 with a
// single 802.1Q tag) link header, ethertype, and payload. Checksum results
// are deliberately not folded into the injected stack.PacketBuffer: this
// pinned gVisor snapshot's dispatch path has no documented hook for a
// precomputed checksum result, so set_checksum_result is surfaced as the
// Checksum field on the RxFrame returned by RxPoll/RxInterrupt instead,
// left for the caller to act on explicitly.
func splitEthernet(frame []byte) (hdr buffer.View, proto tcpip.NetworkProtocolNumber, payload buffer.View) {
	if len(frame) < 14 {
		return buffer.View(frame), 0, nil
	}

	l2Len := 14
	ethertypeOff := 12

	if binary.BigEndian.Uint16(frame[12:14]) == 0x8100 {
		l2Len = 18
		ethertypeOff = 16
	}

	if len(frame) < l2Len {
		return buffer.View(frame), 0, nil
	}

	hdr = buffer.NewViewFromBytes(frame[0:l2Len])
	proto = tcpip.NetworkProtocolNumber(binary.BigEndian.Uint16(frame[ethertypeOff : ethertypeOff+2]))
	payload = buffer.NewViewFromBytes(frame[l2Len:])

	return hdr, proto, payload
}

// Submit implements tx_submit. msg.Request must already carry the desired
// offloads (the result of the upper stack's own offload_query). A nil
// return means the message was either accepted or dropped (device not
// started or degraded, or a malformed offload request, each counted in
// dev.Stats.TxErrors). A non-nil return is the original message handed
// back: the ring is back-pressured (dev.Stats.TxBlockEvents), no free TCB
// or bind was available (dev.Stats.TxErrors), or a DMA fault on the
// descriptor ring has just put the device in the degraded state.
func (t *TRQP) Submit(msg *TxMessage) *TxMessage {
	return t.tx.submit(msg)
}

// Reclaim implements the write-back reclamation half of tx_unblock: walk
// the write-back head and, if this unblocks the ring, OnUnblock fires.
func (t *TRQP) Reclaim() {
	t.dev.Reclaim(t.index)
}

// Recycle implements message_recycle: the upper stack calls this once it
// is done with a bound (Loaned) RxFrame's payload, returning the RCB to
// the free pool and releasing it if the ring has since been torn down. A
// copy-path frame (never loaned) is a no-op.
func (t *TRQP) Recycle(f *RxFrame) {
	if f.rcb == nil {
		return
	}

	t.rx.recycleRCB(f.rcb)
}
