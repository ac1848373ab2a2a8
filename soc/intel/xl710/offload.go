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

	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// OffloadRequest is the per-message offload metadata the upper stack
// attaches to a TxMessage, read by offload_query.
type OffloadRequest struct {
	IPv4Checksum        bool
	PseudoChecksum       bool
	InnerIPv4Checksum    bool
	InnerPseudoChecksum  bool
	// LSOMSS is the requested segment size, 0 meaning no LSO.
	LSOMSS int
	// Tunnel names the encapsulation the message's inner headers ride
	// in, TunnelNone if not tunneled.
	Tunnel TunnelKind
}

// TxMessage bundles one upper-stack message chain with its offload
// request, the "message" argument of tx_submit.
type TxMessage struct {
	Pkt     *stack.PacketBuffer
	Request OffloadRequest
}

func offloadQuery(msg *TxMessage) OffloadRequest {
	return msg.Request
}

// headerInfo is the decoded protocol stack of one (outer or inner) header
// block, produced by walkHeaders.
type headerInfo struct {
	l2Len int
	l3    L3Proto
	l3Len int
	l4    L4Proto
	l4Len int
	ok    bool
}

// walkHeaders extracts L2/L3/L4 protocol and header lengths starting at
// absolute offset off in the fragment chain, per §4.4.1. It never pulls up
// or coalesces the chain, reading only through byteAt/u16At.
func walkHeaders(vv buffer.VectorisedView, off int) headerInfo {
	var h headerInfo

	tpid, ok := u16At(vv, off+12)
	if !ok {
		return h
	}

	ethertypeOff := off + 12
	h.l2Len = 14

	if tpid == 0x8100 {
		h.l2Len = 16
		ethertypeOff = off + 16
	}

	ethertype, ok := u16At(vv, ethertypeOff)
	if !ok {
		return h
	}

	l3Off := ethertypeOff + 2

	switch ethertype {
	case 0x0800:
		h.l3 = L3IPv4

		vihl, ok := byteAt(vv, l3Off)
		if !ok {
			return h
		}
		h.l3Len = int(vihl&0x0f) * 4

		proto, ok := byteAt(vv, l3Off+9)
		if !ok {
			return h
		}
		h.l4, h.l4Len, ok = decodeL4(vv, proto, l3Off+h.l3Len)
		h.ok = ok

	case 0x86dd:
		h.l3 = L3IPv6
		h.l3Len = 40

		proto, ok := byteAt(vv, l3Off+6)
		if !ok {
			return h
		}
		h.l4, h.l4Len, ok = decodeL4(vv, proto, l3Off+h.l3Len)
		h.ok = ok

	default:
		return h
	}

	return h
}

func decodeL4(vv buffer.VectorisedView, proto byte, off int) (L4Proto, int, bool) {
	switch proto {
	case 6: // TCP
		b, ok := byteAt(vv, off+12)
		if !ok {
			return L4None, 0, false
		}
		return L4TCP, int(b>>4) * 4, true
	case 17: // UDP
		return L4UDP, 8, true
	case 132: // SCTP
		return L4SCTP, 12, true
	default:
		return L4None, 0, false
	}
}

// deriveOffload implements §4.4.1: walk the outer headers, recurse into a
// VXLAN tunnel if declared, compose the descriptor command/offset fields
// for every requested offload, and reject malformed requests.
func deriveOffload(msg *TxMessage) (TxContext, error) {
	var ctx TxContext

	req := offloadQuery(msg)
	vv := msg.Pkt.Data

	outer := walkHeaders(vv, 0)
	if !outer.ok && (req.IPv4Checksum || req.PseudoChecksum || req.LSOMSS > 0) {
		return ctx, errors.New("xl710: missing outer header info for requested offload")
	}

	if req.Tunnel != TunnelNone {
		if req.Tunnel != TunnelNATMAC {
			return ctx, errors.New("xl710: unrecognized tunnel type for requested offload")
		}

		innerOff := outer.l2Len + outer.l3Len + outer.l4Len + 8
		inner := walkHeaders(vv, innerOff)

		if !inner.ok && (req.InnerIPv4Checksum || req.InnerPseudoChecksum) {
			return ctx, errors.New("xl710: missing inner header info for requested offload")
		}

		ctx.Tunnel = true
		ctx.TunnelParams = encodeTunnelParams(outer)

		if req.InnerIPv4Checksum {
			if inner.l3 != L3IPv4 {
				return ctx, errors.New("xl710: inner IPv4 checksum requested on non-IPv4 inner header")
			}
			ctx.Cmd |= cmdIIPT
		}

		if req.InnerPseudoChecksum {
			if inner.l4 == L4None {
				return ctx, errors.New("xl710: inner L4 checksum requested on unsupported protocol")
			}
			ctx.Cmd |= l4TypeBits(inner.l4)
		}

		ctx.Offsets = encodeOffsets(outer.l2Len, outer.l3Len, inner.l4Len)
	} else {
		if req.IPv4Checksum {
			if outer.l3 != L3IPv4 {
				return ctx, errors.New("xl710: IPv4 checksum requested on non-IPv4 header")
			}
			ctx.Cmd |= cmdIIPT
		}

		if req.PseudoChecksum {
			if outer.l4 == L4None {
				return ctx, errors.New("xl710: L4 checksum requested on unsupported protocol")
			}
			ctx.Cmd |= l4TypeBits(outer.l4)
		}

		ctx.Offsets = encodeOffsets(outer.l2Len, outer.l3Len, outer.l4Len)
	}

	if req.LSOMSS > 0 {
		if !req.IPv4Checksum || !req.PseudoChecksum {
			return ctx, errors.New("xl710: LSO requires both IPv4 and pseudo checksum offloads")
		}

		total := vv.Size()
		hdrLen := outer.l2Len + outer.l3Len + outer.l4Len

		ctx.LSO = true
		ctx.TSOLen = total - hdrLen
		ctx.MSS = req.LSOMSS
		ctx.Cmd |= cmdTSO
	}

	return ctx, nil
}

// TxContext is the decoded offload request ready for descriptor emission
// (§3's "TxContext" data model entry).
type TxContext struct {
	Cmd          uint32
	Offsets      uint32
	Tunnel       bool
	TunnelParams uint32
	LSO          bool
	TSOLen       int
	MSS          int
}

// Command/offset bit layout for tx data and context descriptors (§6
// hardware contract); offsets are this driver's convention for packing
// MAC/IP/L4 lengths into the descriptor offset field.
const (
	cmdEOP  = 1 << 0
	cmdRS   = 1 << 1
	cmdICRC = 1 << 2
	cmdIIPT = 1 << 3
	cmdTSO  = 1 << 4

	l4TypeShift = 5
	l4TypeMask  = 0x3

	macLenShift = 0
	macLenMask  = 0x7f
	ipLenShift  = 7
	ipLenMask   = 0x1ff
	l4LenShift  = 16
	l4LenMask   = 0xff
)

func l4TypeBits(p L4Proto) uint32 {
	var v uint32

	switch p {
	case L4TCP:
		v = 1
	case L4UDP:
		v = 2
	case L4SCTP:
		v = 3
	}

	return v << l4TypeShift
}

func encodeOffsets(macLen, ipLen, l4Len int) uint32 {
	return uint32(macLen&macLenMask)<<macLenShift |
		uint32(ipLen&ipLenMask)<<ipLenShift |
		uint32(l4Len&l4LenMask)<<l4LenShift
}

func encodeTunnelParams(outer headerInfo) uint32 {
	return uint32(outer.l2Len&macLenMask)<<macLenShift | uint32(outer.l3Len&ipLenMask)<<ipLenShift
}
