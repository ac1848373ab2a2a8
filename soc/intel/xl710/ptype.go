// Intel Ethernet Controller XL710 family driver
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xl710

// L3Proto identifies the network-layer protocol of a ptype table entry.
type L3Proto int

const (
	L3None L3Proto = iota
	L3IPv4
	L3IPv6
)

// L4Proto identifies the transport-layer protocol of a ptype table entry.
type L4Proto int

const (
	L4None L4Proto = iota
	L4TCP
	L4UDP
	L4SCTP
)

// TunnelKind identifies the tunnel encapsulation, if any, of a ptype table
// entry.
type TunnelKind int

const (
	TunnelNone TunnelKind = iota
	TunnelGRE
	TunnelNATMAC
)

// ptypeEntry is one row of the rx packet-type table: the decoded protocol
// stack a given 8-bit ptype index represents.
type ptypeEntry struct {
	valid      bool
	outerL3    L3Proto
	tunnel     TunnelKind
	innerL3    L3Proto
	innerL4    L4Proto
	fragmented bool
}

// ptypeTable maps the 8-bit rx descriptor ptype field to its decoded
// protocol stack. Indices not populated below default to the zero value
// (valid == false), decoding as "unknown ptype" per §4.3.1 rule 1.
var ptypeTable [256]ptypeEntry

func init() {
	// Non-tunneled IPv4/IPv6 over TCP/UDP/SCTP.
	ptypeTable[22] = ptypeEntry{valid: true, outerL3: L3IPv4, innerL3: L3IPv4, innerL4: L4TCP}
	ptypeTable[23] = ptypeEntry{valid: true, outerL3: L3IPv4, innerL3: L3IPv4, innerL4: L4UDP}
	ptypeTable[24] = ptypeEntry{valid: true, outerL3: L3IPv4, innerL3: L3IPv4, innerL4: L4SCTP}
	ptypeTable[25] = ptypeEntry{valid: true, outerL3: L3IPv4, innerL3: L3IPv4}
	ptypeTable[26] = ptypeEntry{valid: true, outerL3: L3IPv4, innerL3: L3IPv4, fragmented: true}

	ptypeTable[90] = ptypeEntry{valid: true, outerL3: L3IPv6, innerL3: L3IPv6, innerL4: L4TCP}
	ptypeTable[91] = ptypeEntry{valid: true, outerL3: L3IPv6, innerL3: L3IPv6, innerL4: L4UDP}
	ptypeTable[92] = ptypeEntry{valid: true, outerL3: L3IPv6, innerL3: L3IPv6, innerL4: L4SCTP}
	ptypeTable[93] = ptypeEntry{valid: true, outerL3: L3IPv6, innerL3: L3IPv6}
	ptypeTable[94] = ptypeEntry{valid: true, outerL3: L3IPv6, innerL3: L3IPv6, fragmented: true}

	// VXLAN (NAT MAC) tunneled IPv4 inner, over TCP/UDP.
	ptypeTable[144] = ptypeEntry{valid: true, outerL3: L3IPv4, tunnel: TunnelNATMAC, innerL3: L3IPv4, innerL4: L4TCP}
	ptypeTable[145] = ptypeEntry{valid: true, outerL3: L3IPv4, tunnel: TunnelNATMAC, innerL3: L3IPv4, innerL4: L4UDP}
	ptypeTable[146] = ptypeEntry{valid: true, outerL3: L3IPv4, tunnel: TunnelNATMAC, innerL3: L3IPv4}

	// GRE tunneled IPv4 inner, over TCP/UDP.
	ptypeTable[160] = ptypeEntry{valid: true, outerL3: L3IPv4, tunnel: TunnelGRE, innerL3: L3IPv4, innerL4: L4TCP}
	ptypeTable[161] = ptypeEntry{valid: true, outerL3: L3IPv4, tunnel: TunnelGRE, innerL3: L3IPv4, innerL4: L4UDP}
	ptypeTable[162] = ptypeEntry{valid: true, outerL3: L3IPv4, tunnel: TunnelGRE, innerL3: L3IPv4}
}

// Rx descriptor write-back status/error bit positions within the 64-bit
// status word (§6 hardware contract).
const (
	statusDD        = 0
	statusEOP       = 1
	statusL3L4P     = 3
	statusIPV6EXADD = 15
	statusPtypeShift = 30
	statusPtypeMask  = 0xff
	statusLengthShift = 38
	statusLengthMask  = 0x3fff
	statusErrorShift  = 19
	statusErrorMask   = 0x7ff
)

// Error bit offsets within the 11-bit error field (bits 19-29 of the
// status word).
const (
	errIP       = 0 // IP checksum error, non-tunneled or inner
	errL4       = 1 // L4 checksum error
	errExternalIP = 2 // outer IP checksum error, tunneled
)

// ChecksumResult is the decoded rx checksum outcome, reported upward via
// set_checksum_result.
type ChecksumResult struct {
	OuterIPReported bool
	OuterIPOK       bool
	InnerIPReported bool
	InnerIPOK       bool
	L4Reported      bool
	L4OK            bool
}

// decodeChecksum implements the rules of §4.3.1 in order.
func decodeChecksum(status uint64, errBits uint32) ChecksumResult {
	var res ChecksumResult

	ptype := int((status >> statusPtypeShift) & statusPtypeMask)
	entry := ptypeTable[ptype]

	l3l4p := (status>>statusL3L4P)&1 != 0
	ipv6exadd := (status>>statusIPV6EXADD)&1 != 0

	if !entry.valid || !l3l4p || ipv6exadd {
		return res
	}

	if entry.outerL3 == L3IPv4 {
		res.OuterIPReported = true

		if entry.tunnel == TunnelNone {
			res.OuterIPOK = errBits&(1<<errIP) == 0
		} else {
			res.OuterIPOK = errBits&(1<<errExternalIP) == 0
		}
	}

	if entry.fragmented {
		return res
	}

	if entry.tunnel != TunnelNone && entry.innerL3 == L3IPv4 {
		res.InnerIPReported = true
		res.InnerIPOK = errBits&(1<<errIP) == 0
	}

	switch {
	case entry.tunnel == TunnelNone && isL4Checksummable(entry.innerL4):
		res.L4Reported = true
		res.L4OK = errBits&(1<<errL4) == 0
	case (entry.tunnel == TunnelGRE || entry.tunnel == TunnelNATMAC) && isL4Checksummable(entry.innerL4):
		res.L4Reported = true
		res.L4OK = errBits&(1<<errL4) == 0
	}

	return res
}

func isL4Checksummable(p L4Proto) bool {
	return p == L4TCP || p == L4UDP || p == L4SCTP
}
