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
	"sync"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/buffer"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
)

// l2Overhead is the Ethernet header/VLAN/FCS allowance added to the MTU
// when sizing rx data buffers (§4.2 step 3).
const l2Overhead = 18

// Rx descriptor layout (§6 hardware contract): 32 bytes, read format
// carries pkt_addr/hdr_addr, write-back format reuses the second quad-word
// as the 64-bit status/error/length word.
const (
	rxDescSize       = 32
	rxDescPktAddrOff = 0
	rxDescHdrAddrOff = 8
	rxDescStatusOff  = 8
)

// RxFrame is one frame delivered upward by the rx pipeline, carrying the
// decoded checksum result alongside the message itself; link.go does not
// fold it into the packet it injects, so the caller reads it from here.
// rcb is nil for a copy-path frame, and is the
// Loaned RCB still owning the underlying memory for a bind-path frame;
// message_recycle uses it directly rather than trying to recover identity
// through a gVisor buffer.View that may or may not alias it.
type RxFrame struct {
	Pkt      *stack.PacketBuffer
	Proto    tcpip.NetworkProtocolNumber
	Checksum ChecksumResult

	rcb *RCB
}

// RxData is the per-queue receive ring: the descriptor ring, its working
// and free RCB lists, and the pending-loan bookkeeping needed for a safe
// teardown while buffers are loaned upward.
type RxData struct {
	dev   *Device
	index int

	ring     *DmaBuffer
	ringSize int
	bufSize  int

	working []*RCB
	free    []*RCB
	freeTop int
	freeMu  sync.Mutex

	head int

	rxLock sync.Mutex

	// pendingLoans counts RCBs currently Loaned and not yet recycled.
	pendingLoans int32
	shutdown     bool
	// destroyOnce guards the single ringDestroyed callback fired once
	// teardown has happened and every loan has drained, since both the
	// teardown goroutine and a racing recycle call may observe the
	// zero-and-shutdown condition simultaneously.
	destroyOnce sync.Once
}

// round_up_to_1KiB per §4.2 step 3.
func roundUp1KiB(n int) int {
	const unit = 1024
	return (n + unit - 1) / unit * unit
}

// newRxData implements the rx half of the §4.2 ring allocator.
func newRxData(dev *Device, index int, ringSize int) (rd *RxData, err error) {
	rd = &RxData{dev: dev, index: index, ringSize: ringSize}

	rd.working = make([]*RCB, ringSize)
	rd.free = make([]*RCB, ringSize)

	ring, err := AllocStatic(ringSize * rxDescSize)
	if err != nil {
		return nil, err
	}
	rd.ring = ring

	rd.bufSize = roundUp1KiB(dev.Config.MTU+l2Overhead) + rxHeaderPad

	for i := 0; i < ringSize; i++ {
		rcb, err := newRCB(rd.bufSize, rd)
		if err != nil {
			rd.teardownPartial()
			return nil, err
		}

		rcb.state = RCBWorking
		rd.working[i] = rcb
		rd.rearm(i, rcb.Addr())
	}

	for i := 0; i < ringSize; i++ {
		rcb, err := newRCB(rd.bufSize, rd)
		if err != nil {
			rd.teardownPartial()
			return nil, err
		}

		rcb.state = RCBFree
		rd.free[i] = rcb
	}
	rd.freeTop = ringSize

	return rd, nil
}

// teardownPartial releases whatever was allocated before a mid-allocation
// failure, satisfying §7 category 1 (full unwind).
func (rd *RxData) teardownPartial() {
	for _, rcb := range rd.working {
		if rcb != nil {
			rcb.destroy()
		}
	}
	for _, rcb := range rd.free[:rd.freeTop] {
		if rcb != nil {
			rcb.destroy()
		}
	}
	if rd.ring != nil {
		rd.ring.Free()
	}
}

// teardown implements §4.2's teardown algorithm: release the descriptor
// ring immediately, destroy every still-working RCB outright (they were
// never handed upward so their refcount is exactly 1), and leave every
// currently-loaned RCB pending until message_recycle drains it.
func (rd *RxData) teardown() {
	rd.ring.Free()

	for i, rcb := range rd.working {
		rd.working[i] = nil

		if rcb == nil {
			continue
		}

		if rcb.decRef() == 0 {
			rcb.destroy()
		}
	}

	rd.freeMu.Lock()
	for _, rcb := range rd.free[:rd.freeTop] {
		rcb.destroy()
	}
	rd.freeTop = 0
	rd.freeMu.Unlock()

	rd.shutdown = true

	if atomic.LoadInt32(&rd.pendingLoans) == 0 {
		rd.destroyOnce.Do(func() { rd.dev.ringDestroyed(rd.index) })
	}
}

func (rd *RxData) descBytes(i int) []byte {
	return rd.ring.Bytes()[i*rxDescSize : (i+1)*rxDescSize]
}

func (rd *RxData) readStatus(i int) uint64 {
	return binary.LittleEndian.Uint64(rd.descBytes(i)[rxDescStatusOff:])
}

func (rd *RxData) rearm(i int, addr uint) {
	d := rd.descBytes(i)
	binary.LittleEndian.PutUint64(d[rxDescPktAddrOff:], uint64(addr))
	binary.LittleEndian.PutUint64(d[rxDescHdrAddrOff:], 0)
}

func (rd *RxData) popFree() *RCB {
	rd.freeMu.Lock()
	defer rd.freeMu.Unlock()

	if rd.freeTop == 0 {
		return nil
	}

	rd.freeTop--
	rcb := rd.free[rd.freeTop]
	rd.free[rd.freeTop] = nil

	return rcb
}

func (rd *RxData) pushFree(rcb *RCB) {
	rd.freeMu.Lock()
	defer rd.freeMu.Unlock()

	rcb.resetView()
	rcb.state = RCBFree
	rd.free[rd.freeTop] = rcb
	rd.freeTop++
}

// bind implements the bind operation of §4.3: pop a replacement RCB, sync
// the working RCB for CPU read, hand it upward as Loaned, install the
// replacement into the working slot.
func (rd *RxData) bind(slot int, plen int) (*RCB, bool) {
	replacement := rd.popFree()
	if replacement == nil {
		return nil, false
	}

	rcb := rd.working[slot]
	rcb.buf.SyncForCPU()

	if !rcb.buf.Valid() {
		rd.pushFree(replacement)
		rd.dev.enterDegraded(errors.New("xl710: dma handle fault on rx bind sync"))
		return nil, false
	}

	rcb.buildView(plen)
	rcb.incRef()
	rcb.state = RCBLoaned
	atomic.AddInt32(&rd.pendingLoans, 1)

	rd.working[slot] = replacement
	replacement.state = RCBWorking

	return rcb, true
}

// copy implements the copy operation of §4.3.
func (rd *RxData) copy(slot int, plen int) []byte {
	rcb := rd.working[slot]
	rcb.buf.SyncForCPU()

	if !rcb.buf.Valid() {
		rd.dev.enterDegraded(errors.New("xl710: dma handle fault on rx copy sync"))
		return nil
	}

	out := make([]byte, plen)
	copy(out, rcb.buf.Bytes()[rxHeaderPad:rxHeaderPad+plen])

	return out
}

// recycleRCB is message_recycle's entry point for a bind-path frame: clear
// the cached wrapper (the next bind rebuilds it), push back to the free
// pool, end the loan, then decrement the reference count, destroying the
// buffer and cascading into RxData destruction if this was the last
// pending loan during shutdown. The wrapper/free-pool step comes before the
// decrement, the ordering discussed in the design notes' open questions.
func (rd *RxData) recycleRCB(rcb *RCB) {
	rcb.resetView()
	rd.pushFree(rcb)

	pending := atomic.AddInt32(&rd.pendingLoans, -1)

	// teardown only drops the list reference of RCBs it finds in the
	// working and free lists; an RCB that was Loaned at the time drops it
	// here.
	if rd.shutdown {
		rcb.decRef()
	}

	if rcb.decRef() != 0 {
		return
	}

	rcb.destroy()

	if pending == 0 && rd.shutdown {
		rd.destroyOnce.Do(func() { rd.dev.ringDestroyed(rd.index) })
	}
}

// run is the shared rx pipeline body for rx_poll and rx_interrupt.
// byteLimit < 0 means unlimited (interrupt context).
func (rd *RxData) run(byteLimit int, frameLimit int) []*RxFrame {
	rd.rxLock.Lock()
	defer rd.rxLock.Unlock()

	var frames []*RxFrame
	var bytes int
	var count int

	cur := rd.head
	lastConsumed := prev(rd.head, 1, rd.ringSize)

	for count < frameLimit {
		status := rd.readStatus(cur)

		if status&(1<<statusDD) == 0 {
			break
		}

		if status&(1<<statusEOP) == 0 {
			rd.dev.Stats.RxErrors.Add(1)
			rd.rearm(cur, rd.working[cur].Addr())
			cur = next(cur, 1, rd.ringSize)
			lastConsumed = prev(cur, 1, rd.ringSize)
			count++
			continue
		}

		errBits := uint32((status >> statusErrorShift) & statusErrorMask)
		plen := int((status >> statusLengthShift) & statusLengthMask)

		if byteLimit >= 0 && bytes+plen > byteLimit {
			break
		}

		if errBits&rd.dev.Config.RxErrorMask != 0 {
			rd.dev.Stats.RxErrors.Add(1)
			rd.rearm(cur, rd.working[cur].Addr())
		} else {
			frame := rd.deliver(cur, plen, errBits, status)
			if frame != nil {
				frames = append(frames, frame)
			}
		}

		bytes += plen
		lastConsumed = cur
		cur = next(cur, 1, rd.ringSize)
		count++
	}

	if count > 0 {
		rd.head = cur
		rd.dev.writeRxTail(rd.index, uint32(lastConsumed))
		rd.dev.Stats.RxBytes.Add(uint64(bytes))
		rd.dev.Stats.RxFrames.Add(uint64(count))
	}

	return frames
}

// deliver chooses bind-vs-copy disposition for one descriptor, optionally
// decodes checksum, and returns the frame to append to the return chain.
func (rd *RxData) deliver(slot int, plen int, errBits uint32, status uint64) *RxFrame {
	var view []byte
	var loaned *RCB

	if plen >= rd.dev.Config.RxDmaMin {
		if rcb, ok := rd.bind(slot, plen); ok {
			view = rcb.view
			loaned = rcb
		}
	}

	if loaned == nil && !rd.dev.Degraded() {
		view = rd.copy(slot, plen)
	}

	// Rearm unconditionally: bind may have swapped the working slot to the
	// replacement RCB, and the descriptor must point at whichever RCB is
	// sitting in the slot now, never at the one just handed upward.
	rd.rearm(slot, rd.working[slot].Addr())

	// §7 category 2: a post-sync DMA handle fault drops the frame/
	// ring-iteration in progress rather than delivering a partial or
	// stale buffer upward.
	if rd.dev.Degraded() {
		return nil
	}

	pkt := &stack.PacketBuffer{
		Data: buffer.NewViewFromBytes(view).ToVectorisedView(),
	}

	frame := &RxFrame{Pkt: pkt, rcb: loaned}

	if rd.dev.Config.RxHcksumEnable {
		frame.Checksum = decodeChecksum(status, errBits)
	}

	return frame
}
