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

	"gvisor.dev/gvisor/pkg/tcpip/buffer"
)

var errTxNoFreeTCB = errors.New("xl710: tx free pool exhausted")

// Tx descriptor layout (§6 hardware contract): 16-byte data and context
// descriptors, plus a trailing 4-byte write-back head word.
const (
	txDescSize   = 16
	wbHeadSize   = 4
	txDescTypeData    = 0x0
	txDescTypeContext = 0x1
)

// TxRing is the per-queue transmit ring: the descriptor ring (plus its
// write-back head slot), the working list of TCBs, the free pool, and the
// blocked flag.
type TxRing struct {
	dev   *Device
	index int

	ring     *DmaBuffer
	ringSize int

	working []*TCB
	free    []*TCB
	freeTop int
	freeMu  sync.Mutex

	head int
	tail int

	freeDescriptors int
	blocked         bool

	txLock sync.Mutex
}

// newTxRing implements the tx half of the §4.2 ring allocator.
func newTxRing(dev *Device, index int, ringSize int, copyBufSize int) (tr *TxRing, err error) {
	tr = &TxRing{dev: dev, index: index, ringSize: ringSize, freeDescriptors: ringSize}

	tr.working = make([]*TCB, ringSize)

	ring, err := AllocStatic((ringSize+1) * txDescSize)
	if err != nil {
		return nil, err
	}
	tr.ring = ring

	poolSize := ringSize + ringSize/2
	tr.free = make([]*TCB, poolSize)

	for i := 0; i < poolSize; i++ {
		tcb, err := newTCB(copyBufSize)
		if err != nil {
			tr.teardownPartial()
			return nil, err
		}

		tr.free[i] = tcb
	}
	tr.freeTop = poolSize

	return tr, nil
}

func (tr *TxRing) teardownPartial() {
	for _, tcb := range tr.free[:tr.freeTop] {
		if tcb != nil {
			tcb.copyBuf.Free()
		}
	}
	if tr.ring != nil {
		tr.ring.Free()
	}
}

// teardown implements shutdown reclamation followed by ring release: every
// outstanding descriptor is walked unconditionally and its TCB returned to
// the free pool before the ring itself is freed.
func (tr *TxRing) teardown() {
	tr.txLock.Lock()

	i := tr.head
	for i != tr.tail {
		tcb := tr.working[i]
		if tcb == nil {
			i = next(i, 1, tr.ringSize)
			continue
		}

		adv := tcb.descriptors()

		for j := 0; j < adv; j++ {
			tr.working[(i+j)%tr.ringSize] = nil
		}

		tr.finishTCB(tcb)

		i = (i + adv) % tr.ringSize
	}

	tr.head = tr.tail
	tr.txLock.Unlock()

	for _, tcb := range tr.free[:tr.freeTop] {
		tcb.copyBuf.Free()
	}
	tr.ring.Free()
}

func (tr *TxRing) descBytes(i int) []byte {
	return tr.ring.Bytes()[i*txDescSize : (i+1)*txDescSize]
}

func (tr *TxRing) wbHead() uint32 {
	off := tr.ringSize * txDescSize
	tr.ring.SyncForCPU()
	return binary.LittleEndian.Uint32(tr.ring.Bytes()[off : off+wbHeadSize])
}

func (tr *TxRing) popFree() *TCB {
	tr.freeMu.Lock()
	defer tr.freeMu.Unlock()

	if tr.freeTop == 0 {
		return nil
	}

	tr.freeTop--
	tcb := tr.free[tr.freeTop]
	tr.free[tr.freeTop] = nil

	return tcb
}

func (tr *TxRing) pushFree(tcb *TCB) {
	tr.freeMu.Lock()
	defer tr.freeMu.Unlock()

	tr.free[tr.freeTop] = tcb
	tr.freeTop++
}

// submit implements the tx entry point: derive offload context, decide
// copy vs bind, reserve and emit descriptors, doorbell.
func (tr *TxRing) submit(msg *TxMessage) *TxMessage {
	// §4.4 tx entry condition: not started, or already in the degraded
	// state entered by a prior DMA handle fault, drops the frame outright.
	if !tr.dev.started || tr.dev.Degraded() {
		tr.dev.Stats.TxErrors.Add(1)
		return nil
	}

	ctx, err := deriveOffload(msg)
	if err != nil {
		tr.dev.Stats.TxErrors.Add(1)
		return nil
	}

	views := msg.Pkt.Data.Views()
	total := msg.Pkt.Data.Size()

	bind := ctx.LSO || total > tr.dev.Config.TxDmaMin

	var tcbs []*TCB
	var cookieCount int

	if bind {
		tcbs, cookieCount, err = tr.bindFragments(views, ctx.LSO, msg)
	} else {
		tcbs, cookieCount, err = tr.copyFragments(views, msg)
	}

	if err != nil {
		tr.rollback(tcbs)
		tr.dev.Stats.TxErrors.Add(1)
		return msg
	}

	needed := cookieCount
	if ctx.LSO || ctx.Tunnel {
		needed++
	}

	tr.txLock.Lock()

	if tr.freeDescriptors < tr.dev.Config.TxBlockThresh || tr.freeDescriptors < needed {
		tr.blocked = true
		tr.dev.Stats.TxBlockEvents.Add(1)
		tr.txLock.Unlock()

		tr.rollback(tcbs)

		return msg
	}

	tr.freeDescriptors -= needed

	if ctx.LSO || ctx.Tunnel {
		tr.emitContext(ctx)
	}

	tr.emitData(tcbs, ctx)

	tr.ring.SyncForDevice()

	// §7 category 2: a post-sync DMA handle fault on the descriptor ring
	// itself enters the degraded state and drops this ring-iteration in
	// progress rather than ringing a doorbell hardware may not see.
	if !tr.ring.Valid() {
		tr.txLock.Unlock()
		tr.dev.enterDegraded(errors.New("xl710: dma handle fault on tx ring sync"))
		return msg
	}

	tr.dev.writeTxTail(tr.index, uint32(tr.tail))

	tr.dev.Stats.TxFrames.Add(1)
	tr.dev.Stats.TxBytes.Add(uint64(total))

	tr.txLock.Unlock()

	return nil
}

// rollback returns every TCB allocated during a failed submit attempt to
// the free pool, detaching its message reference first.
func (tr *TxRing) rollback(tcbs []*TCB) {
	for _, tcb := range tcbs {
		tcb.unbind()
		tcb.reset()
		tr.pushFree(tcb)
	}
}

// bindFragments implements the bind branch of §4.4.2: one TCB per
// fragment, each bound over the fragment's memory range.
func (tr *TxRing) bindFragments(views []buffer.View, lso bool, msg *TxMessage) (tcbs []*TCB, cookies int, err error) {
	first := true

	for _, v := range views {
		if len(v) == 0 {
			continue
		}

		tcb := tr.popFree()
		if tcb == nil {
			return tcbs, cookies, errTxNoFreeTCB
		}

		tcb.beginBind(lso)

		c, err := Bind(v)
		if err != nil {
			tr.pushFree(tcb)
			return tcbs, cookies, err
		}

		tcb.addCookie(c)
		cookies++

		if first {
			tcb.msg = msg.Pkt
			first = false
		}

		tcbs = append(tcbs, tcb)
	}

	return tcbs, cookies, nil
}

// copyFragments implements the copy branch of §4.4.2: every fragment is
// memcpy'd end-to-end into a single TCB's pre-allocated copy buffer.
func (tr *TxRing) copyFragments(views []buffer.View, msg *TxMessage) (tcbs []*TCB, cookies int, err error) {
	tcb := tr.popFree()
	if tcb == nil {
		return nil, 0, errTxNoFreeTCB
	}

	tcb.tag = TCBCopy
	tcb.msg = msg.Pkt

	off := 0
	for _, v := range views {
		n := copy(tcb.copyBuf.Bytes()[off:cap(tcb.copyBuf.Bytes())], v)
		off += n
	}

	tcb.copyBuf.SetLen(off)
	tcb.copyBuf.SyncForDevice()

	return []*TCB{tcb}, 1, nil
}

// emitContext writes a context descriptor at the tail and installs a
// sentinel TCB so reclamation treats it uniformly (§4.4.3).
func (tr *TxRing) emitContext(ctx TxContext) {
	d := tr.descBytes(tr.tail)
	binary.LittleEndian.PutUint32(d[0:], ctx.TunnelParams)
	binary.LittleEndian.PutUint32(d[4:], 0)

	word := uint64(txDescTypeContext)
	word |= uint64(ctx.Cmd) << 4

	if ctx.LSO {
		word |= uint64(ctx.TSOLen&0x3ffff) << 20
		word |= uint64(ctx.MSS&0x3fff) << 52
	}

	binary.LittleEndian.PutUint64(d[8:], word)

	tr.working[tr.tail] = &TCB{tag: TCBContext}
	tr.tail = next(tr.tail, 1, tr.ringSize)
}

// emitData writes one data descriptor per bind cookie (bind path) or for
// the single copy buffer (copy path), installing the owning TCB in every
// descriptor slot it occupies (§4.4.3).
func (tr *TxRing) emitData(tcbs []*TCB, ctx TxContext) {
	total := 0
	for _, tcb := range tcbs {
		total += tcb.descriptors()
	}

	written := 0

	for _, tcb := range tcbs {
		if tcb.tag == TCBCopy {
			written++
			tr.writeDataDesc(tr.tail, tcb.copyBuf.Addr(), tcb.copyBuf.Len(), ctx, written == total)
			tr.working[tr.tail] = tcb
			tr.tail = next(tr.tail, 1, tr.ringSize)
			continue
		}

		for _, c := range tcb.cookies {
			written++
			tr.writeDataDesc(tr.tail, c.Addr, c.Len, ctx, written == total)
			tr.working[tr.tail] = tcb
			tr.tail = next(tr.tail, 1, tr.ringSize)
		}
	}
}

func (tr *TxRing) writeDataDesc(slot int, addr uint, length int, ctx TxContext, last bool) {
	d := tr.descBytes(slot)
	binary.LittleEndian.PutUint64(d[0:], uint64(addr))

	var cmd uint32 = cmdICRC
	if last {
		cmd |= cmdEOP | cmdRS
	}
	cmd |= ctx.Cmd &^ cmdTSO

	word := uint64(txDescTypeData)
	word |= uint64(cmd) << 4
	word |= uint64(ctx.Offsets) << 14
	word |= uint64(length&0x3ffff) << 34

	binary.LittleEndian.PutUint64(d[8:], word)
}

// reclaim implements write-back head reclamation (§4.4.4), invoked from
// interrupt or periodic timer context.
func (tr *TxRing) reclaim() {
	tr.txLock.Lock()

	wbhead := int(tr.wbHead())

	var chain []*TCB
	walked := 0
	i := tr.head

	for i != wbhead {
		tcb := tr.working[i]
		if tcb == nil {
			i = next(i, 1, tr.ringSize)
			walked++
			continue
		}

		adv := tcb.descriptors()

		for j := 0; j < adv; j++ {
			tr.working[(i+j)%tr.ringSize] = nil
		}

		chain = append(chain, tcb)
		i = (i + adv) % tr.ringSize
		walked += adv
	}

	tr.head = wbhead
	tr.freeDescriptors += walked

	unblock := false
	if tr.blocked && tr.freeDescriptors > tr.dev.Config.TxBlockThresh {
		tr.blocked = false
		unblock = true
		tr.dev.Stats.TxUnblockEvents.Add(1)
	}

	tr.txLock.Unlock()

	for _, tcb := range chain {
		tr.finishTCB(tcb)
	}

	if unblock {
		tr.dev.notifyUnblock(tr.index)
	}
}

// finishTCB implements the common tail of both reclaim and teardown: unbind
// any DMA cookies, drop the completed message reference, and return the
// TCB to the free pool. Context sentinels never came from the pool and are
// simply discarded.
func (tr *TxRing) finishTCB(tcb *TCB) {
	if tcb.tag == TCBContext {
		return
	}

	tcb.unbind()
	tcb.reset()
	tr.pushFree(tcb)
}
