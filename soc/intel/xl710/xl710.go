// Intel Ethernet Controller XL710 family driver
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago || staticcheck

package xl710

import (
	"sync"
	"sync/atomic"
	"unsafe"

	pciPkg "github.com/xl710tamago/tamago/soc/intel/pci"
)

// Per-queue register spacing and bases (§6 hardware contract names only
// the tail doorbells explicitly; base-address/length registers follow the
// same per-queue stride as every other multi-queue Intel NIC in this
// family).
const (
	regRxTailBase = 0x0000
	regTxTailBase = 0x1000
	regRxBaseBase = 0x2000
	regTxBaseBase = 0x3000
	regRxLenBase  = 0x4000
	regTxLenBase  = 0x5000

	queueRegStride = 0x40
)

// mmioRead32 and mmioWrite32 mirror internal/reg's Read/Write but over a
// full uint address so they can reach a 64-bit PCI BAR, rather than
// internal/reg's uint32-only addressing used for the fixed low MMIO/port
// space of ARM SoCs.
func mmioRead32(addr uint) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(uintptr(addr))))
}

func mmioWrite32(addr uint, val uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(uintptr(addr))), val)
}

func mmioWrite64(addr uint, val uint64) {
	mmioWrite32(addr, uint32(val))
	mmioWrite32(addr+4, uint32(val>>32))
}

// Config holds the tunables read once at ring allocation (§6 "persisted
// state/configuration"); no parser lives in this package, the caller fills
// this in from whatever external configuration source it has.
type Config struct {
	Queues int

	RxRingSize int
	TxRingSize int

	RxDmaMin       int
	TxDmaMin       int
	TxBlockThresh  int
	RxLimitPerIntr int

	RxHcksumEnable bool
	TxHcksumEnable bool

	MTU int

	// RxErrorMask selects which rx descriptor error bits (within bits
	// 19-29 of the status word) cause a frame to be discarded.
	RxErrorMask uint32
}

// Device is one XL710-family controller instance: its register window and
// its array of Transmit-Receive Queue Pairs.
type Device struct {
	Config Config
	Stats  Stats

	mmio uint

	rx []*RxData
	tx []*TxRing

	started bool
	degraded int32

	pendingMu    sync.Mutex
	pendingCond  *sync.Cond
	pendingRings int

	onUnblock func(queue int)
	onFMA     func(error)
}

// Attach binds a Device to a discovered PCI function and wires its MSI-X
// table, consuming soc/intel/pci as the named external collaborator for
// PCI attach and MSI-X vector routing (§1 Non-goals).
func Attach(pciDev *pciPkg.Device, cfg Config, allocVector func() (int, error)) (*Device, error) {
	bar0 := pciDev.BaseAddress(0)

	if bar0 == 0 {
		panic("xl710: invalid BAR0")
	}

	if cfg.Queues <= 0 {
		panic("xl710: invalid queue count")
	}

	d := &Device{Config: cfg, mmio: bar0}
	d.pendingCond = sync.NewCond(&d.pendingMu)

	for off, hdr := range pciDev.Capabilities() {
		if hdr.Vendor != pciPkg.MSIX {
			continue
		}

		msix := &pciPkg.CapabilityMSIX{}

		if err := msix.Unmarshal(pciDev, off); err != nil {
			return nil, err
		}

		if err := attachMSIX(d, msix, allocVector); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func attachMSIX(d *Device, msix *pciPkg.CapabilityMSIX, allocVector func() (int, error)) error {
	n := msix.TableSize()

	if n > d.Config.Queues {
		n = d.Config.Queues
	}

	for i := 0; i < n; i++ {
		vector, err := allocVector()
		if err != nil {
			return err
		}

		addr, data := msiMessage(vector)
		msix.EnableInterrupt(i, addr, data)
	}

	return nil
}

// msiMessage builds a standard x86 MSI address/data pair targeting the
// bootstrap processor's local APIC, edge-triggered fixed delivery.
func msiMessage(vector int) (addr uint64, data uint32) {
	const msiBaseAddress = 0xfee00000

	return msiBaseAddress, uint32(vector)
}

// Start allocates every TRQP's rings (§4.2) and programs their base
// address/length registers.
func (d *Device) Start() error {
	d.rx = make([]*RxData, d.Config.Queues)
	d.tx = make([]*TxRing, d.Config.Queues)

	for i := 0; i < d.Config.Queues; i++ {
		rd, err := newRxData(d, i, d.Config.RxRingSize)
		if err != nil {
			d.unwind(i)
			return err
		}
		d.rx[i] = rd

		tr, err := newTxRing(d, i, d.Config.TxRingSize, d.Config.TxDmaMin)
		if err != nil {
			d.unwind(i + 1)
			return err
		}
		d.tx[i] = tr

		d.programQueue(i, rd, tr)
	}

	d.started = true

	return nil
}

func (d *Device) programQueue(i int, rd *RxData, tr *TxRing) {
	stride := uint(i) * queueRegStride

	mmioWrite64(d.mmio+regRxBaseBase+stride, uint64(rd.ring.Addr()))
	mmioWrite32(d.mmio+regRxLenBase+stride, uint32(rd.ringSize))

	mmioWrite64(d.mmio+regTxBaseBase+stride, uint64(tr.ring.Addr()))
	mmioWrite32(d.mmio+regTxLenBase+stride, uint32(tr.ringSize))
}

// unwind tears down every queue allocated before index failed, satisfying
// §7 category 1's full-unwind requirement.
func (d *Device) unwind(failedAt int) {
	for i := 0; i < failedAt; i++ {
		if d.tx[i] != nil {
			d.tx[i].teardown()
		}
		if d.rx[i] != nil {
			d.rx[i].teardownPartial()
		}
	}
}

// Stop tears down every TRQP, blocking until all rx rings with
// outstanding loans have been fully reclaimed by the upper stack's recycle
// callback.
func (d *Device) Stop() {
	d.pendingMu.Lock()
	d.pendingRings = len(d.rx)
	d.pendingMu.Unlock()

	for _, tr := range d.tx {
		tr.teardown()
	}

	for _, rd := range d.rx {
		rd.teardown()
	}

	d.pendingMu.Lock()
	for d.pendingRings > 0 {
		d.pendingCond.Wait()
	}
	d.pendingMu.Unlock()

	d.started = false
}

// ringDestroyed is invoked once per rx ring, either immediately at
// teardown (no outstanding loans) or from the final recycle callback that
// drains a ring's pending loans to zero.
func (d *Device) ringDestroyed(index int) {
	d.pendingMu.Lock()
	d.pendingRings--
	if d.pendingRings == 0 {
		d.pendingCond.Broadcast()
	}
	d.pendingMu.Unlock()
}

func (d *Device) writeRxTail(queue int, val uint32) {
	mmioWrite32(d.mmio+regRxTailBase+uint(queue)*queueRegStride, val)
}

func (d *Device) writeTxTail(queue int, val uint32) {
	mmioWrite32(d.mmio+regTxTailBase+uint(queue)*queueRegStride, val)
}

func (d *Device) notifyUnblock(queue int) {
	if d.onUnblock != nil {
		d.onUnblock(queue)
	}
}

// enterDegraded implements §7 category 2: a post-sync DMA handle fault
// moves the whole device into a degraded state and notifies the FMA
// collaborator exactly once per transition.
func (d *Device) enterDegraded(err error) {
	if !atomic.CompareAndSwapInt32(&d.degraded, 0, 1) {
		return
	}

	d.Stats.DMAFaults.Add(1)

	if d.onFMA != nil {
		d.onFMA(err)
	}
}

// Degraded reports whether the device has entered the degraded state.
func (d *Device) Degraded() bool {
	return atomic.LoadInt32(&d.degraded) != 0
}

// Reclaim runs write-back head reclamation for one queue's tx ring,
// invoked from interrupt or periodic timer context.
func (d *Device) Reclaim(queue int) {
	if queue < 0 || queue >= len(d.tx) {
		panic("xl710: invalid queue index")
	}

	d.tx[queue].reclaim()
}
