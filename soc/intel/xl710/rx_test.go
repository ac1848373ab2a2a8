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
	"encoding/binary"
	"testing"
)

// armDescriptor writes a write-back status word into ring slot i, as if
// the device had just completed a frame there.
func armDescriptor(rd *RxData, slot int, plen int, ptype int, errBits uint32) {
	var status uint64

	status |= 1 << statusDD
	status |= 1 << statusEOP
	status |= 1 << statusL3L4P
	status |= uint64(ptype&statusPtypeMask) << statusPtypeShift
	status |= uint64(plen&statusLengthMask) << statusLengthShift
	status |= uint64(errBits&statusErrorMask) << statusErrorShift

	binary.LittleEndian.PutUint64(rd.descBytes(slot)[rxDescStatusOff:], status)
}

func newTestRxData(t *testing.T, cfg Config, ringSize int) (*Device, *RxData) {
	t.Helper()
	initTestDMA()

	dev := newTestDevice(cfg)

	rd, err := newRxData(dev, 0, ringSize)
	if err != nil {
		t.Fatalf("newRxData: %v", err)
	}

	return dev, rd
}

func TestNewRxDataAllocatesWorkingAndFreeLists(t *testing.T) {
	_, rd := newTestRxData(t, defaultTestConfig(1), 8)

	if len(rd.working) != 8 {
		t.Fatalf("len(working) = %d, want 8", len(rd.working))
	}
	if rd.freeTop != 8 {
		t.Fatalf("freeTop = %d, want 8", rd.freeTop)
	}

	for i, rcb := range rd.working {
		if rcb == nil || rcb.state != RCBWorking {
			t.Fatalf("working[%d] not armed as RCBWorking", i)
		}
	}
}

func TestRxDataRunCopyPath(t *testing.T) {
	cfg := defaultTestConfig(1) // RxDmaMin huge: always copy
	dev, rd := newTestRxData(t, cfg, 8)

	armDescriptor(rd, 0, 64, 22, 0) // IPv4/TCP, no errors

	frames := rd.run(-1, 4)

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].rcb != nil {
		t.Fatal("copy-path frame must not carry an RCB")
	}
	if got := frames[0].Pkt.Data.Size(); got != 64 {
		t.Fatalf("frame size = %d, want 64", got)
	}
	if !frames[0].Checksum.L4Reported || !frames[0].Checksum.L4OK {
		t.Fatalf("expected a reported, OK L4 checksum, got %+v", frames[0].Checksum)
	}
	if dev.Stats.RxFrames.Load() != 1 {
		t.Fatalf("RxFrames = %d, want 1", dev.Stats.RxFrames.Load())
	}
	if dev.Stats.RxBytes.Load() != 64 {
		t.Fatalf("RxBytes = %d, want 64", dev.Stats.RxBytes.Load())
	}
}

func TestRxDataRunBindPath(t *testing.T) {
	cfg := defaultTestConfig(1)
	cfg.RxDmaMin = 1 // always bind
	_, rd := newTestRxData(t, cfg, 8)

	original := rd.working[0]
	armDescriptor(rd, 0, 64, 22, 0)

	frames := rd.run(-1, 4)

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	if frames[0].rcb == nil {
		t.Fatal("bind-path frame must carry its loaned RCB")
	}
	if frames[0].rcb != original {
		t.Fatal("the loaned RCB should be the one that was in the working slot")
	}
	if rd.working[0] == original {
		t.Fatal("the working slot should have been replaced by a fresh RCB")
	}
	if original.state != RCBLoaned {
		t.Fatalf("loaned RCB state = %v, want RCBLoaned", original.state)
	}

	gotAddr := binary.LittleEndian.Uint64(rd.descBytes(0)[rxDescPktAddrOff:])
	if gotAddr != uint64(rd.working[0].Addr()) {
		t.Fatalf("descriptor pkt_addr = %#x, want replacement RCB address %#x", gotAddr, rd.working[0].Addr())
	}
	if gotAddr == uint64(original.Addr()) {
		t.Fatal("descriptor must not still point at the loaned RCB's address")
	}

	rd.recycleRCB(frames[0].rcb)
}

func TestRxDataRunDiscardsErrorFrame(t *testing.T) {
	cfg := defaultTestConfig(1)
	cfg.RxErrorMask = 1 << errL4
	dev, rd := newTestRxData(t, cfg, 8)

	armDescriptor(rd, 0, 64, 22, 1<<errL4)

	frames := rd.run(-1, 4)

	if len(frames) != 0 {
		t.Fatalf("got %d frames, want 0 for a masked error", len(frames))
	}
	if dev.Stats.RxErrors.Load() != 1 {
		t.Fatalf("RxErrors = %d, want 1", dev.Stats.RxErrors.Load())
	}
}

func TestRxDataRunEntersDegradedOnHandleFault(t *testing.T) {
	cfg := defaultTestConfig(1) // RxDmaMin huge: always copy
	dev, rd := newTestRxData(t, cfg, 8)

	rd.working[0].buf.Free() // simulate the DMA handle faulting out from under the slot

	armDescriptor(rd, 0, 64, 22, 0)
	frames := rd.run(-1, 4)

	if len(frames) != 0 {
		t.Fatalf("got %d frames, want 0 once the device enters the degraded state", len(frames))
	}
	if !dev.Degraded() {
		t.Fatal("expected a DMA handle fault to enter the degraded state")
	}
	if dev.Stats.DMAFaults.Load() != 1 {
		t.Fatalf("DMAFaults = %d, want 1", dev.Stats.DMAFaults.Load())
	}
}

func TestRxDataRunRespectsByteLimit(t *testing.T) {
	_, rd := newTestRxData(t, defaultTestConfig(1), 8)

	armDescriptor(rd, 0, 64, 22, 0)
	armDescriptor(rd, 1, 64, 22, 0)

	frames := rd.run(64, 4) // budget for exactly one frame

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 under a 64-byte budget", len(frames))
	}
}

func TestRxDataTeardownWithNoPendingLoans(t *testing.T) {
	dev, rd := newTestRxData(t, defaultTestConfig(1), 8)
	dev.pendingRings = 1

	rd.teardown()

	if dev.pendingRings != 0 {
		t.Fatalf("pendingRings = %d, want 0 for a teardown with no outstanding loans", dev.pendingRings)
	}
}

func TestRxDataTeardownWaitsForOutstandingLoan(t *testing.T) {
	cfg := defaultTestConfig(1)
	cfg.RxDmaMin = 1
	dev, rd := newTestRxData(t, cfg, 8)
	dev.pendingRings = 1

	armDescriptor(rd, 0, 64, 22, 0)
	frames := rd.run(-1, 4)
	if len(frames) != 1 || frames[0].rcb == nil {
		t.Fatalf("expected one bound frame to set up the pending loan, got %+v", frames)
	}

	rd.teardown()

	if dev.pendingRings != 1 {
		t.Fatalf("pendingRings = %d, want 1 while a loan is still outstanding", dev.pendingRings)
	}

	rd.recycleRCB(frames[0].rcb)

	if dev.pendingRings != 0 {
		t.Fatalf("pendingRings = %d, want 0 after the last loan is recycled", dev.pendingRings)
	}
}
