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

func newTestTxRing(t *testing.T, cfg Config, ringSize int) (*Device, *TxRing) {
	t.Helper()
	initTestDMA()

	dev := newTestDevice(cfg)
	dev.started = true

	tr, err := newTxRing(dev, 0, ringSize, cfg.TxDmaMin)
	if err != nil {
		t.Fatalf("newTxRing: %v", err)
	}

	return dev, tr
}

func writeWBHead(tr *TxRing, head int) {
	off := tr.ringSize * txDescSize
	binary.LittleEndian.PutUint32(tr.ring.Bytes()[off:off+wbHeadSize], uint32(head))
	tr.ring.SyncForDevice()
}

func TestNewTxRingAllocatesFreePool(t *testing.T) {
	_, tr := newTestTxRing(t, defaultTestConfig(1), 8)

	wantPool := 8 + 8/2
	if tr.freeTop != wantPool {
		t.Fatalf("freeTop = %d, want %d", tr.freeTop, wantPool)
	}
	if tr.freeDescriptors != 8 {
		t.Fatalf("freeDescriptors = %d, want 8", tr.freeDescriptors)
	}
}

func TestTxRingSubmitCopyPath(t *testing.T) {
	cfg := defaultTestConfig(1) // TxDmaMin 2048 exceeds this frame: copy path
	dev, tr := newTestTxRing(t, cfg, 8)

	msg := newTxMessage([]byte("a short frame"), OffloadRequest{})

	if rejected := tr.submit(msg); rejected != nil {
		t.Fatalf("submit rejected the message: %+v", rejected)
	}

	if dev.Stats.TxFrames.Load() != 1 {
		t.Fatalf("TxFrames = %d, want 1", dev.Stats.TxFrames.Load())
	}
	if tr.freeDescriptors != 7 {
		t.Fatalf("freeDescriptors = %d, want 7 after one single-descriptor copy submit", tr.freeDescriptors)
	}
	if tr.working[0] == nil || tr.working[0].tag != TCBCopy {
		t.Fatalf("expected a TCBCopy at slot 0, got %+v", tr.working[0])
	}
}

func TestTxRingSubmitChecksumOnlyOmitsContextDescriptor(t *testing.T) {
	cfg := defaultTestConfig(1) // TxDmaMin 2048 exceeds this frame: copy path
	dev, tr := newTestTxRing(t, cfg, 8)

	frame := buildEthIPv4(6, buildTCPHeader(5), []byte("payload"))
	msg := newTxMessage(frame, OffloadRequest{IPv4Checksum: true, PseudoChecksum: true})

	if rejected := tr.submit(msg); rejected != nil {
		t.Fatalf("submit rejected the message: %+v", rejected)
	}

	// A plain, non-LSO/non-tunnel checksum offload rides in the data
	// descriptor's own cmd field (writeDataDesc) and must not consume a
	// separate Context descriptor.
	if tr.freeDescriptors != 7 {
		t.Fatalf("freeDescriptors = %d, want 7 (one data descriptor only, no Context descriptor)", tr.freeDescriptors)
	}
	if tr.working[0] == nil || tr.working[0].tag != TCBCopy {
		t.Fatalf("expected a TCBCopy at slot 0, got %+v", tr.working[0])
	}
	if tr.working[1] != nil {
		t.Fatalf("expected slot 1 to be untouched (no Context descriptor emitted), got %+v", tr.working[1])
	}
	if dev.Stats.TxFrames.Load() != 1 {
		t.Fatalf("TxFrames = %d, want 1", dev.Stats.TxFrames.Load())
	}
}

func TestTxRingSubmitDropsWhenNotStarted(t *testing.T) {
	cfg := defaultTestConfig(1)
	dev, tr := newTestTxRing(t, cfg, 8)
	dev.started = false

	msg := newTxMessage([]byte("a short frame"), OffloadRequest{})

	if rejected := tr.submit(msg); rejected != nil {
		t.Fatalf("expected submit to drop (nil) rather than return a retryable message, got %+v", rejected)
	}
	if tr.freeDescriptors != 8 {
		t.Fatalf("freeDescriptors = %d, want 8 (untouched)", tr.freeDescriptors)
	}
	if dev.Stats.TxErrors.Load() != 1 {
		t.Fatalf("TxErrors = %d, want 1", dev.Stats.TxErrors.Load())
	}
}

func TestTxRingSubmitDropsWhenDegraded(t *testing.T) {
	cfg := defaultTestConfig(1)
	dev, tr := newTestTxRing(t, cfg, 8)
	dev.enterDegraded(errTxNoFreeTCB)

	msg := newTxMessage([]byte("a short frame"), OffloadRequest{})

	if rejected := tr.submit(msg); rejected != nil {
		t.Fatalf("expected submit to drop (nil) once degraded, got %+v", rejected)
	}
	if tr.freeDescriptors != 8 {
		t.Fatalf("freeDescriptors = %d, want 8 (untouched)", tr.freeDescriptors)
	}
}

func TestTxRingSubmitBindPath(t *testing.T) {
	cfg := defaultTestConfig(1)
	cfg.TxDmaMin = 1 // always bind
	_, tr := newTestTxRing(t, cfg, 8)

	msg := newTxMessage([]byte("a frame bound instead of copied"), OffloadRequest{})

	if rejected := tr.submit(msg); rejected != nil {
		t.Fatalf("submit rejected the message: %+v", rejected)
	}

	if tr.working[0] == nil || tr.working[0].tag != TCBBind {
		t.Fatalf("expected a TCBBind at slot 0, got %+v", tr.working[0])
	}
}

func TestTxRingSubmitBlocksWhenBelowThreshold(t *testing.T) {
	cfg := defaultTestConfig(1)
	cfg.TxBlockThresh = 4
	dev, tr := newTestTxRing(t, cfg, 8)

	tr.freeDescriptors = 2 // below TxBlockThresh

	msg := newTxMessage([]byte("x"), OffloadRequest{})
	rejected := tr.submit(msg)

	if rejected != msg {
		t.Fatalf("expected submit to reject and return the original message, got %+v", rejected)
	}
	if !tr.blocked {
		t.Fatal("expected the ring to be marked blocked")
	}
	if dev.Stats.TxBlockEvents.Load() != 1 {
		t.Fatalf("TxBlockEvents = %d, want 1", dev.Stats.TxBlockEvents.Load())
	}
}

func TestTxRingReclaimReturnsTCBsAndUnblocks(t *testing.T) {
	cfg := defaultTestConfig(1)
	cfg.TxBlockThresh = 4
	dev, tr := newTestTxRing(t, cfg, 8)

	msg := newTxMessage([]byte("a short frame"), OffloadRequest{})
	if rejected := tr.submit(msg); rejected != nil {
		t.Fatalf("submit rejected the message: %+v", rejected)
	}

	poolBeforeReclaim := tr.freeTop
	tr.blocked = true

	writeWBHead(tr, tr.tail) // device has processed up through the submitted descriptor

	tr.reclaim()

	if tr.freeTop != poolBeforeReclaim+1 {
		t.Fatalf("freeTop after reclaim = %d, want %d", tr.freeTop, poolBeforeReclaim+1)
	}
	if tr.blocked {
		t.Fatal("expected reclaim to clear the blocked flag once above threshold")
	}
	if dev.Stats.TxUnblockEvents.Load() != 1 {
		t.Fatalf("TxUnblockEvents = %d, want 1", dev.Stats.TxUnblockEvents.Load())
	}
}

func TestTxRingTeardownReturnsEverythingAndFreesRing(t *testing.T) {
	_, tr := newTestTxRing(t, defaultTestConfig(1), 8)

	msg := newTxMessage([]byte("in flight at teardown"), OffloadRequest{})
	if rejected := tr.submit(msg); rejected != nil {
		t.Fatalf("submit rejected the message: %+v", rejected)
	}

	tr.teardown()

	if tr.head != tr.tail {
		t.Fatalf("teardown should drain head to tail, head=%d tail=%d", tr.head, tr.tail)
	}
	if wantPool := 8 + 8/2; tr.freeTop != wantPool {
		t.Fatalf("freeTop after teardown = %d, want %d (every TCB returned)", tr.freeTop, wantPool)
	}
	if tr.ring.Valid() {
		t.Fatal("expected teardown to free the descriptor ring")
	}
}
