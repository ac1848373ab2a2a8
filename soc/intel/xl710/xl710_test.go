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
	"errors"
	"testing"
)

func TestDeviceStartAndStop(t *testing.T) {
	initTestDMA()

	cfg := defaultTestConfig(2)
	dev := newTestDevice(cfg)

	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if len(dev.rx) != 2 || len(dev.tx) != 2 {
		t.Fatalf("got %d rx / %d tx rings, want 2 / 2", len(dev.rx), len(dev.tx))
	}
	if !dev.started {
		t.Fatal("expected started to be true after Start")
	}

	dev.Stop()

	if dev.started {
		t.Fatal("expected started to be false after Stop")
	}
	if dev.pendingRings != 0 {
		t.Fatalf("pendingRings = %d, want 0 after Stop drains every ring", dev.pendingRings)
	}
}

func TestDeviceStopWaitsForOutstandingLoan(t *testing.T) {
	initTestDMA()

	cfg := defaultTestConfig(1)
	cfg.RxDmaMin = 1 // force a bind on the first received frame
	dev := newTestDevice(cfg)

	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	rd := dev.rx[0]
	armDescriptor(rd, 0, 64, 22, 0)
	frames := rd.run(-1, 4)
	if len(frames) != 1 || frames[0].rcb == nil {
		t.Fatalf("expected one bound frame, got %+v", frames)
	}

	done := make(chan struct{})
	go func() {
		dev.Stop()
		close(done)
	}()

	// Stop may or may not have reached its wait yet; either way it must
	// return once the outstanding loan is recycled.
	rd.recycleRCB(frames[0].rcb)

	<-done

	if dev.started {
		t.Fatal("expected started to be false once Stop returns")
	}
}

func TestDeviceReclaimRejectsInvalidQueue(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected a panic for an out-of-range queue index")
		}
	}()

	initTestDMA()
	dev := newTestDevice(defaultTestConfig(1))
	if err := dev.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	dev.Reclaim(5)
}

func TestDeviceEnterDegradedFiresOnce(t *testing.T) {
	dev := newTestDevice(defaultTestConfig(1))

	var calls int
	dev.onFMA = func(err error) { calls++ }

	dev.enterDegraded(errors.New("dma fault"))
	dev.enterDegraded(errors.New("dma fault again"))

	if calls != 1 {
		t.Fatalf("onFMA called %d times, want 1", calls)
	}
	if !dev.Degraded() {
		t.Fatal("expected Degraded() to report true")
	}
	if dev.Stats.DMAFaults.Load() != 1 {
		t.Fatalf("DMAFaults = %d, want 1", dev.Stats.DMAFaults.Load())
	}
}

func TestMsiMessage(t *testing.T) {
	addr, data := msiMessage(0x30)

	if addr != 0xfee00000 {
		t.Fatalf("addr = %#x, want 0xfee00000", addr)
	}
	if data != 0x30 {
		t.Fatalf("data = %#x, want 0x30", data)
	}
}
