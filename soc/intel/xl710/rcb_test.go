// Intel Ethernet Controller XL710 family driver
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago || staticcheck

package xl710

import "testing"

func TestNewRCBInitialState(t *testing.T) {
	initTestDMA()

	rcb, err := newRCB(2048, nil)
	if err != nil {
		t.Fatalf("newRCB: %v", err)
	}
	defer rcb.destroy()

	if rcb.state != RCBFree {
		t.Fatalf("state = %v, want RCBFree", rcb.state)
	}
	if rcb.Ref() != 1 {
		t.Fatalf("Ref() = %d, want 1", rcb.Ref())
	}
	if rcb.Addr() == 0 {
		t.Fatal("expected a non-zero device address")
	}
}

func TestRCBIncDecRef(t *testing.T) {
	initTestDMA()

	rcb, err := newRCB(2048, nil)
	if err != nil {
		t.Fatalf("newRCB: %v", err)
	}
	defer rcb.destroy()

	if got := rcb.incRef(); got != 2 {
		t.Fatalf("incRef() = %d, want 2", got)
	}
	if got := rcb.decRef(); got != 1 {
		t.Fatalf("decRef() = %d, want 1", got)
	}
}

func TestRCBBuildViewCachesAndResets(t *testing.T) {
	initTestDMA()

	rcb, err := newRCB(2048, nil)
	if err != nil {
		t.Fatalf("newRCB: %v", err)
	}
	defer rcb.destroy()

	data := rcb.buf.Bytes()
	for i := range data[rxHeaderPad : rxHeaderPad+8] {
		data[rxHeaderPad+i] = byte(i + 1)
	}

	v1 := rcb.buildView(8)
	if len(v1) != 8 {
		t.Fatalf("buildView returned length %d, want 8", len(v1))
	}

	v2 := rcb.buildView(4) // a second call before reset must return the cached view unchanged
	if len(v2) != 8 {
		t.Fatalf("buildView should be idempotent until resetView, got length %d", len(v2))
	}

	rcb.resetView()

	v3 := rcb.buildView(4)
	if len(v3) != 4 {
		t.Fatalf("buildView after resetView returned length %d, want 4", len(v3))
	}
}

func TestRCBBuildViewClampsToBufferCapacity(t *testing.T) {
	initTestDMA()

	rcb, err := newRCB(16, nil)
	if err != nil {
		t.Fatalf("newRCB: %v", err)
	}
	defer rcb.destroy()

	v := rcb.buildView(1000)
	if len(v) != 16-rxHeaderPad {
		t.Fatalf("buildView clamp = %d, want %d", len(v), 16-rxHeaderPad)
	}
}
