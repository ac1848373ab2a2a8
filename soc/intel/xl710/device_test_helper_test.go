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
	"unsafe"
)

// testMMIOSize covers every per-queue base/length/tail register this
// package writes, for up to 8 queues.
const testMMIOSize = 0x6000

// testMMIOBacking keeps the most recent test device's register window
// reachable, since Device only records its address.
var testMMIOBacking []byte

// newTestDevice builds a Device without going through Attach (no PCI
// function is available on a test host): its register window is backed by
// a real heap allocation, the same substitution initTestDMA makes for the
// DMA region, so mmioRead32/mmioWrite32's raw address arithmetic lands on
// valid memory instead of an unmapped physical BAR.
func newTestDevice(cfg Config) *Device {
	mmio := make([]byte, testMMIOSize)
	testMMIOBacking = mmio

	d := &Device{
		Config: cfg,
		mmio:   uint(uintptr(unsafe.Pointer(&mmio[0]))),
	}
	d.pendingCond = sync.NewCond(&d.pendingMu)

	return d
}

func defaultTestConfig(queues int) Config {
	return Config{
		Queues:         queues,
		RxRingSize:     8,
		TxRingSize:     8,
		RxDmaMin:       1 << 16, // copy path by default for small test frames
		TxDmaMin:       2048,    // also sizes each TCB's copy buffer, so kept realistic
		TxBlockThresh:  1,
		RxLimitPerIntr: 64,
		MTU:            1500,
		RxHcksumEnable: true,
		TxHcksumEnable: true,
	}
}
