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
	"unsafe"

	"github.com/xl710tamago/tamago/dma"
)

// testDMARegionSize is generous enough for a handful of small rings and
// their RCB/TCB pools without exercising the first-fit allocator's
// out-of-memory panic path.
const testDMARegionSize = 8 << 20

// testDMABacking keeps the current test DMA region's memory reachable, since
// the region itself only records its address.
var testDMABacking []byte

// initTestDMA backs the package-global DMA region with a real heap
// allocation so Region.Reserve/Alloc/Read/Write's raw address casts land on
// actual memory, the same contract dma.Init documents for a PCI BAR window
// on real hardware.
func initTestDMA() {
	backing := make([]byte, testDMARegionSize)
	testDMABacking = backing
	start := uint(uintptr(unsafe.Pointer(&backing[0])))
	dma.Init(start, len(backing))
}
