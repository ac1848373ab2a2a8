// Intel Ethernet Controller XL710 family driver
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package xl710 implements the transmit/receive data plane of a driver for
// the Intel XL710 family of multi-queue 10/40 GbE controllers, adopting the
// following reference specifications:
//   - Intel Ethernet Controller XL710 Datasheet, revision 3.5
//
// The package owns per-queue descriptor rings, DMA buffer pools and
// checksum/LSO offload programming. PCI attachment, firmware control-queue
// management, link/PHY state and MSI-X vector routing are not implemented
// here: they are supplied by the caller through Attach and the
// soc/intel/pci package. MSI-X delivers interrupts straight to the LAPIC,
// so this driver has no IOAPIC redirection-table dependency at all.
//
// This package is only meant to be used with `GOOS=tamago GOARCH=amd64` as
// supported by the TamaGo framework for bare metal Go, see
// https://github.com/xl710tamago/tamago.
package xl710
