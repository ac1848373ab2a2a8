// xl710stat serves a debugcharts dashboard and an attached XL710's
// driver-core counters.
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Command xl710stat probes an Intel XL710-family controller, starts its
// data plane, publishes the driver's Stats counters as expvar variables
// (served at /debug/vars) and serves the debugcharts dashboard at
// /debug/charts, the same ambient debug-server pattern as
// example/web_server.go's "/debug/charts" link.
package main

import (
	"expvar"
	"flag"
	"log"
	"net/http"

	_ "github.com/mkevac/debugcharts"

	"github.com/xl710tamago/tamago/soc/intel/pci"
	"github.com/xl710tamago/tamago/soc/intel/uart"
	"github.com/xl710tamago/tamago/soc/intel/xl710"
)

// xl710DeviceID is the PCI device ID of the XL710 for 40GbE QSFP+ variant.
const xl710DeviceID = 0x1583

// comPort is the legacy COM1 base address, the usual console on a bare-metal
// amd64 target.
const comPort = 0x3f8

var (
	addr   = flag.String("addr", ":8080", "debug dashboard listen address")
	bus    = flag.Int("bus", 0, "PCI bus to probe")
	queues = flag.Int("queues", 4, "number of TRQPs to bring up")
	mtu    = flag.Int("mtu", 1500, "interface MTU")
)

func main() {
	flag.Parse()

	console := &uart.UART{Index: 0, Base: comPort}
	console.Init()
	log.SetOutput(console)

	dev := pci.Probe(*bus, 0x8086, xl710DeviceID)
	if dev == nil {
		log.Fatal("xl710stat: no XL710 device found")
	}

	cfg := xl710.Config{
		Queues:         *queues,
		RxRingSize:     512,
		TxRingSize:     512,
		RxDmaMin:       256,
		TxDmaMin:       256,
		TxBlockThresh:  32,
		RxLimitPerIntr: 64,
		MTU:            *mtu,
		RxHcksumEnable: true,
		TxHcksumEnable: true,
	}

	xdev, err := xl710.Attach(dev, cfg, vectorAllocator())
	if err != nil {
		log.Fatalf("xl710stat: attach: %v", err)
	}

	if err := xdev.Start(); err != nil {
		log.Fatalf("xl710stat: start: %v", err)
	}

	publishStats(xdev)

	log.Printf("xl710stat: serving dashboard on %s (see /debug/charts)", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

// vectorAllocator hands out ascending MSI-X vector numbers starting above
// the legacy IRQ range.
func vectorAllocator() func() (int, error) {
	next := 0x20

	return func() (int, error) {
		next++
		return next, nil
	}
}

// publishStats registers every Stats.Counter field as an expvar variable,
// readable at /debug/vars.
func publishStats(dev *xl710.Device) {
	counters := map[string]*xl710.Counter{
		"xl710_rx_frames":         &dev.Stats.RxFrames,
		"xl710_rx_bytes":          &dev.Stats.RxBytes,
		"xl710_rx_errors":         &dev.Stats.RxErrors,
		"xl710_tx_frames":         &dev.Stats.TxFrames,
		"xl710_tx_bytes":          &dev.Stats.TxBytes,
		"xl710_tx_errors":         &dev.Stats.TxErrors,
		"xl710_tx_block_events":   &dev.Stats.TxBlockEvents,
		"xl710_tx_unblock_events": &dev.Stats.TxUnblockEvents,
		"xl710_dma_faults":        &dev.Stats.DMAFaults,
	}

	for name, counter := range counters {
		c := counter
		expvar.Publish(name, expvar.Func(func() interface{} { return c.Load() }))
	}
}
