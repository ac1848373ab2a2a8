// Intel Ethernet Controller XL710 family driver
// https://github.com/xl710tamago/tamago
//
// Copyright (c) WithSecure Corporation
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package xl710

import "sync/atomic"

// Counter is a monotonically increasing device-wide statistic,
// safe for concurrent use from the hot path and from a debugcharts poller.
type Counter struct {
	v uint64
}

// Add increments the counter.
func (c *Counter) Add(n uint64) {
	atomic.AddUint64(&c.v, n)
}

// Load returns the current value.
func (c *Counter) Load() uint64 {
	return atomic.LoadUint64(&c.v)
}

// Stats holds the error/throughput counters of §7 and §8, one set per
// Device shared by all of its queues: allocation failures abort ring setup
// outright and are returned as an error from Start, everything else is
// observable here rather than ever propagating out of the core.
type Stats struct {
	RxFrames Counter
	RxBytes  Counter
	RxErrors Counter

	TxFrames       Counter
	TxBytes        Counter
	TxErrors       Counter
	TxBlockEvents  Counter
	TxUnblockEvents Counter

	DMAFaults Counter
}
