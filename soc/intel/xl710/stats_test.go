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
	"testing"
)

func TestCounterAddLoad(t *testing.T) {
	var c Counter

	c.Add(3)
	c.Add(4)

	if got := c.Load(); got != 7 {
		t.Fatalf("Load() = %d, want 7", got)
	}
}

func TestCounterConcurrentAdd(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup

	const goroutines = 50
	const perGoroutine = 100

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				c.Add(1)
			}
		}()
	}

	wg.Wait()

	if got, want := c.Load(), uint64(goroutines*perGoroutine); got != want {
		t.Fatalf("Load() = %d, want %d", got, want)
	}
}
