// Copyright The corekernel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

// fakeMem is cmd/coresim's stand-in for the direct-mapped physical window:
// addresses the physical/heap allocators hand out are synthetic uintptr
// values with no real backing storage (the same reason pkg/paging.Memory
// exists), so heap-stress simulates the fill-byte round-trip scenario
// against a plain map instead of dereferencing the address as a real
// pointer.
var fakeMem = make(map[uintptr][]byte)

func fillFakeMem(addr, size uintptr, b byte) {
	buf := make([]byte, size)
	for i := range buf {
		buf[i] = b
	}
	fakeMem[addr] = buf
}

func checkFakeMem(addr, size uintptr, want byte) (ok bool, offset uintptr, got byte) {
	buf := fakeMem[addr]
	for i := uintptr(0); i < size; i++ {
		var v byte
		if int(i) < len(buf) {
			v = buf[i]
		}
		if v != want {
			return false, i, v
		}
	}
	return true, 0, 0
}
