/*
 * nk32 - Global descriptor table and task-state segment.
 *
 * Copyright 2026, The nk32 Authors
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in
 * all copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 */

// Package gdt builds the fixed 6-descriptor global descriptor table
// (null, kernel code, kernel data, user code, user data, TSS) and the
// task-state segment that carries ss0/esp0 across a ring 3 -> ring 0
// transition, per spec.md §3/§4.4. The table and TSS are laid out in the
// pmm byte arena exactly as they would be in physical memory, and
// installed via the same Lgdt/Ltr primitives a real boot stub calls.
package gdt

import (
	"encoding/binary"
	"sync"

	"nk32/internal/cpuio"
	"nk32/internal/pmm"
)

const (
	// Selector values; low two bits are RPL.
	NullSelector       uint16 = 0x00
	KernelCodeSelector uint16 = 0x08
	KernelDataSelector uint16 = 0x10
	UserCodeSelector   uint16 = 0x18 | 3
	UserDataSelector   uint16 = 0x20 | 3
	TSSSelector        uint16 = 0x28

	descriptorCount = 6
	descriptorBytes = 8
	tssBytes        = 104

	// Access byte fields shared by every code/data descriptor below:
	// present, DPL in bits 5-6, one of code(0x1A)/data(0x12)/TSS(0x89).
	accessPresent = 1 << 7
	accessCode    = 0x1A
	accessData    = 0x12
	accessTSS     = 0x89
	dplUser       = 3 << 5

	// Flags nibble: granularity (4 KiB) + 32-bit operand size.
	flagsGranularity32 = 0xC
)

type state struct {
	mu        sync.Mutex
	tablePhys uint32
	tssPhys   uint32
	installed bool
}

var g state

func encodeDescriptor(base, limit uint32, access byte, flags byte) [8]byte {
	var d [8]byte
	binary.LittleEndian.PutUint16(d[0:2], uint16(limit&0xFFFF))
	d[2] = byte(base & 0xFF)
	d[3] = byte((base >> 8) & 0xFF)
	d[4] = byte((base >> 16) & 0xFF)
	d[5] = access
	d[6] = (flags << 4) | byte((limit>>16)&0xF)
	d[7] = byte((base >> 24) & 0xFF)
	return d
}

func writeDescriptor(tablePhys uint32, idx int, d [8]byte) {
	copy(pmm.RAM()[tablePhys+uint32(idx*descriptorBytes):], d[:])
}

// Init lays out the six descriptors and a TSS in freshly allocated
// low-memory frames, then loads GDTR and the task register, per
// spec.md §4.4. The TSS starts zeroed, so esp0 is 0 until the first
// SetKernelStack call.
func Init() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	tablePhys, ok := pmm.AllocFrameBelow(16 * 1024 * 1024)
	if !ok {
		return false
	}
	tssPhys, ok := pmm.AllocFrameBelow(16 * 1024 * 1024)
	if !ok {
		return false
	}

	writeDescriptor(tablePhys, 0, [8]byte{}) // null
	writeDescriptor(tablePhys, 1, encodeDescriptor(0, 0xFFFFF, accessPresent|accessCode, flagsGranularity32))
	writeDescriptor(tablePhys, 2, encodeDescriptor(0, 0xFFFFF, accessPresent|accessData, flagsGranularity32))
	writeDescriptor(tablePhys, 3, encodeDescriptor(0, 0xFFFFF, accessPresent|accessCode|dplUser, flagsGranularity32))
	writeDescriptor(tablePhys, 4, encodeDescriptor(0, 0xFFFFF, accessPresent|accessData|dplUser, flagsGranularity32))
	writeDescriptor(tablePhys, 5, encodeDescriptor(tssPhys, tssBytes-1, accessPresent|accessTSS, 0))

	clear(pmm.RAM()[tssPhys : tssPhys+tssBytes])

	g.tablePhys = tablePhys
	g.tssPhys = tssPhys
	g.installed = true

	cpuio.Lgdt(tablePhys)
	cpuio.Ltr(TSSSelector)
	return true
}

// SetKernelStack installs the ring 0 stack the CPU switches to on any
// interrupt or syscall taken while in ring 3, per spec.md §4.4's
// tss_set_kernel_stack. It does nothing before Init; no scheduler or
// process code calls it on a switch.
func SetKernelStack(esp0 uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.installed {
		return
	}
	binary.LittleEndian.PutUint32(pmm.RAM()[g.tssPhys+4:], esp0)
	binary.LittleEndian.PutUint32(pmm.RAM()[g.tssPhys+8:], uint32(KernelDataSelector))
}

// KernelStack returns the esp0 currently recorded in the TSS, for tests
// and the debug console.
func KernelStack() uint32 {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.installed {
		return 0
	}
	return binary.LittleEndian.Uint32(pmm.RAM()[g.tssPhys+4:])
}

// Descriptor returns the raw 8 bytes of descriptor idx (0..5), for tests
// that check the table was built as spec.md §3 describes.
func Descriptor(idx int) [8]byte {
	g.mu.Lock()
	defer g.mu.Unlock()
	var d [8]byte
	copy(d[:], pmm.RAM()[g.tablePhys+uint32(idx*descriptorBytes):])
	return d
}

// ResetForTest discards installed GDT/TSS state. Only called from
// _test.go files.
func ResetForTest() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tablePhys = 0
	g.tssPhys = 0
	g.installed = false
}
