/*
 * nk32 - Physical frame allocator (PMM).
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

// Package pmm tracks which 4 KiB physical frames are in use via a bitmap,
// one bit per frame, and owns the byte arena that stands in for physical
// RAM in the simulator (see SPEC_FULL.md's note on realizability). The
// bitmap layout and bit semantics (1 == allocated, never cleared for
// reserved ranges) follow spec.md §3 exactly; the access-bit bookkeeping
// style is grounded on the teacher's emu/memory.go, which keeps a
// parallel per-page byte array of flags beside the data it describes.
package pmm

import (
	"sync"

	"nk32/internal/cpuio"
)

const (
	// FrameSize is the page size this kernel core paging model uses.
	FrameSize = 4096
	// MaxPhysBytes is the compile-time cap on tracked physical memory,
	// per spec.md §3.
	MaxPhysBytes = 256 * 1024 * 1024
	// MaxFrames is MaxPhysBytes expressed in frames.
	MaxFrames = MaxPhysBytes / FrameSize
)

// ModuleRange is a Multiboot module's physical extent, reserved so that
// user allocations cannot corrupt the boot image programs and the file
// system are sourced from (spec.md §3).
type ModuleRange struct {
	Start, End uint32
	Name       string
}

// BootInfo carries the subset of the Multiboot info block the PMM needs
// to reserve fixed ranges before the first allocation, per spec.md §4.1.
type BootInfo struct {
	// MemUpperKiB is used only when no memory map is present.
	MemUpperKiB uint32
	// HasMemMap, when set, sizes the bitmap to the full MaxPhysBytes cap
	// instead of MemUpperKiB; BootInfo carries no memory-map entries, so
	// no map is parsed.
	HasMemMap bool

	KernelPhysStart, KernelPhysEnd uint32
	BootStubStart, BootStubEnd     uint32
	VGAFrameStart, VGAFrameEnd     uint32
	Modules                        []ModuleRange
}

type allocator struct {
	mu sync.Mutex

	bitmap      []byte // one bit per frame, 1 == allocated
	total       uint32
	free        uint32
	ram         []byte
	initialized bool
}

var pmm allocator

func frameBit(bitmap []byte, idx uint32) bool {
	return bitmap[idx/8]&(1<<(idx%8)) != 0
}

func setFrameBit(bitmap []byte, idx uint32) {
	bitmap[idx/8] |= 1 << (idx % 8)
}

func clearFrameBit(bitmap []byte, idx uint32) {
	bitmap[idx/8] &^= 1 << (idx % 8)
}

// reserveLocked marks [start,end) (physical byte addresses) as allocated,
// rounding outward to whole frames. Already-reserved frames are idempotent.
// Caller holds pmm.mu.
func reserveLocked(a *allocator, start, end uint32) {
	if end <= start {
		return
	}
	first := start / FrameSize
	last := (end - 1) / FrameSize
	for idx := first; idx <= last && idx < a.total; idx++ {
		if !frameBit(a.bitmap, idx) {
			setFrameBit(a.bitmap, idx)
			a.free--
		}
	}
}

// Init sizes the bitmap and RAM arena from the boot info and reserves the
// low 1 MiB, the kernel image, the boot stub, the VGA frame and every
// Multiboot module, per spec.md §3/§4.1.
func Init(info BootInfo) {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()

	total := uint32(MaxFrames)
	if !info.HasMemMap {
		kib := info.MemUpperKiB
		frames := (kib * 1024) / FrameSize
		if frames < total {
			total = frames
		}
	}
	if total == 0 {
		total = 1
	}

	pmm.total = total
	pmm.free = total
	pmm.bitmap = make([]byte, (total+7)/8)
	pmm.ram = make([]byte, uint64(total)*FrameSize)
	pmm.initialized = true

	cpuio.Cli()
	defer cpuio.Sti()

	reserveLocked(&pmm, 0, 1024*1024) // low 1 MiB, firmware + BIOS data area
	reserveLocked(&pmm, info.KernelPhysStart, info.KernelPhysEnd)
	reserveLocked(&pmm, info.BootStubStart, info.BootStubEnd)
	reserveLocked(&pmm, info.VGAFrameStart, info.VGAFrameEnd)
	for _, m := range info.Modules {
		reserveLocked(&pmm, m.Start, m.End)
	}
}

// AllocFrame returns the lowest free frame's physical address, or
// (0, false) on OOM. Spec.md §4.1: scan bits linearly from zero.
func AllocFrame() (uint32, bool) {
	return AllocFrameBelow(MaxPhysBytes)
}

// AllocFrameBelow is identical to AllocFrame but never returns a physical
// address >= maxPhys, per spec.md §4.1 (used for page tables and other
// structures that must live in DMA-capable low memory).
func AllocFrameBelow(maxPhys uint32) (uint32, bool) {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()

	limit := maxPhys / FrameSize
	if limit > pmm.total {
		limit = pmm.total
	}

	cpuio.Cli()
	defer cpuio.Sti()

	for idx := uint32(0); idx < limit; idx++ {
		if !frameBit(pmm.bitmap, idx) {
			setFrameBit(pmm.bitmap, idx)
			pmm.free--
			phys := idx * FrameSize
			clear(pmm.ram[phys : phys+FrameSize])
			return phys, true
		}
	}
	return 0, false
}

// FreeFrame releases a previously allocated frame. Out-of-range or
// already-free indices are silently ignored and never underflow
// FreeFrames, per spec.md §4.1.
func FreeFrame(phys uint32) {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()

	idx := phys / FrameSize
	if idx >= pmm.total {
		return
	}

	cpuio.Cli()
	defer cpuio.Sti()

	if frameBit(pmm.bitmap, idx) {
		clearFrameBit(pmm.bitmap, idx)
		pmm.free++
	}
}

// TotalFrames returns the number of frames tracked by the bitmap.
func TotalFrames() uint32 {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()
	return pmm.total
}

// FreeFrames returns the number of frames currently unallocated.
func FreeFrames() uint32 {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()
	return pmm.free
}

// RAM returns the simulated physical memory arena. internal/vmm indexes
// into it directly by physical address the way real kernel code treats
// identity-mapped low memory as a window onto physical RAM (spec.md §4.2).
func RAM() []byte {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()
	return pmm.ram
}

// ResetForTest discards all allocator state. Only called from _test.go
// files across the module.
func ResetForTest() {
	pmm.mu.Lock()
	defer pmm.mu.Unlock()
	pmm.bitmap = nil
	pmm.total = 0
	pmm.free = 0
	pmm.ram = nil
	pmm.initialized = false
}
