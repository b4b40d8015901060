/*
 * nk32 - Kernel heap: a bump allocator that lazily commits pages.
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

// Package kheap implements the kernel-wide bump allocator of spec.md
// §3/§4.3: a (cur, end) pair of kernel-virtual pointers, 16-byte aligned
// allocations, and a kfree/krealloc contract that is intentionally
// degenerate (no reclamation, no copy on realloc) until a future
// reimplementation swaps in a free-list allocator, per spec.md §9.
package kheap

import (
	"nk32/internal/pmm"
	"nk32/internal/vmm"
)

const alignment = 16

// Heap is process-wide state: one heap, initialized once at boot, living
// for the kernel's lifetime, per spec.md §4.3.
type Heap struct {
	as   *vmm.AddressSpace
	base uint32
	cur  uint32
	end  uint32
}

func align(v uint32) uint32 {
	return (v + alignment - 1) &^ (alignment - 1)
}

// Init records base and commits size bytes of pages immediately, per
// spec.md §4.3.
func Init(as *vmm.AddressSpace, base, size uint32) (*Heap, bool) {
	h := &Heap{as: as, base: base, cur: base, end: base}
	if !h.mapMore(base + size) {
		return nil, false
	}
	return h, true
}

// mapMore extends [h.end, newEnd) with freshly allocated, present,
// writable kernel pages, rounding newEnd up to a page boundary.
func (h *Heap) mapMore(newEnd uint32) bool {
	aligned := (newEnd + pmm.FrameSize - 1) &^ (pmm.FrameSize - 1)
	for h.end < aligned {
		frame, ok := pmm.AllocFrame()
		if !ok {
			return false
		}
		if !h.as.Map(h.end, frame, vmm.FlagWrite) {
			return false
		}
		h.end += pmm.FrameSize
	}
	return true
}

// Kmalloc aligns cur to 16 bytes, extends the heap if [base, cur+n) would
// run past end, advances cur by n, and returns the old aligned pointer.
// It returns (0, false) only if map_more fails to extend the heap far
// enough — callers must treat that as OOM, not dereference the result.
func (h *Heap) Kmalloc(n uint32) (uint32, bool) {
	aligned := align(h.cur)
	want := aligned + n
	if want > h.end {
		if !h.mapMore(want) {
			return 0, false
		}
	}
	h.cur = want
	return aligned, true
}

// Kcalloc behaves like Kmalloc but zeroes the returned range.
func (h *Heap) Kcalloc(n uint32) (uint32, bool) {
	addr, ok := h.Kmalloc(n)
	if !ok {
		return 0, false
	}
	h.zero(addr, n)
	return addr, true
}

func (h *Heap) zero(addr, n uint32) {
	ram := pmm.RAM()
	for n > 0 {
		phys, ok := h.as.Resolve(addr)
		if !ok {
			return
		}
		chunk := pmm.FrameSize - (addr & (pmm.FrameSize - 1))
		if chunk > n {
			chunk = n
		}
		clear(ram[phys : phys+chunk])
		addr += chunk
		n -= chunk
	}
}

// Kfree is a deliberate no-op, per spec.md §3.
func (h *Heap) Kfree(addr uint32) {}

// Krealloc returns a fresh allocation; it never copies the old contents,
// per spec.md §3 — callers must not rely on content preservation.
func (h *Heap) Krealloc(addr uint32, n uint32) (uint32, bool) {
	return h.Kmalloc(n)
}

// Base returns the heap's starting virtual address.
func (h *Heap) Base() uint32 { return h.base }

// Cur returns the current bump pointer, for sbrk and tests.
func (h *Heap) Cur() uint32 { return h.cur }

// End returns the current committed end, for tests.
func (h *Heap) End() uint32 { return h.end }
