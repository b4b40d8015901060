/*
 * nk32 - Virtual memory manager: 2-level 4 KiB paging, higher-half split.
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

// Package vmm implements the 2-level page directory / page table model of
// spec.md §3/§4.2: 1024-entry directories of 32-bit PDEs, each pointing at
// a 1024-entry page table. Directories and tables live in the pmm byte
// arena at the physical addresses their entries name, exactly as they
// would on real hardware; vmm never keeps its own shadow copy of a table.
package vmm

import (
	"encoding/binary"

	"nk32/internal/cpuio"
	"nk32/internal/pmm"
)

const (
	// entriesPerTable is the fixed fan-out of both paging levels.
	entriesPerTable = 1024
	entryBytes      = 4

	// FlagPresent, FlagWrite and FlagUser are the only entry bits this
	// model cares about, per spec.md §3.
	FlagPresent uint32 = 1 << 0
	FlagWrite   uint32 = 1 << 1
	FlagUser    uint32 = 1 << 2

	addrMask = ^uint32(0xFFF)

	// lowMemCeiling bounds where page tables (and directories) may be
	// allocated: spec.md §4.2 requires this so that code treating
	// identity-mapped low memory as a direct physical-address window
	// can always reach them.
	lowMemCeiling = 16 * 1024 * 1024

	// kernelPDEStart is the first page-directory index of the higher
	// half (0xC0000000 >> 22).
	kernelPDEStart = 0xC0000000 >> 22
)

var kernelSpace *AddressSpace

// AddressSpace is one process's (or the kernel's) page directory.
type AddressSpace struct {
	DirPhys uint32
}

func readWord(phys uint32) uint32 {
	return binary.LittleEndian.Uint32(pmm.RAM()[phys : phys+4])
}

func writeWord(phys uint32, v uint32) {
	binary.LittleEndian.PutUint32(pmm.RAM()[phys:phys+4], v)
}

func (as *AddressSpace) pdeAddr(idx uint32) uint32 {
	return as.DirPhys + idx*entryBytes
}

func (as *AddressSpace) pde(idx uint32) uint32 {
	return readWord(as.pdeAddr(idx))
}

func (as *AddressSpace) setPDE(idx uint32, v uint32) {
	writeWord(as.pdeAddr(idx), v)
}

// InitKernelSpace creates the canonical kernel directory and pre-allocates
// page tables for every higher-half PDE slot (768..1023), so that those
// slots are always present and therefore always shared by value (the same
// physical page-table frame) with every process directory created after
// it, satisfying spec.md §3's "every kernel-resident PDE is shared across
// all process page directories" invariant without needing to propagate
// new top-level allocations into already-running processes.
func InitKernelSpace() (*AddressSpace, bool) {
	dirPhys, ok := pmm.AllocFrameBelow(lowMemCeiling)
	if !ok {
		return nil, false
	}
	as := &AddressSpace{DirPhys: dirPhys}
	for idx := uint32(kernelPDEStart); idx < entriesPerTable; idx++ {
		tablePhys, ok := pmm.AllocFrameBelow(lowMemCeiling)
		if !ok {
			return nil, false
		}
		as.setPDE(idx, tablePhys|FlagPresent|FlagWrite)
	}
	kernelSpace = as
	return as, true
}

// NewAddressSpace allocates a fresh user address space whose higher half
// is shared with the kernel directory installed by InitKernelSpace.
func NewAddressSpace() (*AddressSpace, bool) {
	dirPhys, ok := pmm.AllocFrameBelow(lowMemCeiling)
	if !ok {
		return nil, false
	}
	as := &AddressSpace{DirPhys: dirPhys}
	if kernelSpace != nil {
		for idx := uint32(kernelPDEStart); idx < entriesPerTable; idx++ {
			as.setPDE(idx, kernelSpace.pde(idx))
		}
	}
	return as, true
}

// Activate loads this address space's directory into CR3.
func (as *AddressSpace) Activate() {
	cpuio.LoadCR3(as.DirPhys)
}

func pdeIndex(virt uint32) uint32 { return virt >> 22 }
func pteIndex(virt uint32) uint32 { return (virt >> 12) & 0x3FF }

// Map installs a mapping for the single page at virt, allocating a page
// table if the covering PDE is absent. Existing PDE flag bits are
// promoted (WRITE/USER) but never demoted, per spec.md §4.2. Both
// arguments must already be page-aligned; Map does not round them.
func (as *AddressSpace) Map(virt, phys, flags uint32) bool {
	pdIdx := pdeIndex(virt)
	ptIdx := pteIndex(virt)

	pde := as.pde(pdIdx)
	if pde&FlagPresent == 0 {
		tablePhys, ok := pmm.AllocFrameBelow(lowMemCeiling)
		if !ok {
			return false
		}
		pde = tablePhys | FlagPresent | (flags & (FlagWrite | FlagUser))
		as.setPDE(pdIdx, pde)
	} else {
		pde |= flags & (FlagWrite | FlagUser)
		as.setPDE(pdIdx, pde)
	}

	tablePhys := pde & addrMask
	pteAddr := tablePhys + ptIdx*entryBytes
	writeWord(pteAddr, (phys&addrMask)|FlagPresent|flags)
	cpuio.Invlpg(virt)
	return true
}

// Unmap clears the PTE for virt, leaving the page-table frame in place,
// and invalidates the TLB entry. A virt whose PDE was never present is a
// no-op.
func (as *AddressSpace) Unmap(virt uint32) {
	pdIdx := pdeIndex(virt)
	ptIdx := pteIndex(virt)

	pde := as.pde(pdIdx)
	if pde&FlagPresent == 0 {
		return
	}
	tablePhys := pde & addrMask
	pteAddr := tablePhys + ptIdx*entryBytes
	writeWord(pteAddr, 0)
	cpuio.Invlpg(virt)
}

// Resolve walks both paging levels and returns the physical address that
// virt maps to, with the low 12 offset bits from virt folded back in, or
// (0, false) if either level is absent.
func (as *AddressSpace) Resolve(virt uint32) (uint32, bool) {
	pdIdx := pdeIndex(virt)
	ptIdx := pteIndex(virt)

	pde := as.pde(pdIdx)
	if pde&FlagPresent == 0 {
		return 0, false
	}
	tablePhys := pde & addrMask
	pte := readWord(tablePhys + ptIdx*entryBytes)
	if pte&FlagPresent == 0 {
		return 0, false
	}
	return (pte & addrMask) | (virt & 0xFFF), true
}

// ForEachUserPTE visits every present PTE in the user half of the
// directory (PDE indices 0..767) and calls fn with the owning page-table
// physical address, the PTE index within it, and the PTE's value.
func (as *AddressSpace) ForEachUserPTE(fn func(tablePhys uint32, ptIdx uint32, pte uint32)) {
	for pdIdx := uint32(0); pdIdx < kernelPDEStart; pdIdx++ {
		pde := as.pde(pdIdx)
		if pde&FlagPresent == 0 {
			continue
		}
		tablePhys := pde & addrMask
		anyUser := false
		for ptIdx := uint32(0); ptIdx < entriesPerTable; ptIdx++ {
			pte := readWord(tablePhys + ptIdx*entryBytes)
			if pte&FlagPresent == 0 || pte&FlagUser == 0 {
				continue
			}
			anyUser = true
			fn(tablePhys, ptIdx, pte)
		}
		_ = anyUser
	}
}

// Fork deep-copies every user PTE's backing frame into a freshly
// allocated frame, installing it in a new address space with matching
// flags, and shares the kernel half as NewAddressSpace does. This is the
// copy-on-fork correctness fix spec.md §9 requires in place of the
// original's shared-directory shortcut: the child's writes never corrupt
// the parent's frames.
func (as *AddressSpace) Fork() (*AddressSpace, bool) {
	child, ok := NewAddressSpace()
	if !ok {
		return nil, false
	}

	ok = true
	as.ForEachUserPTE(func(tablePhys uint32, ptIdx uint32, pte uint32) {
		if !ok {
			return
		}
		srcFrame := pte & addrMask
		flags := pte &^ addrMask

		dstFrame, allocated := pmm.AllocFrame()
		if !allocated {
			ok = false
			return
		}
		copy(pmm.RAM()[dstFrame:dstFrame+pmm.FrameSize], pmm.RAM()[srcFrame:srcFrame+pmm.FrameSize])

		// Reconstruct the virtual address this PTE covers from the
		// table's identity within the parent directory.
		pdIdx := tableOwnerPDE(as, tablePhys)
		virt := (pdIdx << 22) | (ptIdx << 12)
		child.Map(virt, dstFrame, flags)
	})
	if !ok {
		return nil, false
	}
	return child, true
}

// tableOwnerPDE finds which PDE index in as points at tablePhys. Used
// only by Fork, which otherwise only has the table's physical address in
// hand.
func tableOwnerPDE(as *AddressSpace, tablePhys uint32) uint32 {
	for pdIdx := uint32(0); pdIdx < kernelPDEStart; pdIdx++ {
		pde := as.pde(pdIdx)
		if pde&FlagPresent != 0 && pde&addrMask == tablePhys {
			return pdIdx
		}
	}
	return 0
}

// Destroy reclaims every user page and page table the directory still
// holds, per spec.md §4.7: for each present user PDE, free every present
// USER PTE's frame, then free the page table itself. Unlike
// the real kernel's dichotomy between tearing down the active directory
// (which must go through the VMM so the TLB is flushed) versus an
// inactive one, the simulator always frees through the allocator and
// invalidates unconditionally; the distinction only matters for a TLB
// nk32 does not actually execute against.
func (as *AddressSpace) Destroy() {
	for pdIdx := uint32(0); pdIdx < kernelPDEStart; pdIdx++ {
		pde := as.pde(pdIdx)
		if pde&FlagPresent == 0 {
			continue
		}
		tablePhys := pde & addrMask
		for ptIdx := uint32(0); ptIdx < entriesPerTable; ptIdx++ {
			pteAddr := tablePhys + ptIdx*entryBytes
			pte := readWord(pteAddr)
			if pte&FlagPresent == 0 || pte&FlagUser == 0 {
				continue
			}
			pmm.FreeFrame(pte & addrMask)
			writeWord(pteAddr, 0)
			cpuio.Invlpg((pdIdx << 22) | (ptIdx << 12))
		}
		pmm.FreeFrame(tablePhys)
		as.setPDE(pdIdx, 0)
	}
	pmm.FreeFrame(as.DirPhys)
}

// ResetForTest discards the package-level kernel address space singleton.
// Only called from _test.go files across the module.
func ResetForTest() {
	kernelSpace = nil
}
