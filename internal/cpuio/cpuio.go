/*
 * nk32 - Simulated port I/O and CPU primitives.
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

// Package cpuio stands in for the handful of assembly primitives every
// x86 kernel needs (in/out, cr3/cr2, invlpg, cli/sti/hlt, lgdt/lidt/ltr).
// On real hardware these are a dozen single-instruction functions; here
// they are the simulated CPU's register file plus a port-mapped I/O bus
// that drivers register themselves on, so that internal/pmm, internal/vmm,
// internal/gdt and internal/idt can be written exactly as they would be
// against real silicon without this package knowing anything about paging,
// descriptors or interrupts.
package cpuio

import "sync"

// Port is an 8237/8259-style port-mapped device: something that can be
// addressed with in/out instructions. Only the byte width exists; there
// are no word or long port accessors.
type Port interface {
	InB() uint8
	OutB(v uint8)
}

type state struct {
	mu sync.Mutex

	ports map[uint16]Port

	interruptsEnabled bool
	cr3               uint32 // physical address of the active page directory
	cr2               uint32 // faulting address, set by internal/vmm on a simulated page fault
	halted            bool

	gdtr uint32 // physical address of the loaded GDT, set by Lgdt
	idtr uint32 // physical address of the loaded IDT, set by Lidt
	tr   uint16 // TSS selector loaded by Ltr

	invalidations []uint32 // virtual addresses invalidated since the last reset, for tests
}

var cpu = state{ports: make(map[uint16]Port)}

// RegisterPort attaches a port device at a fixed port address. Only
// internal/pic and the driver packages under drivers/ call this; core
// memory/trap code never does.
func RegisterPort(port uint16, dev Port) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.ports[port] = dev
}

// Outb writes a byte to a port device, or discards it if nothing is
// attached there.
func Outb(port uint16, v uint8) {
	cpu.mu.Lock()
	dev := cpu.ports[port]
	cpu.mu.Unlock()
	if dev != nil {
		dev.OutB(v)
	}
}

// Inb reads a byte from a port device, or returns 0xFF (the conventional
// "nothing there" value on a PC bus) if nothing is attached.
func Inb(port uint16) uint8 {
	cpu.mu.Lock()
	dev := cpu.ports[port]
	cpu.mu.Unlock()
	if dev == nil {
		return 0xFF
	}
	return dev.InB()
}

// LoadCR3 installs the physical address of the active page directory and
// flushes the whole TLB, matching a real `mov cr3, eax`.
func LoadCR3(phys uint32) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.cr3 = phys
	cpu.invalidations = nil
}

// ReadCR3 returns the physical address of the active page directory.
func ReadCR3() uint32 {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	return cpu.cr3
}

// SetCR2 records a faulting virtual address for a later ReadCR2. Nothing
// in the tree calls it; internal/vmm raises no simulated page faults.
func SetCR2(virt uint32) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.cr2 = virt
}

// ReadCR2 returns the address that faulted, as the page-fault handler
// reads it in the real handler.
func ReadCR2() uint32 {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	return cpu.cr2
}

// Invlpg invalidates a single TLB entry for virt.
func Invlpg(virt uint32) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.invalidations = append(cpu.invalidations, virt)
}

// Invalidated returns the virtual addresses invalidated via Invlpg since
// the last LoadCR3. Exported only for tests that assert vmm.Map/Unmap
// flush the TLB as spec.md §4.2 requires.
func Invalidated() []uint32 {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	out := make([]uint32, len(cpu.invalidations))
	copy(out, cpu.invalidations)
	return out
}

// Cli disables interrupts. Every mutation of the PMM bitmap happens
// between a Cli/Sti pair; the process table and the scheduler's ready
// list are guarded by their own mutexes instead.
func Cli() {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.interruptsEnabled = false
}

// Sti enables interrupts.
func Sti() {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.interruptsEnabled = true
}

// InterruptsEnabled reports whether Sti was the last of Cli/Sti called.
func InterruptsEnabled() bool {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	return cpu.interruptsEnabled
}

// Hlt stops instruction execution until the next interrupt. In the
// simulator this just records that the (single, simulated) CPU is idle;
// only Wake (or ResetForTest) clears it again.
func Hlt() {
	cpu.mu.Lock()
	cpu.halted = true
	cpu.mu.Unlock()
}

// Wake clears the halted flag, matching a real CPU resuming at the
// instruction after hlt. The tick and keyboard drivers do not call it
// when they deliver an IRQ.
func Wake() {
	cpu.mu.Lock()
	cpu.halted = false
	cpu.mu.Unlock()
}

// Halted reports whether the simulated CPU is parked in Hlt.
func Halted() bool {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	return cpu.halted
}

// Lgdt loads the GDT register with the physical address of a GDT.
func Lgdt(phys uint32) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.gdtr = phys
}

// Lidt loads the IDT register with the physical address of an IDT.
func Lidt(phys uint32) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.idtr = phys
}

// Ltr loads the task register with a TSS selector.
func Ltr(selector uint16) {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.tr = selector
}

// TaskRegister returns the selector last loaded by Ltr.
func TaskRegister() uint16 {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	return cpu.tr
}

// ResetForTest restores the simulated CPU to its power-on state. Only
// called from package _test.go files across the module.
func ResetForTest() {
	cpu.mu.Lock()
	defer cpu.mu.Unlock()
	cpu.ports = make(map[uint16]Port)
	cpu.interruptsEnabled = false
	cpu.cr3 = 0
	cpu.cr2 = 0
	cpu.halted = false
	cpu.gdtr = 0
	cpu.idtr = 0
	cpu.tr = 0
	cpu.invalidations = nil
}
