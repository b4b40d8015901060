/*
 * nk32 - Interrupt descriptor table and dispatch.
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

// Package idt holds the 256-gate interrupt descriptor table and the
// common dispatch path every trap, IRQ and syscall enters through, per
// spec.md §3/§4.5. Frame mirrors the register layout a real common stub
// pushes onto the stack before calling into C; here Dispatch builds the
// same struct and calls a registered Go handler instead of jumping
// through an assembly stub.
package idt

import (
	"log/slog"
	"strings"
	"sync"

	"nk32/internal/cpuio"
	"nk32/internal/pmm"
	"nk32/util/hex"
)

const (
	gateCount = 256
	gateBytes = 8

	gatePresent       = 1 << 7
	gateDPL3          = 3 << 5
	gateType32BitIntr = 0x0E

	// SyscallVector is the single gate the user-mode ABI is allowed to
	// invoke directly (DPL 3), per spec.md §6.
	SyscallVector = 0x80

	// IRQBase and IRQCount bound the PIC's remapped vector range,
	// per spec.md §4.5/§4.6.
	IRQBase  = 32
	IRQCount = 16
)

// Frame is the uniform saved-register frame every handler receives,
// field order matching spec.md §3 exactly: segment, then general
// registers pushed by pushad, then the interrupt number and error code,
// then the CPU-pushed iret frame.
type Frame struct {
	DS uint32

	EDI, ESI, EBP, ESP, EBX, EDX, ECX, EAX uint32

	IntNum, ErrCode uint32

	EIP, CS, EFLAGS, UserESP, SS uint32
}

// Handler processes one interrupt. Handlers for 0-31 (CPU exceptions)
// that wish to kill the current process rather than panic should do so
// themselves; Dispatch's built-in exception path is only the
// last-resort backstop for unregistered vectors.
type Handler func(f *Frame)

type state struct {
	mu        sync.Mutex
	tablePhys uint32
	installed bool
	handlers  [gateCount]Handler
	eoiHook   func(vector uint32)
}

var table state

func encodeGate(offset uint32, selector uint16, dpl byte) [gateBytes]byte {
	var g [gateBytes]byte
	g[0] = byte(offset & 0xFF)
	g[1] = byte((offset >> 8) & 0xFF)
	g[2] = byte(selector & 0xFF)
	g[3] = byte((selector >> 8) & 0xFF)
	g[4] = 0
	g[5] = gatePresent | (dpl << 5 & gateDPL3) | gateType32BitIntr
	g[6] = byte((offset >> 16) & 0xFF)
	g[7] = byte((offset >> 24) & 0xFF)
	return g
}

// Init allocates the 256-gate table in low memory, zeroes it and loads
// IDTR, per spec.md §4.5.
func Init() bool {
	table.mu.Lock()
	defer table.mu.Unlock()

	phys, ok := pmm.AllocFrameBelow(16 * 1024 * 1024)
	if !ok {
		return false
	}
	clear(pmm.RAM()[phys : phys+gateCount*gateBytes])
	table.tablePhys = phys
	table.installed = true
	table.handlers = [gateCount]Handler{}

	cpuio.Lidt(phys)
	return true
}

// Register installs the handler for vector and writes its gate
// descriptor. dpl is 3 only for the syscall gate; every trap and IRQ
// gate is DPL 0, per spec.md §4.5/§6.
func Register(vector int, dpl byte, h Handler) {
	table.mu.Lock()
	defer table.mu.Unlock()
	table.handlers[vector] = h
	if table.installed {
		g := encodeGate(uint32(vector), 0x08, dpl)
		copy(pmm.RAM()[table.tablePhys+uint32(vector*gateBytes):], g[:])
	}
}

// SetEOIHook installs the function Dispatch calls after any IRQ
// (vectors IRQBase..IRQBase+IRQCount-1) handler returns. internal/pic
// calls this once at startup so idt never imports it back.
func SetEOIHook(hook func(vector uint32)) {
	table.mu.Lock()
	defer table.mu.Unlock()
	table.eoiHook = hook
}

// Dispatch is the single entry point every simulated interrupt goes
// through: look up the vector's handler, run it, then EOI if it was an
// IRQ. A CPU exception (vector < 32) with no registered handler logs the
// full frame and marks the simulated CPU halted (cpuio.Halted reports
// true); Dispatch then returns to its caller, and nothing stops the
// scheduler or the interrupted code from running on.
func Dispatch(f *Frame) {
	table.mu.Lock()
	h := table.handlers[f.IntNum]
	eoi := table.eoiHook
	table.mu.Unlock()

	if h == nil {
		if f.IntNum < IRQBase {
			panicUnhandled(f)
		}
		return
	}
	h(f)

	if f.IntNum >= IRQBase && f.IntNum < IRQBase+IRQCount && eoi != nil {
		eoi(f.IntNum)
	}
}

func panicUnhandled(f *Frame) {
	var b strings.Builder
	hex.FormatWord32(&b, []uint32{
		f.DS, f.EDI, f.ESI, f.EBP, f.ESP, f.EBX, f.EDX, f.ECX, f.EAX,
		f.IntNum, f.ErrCode, f.EIP, f.CS, f.EFLAGS, f.UserESP, f.SS,
	})
	slog.Error("unhandled exception", "vector", f.IntNum, "err_code", f.ErrCode,
		"eip", f.EIP, "frame", b.String())
	cpuio.Hlt()
}

// ResetForTest discards installed table state. Only called from
// _test.go files.
func ResetForTest() {
	table.mu.Lock()
	defer table.mu.Unlock()
	table.tablePhys = 0
	table.installed = false
	table.handlers = [gateCount]Handler{}
	table.eoiHook = nil
}
