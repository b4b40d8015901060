/*
 * nk32 - 8259 programmable interrupt controller remap and EOI policy.
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

// Package pic models the cascaded 8259 pair: remapping their vectors out
// of the CPU exception range, masking every line except the timer and
// keyboard, and sending end-of-interrupt on the slave before the master
// when an IRQ came from the slave chip, per spec.md §4.6. Each chip is
// registered on internal/cpuio's port bus exactly as a real 8259 sits on
// the ISA bus, so the remap sequence below is the same four-byte ICW
// handshake real boot code issues.
package pic

import (
	"sync"

	"nk32/internal/cpuio"
)

const (
	masterCommandPort = 0x20
	masterDataPort    = 0x21
	slaveCommandPort  = 0xA0
	slaveDataPort     = 0xA1

	// MasterBase and SlaveBase are the remapped vector ranges, chosen to
	// land entirely above the CPU's 0-31 exception range, per spec.md §4.6.
	MasterBase = 32
	SlaveBase  = 40

	// TimerIRQ and KeyboardIRQ are the only two lines unmasked at boot,
	// per spec.md §4.6; every other device in scope (block device) is
	// polled, not interrupt-driven.
	TimerIRQ    = 0
	KeyboardIRQ = 1

	icwInit  = 0x11
	icw4_8086 = 0x01
	eoiCommand = 0x20
)

// chip is one 8259's ICW state machine plus its current interrupt mask.
type chip struct {
	icwStep int
	mask    byte
}

func (c *chip) writeCommand(v byte) {
	if v&0x10 != 0 { // ICW1: begin cascade init
		c.icwStep = 1
	}
}

func (c *chip) writeData(v byte) {
	switch c.icwStep {
	case 1: // ICW2: vector base, ignored here — the base is fixed by wiring
		c.icwStep = 2
	case 2: // ICW3: cascade wiring, fixed by wiring
		c.icwStep = 3
	case 3: // ICW4: mode byte
		c.icwStep = 0
	default: // OCW1: interrupt mask register
		c.mask = v
	}
}

type commandPort struct{ c *chip }

func (p *commandPort) OutB(v uint8) { p.c.writeCommand(v) }
func (p *commandPort) InB() uint8   { return 0 }

type dataPort struct{ c *chip }

func (p *dataPort) OutB(v uint8) { p.c.writeData(v) }
func (p *dataPort) InB() uint8   { return p.c.mask }

type state struct {
	mu          sync.Mutex
	master      *chip
	slave       *chip
	installed   bool
	eoiSequence []uint16 // command ports written by EOI, in order; test-only
}

var p state

// Init performs the standard ICW1-4 remap sequence for both chips,
// landing IRQ0-7 at MasterBase and IRQ8-15 at SlaveBase, then masks
// every line except the timer and keyboard, per spec.md §4.6.
func Init() {
	p.mu.Lock()
	p.master = &chip{mask: 0xFF}
	p.slave = &chip{mask: 0xFF}
	cpuio.RegisterPort(masterCommandPort, &commandPort{p.master})
	cpuio.RegisterPort(masterDataPort, &dataPort{p.master})
	cpuio.RegisterPort(slaveCommandPort, &commandPort{p.slave})
	cpuio.RegisterPort(slaveDataPort, &dataPort{p.slave})
	p.installed = true
	p.eoiSequence = nil
	p.mu.Unlock()

	cpuio.Outb(masterCommandPort, icwInit)
	cpuio.Outb(masterDataPort, MasterBase)
	cpuio.Outb(masterDataPort, 0x04) // ICW3: slave attached on IRQ2
	cpuio.Outb(masterDataPort, icw4_8086)

	cpuio.Outb(slaveCommandPort, icwInit)
	cpuio.Outb(slaveDataPort, SlaveBase)
	cpuio.Outb(slaveDataPort, 0x02) // ICW3: cascade identity on the slave
	cpuio.Outb(slaveDataPort, icw4_8086)

	cpuio.Outb(masterDataPort, 0xFF&^(1<<TimerIRQ)&^(1<<KeyboardIRQ))
	cpuio.Outb(slaveDataPort, 0xFF)
}

// Mask disables a single IRQ line (0-15).
func Mask(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if irq < 8 {
		p.master.mask |= 1 << uint(irq)
		cpuio.Outb(masterDataPort, p.master.mask)
		return
	}
	p.slave.mask |= 1 << uint(irq-8)
	cpuio.Outb(slaveDataPort, p.slave.mask)
}

// Unmask enables a single IRQ line (0-15).
func Unmask(irq int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if irq < 8 {
		p.master.mask &^= 1 << uint(irq)
		cpuio.Outb(masterDataPort, p.master.mask)
		return
	}
	p.slave.mask &^= 1 << uint(irq-8)
	cpuio.Outb(slaveDataPort, p.slave.mask)
}

// EOI acknowledges the interrupt identified by its remapped vector. For
// a vector that came from the slave chip (>= SlaveBase) the slave must
// be acknowledged before the master, or the master never re-arms the
// cascade line, per spec.md §4.6.
func EOI(vector uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if vector >= SlaveBase {
		cpuio.Outb(slaveCommandPort, eoiCommand)
		p.eoiSequence = append(p.eoiSequence, slaveCommandPort)
	}
	cpuio.Outb(masterCommandPort, eoiCommand)
	p.eoiSequence = append(p.eoiSequence, masterCommandPort)
}

// MasterMask and SlaveMask expose the current interrupt mask registers,
// for tests and the debug console.
func MasterMask() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.master == nil {
		return 0xFF
	}
	return p.master.mask
}

func SlaveMask() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.slave == nil {
		return 0xFF
	}
	return p.slave.mask
}

// EOISequence returns the command ports written by EOI calls since the
// last Init, in order. Exported only for tests asserting slave-before-
// master ordering.
func EOISequence() []uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]uint16, len(p.eoiSequence))
	copy(out, p.eoiSequence)
	return out
}

// ResetForTest discards chip state. Only called from _test.go files.
func ResetForTest() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.master = nil
	p.slave = nil
	p.installed = false
	p.eoiSequence = nil
}
