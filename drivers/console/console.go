/*
 * nk32 - Character console driver: keystroke ring buffer and output sink.
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

// Package console implements the character sink / keystroke source
// pair spec.md §2 keeps in scope in place of a terminal renderer or
// shell: a bounded single-producer/single-consumer keystroke ring with
// a drop-newest overflow policy, plus a plain io.Writer sink. Backspace
// and the arrow/page/scroll control codes are delivered as ordinary
// bytes in the keystroke stream; erasing a character on screen is a
// terminal-rendering concern the spec keeps out of scope, so this
// driver never interprets them itself.
package console

import (
	"io"
	"sync"

	"nk32/internal/idt"
	"nk32/internal/pic"
)

// Control codes delivered alongside printable ASCII [1,127], per
// spec.md §2's keystroke encoding.
const (
	Backspace byte = 0x08

	KeyUp         byte = 0x81
	KeyDown       byte = 0x82
	KeyLeft       byte = 0x83
	KeyRight      byte = 0x84
	KeyPageUp     byte = 0x85
	KeyPageDown   byte = 0x86
	KeyScrollUp   byte = 0x87
	KeyScrollDown byte = 0x88
)

// ringCapacity bounds the keystroke buffer; a key arriving when full is
// dropped rather than overwriting an older, unread key.
const ringCapacity = 256

// Keyboard is a bounded keystroke ring buffer fed by PushKey (the
// simulated IRQ1 handler) and drained by ReadByte (internal/syscall's
// read path).
type Keyboard struct {
	mu   sync.Mutex
	buf  [ringCapacity]byte
	head int
	tail int
	size int
}

// PushKey enqueues one keystroke, dropping it silently if the ring is
// full, per spec.md §2's drop-newest overflow policy. It is the bottom
// half of the keyboard IRQ: the handler registered for IRQ1 calls it
// after Receive delivers the raw byte.
func (k *Keyboard) PushKey(b byte) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.size == ringCapacity {
		return
	}
	k.buf[k.tail] = b
	k.tail = (k.tail + 1) % ringCapacity
	k.size++
}

// Receive is the simulated PS/2 controller: a raw byte has arrived on
// the wire, so it delivers IRQ1 through internal/idt exactly as real
// hardware would, mirroring drivers/tick's IRQ0 delivery. The
// registered IRQ1 handler is what actually calls PushKey; Receive does
// nothing to the ring itself if no handler is installed.
func (k *Keyboard) Receive(b byte) {
	if pic.MasterMask()&(1<<pic.KeyboardIRQ) == 0 {
		idt.Dispatch(&idt.Frame{IntNum: pic.MasterBase + pic.KeyboardIRQ, EAX: uint32(b)})
	}
}

// ReadByte implements internal/syscall.KeystrokeSource.
func (k *Keyboard) ReadByte() (byte, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.size == 0 {
		return 0, false
	}
	b := k.buf[k.head]
	k.head = (k.head + 1) % ringCapacity
	k.size--
	return b, true
}

// Pending reports how many keystrokes are queued and unread.
func (k *Keyboard) Pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.size
}

// Screen is a plain byte sink wrapping an io.Writer, implementing
// internal/syscall.CharSink. It performs no cursor tracking or
// rendering; Backspace is forwarded to w like any other byte, since
// erase-in-place is the terminal's job, not this driver's.
type Screen struct {
	mu sync.Mutex
	w  io.Writer
}

// NewScreen wraps w as a character sink.
func NewScreen(w io.Writer) *Screen {
	return &Screen{w: w}
}

// WriteByte implements internal/syscall.CharSink.
func (s *Screen) WriteByte(b byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Write([]byte{b})
}

// sink is the structural shape internal/syscall.CharSink requires,
// named locally so FanOut doesn't need to import that package.
type sink interface {
	WriteByte(b byte)
}

// FanOut writes every byte to each of its sinks in order, for
// write(buf,len)'s requirement that output reach both the terminal and
// the serial line, per spec.md §6/§8.
type FanOut []sink

// WriteByte implements internal/syscall.CharSink.
func (f FanOut) WriteByte(b byte) {
	for _, s := range f {
		s.WriteByte(b)
	}
}
