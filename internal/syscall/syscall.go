/*
 * nk32 - Syscall dispatch table and user-mode ABI.
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

// Package syscall implements the 13-call table of spec.md §3/§6: the
// register convention is eax = call number, ebx/ecx/edx/esi/edi = up to
// five arguments, and eax = return value on completion. Dispatch is
// what the int 0x80 gate (internal/idt.SyscallVector) calls, through
// gateHandler below; user code in this simulator runs as Go rather than
// real ring-3 instructions (see SPEC_FULL.md's note on realizability).
//
// exit never returns control in a real kernel; here Dispatch cannot
// stop its caller from executing further Go statements, so a Program
// must itself return immediately after issuing SysExit — the scheduler
// notices the goroutine's return and cleans up exactly as if the
// process had faulted into the scheduler on its own.
//
// Bind/gateHandler wire the other end of that trap: a Program calls
// Bind once, at start-of-day, to register its Context against its own
// pid, then raises int 0x80 through internal/idt.Dispatch the way
// compiled ring-3 code would. gateHandler looks the calling process's
// Context up by pid (via internal/proc.CurrentPID, the scheduler's
// notion of "whichever thread is running now") and calls Dispatch
// itself — Dispatch is still exported and callable directly, which the
// package's own tests do to exercise each call's semantics without the
// trap plumbing.
package syscall

import (
	"encoding/binary"
	"sync"
	"time"

	"nk32/internal/idt"
	"nk32/internal/kheap"
	"nk32/internal/pmm"
	"nk32/internal/proc"
	"nk32/internal/sched"
	"nk32/internal/vmm"
)

// Call numbers, per spec.md §6.
const (
	SysWrite   = 1
	SysExit    = 2
	SysRead    = 3
	SysOpen    = 4
	SysClose   = 5
	SysSbrk    = 6
	SysTime    = 7
	SysFSList  = 8
	SysFWrite  = 9
	SysFork    = 10
	SysWait    = 11
	SysGetPID  = 12
	SysGetPPID = 13
)

// CharSink is the narrow character-output interface spec.md keeps in
// scope in place of a concrete terminal driver.
type CharSink interface {
	WriteByte(b byte)
}

// KeystrokeSource is the narrow character-input interface spec.md keeps
// in scope in place of a concrete keyboard driver.
type KeystrokeSource interface {
	ReadByte() (b byte, ok bool)
}

// FileSystem backs open/close/read/fwrite/fs_list, standing in for the
// out-of-scope ext2 reader, per spec.md §2's Non-goals.
type FileSystem interface {
	Open(path string) (fd int, ok bool)
	Close(fd int) bool
	Read(fd int, buf []byte) (n int, ok bool)
	Write(fd int, buf []byte) (n int, ok bool)
	List() []string
}

// TimeSource backs the time syscall, standing in for a concrete clocked
// tick source driver.
type TimeSource interface {
	Ticks() uint64
}

// Context is everything Dispatch needs beyond the register frame
// itself: the calling process's identity, memory, heap and the devices
// it was given at creation. NextChildProgram must be set before issuing
// a fork syscall — in a real kernel the child resumes at the
// instruction after int 0x80 with eax=0; in this simulator that
// resumption point is a distinct Go closure, so the caller supplies it
// explicitly rather than Dispatch trying to "resume" Go code.
type Context struct {
	PID    int
	AS     *vmm.AddressSpace
	Heap   *kheap.Heap
	FS     FileSystem
	Stdout CharSink
	Stdin  KeystrokeSource
	Clock  TimeSource

	NextChildProgram proc.Program
}

var (
	gateOnce sync.Once
	boundMu  sync.Mutex
	bound    = map[int]*Context{}
)

// Bind registers ctx as pid's active syscall context and installs the
// int 0x80 gate exactly once. Call it at the very start of a Program,
// before that process's code raises its first trap.
func Bind(ctx *Context) {
	gateOnce.Do(func() { idt.Register(idt.SyscallVector, 3, gateHandler) })
	boundMu.Lock()
	bound[ctx.PID] = ctx
	boundMu.Unlock()
}

// Unbind removes pid's registered context. Dispatch calls this itself
// on SysExit, so callers only need it if a process's Context must be
// torn down early.
func Unbind(pid int) {
	boundMu.Lock()
	delete(bound, pid)
	boundMu.Unlock()
}

// ResetForTest discards bound contexts. It cannot undo the one-time
// gate install, since internal/idt's own table is what ResetForTest in
// _test.go files across packages clears; tests that need a clean gate
// should reset internal/idt too. Only called from _test.go files.
func ResetForTest() {
	boundMu.Lock()
	defer boundMu.Unlock()
	bound = map[int]*Context{}
}

// gateHandler is the int 0x80 gate every trap enters through: it finds
// which process is currently scheduled and dispatches against its
// bound Context, per spec.md §6.
func gateHandler(f *idt.Frame) {
	pid, ok := proc.CurrentPID()
	if !ok {
		f.EAX = ^uint32(0)
		return
	}
	boundMu.Lock()
	ctx := bound[pid]
	boundMu.Unlock()
	if ctx == nil {
		f.EAX = ^uint32(0)
		return
	}
	Dispatch(f, ctx)
}

func readCString(as *vmm.AddressSpace, virt uint32, maxLen int) string {
	ram := pmm.RAM()
	buf := make([]byte, 0, 32)
	for i := 0; i < maxLen; i++ {
		phys, ok := as.Resolve(virt + uint32(i))
		if !ok {
			break
		}
		b := ram[phys]
		if b == 0 {
			break
		}
		buf = append(buf, b)
	}
	return string(buf)
}

func readBuf(as *vmm.AddressSpace, virt, n uint32) []byte {
	ram := pmm.RAM()
	out := make([]byte, 0, n)
	for i := uint32(0); i < n; i++ {
		phys, ok := as.Resolve(virt + i)
		if !ok {
			break
		}
		out = append(out, ram[phys])
	}
	return out
}

func writeBuf(as *vmm.AddressSpace, virt uint32, data []byte) int {
	ram := pmm.RAM()
	n := 0
	for i, b := range data {
		phys, ok := as.Resolve(virt + uint32(i))
		if !ok {
			break
		}
		ram[phys] = b
		n++
	}
	return n
}

// Dispatch executes the call named by f.EAX against ctx and writes its
// result back into f.EAX, per spec.md §6's register convention. Every
// trap is also this simulator's one safe preemption checkpoint: see
// internal/sched's package doc for why the timer ISR can only flag a
// thread for rescheduling rather than force it off the CPU directly.
func Dispatch(f *idt.Frame, ctx *Context) {
	if pcb, ok := proc.Get(ctx.PID); ok {
		sched.CheckPreempt(pcb.ThreadID)
	}

	switch f.EAX {
	case SysWrite:
		f.EAX = sysWrite(f, ctx)
	case SysExit:
		proc.Exit(ctx.PID, int(int32(f.EBX)))
		Unbind(ctx.PID)
	case SysRead:
		f.EAX = sysRead(f, ctx)
	case SysOpen:
		f.EAX = sysOpen(f, ctx)
	case SysClose:
		f.EAX = sysClose(f, ctx)
	case SysSbrk:
		f.EAX = sysSbrk(f, ctx)
	case SysTime:
		f.EAX = sysTime(ctx)
	case SysFSList:
		f.EAX = sysFSList(f, ctx)
	case SysFWrite:
		f.EAX = sysFWrite(f, ctx)
	case SysFork:
		f.EAX = sysFork(ctx)
	case SysWait:
		f.EAX = sysWait(f, ctx)
	case SysGetPID:
		f.EAX = uint32(ctx.PID)
	case SysGetPPID:
		f.EAX = sysGetPPID(ctx)
	default:
		f.EAX = ^uint32(0) // -1: unknown call number
	}
}

// sysWrite is write(buf, len) per spec.md §6: there is no fd argument —
// ebx is the buffer and ecx its length — and the bytes go out to every
// character sink the process was given (terminal and serial), matching
// the reference sys_write_impl's unconditional dual write.
func sysWrite(f *idt.Frame, ctx *Context) uint32 {
	bufVirt, n := f.EBX, f.ECX
	if ctx.Stdout == nil {
		return 0
	}
	data := readBuf(ctx.AS, bufVirt, n)
	for _, b := range data {
		ctx.Stdout.WriteByte(b)
	}
	return uint32(len(data))
}

// keyboardPollInterval stands in for the original's "sti; hlt" spin: the
// int 0x80 gate holds IF cleared, so a blocking fd=0 read must re-enable
// interrupts and wait for the keyboard IRQ exactly as spec.md §9's
// "interrupt-masked syscall path" note requires. Here that is a short
// sleep-and-retry against the keystroke ring instead of a real halt.
const keyboardPollInterval = time.Millisecond

// sysRead is read(fd, buf, len). fd=0 is the line-buffered keyboard
// path spec.md §3/§8 scenario 6 requires: it blocks until at least one
// byte is available, maps '\r' to '\n', stops as soon as a '\n' is
// accepted, erases the previous buffered byte on '\b' (echoing "\b \b"
// the way a real cooked-mode tty would), and echoes every other
// accepted byte back out. Any other fd reads through the file system.
func sysRead(f *idt.Frame, ctx *Context) uint32 {
	fd, bufVirt, n := f.EBX, f.ECX, f.EDX
	if fd == 0 {
		return uint32(writeBuf(ctx.AS, bufVirt, readLine(ctx, n)))
	}
	if ctx.FS == nil {
		return ^uint32(0)
	}
	buf := make([]byte, n)
	read, ok := ctx.FS.Read(int(fd), buf)
	if !ok {
		return ^uint32(0)
	}
	return uint32(writeBuf(ctx.AS, bufVirt, buf[:read]))
}

// readLine blocks on ctx.Stdin until a full line (or n bytes) has been
// assembled, applying the cooked-mode translations sysRead documents.
func readLine(ctx *Context, n uint32) []byte {
	if ctx.Stdin == nil {
		return nil
	}
	got := make([]byte, 0, n)
	for uint32(len(got)) < n {
		b, ok := ctx.Stdin.ReadByte()
		if !ok {
			time.Sleep(keyboardPollInterval)
			continue
		}
		if b == '\r' {
			b = '\n'
		}
		if b == '\b' {
			if len(got) > 0 {
				got = got[:len(got)-1]
				echo(ctx, '\b')
				echo(ctx, ' ')
				echo(ctx, '\b')
			}
			continue
		}
		got = append(got, b)
		echo(ctx, b)
		if b == '\n' {
			break
		}
	}
	return got
}

func echo(ctx *Context, b byte) {
	if ctx.Stdout != nil {
		ctx.Stdout.WriteByte(b)
	}
}

func sysOpen(f *idt.Frame, ctx *Context) uint32 {
	if ctx.FS == nil {
		return ^uint32(0)
	}
	path := readCString(ctx.AS, f.EBX, 256)
	fd, ok := ctx.FS.Open(path)
	if !ok {
		return ^uint32(0)
	}
	return uint32(fd)
}

func sysClose(f *idt.Frame, ctx *Context) uint32 {
	if ctx.FS == nil || !ctx.FS.Close(int(f.EBX)) {
		return ^uint32(0)
	}
	return 0
}

func sysSbrk(f *idt.Frame, ctx *Context) uint32 {
	if ctx.Heap == nil {
		return ^uint32(0)
	}
	n := f.EBX
	old := ctx.Heap.Cur()
	if _, ok := ctx.Heap.Kmalloc(n); !ok {
		return ^uint32(0)
	}
	return old
}

func sysTime(ctx *Context) uint32 {
	if ctx.Clock == nil {
		return 0
	}
	return uint32(ctx.Clock.Ticks())
}

func sysFSList(f *idt.Frame, ctx *Context) uint32 {
	if ctx.FS == nil {
		return 0
	}
	bufVirt, bufLen := f.EBX, f.ECX
	names := ctx.FS.List()
	var out []byte
	for _, name := range names {
		entry := append([]byte(name), 0)
		if uint32(len(out)+len(entry)) > bufLen {
			break
		}
		out = append(out, entry...)
	}
	return uint32(writeBuf(ctx.AS, bufVirt, out))
}

func sysFWrite(f *idt.Frame, ctx *Context) uint32 {
	if ctx.FS == nil {
		return ^uint32(0)
	}
	fd, bufVirt, n := f.EBX, f.ECX, f.EDX
	data := readBuf(ctx.AS, bufVirt, n)
	written, ok := ctx.FS.Write(int(fd), data)
	if !ok {
		return ^uint32(0)
	}
	return uint32(written)
}

func sysFork(ctx *Context) uint32 {
	if ctx.NextChildProgram == nil {
		return ^uint32(0)
	}
	childPID, ok := proc.Fork(ctx.PID, ctx.NextChildProgram)
	if !ok {
		return ^uint32(0)
	}
	return uint32(childPID)
}

func sysWait(f *idt.Frame, ctx *Context) uint32 {
	statusPtr := f.EBX
	childPID, code, ok := proc.Wait(ctx.PID)
	if !ok {
		return ^uint32(0)
	}
	if statusPtr != 0 {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(int32(code)))
		writeBuf(ctx.AS, statusPtr, b[:])
	}
	return uint32(childPID)
}

func sysGetPPID(ctx *Context) uint32 {
	pcb, ok := proc.Get(ctx.PID)
	if !ok {
		return ^uint32(0)
	}
	return uint32(pcb.PPID)
}
