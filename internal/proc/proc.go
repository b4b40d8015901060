/*
 * nk32 - Process table, fork/exit/wait and process scheduling.
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

// Package proc is the process table and the fork/exit/wait semantics of
// spec.md §3/§4.7. A process is scheduled by internal/sched exactly like
// a kernel thread (spec.md's unified round-robin policy covers both); a
// process additionally owns a user address space and participates in
// parent/child bookkeeping a bare kernel thread does not.
//
// Program is the entry point a process runs. On real hardware this
// would be the user program counter, reached by an iret out of
// run_user_and_wait; here it is an ordinary Go function representing
// compiled user code, which issues syscalls by raising int 0x80
// (internal/idt.Dispatch with IntNum set to internal/idt.SyscallVector)
// exactly as compiled ring-3 code would, after registering its
// internal/syscall.Context with internal/syscall.Bind so the gate
// handler can find it.
package proc

import (
	"sync"

	"nk32/internal/kheap"
	"nk32/internal/sched"
	"nk32/internal/vmm"
)

// MaxProcs bounds the process table, per spec.md §3.
const MaxProcs = 32

type State int

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateBlocked
	StateZombie
)

// Program is a process's user code, run on its own scheduled thread.
type Program func(pid int)

// PCB is one process control block.
type PCB struct {
	PID, PPID int
	State     State
	AS        *vmm.AddressSpace
	Heap      *kheap.Heap
	ExitCode  int
	ThreadID  int
}

type table struct {
	mu    sync.Mutex
	cond  *sync.Cond
	procs [MaxProcs]*PCB
}

var t = table{}

func init() {
	t.cond = sync.NewCond(&t.mu)
}

func allocLocked() int {
	for i, p := range t.procs {
		if p == nil {
			return i
		}
	}
	return -1
}

// Create installs a new process with its own address space and heap,
// running prog on a freshly scheduled thread, per spec.md §4.7. ppid is
// 0 for the first process the kernel creates at boot.
func Create(ppid int, as *vmm.AddressSpace, heap *kheap.Heap, prog Program) (int, bool) {
	t.mu.Lock()
	pid := allocLocked()
	if pid < 0 {
		t.mu.Unlock()
		return 0, false
	}
	pcb := &PCB{PID: pid, PPID: ppid, State: StateReady, AS: as, Heap: heap}
	t.procs[pid] = pcb
	t.mu.Unlock()

	tid, ok := sched.Spawn(func() { prog(pid) })
	if !ok {
		t.mu.Lock()
		t.procs[pid] = nil
		t.mu.Unlock()
		return 0, false
	}
	pcb.ThreadID = tid
	return pid, true
}

// Fork deep-copies the parent's address space (the copy-on-fork
// correctness fix of spec.md §9) and creates a child process that runs
// childProg — compiled user code always resumes at the instruction
// after the fork syscall, which here means childProg is whatever the
// caller compiled that resumption point down to.
func Fork(parentPID int, childProg Program) (int, bool) {
	t.mu.Lock()
	parent := t.procs[parentPID]
	t.mu.Unlock()
	if parent == nil {
		return 0, false
	}

	childAS, ok := parent.AS.Fork()
	if !ok {
		return 0, false
	}
	return Create(parentPID, childAS, parent.Heap, childProg)
}

// Exit marks pid a zombie with the given exit code and wakes any
// parent blocked in Wait, per spec.md §4.7. The zombie's address space
// is not reclaimed until a parent reaps it via Wait, matching the real
// kernel's "exit status must survive until collected" requirement.
func Exit(pid int, code int) {
	t.mu.Lock()
	p := t.procs[pid]
	if p == nil {
		t.mu.Unlock()
		return
	}
	p.State = StateZombie
	p.ExitCode = code
	t.cond.Broadcast()
	t.mu.Unlock()
}

// Wait blocks parentPID until one of its children becomes a zombie,
// then reaps it (frees its address space and process slot) and returns
// its pid and exit code. It returns ok=false immediately if parentPID
// has no children at all, live or dead. While it waits it yields
// parentPID's scheduler thread so the children get to run. A process is
// never counted as its own child (the boot process has pid 0 and ppid 0).
func Wait(parentPID int) (childPID int, exitCode int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		anyChild := false
		for _, p := range t.procs {
			if p == nil || p.PPID != parentPID || p.PID == parentPID {
				continue
			}
			anyChild = true
			if p.State == StateZombie {
				as := p.AS
				code := p.ExitCode
				pid := p.PID
				t.procs[pid] = nil
				t.mu.Unlock()
				as.Destroy()
				t.mu.Lock()
				return pid, code, true
			}
		}
		if !anyChild {
			return 0, 0, false
		}
		if self := t.procs[parentPID]; self != nil {
			tid := self.ThreadID
			t.mu.Unlock()
			sched.Yield(tid)
			t.mu.Lock()
			continue
		}
		t.cond.Wait()
	}
}

// WaitPID blocks parentPID until childPID specifically becomes a zombie,
// then reaps it. It returns ok=false immediately if childPID is not a
// live or zombie child of parentPID. Like Wait, it yields parentPID's
// scheduler thread while the child is still running. Used by
// internal/userbridge, where the caller is waiting on the one process it
// just created rather than any child.
func WaitPID(parentPID, childPID int) (exitCode int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		p := t.procs[childPID]
		if p == nil || p.PPID != parentPID {
			return 0, false
		}
		if p.State == StateZombie {
			as := p.AS
			code := p.ExitCode
			t.procs[childPID] = nil
			t.mu.Unlock()
			as.Destroy()
			t.mu.Lock()
			return code, true
		}
		if self := t.procs[parentPID]; self != nil {
			tid := self.ThreadID
			t.mu.Unlock()
			sched.Yield(tid)
			t.mu.Lock()
			continue
		}
		t.cond.Wait()
	}
}

// Get returns a snapshot of pid's PCB, for tests and the debug console.
func Get(pid int) (PCB, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.procs[pid]
	if p == nil {
		return PCB{}, false
	}
	return *p, true
}

// CurrentPID returns the pid owning whichever thread the scheduler
// currently has running, for the int 0x80 gate handler to look up which
// process a trap belongs to.
func CurrentPID() (int, bool) {
	tid := sched.Current()
	if tid < 0 {
		return 0, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.procs {
		if p != nil && p.ThreadID == tid {
			return p.PID, true
		}
	}
	return 0, false
}

// Yield is sched_yield as seen from process code: block until this
// process is next in round-robin order again.
func Yield(pid int) {
	t.mu.Lock()
	p := t.procs[pid]
	t.mu.Unlock()
	if p == nil {
		return
	}
	sched.Yield(p.ThreadID)
}

// ResetForTest discards the process table. Only called from _test.go
// files.
func ResetForTest() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.procs = [MaxProcs]*PCB{}
}
