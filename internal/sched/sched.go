/*
 * nk32 - Round-robin kernel thread scheduler.
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

// Package sched implements the round-robin kernel thread scheduler of
// spec.md §3/§4.7. A real kernel's ctx_switch hand-saves a stack pointer
// and resumes another one directly; a Go program may never do that to
// its own goroutine stacks, so here each kernel thread is one goroutine
// parked on a dedicated resume channel, and ctx_switch becomes hand
// delivery of that channel's single token to whichever thread runs next.
// Thread identity, ready order and the one-token-in-flight-at-a-time
// invariant are exactly the scheduler state spec.md names; only the
// mechanics of the handoff are necessarily different from real hardware.
//
// sched_tick (spec.md §4.6) is Tick: the timer ISR calls it on every
// clock interrupt to advance the running thread's quantum. It cannot
// force that thread's goroutine to hand off mid-instruction the way a
// real tick-preemptive kernel rewrites the saved interrupt frame — Go
// gives a library no way to suspend another goroutine's stack from the
// outside. Instead Tick only marks the thread as owing a reschedule,
// and CheckPreempt performs the actual Yield the next time that
// thread's own goroutine reaches a checkpoint (internal/syscall.Dispatch
// is the one currently wired). A thread that never issues a syscall
// keeps running past its quantum; see DESIGN.md for the invariant this
// trades away.
package sched

import "sync"

// MaxThreads bounds the kernel thread table, per spec.md §3.
const MaxThreads = 16

// Quantum is the number of clock ticks a thread runs before Tick flags
// it for preemption, per spec.md §4.6's sched_tick.
const Quantum = 20

// State is a kernel thread's scheduling state.
type State int

const (
	StateUnused State = iota
	StateReady
	StateRunning
	StateDone
)

type thread struct {
	id      int
	state   State
	resume  chan struct{}
	ticks   int  // clock ticks consumed since the last quantum reset
	preempt bool // quantum expired; owed a reschedule at the next checkpoint
}

type scheduler struct {
	mu      sync.Mutex
	threads [MaxThreads]*thread
	order   []int // round-robin order of live (non-done) thread ids
	current int    // id of the currently running thread, -1 if none
}

var s = scheduler{current: -1}

func indexInOrder(order []int, id int) int {
	for i, v := range order {
		if v == id {
			return i
		}
	}
	return -1
}

// pickNextLocked returns the next ready-or-running thread id after
// afterID in round-robin order, or afterID itself if it is the only
// live thread. Caller holds s.mu.
func pickNextLocked(afterID int) int {
	if len(s.order) == 0 {
		return -1
	}
	start := indexInOrder(s.order, afterID)
	if start < 0 {
		start = -1
	}
	idx := (start + 1) % len(s.order)
	return s.order[idx]
}

// Spawn creates a new kernel thread slot running fn and returns its id.
// fn does not begin executing until the scheduler hands it the first
// resume token, via Start or another thread's Yield/exit.
func Spawn(fn func()) (int, bool) {
	s.mu.Lock()
	id := -1
	for i, t := range s.threads {
		if t == nil {
			id = i
			break
		}
	}
	if id < 0 {
		s.mu.Unlock()
		return 0, false
	}
	t := &thread{id: id, state: StateReady, resume: make(chan struct{})}
	s.threads[id] = t
	s.order = append(s.order, id)
	s.mu.Unlock()

	go func() {
		<-t.resume
		fn()
		exit(t)
	}()
	return id, true
}

// exit marks t done, removes it from the round-robin order, and hands
// the resume token to whatever thread runs next. A thread that exits
// with no other thread left simply leaves the scheduler idle.
func exit(t *thread) {
	s.mu.Lock()
	t.state = StateDone
	next := pickNextLocked(t.id)
	removed := make([]int, 0, len(s.order))
	for _, id := range s.order {
		if id != t.id {
			removed = append(removed, id)
		}
	}
	s.order = removed
	if next == t.id {
		next = -1
	}
	if next >= 0 {
		s.threads[next].state = StateRunning
		s.current = next
	} else {
		s.current = -1
	}
	s.mu.Unlock()

	if next >= 0 {
		s.threads[next].resume <- struct{}{}
	}
}

// Start hands the resume token to the first spawned thread, beginning
// round-robin execution. Must be called exactly once, after every
// initial thread has been Spawn'd.
func Start() bool {
	s.mu.Lock()
	if len(s.order) == 0 {
		s.mu.Unlock()
		return false
	}
	first := s.order[0]
	s.threads[first].state = StateRunning
	s.current = first
	s.mu.Unlock()

	s.threads[first].resume <- struct{}{}
	return true
}

// Yield is sched_yield / the scheduler's ctx_switch, called by a
// kernel thread's own goroutine with its own id. It hands the resume
// token to the next ready thread in round-robin order and blocks until
// it is handed back, per spec.md §4.7. A thread alone in the table
// returns immediately without ever blocking.
func Yield(selfID int) {
	s.mu.Lock()
	next := pickNextLocked(selfID)
	if next < 0 || next == selfID {
		s.mu.Unlock()
		return
	}
	s.threads[selfID].state = StateReady
	s.threads[next].state = StateRunning
	s.current = next
	self := s.threads[selfID]
	resumeNext := s.threads[next]
	s.mu.Unlock()

	resumeNext.resume <- struct{}{}
	<-self.resume

	s.mu.Lock()
	self.state = StateRunning
	s.current = selfID
	s.mu.Unlock()
}

// Tick is sched_tick, called from the timer ISR on every simulated
// clock interrupt. It advances the running thread's quantum counter
// and, once the quantum is exhausted, flags it owing a reschedule — see
// the package doc for why the handoff itself waits for CheckPreempt.
func Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current < 0 {
		return
	}
	t := s.threads[s.current]
	t.ticks++
	if t.ticks >= Quantum {
		t.ticks = 0
		t.preempt = true
	}
}

// CheckPreempt yields selfID's thread if Tick has flagged its quantum
// as expired since the last checkpoint, implementing spec.md §4.7's
// process_schedule at the one point this simulator can safely run it.
// A thread that never reaches a checkpoint is never preempted.
func CheckPreempt(selfID int) {
	s.mu.Lock()
	if selfID < 0 || selfID >= MaxThreads || s.threads[selfID] == nil || !s.threads[selfID].preempt {
		s.mu.Unlock()
		return
	}
	s.threads[selfID].preempt = false
	s.mu.Unlock()
	Yield(selfID)
}

// Current returns the id of the currently running thread, or -1 if the
// scheduler has never been started or every thread has exited.
func Current() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ThreadState reports a thread slot's state, for tests and the debug
// console.
func ThreadState(id int) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 0 || id >= MaxThreads || s.threads[id] == nil {
		return StateUnused
	}
	return s.threads[id].state
}

// Live reports how many threads have been spawned and not yet exited.
func Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.order)
}

// ResetForTest discards all scheduler state. Only called from _test.go
// files.
func ResetForTest() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = [MaxThreads]*thread{}
	s.order = nil
	s.current = -1
}
