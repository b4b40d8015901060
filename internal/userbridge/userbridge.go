/*
 * nk32 - Synchronous bridge from kernel code into a user process.
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

// Package userbridge runs a single user process to completion from
// kernel code and returns its exit status, per spec.md §9.
//
// The original run_user_and_wait saved a resume point with a
// volatile-qualified local and a compiler barrier, then relied on the
// scheduler re-entering that exact C stack frame on the next timer tick
// — a correct but fragile trick that an optimizing compiler, or a
// change in calling convention, could silently break. This
// reimplementation replaces it outright: create the process, schedule
// it, and block on the same zombie-reaping wait every other parent
// uses. There is no resume point to protect because there is no
// special-cased stack frame — RunUserAndWait returns only once
// proc.Exit has actually been observed.
package userbridge

import (
	"nk32/internal/kheap"
	"nk32/internal/proc"
	"nk32/internal/vmm"
)

// RunUserAndWait creates a process running prog as a child of callerPID,
// schedules it, and blocks the calling process until it exits, returning
// its exit code.
func RunUserAndWait(callerPID int, as *vmm.AddressSpace, heap *kheap.Heap, prog proc.Program) (exitCode int, ok bool) {
	childPID, ok := proc.Create(callerPID, as, heap, prog)
	if !ok {
		return 0, false
	}
	return proc.WaitPID(callerPID, childPID)
}
