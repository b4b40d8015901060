/*
 * nk32 - Clocked tick source driver.
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

// Package tick is the clocked tick source spec.md §2 keeps in scope in
// place of a concrete PIT driver: a regular interval timer that
// increments a tick counter and delivers IRQ0 through internal/idt,
// grounded on the teacher's emu/timer goroutine-plus-ticker pattern.
package tick

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"nk32/internal/idt"
	"nk32/internal/pic"
)

// Source drives a simulated periodic timer interrupt.
type Source struct {
	wg      sync.WaitGroup
	running atomic.Bool
	ticks   atomic.Uint64
	enable  chan bool
	done    chan struct{}
	period  time.Duration
}

// New creates a tick source at the given period; it does not start
// firing until Start is called.
func New(period time.Duration) *Source {
	s := &Source{
		enable: make(chan bool, 1),
		done:   make(chan struct{}),
		period: period,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Start begins delivering IRQ0 on every tick.
func (s *Source) Start() { s.enable <- true }

// Stop halts delivery without discarding the accumulated tick count.
func (s *Source) Stop() { s.enable <- false }

// Shutdown stops the driver's goroutine permanently.
func (s *Source) Shutdown() {
	close(s.done)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		slog.Warn("timed out waiting for tick source to stop")
	}
}

// Ticks implements internal/syscall.TimeSource.
func (s *Source) Ticks() uint64 { return s.ticks.Load() }

func (s *Source) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.running.Load() {
				s.ticks.Add(1)
				if pic.MasterMask()&(1<<pic.TimerIRQ) == 0 {
					idt.Dispatch(&idt.Frame{IntNum: pic.MasterBase + pic.TimerIRQ})
				}
			}
		case run := <-s.enable:
			s.running.Store(run)
			if run {
				ticker.Reset(s.period)
			}
		case <-s.done:
			return
		}
	}
}
