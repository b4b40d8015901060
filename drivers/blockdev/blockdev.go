/*
 * nk32 - Block device with busy-bit serialized access.
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

// Package blockdev is the single block device spec.md §2 keeps in
// scope: fixed-size sectors in a byte arena, access to which is
// serialized by a busy flag rather than a queue, following the
// teacher's channel-status convention of a single CStatusBusy bit
// (emu/device.go) rather than a general request queue.
package blockdev

import "sync"

const defaultSectorSize = 512

// Device is an in-memory stand-in for a rotating or flash block device.
type Device struct {
	mu     sync.Mutex
	busy   bool
	sector int
	data   []byte
}

// New creates a device of the given capacity in sectors.
func New(sectors int) *Device {
	return &Device{data: make([]byte, sectors*defaultSectorSize), sector: defaultSectorSize}
}

// SectorSize implements internal/blockfs.BlockDevice.
func (d *Device) SectorSize() int { return d.sector }

func (d *Device) bounds(idx int) (int, int, bool) {
	start := idx * d.sector
	end := start + d.sector
	if start < 0 || end > len(d.data) {
		return 0, 0, false
	}
	return start, end, true
}

// ReadSector implements internal/blockfs.BlockDevice. A call made while
// the device is busy fails immediately rather than blocking, matching
// the teacher's CStatusBusy convention: the caller is expected to poll
// and retry, not queue.
func (d *Device) ReadSector(idx int, buf []byte) bool {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return false
	}
	d.busy = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
	}()

	start, end, ok := d.bounds(idx)
	if !ok {
		return false
	}
	copy(buf, d.data[start:end])
	return true
}

// WriteSector implements internal/blockfs.BlockDevice, with the same
// busy-bit serialization as ReadSector.
func (d *Device) WriteSector(idx int, buf []byte) bool {
	d.mu.Lock()
	if d.busy {
		d.mu.Unlock()
		return false
	}
	d.busy = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.busy = false
		d.mu.Unlock()
	}()

	start, end, ok := d.bounds(idx)
	if !ok {
		return false
	}
	copy(d.data[start:end], buf)
	return true
}

// Busy reports whether a read or write is currently in flight.
func (d *Device) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}
