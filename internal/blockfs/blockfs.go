/*
 * nk32 - Minimal in-memory block file store.
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

// Package blockfs is a flat directory of named byte extents backed by a
// drivers/blockdev.Device, standing in for the full ext2 reader spec.md
// §2 explicitly places out of scope. It implements internal/syscall's
// FileSystem interface so open/close/read/fwrite/fs_list have something
// concrete to call. Every byte a file holds lives in dev's sectors, not
// in a parallel Go slice: Read and Write round-trip through
// ReadSector/WriteSector exactly as a real extent-based file system
// would, one sector at a time.
package blockfs

import (
	"sync"
)

// BlockDevice is the narrow interface blockfs needs from a block
// device: fixed-size sector read/write by index.
type BlockDevice interface {
	SectorSize() int
	ReadSector(idx int, buf []byte) bool
	WriteSector(idx int, buf []byte) bool
}

// file is a name plus the extent (list of device sectors, in file
// order) that backs it, and the logical length of valid data within that
// extent. Sectors added when a file grows come from the shared bump
// allocator, so an extent is not necessarily contiguous on the device.
type file struct {
	name    string
	sectors []int
	length  int
}

type openFile struct {
	f   *file
	pos int
}

// FS is a process-independent, process-table-wide file store: every
// process sees the same directory, matching the single shared block
// device spec.md keeps in scope.
type FS struct {
	mu         sync.Mutex
	dev        BlockDevice
	sectorSize int
	files      []*file
	open       map[int]*openFile
	nextFD     int
	nextSector int
}

// New creates an empty file store backed by dev.
func New(dev BlockDevice) *FS {
	return &FS{
		dev:        dev,
		sectorSize: dev.SectorSize(),
		open:       make(map[int]*openFile),
		nextFD:     3, // 0,1,2 reserved
	}
}

// allocSectorsLocked bump-allocates n fresh sectors from dev, the
// simplest extent allocator that can make open/read/fwrite real: no
// free list, matching the kernel heap's own "grows, never reclaims"
// policy (internal/kheap).
func (fs *FS) allocSectorsLocked(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = fs.nextSector
		fs.nextSector++
	}
	return out
}

func (fs *FS) sectorsFor(n int) int {
	if n == 0 {
		return 0
	}
	return (n + fs.sectorSize - 1) / fs.sectorSize
}

// writeExtentLocked writes data into f's extent starting at byte offset
// 0, sector by sector, growing the extent first if data no longer fits
// the sectors already allocated to f.
func (fs *FS) writeExtentLocked(f *file, data []byte) bool {
	need := fs.sectorsFor(len(data))
	if need > len(f.sectors) {
		f.sectors = append(f.sectors, fs.allocSectorsLocked(need-len(f.sectors))...)
	}
	buf := make([]byte, fs.sectorSize)
	for i := 0; i < need; i++ {
		start := i * fs.sectorSize
		end := start + fs.sectorSize
		if end > len(data) {
			end = len(data)
		}
		clear(buf)
		copy(buf, data[start:end])
		if !fs.dev.WriteSector(f.sectors[i], buf) {
			return false
		}
	}
	f.length = len(data)
	return true
}

// readExtentLocked reads f's valid bytes from offset..offset+n (clamped
// to f.length) out of its sectors.
func (fs *FS) readExtentLocked(f *file, offset, n int) []byte {
	if offset >= f.length {
		return nil
	}
	if offset+n > f.length {
		n = f.length - offset
	}
	out := make([]byte, 0, n)
	buf := make([]byte, fs.sectorSize)
	for len(out) < n {
		pos := offset + len(out)
		idx := pos / fs.sectorSize
		within := pos % fs.sectorSize
		if idx >= len(f.sectors) {
			break
		}
		if !fs.dev.ReadSector(f.sectors[idx], buf) {
			break
		}
		take := fs.sectorSize - within
		if take > n-len(out) {
			take = n - len(out)
		}
		out = append(out, buf[within:within+take]...)
	}
	return out
}

// Create adds a file with initial contents, for seeding the boot image
// the way Multiboot modules would.
func (fs *FS) Create(name string, data []byte) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := &file{name: name}
	if !fs.writeExtentLocked(f, data) {
		return false
	}
	fs.files = append(fs.files, f)
	return true
}

func (fs *FS) findLocked(name string) *file {
	for _, f := range fs.files {
		if f.name == name {
			return f
		}
	}
	return nil
}

// Open implements internal/syscall.FileSystem.
func (fs *FS) Open(path string) (int, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	f := fs.findLocked(path)
	if f == nil {
		return 0, false
	}
	fd := fs.nextFD
	fs.nextFD++
	fs.open[fd] = &openFile{f: f}
	return fd, true
}

// Close implements internal/syscall.FileSystem.
func (fs *FS) Close(fd int) bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if _, ok := fs.open[fd]; !ok {
		return false
	}
	delete(fs.open, fd)
	return true
}

// Read implements internal/syscall.FileSystem.
func (fs *FS) Read(fd int, buf []byte) (int, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, ok := fs.open[fd]
	if !ok {
		return 0, false
	}
	data := fs.readExtentLocked(of.f, of.pos, len(buf))
	n := copy(buf, data)
	of.pos += n
	return n, true
}

// Write implements internal/syscall.FileSystem. Writes past the current
// end of the file extend it, matching a simple append-only extent.
func (fs *FS) Write(fd int, buf []byte) (int, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	of, ok := fs.open[fd]
	if !ok {
		return 0, false
	}
	end := of.pos + len(buf)
	whole := fs.readExtentLocked(of.f, 0, of.f.length)
	if end > len(whole) {
		grown := make([]byte, end)
		copy(grown, whole)
		whole = grown
	}
	copy(whole[of.pos:end], buf)
	if !fs.writeExtentLocked(of.f, whole) {
		return 0, false
	}
	of.pos = end
	return len(buf), true
}

// List implements internal/syscall.FileSystem.
func (fs *FS) List() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	names := make([]string, len(fs.files))
	for i, f := range fs.files {
		names[i] = f.name
	}
	return names
}
