package pmm

import (
	"testing"

	"nk32/internal/cpuio"
)

func testInit(t *testing.T, totalKiB uint32) {
	t.Helper()
	ResetForTest()
	cpuio.ResetForTest()
	Init(BootInfo{
		MemUpperKiB:     totalKiB,
		KernelPhysStart: 0x100000,
		KernelPhysEnd:   0x140000,
	})
}

func TestAllocFreeRoundTrip(t *testing.T) {
	testInit(t, 16*1024) // 16 MiB

	before := FreeFrames()
	phys, ok := AllocFrame()
	if !ok {
		t.Fatal("alloc_frame failed on fresh allocator")
	}
	FreeFrame(phys)
	if got := FreeFrames(); got != before {
		t.Fatalf("free_frames = %d, want %d after alloc/free round trip", got, before)
	}
}

func TestAllocFrameBelowNeverExceedsLimit(t *testing.T) {
	testInit(t, 32*1024)

	const limit = 2 * 1024 * 1024 // 2 MiB
	var got []uint32
	for {
		phys, ok := AllocFrameBelow(limit)
		if !ok {
			break
		}
		if phys >= limit {
			t.Fatalf("alloc_frame_below(%d) returned phys=%d >= limit", limit, phys)
		}
		got = append(got, phys)
	}
	if len(got) == 0 {
		t.Fatal("alloc_frame_below never returned a frame")
	}
}

func TestReservedRangesNeverAllocated(t *testing.T) {
	testInit(t, 8*1024)

	// low 1 MiB and the kernel image must already be marked allocated.
	seen := map[uint32]bool{}
	for {
		phys, ok := AllocFrame()
		if !ok {
			break
		}
		seen[phys] = true
	}
	if seen[0] {
		t.Fatal("frame 0 (low memory) should never be allocatable")
	}
	if seen[0x100000] {
		t.Fatal("kernel image frame should never be allocatable")
	}
}

func TestOOMThenFreeAllRestoresCount(t *testing.T) {
	testInit(t, 4*1024) // small window so the loop is fast

	total := TotalFrames()
	fixedReserved := total - FreeFrames()

	var all []uint32
	for {
		phys, ok := AllocFrame()
		if !ok {
			break
		}
		all = append(all, phys)
	}
	if FreeFrames() != 0 {
		t.Fatalf("free_frames = %d, want 0 at OOM", FreeFrames())
	}

	for _, phys := range all {
		FreeFrame(phys)
	}
	if got, want := FreeFrames(), total-fixedReserved; got != want {
		t.Fatalf("free_frames after freeing everything = %d, want %d", got, want)
	}
}

func TestFreeOutOfRangeIsIgnored(t *testing.T) {
	testInit(t, 4*1024)

	before := FreeFrames()
	FreeFrame(MaxPhysBytes + FrameSize) // out of range
	FreeFrame(1 << 30)                  // also out of range
	if got := FreeFrames(); got != before {
		t.Fatalf("free_frames = %d, want %d after no-op frees", got, before)
	}
}

func TestDoubleFreeDoesNotOvercount(t *testing.T) {
	testInit(t, 4*1024)

	before := FreeFrames()
	phys, ok := AllocFrame()
	if !ok {
		t.Fatal("alloc_frame failed")
	}
	FreeFrame(phys)
	FreeFrame(phys) // double free must not inflate the free count
	if got := FreeFrames(); got != before {
		t.Fatalf("free_frames = %d, want %d after double free", got, before)
	}
}
