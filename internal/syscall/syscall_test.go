package syscall

import (
	"testing"

	"nk32/internal/cpuio"
	"nk32/internal/idt"
	"nk32/internal/kheap"
	"nk32/internal/pmm"
	"nk32/internal/proc"
	"nk32/internal/sched"
	"nk32/internal/vmm"
)

type fakeSink struct{ got []byte }

func (s *fakeSink) WriteByte(b byte) { s.got = append(s.got, b) }

type fakeKeys struct{ pending []byte }

func (k *fakeKeys) ReadByte() (byte, bool) {
	if len(k.pending) == 0 {
		return 0, false
	}
	b := k.pending[0]
	k.pending = k.pending[1:]
	return b, true
}

type fakeClock struct{ ticks uint64 }

func (c *fakeClock) Ticks() uint64 { return c.ticks }

func freshUserSpace(t *testing.T) (*vmm.AddressSpace, uint32) {
	t.Helper()
	pmm.ResetForTest()
	cpuio.ResetForTest()
	sched.ResetForTest()
	proc.ResetForTest()
	vmm.ResetForTest()

	pmm.Init(pmm.BootInfo{MemUpperKiB: 32 * 1024})
	if _, ok := vmm.InitKernelSpace(); !ok {
		t.Fatal("InitKernelSpace failed")
	}
	as, ok := vmm.NewAddressSpace()
	if !ok {
		t.Fatal("NewAddressSpace failed")
	}

	const bufVirt = 0x00400000
	phys, ok := pmm.AllocFrame()
	if !ok {
		t.Fatal("alloc_frame failed")
	}
	if !as.Map(bufVirt, phys, vmm.FlagWrite|vmm.FlagUser) {
		t.Fatal("map failed")
	}
	return as, bufVirt
}

func TestSysWriteObservedOnBothSinks(t *testing.T) {
	as, bufVirt := freshUserSpace(t)

	msg := []byte("hi")
	phys, _ := as.Resolve(bufVirt)
	copy(pmm.RAM()[phys:], msg)

	vgaSink := &fakeSink{}
	serialSink := &fakeSink{}
	ctx := &Context{PID: 1, AS: as, Stdout: multiSink{vgaSink, serialSink}}

	f := &idt.Frame{EAX: SysWrite, EBX: bufVirt, ECX: uint32(len(msg))}
	Dispatch(f, ctx)

	if f.EAX != uint32(len(msg)) {
		t.Fatalf("write returned %d, want %d", f.EAX, len(msg))
	}
	if string(vgaSink.got) != "hi" || string(serialSink.got) != "hi" {
		t.Fatalf("sinks = %q, %q, want both %q", vgaSink.got, serialSink.got, "hi")
	}
}

type multiSink []CharSink

func (m multiSink) WriteByte(b byte) {
	for _, s := range m {
		s.WriteByte(b)
	}
}

func TestSysReadFromKeystrokeSource(t *testing.T) {
	as, bufVirt := freshUserSpace(t)

	ctx := &Context{PID: 1, AS: as, Stdin: &fakeKeys{pending: []byte("ok")}}
	f := &idt.Frame{EAX: SysRead, EBX: 0, ECX: bufVirt, EDX: 2}
	Dispatch(f, ctx)

	if f.EAX != 2 {
		t.Fatalf("read returned %d, want 2", f.EAX)
	}
	phys, _ := as.Resolve(bufVirt)
	if string(pmm.RAM()[phys:phys+2]) != "ok" {
		t.Fatalf("read did not deposit bytes into the user buffer")
	}
}

func TestSysReadStopsAtNewlineBeforeBufferFull(t *testing.T) {
	as, bufVirt := freshUserSpace(t)

	ctx := &Context{PID: 1, AS: as, Stdin: &fakeKeys{pending: []byte("ab\n")}, Stdout: &fakeSink{}}
	f := &idt.Frame{EAX: SysRead, EBX: 0, ECX: bufVirt, EDX: 16}
	Dispatch(f, ctx)

	if f.EAX != 3 {
		t.Fatalf("read returned %d, want 3", f.EAX)
	}
	phys, _ := as.Resolve(bufVirt)
	if string(pmm.RAM()[phys:phys+3]) != "ab\n" {
		t.Fatalf("buffer = %q, want %q", pmm.RAM()[phys:phys+3], "ab\n")
	}
}

func TestSysReadBackspaceErasesAndEchoes(t *testing.T) {
	as, bufVirt := freshUserSpace(t)

	sink := &fakeSink{}
	ctx := &Context{PID: 1, AS: as, Stdin: &fakeKeys{pending: []byte("ab\bc\n")}, Stdout: sink}
	f := &idt.Frame{EAX: SysRead, EBX: 0, ECX: bufVirt, EDX: 16}
	Dispatch(f, ctx)

	if f.EAX != 3 {
		t.Fatalf("read returned %d, want 3", f.EAX)
	}
	phys, _ := as.Resolve(bufVirt)
	if string(pmm.RAM()[phys:phys+3]) != "ac\n" {
		t.Fatalf("buffer = %q, want %q", pmm.RAM()[phys:phys+3], "ac\n")
	}
	if string(sink.got) != "ab\b \bc\n" {
		t.Fatalf("echo = %q, want %q", sink.got, "ab\b \bc\n")
	}
}

func TestSysReadTranslatesCarriageReturnToNewline(t *testing.T) {
	as, bufVirt := freshUserSpace(t)

	ctx := &Context{PID: 1, AS: as, Stdin: &fakeKeys{pending: []byte("ab\r")}, Stdout: &fakeSink{}}
	f := &idt.Frame{EAX: SysRead, EBX: 0, ECX: bufVirt, EDX: 16}
	Dispatch(f, ctx)

	if f.EAX != 3 {
		t.Fatalf("read returned %d, want 3", f.EAX)
	}
	phys, _ := as.Resolve(bufVirt)
	if string(pmm.RAM()[phys:phys+3]) != "ab\n" {
		t.Fatalf("buffer = %q, want %q", pmm.RAM()[phys:phys+3], "ab\n")
	}
}

func TestSysSbrkGrowsHeapAndReturnsOldBreak(t *testing.T) {
	as, _ := freshUserSpace(t)
	heap, ok := kheap.Init(as, 0xD0000000, pmm.FrameSize)
	if !ok {
		t.Fatal("kheap Init failed")
	}
	ctx := &Context{PID: 1, AS: as, Heap: heap}

	before := heap.Cur()
	f := &idt.Frame{EAX: SysSbrk, EBX: 64}
	Dispatch(f, ctx)

	if f.EAX != before {
		t.Fatalf("sbrk returned %#x, want old break %#x", f.EAX, before)
	}
	if heap.Cur() == before {
		t.Fatal("sbrk should have advanced the heap break")
	}
}

func TestSysGetPIDAndGetPPID(t *testing.T) {
	as, _ := freshUserSpace(t)
	pid, ok := proc.Create(7, as, nil, func(int) {})
	if !ok {
		t.Fatal("Create failed")
	}

	ctx := &Context{PID: pid, AS: as}
	f := &idt.Frame{EAX: SysGetPID}
	Dispatch(f, ctx)
	if f.EAX != uint32(pid) {
		t.Fatalf("getpid = %d, want %d", f.EAX, pid)
	}

	f = &idt.Frame{EAX: SysGetPPID}
	Dispatch(f, ctx)
	if f.EAX != 7 {
		t.Fatalf("getppid = %d, want 7", f.EAX)
	}
}

func TestSysTimeReturnsClockTicks(t *testing.T) {
	as, _ := freshUserSpace(t)
	ctx := &Context{PID: 1, AS: as, Clock: &fakeClock{ticks: 1234}}
	f := &idt.Frame{EAX: SysTime}
	Dispatch(f, ctx)
	if f.EAX != 1234 {
		t.Fatalf("time = %d, want 1234", f.EAX)
	}
}

func TestSysWaitWithNoChildrenReturnsMinusOne(t *testing.T) {
	as, _ := freshUserSpace(t)
	pid, _ := proc.Create(0, as, nil, func(int) {})
	ctx := &Context{PID: pid, AS: as}
	f := &idt.Frame{EAX: SysWait, EBX: 0}
	Dispatch(f, ctx)
	if f.EAX != ^uint32(0) {
		t.Fatalf("wait with no children = %#x, want -1", f.EAX)
	}
}

func TestUnknownSyscallReturnsMinusOne(t *testing.T) {
	as, _ := freshUserSpace(t)
	ctx := &Context{PID: 1, AS: as}
	f := &idt.Frame{EAX: 999}
	Dispatch(f, ctx)
	if f.EAX != ^uint32(0) {
		t.Fatalf("unknown syscall = %#x, want -1", f.EAX)
	}
}
