package idt

import (
	"testing"

	"nk32/internal/cpuio"
	"nk32/internal/pmm"
)

func freshIDT(t *testing.T) {
	t.Helper()
	pmm.ResetForTest()
	cpuio.ResetForTest()
	ResetForTest()
	pmm.Init(pmm.BootInfo{MemUpperKiB: 16 * 1024})
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	freshIDT(t)
	Init()

	var got *Frame
	Register(SyscallVector, 3, func(f *Frame) { got = f })

	f := &Frame{IntNum: SyscallVector, EAX: 42}
	Dispatch(f)

	if got == nil {
		t.Fatal("handler was never called")
	}
	if got.EAX != 42 {
		t.Fatalf("handler saw EAX=%d, want 42", got.EAX)
	}
}

func TestDispatchCallsEOIHookForIRQVectorsOnly(t *testing.T) {
	freshIDT(t)
	Init()

	var eoiVectors []uint32
	SetEOIHook(func(v uint32) { eoiVectors = append(eoiVectors, v) })

	Register(IRQBase, 0, func(f *Frame) {})
	Register(SyscallVector, 3, func(f *Frame) {})

	Dispatch(&Frame{IntNum: IRQBase})
	Dispatch(&Frame{IntNum: SyscallVector})

	if len(eoiVectors) != 1 || eoiVectors[0] != IRQBase {
		t.Fatalf("eoi hook calls = %v, want exactly one call for vector %d", eoiVectors, IRQBase)
	}
}

func TestDispatchUnhandledExceptionHalts(t *testing.T) {
	freshIDT(t)
	Init()

	if cpuio.Halted() {
		t.Fatal("CPU should not start halted")
	}
	Dispatch(&Frame{IntNum: 13}) // general protection fault, unregistered
	if !cpuio.Halted() {
		t.Fatal("an unhandled CPU exception should halt the simulated CPU")
	}
}

func TestDispatchUnhandledIRQIsIgnoredNotFatal(t *testing.T) {
	freshIDT(t)
	Init()

	Dispatch(&Frame{IntNum: IRQBase + 5}) // unregistered IRQ, not a CPU exception
	if cpuio.Halted() {
		t.Fatal("an unregistered IRQ vector must not halt the CPU")
	}
}

func TestRegisterWritesGateDescriptor(t *testing.T) {
	freshIDT(t)
	Init()
	Register(SyscallVector, 3, func(f *Frame) {})

	g := pmm.RAM()[table.tablePhys+SyscallVector*gateBytes : table.tablePhys+SyscallVector*gateBytes+gateBytes]
	if g[5]&gatePresent == 0 {
		t.Fatal("syscall gate should be marked present")
	}
	dpl := (g[5] >> 5) & 0x3
	if dpl != 3 {
		t.Fatalf("syscall gate DPL = %d, want 3", dpl)
	}
}
