package gdt

import (
	"testing"

	"nk32/internal/cpuio"
	"nk32/internal/pmm"
)

func freshGDT(t *testing.T) {
	t.Helper()
	pmm.ResetForTest()
	cpuio.ResetForTest()
	ResetForTest()
	pmm.Init(pmm.BootInfo{MemUpperKiB: 16 * 1024})
}

func TestInitInstallsAllSixDescriptors(t *testing.T) {
	freshGDT(t)
	if !Init() {
		t.Fatal("gdt Init failed")
	}

	null := Descriptor(0)
	var zero [8]byte
	if null != zero {
		t.Fatal("descriptor 0 (null) should be all zero")
	}

	kernCode := Descriptor(1)
	if kernCode[5]&accessPresent == 0 {
		t.Fatal("kernel code descriptor should be marked present")
	}
	if kernCode[5]&0x18 != accessCode&0x18 {
		t.Fatal("kernel code descriptor should carry the code-segment access type")
	}

	userCode := Descriptor(3)
	dpl := (userCode[5] >> 5) & 0x3
	if dpl != 3 {
		t.Fatalf("user code descriptor DPL = %d, want 3", dpl)
	}

	tss := Descriptor(5)
	if tss[5] != accessPresent|accessTSS {
		t.Fatalf("TSS descriptor access byte = %#x, want %#x", tss[5], accessPresent|accessTSS)
	}
}

func TestInitLoadsGDTRAndTaskRegister(t *testing.T) {
	freshGDT(t)
	Init()

	if cpuio.TaskRegister() != TSSSelector {
		t.Fatalf("task register = %#x, want TSS selector %#x", cpuio.TaskRegister(), TSSSelector)
	}
}

func TestSetKernelStackUpdatesTSS(t *testing.T) {
	freshGDT(t)
	Init()

	SetKernelStack(0xC0100000)
	if got := KernelStack(); got != 0xC0100000 {
		t.Fatalf("KernelStack() = %#x, want %#x", got, 0xC0100000)
	}

	SetKernelStack(0xC0101000)
	if got := KernelStack(); got != 0xC0101000 {
		t.Fatalf("KernelStack() after second switch = %#x, want %#x", got, 0xC0101000)
	}
}

func TestSelectorRPLsMatchPrivilegeLevel(t *testing.T) {
	if KernelCodeSelector&3 != 0 {
		t.Fatal("kernel code selector must have RPL 0")
	}
	if UserCodeSelector&3 != 3 {
		t.Fatal("user code selector must have RPL 3")
	}
	if UserDataSelector&3 != 3 {
		t.Fatal("user data selector must have RPL 3")
	}
}
