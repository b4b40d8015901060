package vmm

import (
	"testing"

	"nk32/internal/cpuio"
	"nk32/internal/pmm"
)

func freshSpace(t *testing.T) *AddressSpace {
	t.Helper()
	pmm.ResetForTest()
	cpuio.ResetForTest()
	kernelSpace = nil
	pmm.Init(pmm.BootInfo{MemUpperKiB: 32 * 1024})

	ks, ok := InitKernelSpace()
	if !ok {
		t.Fatal("InitKernelSpace failed")
	}
	as, ok := NewAddressSpace()
	if !ok {
		t.Fatal("NewAddressSpace failed")
	}
	_ = ks
	return as
}

func TestMapResolveRoundTrip(t *testing.T) {
	as := freshSpace(t)

	phys, ok := pmm.AllocFrame()
	if !ok {
		t.Fatal("alloc_frame failed")
	}
	const virt = 0x00401000
	if !as.Map(virt, phys, FlagWrite|FlagUser) {
		t.Fatal("map failed")
	}

	got, ok := as.Resolve(virt + 0x42)
	if !ok {
		t.Fatal("resolve failed for mapped page")
	}
	if want := phys + 0x42; got != want {
		t.Fatalf("resolve(%#x) = %#x, want %#x", virt+0x42, got, want)
	}
}

func TestUnmapClearsResolve(t *testing.T) {
	as := freshSpace(t)

	phys, _ := pmm.AllocFrame()
	const virt = 0x00500000
	as.Map(virt, phys, FlagWrite|FlagUser)
	as.Unmap(virt)

	if _, ok := as.Resolve(virt); ok {
		t.Fatal("resolve should fail after unmap")
	}
}

func TestResolveUnmappedPDEFails(t *testing.T) {
	as := freshSpace(t)
	if _, ok := as.Resolve(0x00300000); ok {
		t.Fatal("resolve should fail when the PDE was never installed")
	}
}

func TestMapInvalidatesTLB(t *testing.T) {
	as := freshSpace(t)
	phys, _ := pmm.AllocFrame()
	const virt = 0x00600000
	as.Map(virt, phys, FlagWrite)

	found := false
	for _, v := range cpuio.Invalidated() {
		if v == virt {
			found = true
		}
	}
	if !found {
		t.Fatal("map did not invalidate the TLB entry for the mapped page")
	}
}

func TestPDEFlagsPromoteNeverDemote(t *testing.T) {
	as := freshSpace(t)
	phys1, _ := pmm.AllocFrame()
	phys2, _ := pmm.AllocFrame()

	// First mapping in this PDE is kernel-only (no USER bit).
	as.Map(0x00700000, phys1, FlagWrite)
	// Second mapping in the same PDE (same 4 MiB region) is user+write.
	as.Map(0x00701000, phys2, FlagWrite|FlagUser)

	pdIdx := pdeIndex(0x00700000)
	pde := as.pde(pdIdx)
	if pde&FlagUser == 0 {
		t.Fatal("PDE USER bit should have been promoted by the second mapping, never demoted back")
	}

	// A later kernel-only mapping in the same PDE must not demote it.
	phys3, _ := pmm.AllocFrame()
	as.Map(0x00702000, phys3, FlagWrite)
	if as.pde(pdIdx)&FlagUser == 0 {
		t.Fatal("PDE USER bit was demoted by a later kernel-only mapping")
	}
}

func TestKernelPDEsSharedAcrossAddressSpaces(t *testing.T) {
	as1 := freshSpace(t)
	as2, ok := NewAddressSpace()
	if !ok {
		t.Fatal("NewAddressSpace failed")
	}

	const kernelVirt = 0xC0100000
	if pde1 := as1.pde(pdeIndex(kernelVirt)); pde1&FlagPresent == 0 {
		t.Fatal("kernel PDE should be pre-present in as1")
	}
	pde1 := as1.pde(pdeIndex(kernelVirt))
	pde2 := as2.pde(pdeIndex(kernelVirt))
	if pde1&addrMask != pde2&addrMask {
		t.Fatal("kernel PDE slots must point at the same physical page table across address spaces")
	}
}

func TestForkDeepCopiesUserPages(t *testing.T) {
	parent := freshSpace(t)

	phys, _ := pmm.AllocFrame()
	const virt = 0x00400000
	parent.Map(virt, phys, FlagWrite|FlagUser)
	pmm.RAM()[phys] = 0xAB

	child, ok := parent.Fork()
	if !ok {
		t.Fatal("fork failed")
	}

	childPhys, ok := child.Resolve(virt)
	if !ok {
		t.Fatal("child should observe the parent's mapping at fork time")
	}
	if childPhys == phys {
		t.Fatal("fork must allocate a distinct frame for the child, not share the parent's")
	}
	if pmm.RAM()[childPhys] != 0xAB {
		t.Fatal("child's copy should start with the parent's contents at fork time")
	}

	// Parent writes after fork must not be visible to the child.
	pmm.RAM()[phys] = 0xCD
	if pmm.RAM()[childPhys] == 0xCD {
		t.Fatal("child observed a parent write made after fork; copy-on-fork semantics violated")
	}
}

func TestDestroyFreesUserFrames(t *testing.T) {
	as := freshSpace(t)

	phys, _ := pmm.AllocFrame()
	const virt = 0x00410000
	as.Map(virt, phys, FlagWrite|FlagUser)

	before := pmm.FreeFrames()
	as.Destroy()
	after := pmm.FreeFrames()
	if after <= before {
		t.Fatalf("destroy should free user frames and the directory: free went %d -> %d", before, after)
	}
}
