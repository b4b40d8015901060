package userbridge

import (
	"testing"
	"time"

	"nk32/internal/cpuio"
	"nk32/internal/pmm"
	"nk32/internal/proc"
	"nk32/internal/sched"
	"nk32/internal/vmm"
)

func freshEnv(t *testing.T) *vmm.AddressSpace {
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
	return as
}

func TestRunUserAndWaitBlocksUntilChildExits(t *testing.T) {
	as := freshEnv(t)

	result := make(chan int, 1)
	_, ok := proc.Create(0, as, nil, func(callerPID int) {
		code, ok := RunUserAndWait(callerPID, as, nil, func(pid int) {
			proc.Exit(pid, 99)
		})
		if !ok {
			t.Error("RunUserAndWait reported failure")
			return
		}
		result <- code
	})
	if !ok {
		t.Fatal("Create failed")
	}

	if !sched.Start() {
		t.Fatal("sched.Start failed")
	}

	select {
	case code := <-result:
		if code != 99 {
			t.Fatalf("exit code = %d, want 99", code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RunUserAndWait to return")
	}
}
