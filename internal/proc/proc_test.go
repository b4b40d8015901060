package proc

import (
	"testing"
	"time"

	"nk32/internal/cpuio"
	"nk32/internal/pmm"
	"nk32/internal/sched"
	"nk32/internal/vmm"
)

func freshProcTable(t *testing.T) *vmm.AddressSpace {
	t.Helper()
	pmm.ResetForTest()
	cpuio.ResetForTest()
	sched.ResetForTest()
	ResetForTest()
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

func TestForkExitWaitRoundTrip(t *testing.T) {
	as := freshProcTable(t)

	waited := make(chan struct {
		pid, code int
		ok        bool
	}, 1)

	parentPID, ok := Create(0, as, nil, func(pid int) {
		childPID, ok := Fork(pid, func(cpid int) {
			Exit(cpid, 42)
		})
		if !ok {
			t.Error("fork failed")
			return
		}
		gotPID, gotCode, gotOK := Wait(pid)
		waited <- struct {
			pid, code int
			ok        bool
		}{gotPID, gotCode, gotOK}
		_ = childPID
	})
	if !ok {
		t.Fatal("Create failed")
	}

	if !sched.Start() {
		t.Fatal("sched.Start failed")
	}

	select {
	case res := <-waited:
		if !res.ok {
			t.Fatal("wait reported no children, expected a zombie child")
		}
		if res.code != 42 {
			t.Fatalf("wait exit code = %d, want 42", res.code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for fork/exit/wait sequence")
	}
	_ = parentPID
}

func TestWaitWithNoChildrenReturnsImmediately(t *testing.T) {
	as := freshProcTable(t)

	done := make(chan bool, 1)
	Create(0, as, nil, func(pid int) {
		_, _, ok := Wait(pid)
		done <- ok
	})
	if !sched.Start() {
		t.Fatal("sched.Start failed")
	}

	select {
	case ok := <-done:
		if ok {
			t.Fatal("wait with no children should report ok=false")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("wait with no children should not block")
	}
}

func TestExitMarksZombieUntilReaped(t *testing.T) {
	as := freshProcTable(t)

	reaped := make(chan bool, 1)
	Create(0, as, nil, func(pid int) {
		childPID, _ := Fork(pid, func(cpid int) {
			Exit(cpid, 7)
		})

		// Give the child a moment to run and exit; poll for zombie state.
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if pcb, ok := Get(childPID); ok && pcb.State == StateZombie {
				break
			}
			Yield(pid)
		}
		pcb, ok := Get(childPID)
		reaped <- ok && pcb.State == StateZombie
	})
	if !sched.Start() {
		t.Fatal("sched.Start failed")
	}

	select {
	case sawZombie := <-reaped:
		if !sawZombie {
			t.Fatal("child should have been observed in zombie state before reaping")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out observing child zombie state")
	}
}
