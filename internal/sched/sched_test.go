package sched

import (
	"testing"
	"time"
)

func freshSched(t *testing.T) {
	t.Helper()
	ResetForTest()
}

func TestTwoThreadsYieldThousandTimesEach(t *testing.T) {
	freshSched(t)

	const rounds = 1000
	countA, countB := 0, 0
	done := make(chan struct{}, 2)

	var idA, idB int
	idA, _ = Spawn(func() {
		for i := 0; i < rounds; i++ {
			countA++
			Yield(idA)
		}
		done <- struct{}{}
	})
	idB, _ = Spawn(func() {
		for i := 0; i < rounds; i++ {
			countB++
			Yield(idB)
		}
		done <- struct{}{}
	})

	if !Start() {
		t.Fatal("Start failed with two spawned threads")
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for first thread to finish")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for second thread to finish")
	}

	if countA != rounds || countB != rounds {
		t.Fatalf("countA=%d countB=%d, want both %d", countA, countB, rounds)
	}
}

func TestSoleThreadYieldIsANoOp(t *testing.T) {
	freshSched(t)

	ran := false
	var id int
	id, _ = Spawn(func() {
		Yield(id) // no other thread exists; must return immediately
		ran = true
	})
	if !Start() {
		t.Fatal("Start failed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for !ran && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !ran {
		t.Fatal("sole thread never resumed after yielding with no peers")
	}
}

func TestExitHandsTokenToNextReadyThread(t *testing.T) {
	freshSched(t)

	var idA, idB int
	bRan := make(chan struct{})
	idA, _ = Spawn(func() {
		// exits immediately without yielding
	})
	idB, _ = Spawn(func() {
		close(bRan)
	})
	_ = idA
	_ = idB

	if !Start() {
		t.Fatal("Start failed")
	}

	select {
	case <-bRan:
	case <-time.After(2 * time.Second):
		t.Fatal("second thread never ran after the first exited")
	}
}

func TestSpawnFailsPastMaxThreads(t *testing.T) {
	freshSched(t)

	for i := 0; i < MaxThreads; i++ {
		if _, ok := Spawn(func() { select {} }); !ok {
			t.Fatalf("spawn %d unexpectedly failed", i)
		}
	}
	if _, ok := Spawn(func() {}); ok {
		t.Fatal("spawn beyond MaxThreads should fail")
	}
}
