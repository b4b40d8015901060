package pic

import (
	"testing"

	"nk32/internal/cpuio"
)

func freshPIC(t *testing.T) {
	t.Helper()
	cpuio.ResetForTest()
	ResetForTest()
}

func TestInitUnmasksOnlyTimerAndKeyboard(t *testing.T) {
	freshPIC(t)
	Init()

	want := byte(0xFF &^ (1 << TimerIRQ) &^ (1 << KeyboardIRQ))
	if got := MasterMask(); got != want {
		t.Fatalf("master mask = %#b, want %#b", got, want)
	}
	if got := SlaveMask(); got != 0xFF {
		t.Fatalf("slave mask = %#b, want 0xFF (fully masked)", got)
	}
}

func TestUnmaskClearsSpecificLine(t *testing.T) {
	freshPIC(t)
	Init()

	Unmask(8) // first slave line
	if got := SlaveMask(); got&(1<<0) != 0 {
		t.Fatalf("slave mask = %#b, IRQ8 should be unmasked", got)
	}

	Mask(TimerIRQ)
	if got := MasterMask(); got&(1<<TimerIRQ) == 0 {
		t.Fatalf("master mask = %#b, timer IRQ should be masked again", got)
	}
}

func TestEOISendsSlaveBeforeMasterForSlaveVectors(t *testing.T) {
	freshPIC(t)
	Init()

	EOI(SlaveBase + 3)

	seq := EOISequence()
	if len(seq) != 2 {
		t.Fatalf("eoi sequence = %v, want 2 command writes", seq)
	}
	if seq[0] != slaveCommandPort || seq[1] != masterCommandPort {
		t.Fatalf("eoi sequence = %v, want [slave, master]", seq)
	}
}

func TestEOISendsOnlyMasterForMasterVectors(t *testing.T) {
	freshPIC(t)
	Init()

	EOI(MasterBase + TimerIRQ)

	seq := EOISequence()
	if len(seq) != 1 || seq[0] != masterCommandPort {
		t.Fatalf("eoi sequence = %v, want [master] only", seq)
	}
}
