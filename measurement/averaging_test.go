package measurement

import "testing"

// TestAveragingBoundary is spec §8 scenario 8: with a 60s emeter averaging
// window, samples at 0, 20000, 40000, 61000 should emit only on the fourth,
// leaving a 1000ms remainder.
func TestAveragingBoundary(t *testing.T) {
	a := NewAverager(60000, 0)
	times := []uint32{0, 20000, 40000, 61000}
	want := []bool{false, false, false, true}
	for i, ts := range times {
		got := a.Admit(1, KindEmeter, ts)
		if got != want[i] {
			t.Errorf("Admit(%d) = %v, want %v", ts, got, want[i])
		}
	}
	if r := a.Remainder(1, KindEmeter); r != 1000 {
		t.Errorf("remainder = %d, want 1000", r)
	}
}

func TestAveragingDisabledPassesThroughAlways(t *testing.T) {
	a := NewAverager(0, 0)
	for i, ts := range []uint32{0, 5, 10, 99999} {
		if !a.Admit(1, KindEmeter, ts) {
			t.Errorf("sample %d: Admit = false, want true (averaging disabled)", i)
		}
	}
}

func TestAveragingInverterDividesConfiguredMsBy1000(t *testing.T) {
	a := NewAverager(0, 60000) // 60s window for inverter, expressed in ms
	if a.Admit(1, KindInverter, 0) {
		t.Fatal("first sample must not emit")
	}
	if a.Admit(1, KindInverter, 30) {
		t.Fatal("30s in should not reach the 60s window yet")
	}
	if !a.Admit(1, KindInverter, 61) {
		t.Fatal("61s in should cross the 60s window")
	}
}

func TestAveragingKeepsSeparateStatePerSerial(t *testing.T) {
	a := NewAverager(60000, 0)
	a.Admit(1, KindEmeter, 0)
	a.Admit(2, KindEmeter, 0)
	if a.Admit(1, KindEmeter, 61000) != true {
		t.Error("device 1 should have crossed the window")
	}
	if a.Admit(2, KindEmeter, 30000) != false {
		t.Error("device 2's independent state should not have crossed the window")
	}
}
