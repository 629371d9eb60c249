package hal

import (
	"errors"
	"math"
	"testing"
)

type fakePWM struct {
	hz      int
	percent float64
	writes  []float64
	failAt  int
	closed  bool
}

func (f *fakePWM) SetFrequencyHz(hz int) error { f.hz = hz; return nil }

func (f *fakePWM) SetDutyPercent(p float64) error {
	if f.failAt > 0 && len(f.writes)+1 == f.failAt {
		f.writes = append(f.writes, math.NaN())
		return errors.New("boom")
	}
	f.percent = p
	f.writes = append(f.writes, p)
	return nil
}

func (f *fakePWM) Close() error { f.closed = true; return nil }

func newTestBridge(t *testing.T) (*Bridge, *fakePWM, *fakePWM) {
	t.Helper()
	in1, in2 := &fakePWM{}, &fakePWM{}
	b := NewBridge(in1, in2)
	if err := b.Brake(); err != nil {
		t.Fatalf("Brake: %v", err)
	}
	return b, in1, in2
}

func TestBridge_ForwardModulatesIN2(t *testing.T) {
	b, in1, in2 := newTestBridge(t)
	if err := b.SetDuty(0.3); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if in1.percent != 100 {
		t.Fatalf("in1=%v want 100", in1.percent)
	}
	if math.Abs(in2.percent-70) > 1e-9 {
		t.Fatalf("in2=%v want 70", in2.percent)
	}
	if b.Mode() != ModeForward {
		t.Fatalf("mode=%v want forward", b.Mode())
	}
}

func TestBridge_ReverseModulatesIN1(t *testing.T) {
	b, in1, in2 := newTestBridge(t)
	if err := b.SetDuty(-0.25); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if math.Abs(in1.percent-75) > 1e-9 {
		t.Fatalf("in1=%v want 75", in1.percent)
	}
	if in2.percent != 100 {
		t.Fatalf("in2=%v want 100", in2.percent)
	}
}

func TestBridge_ZeroDutyBrakesBothLegs(t *testing.T) {
	b, in1, in2 := newTestBridge(t)
	_ = b.SetDuty(0.8)
	if err := b.SetDuty(0); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if in1.percent != 100 || in2.percent != 100 {
		t.Fatalf("in1=%v in2=%v want both 100", in1.percent, in2.percent)
	}
	if b.Mode() != ModeBrake {
		t.Fatalf("mode=%v want brake", b.Mode())
	}
}

func TestBridge_FullDutyHoldsModulatedLegLow(t *testing.T) {
	b, _, in2 := newTestBridge(t)
	if err := b.SetDuty(1); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}
	if in2.percent != 0 {
		t.Fatalf("in2=%v want 0", in2.percent)
	}
}

func TestBridge_ClampMatchesBoundary(t *testing.T) {
	for _, tc := range []struct{ over, bound float64 }{{1.7, 1}, {-3, -1}} {
		a, a1, a2 := newTestBridge(t)
		b, b1, b2 := newTestBridge(t)
		if err := a.SetDuty(tc.over); err != nil {
			t.Fatalf("SetDuty(%v): %v", tc.over, err)
		}
		if err := b.SetDuty(tc.bound); err != nil {
			t.Fatalf("SetDuty(%v): %v", tc.bound, err)
		}
		if a1.percent != b1.percent || a2.percent != b2.percent || a.Duty() != b.Duty() {
			t.Fatalf("SetDuty(%v) legs=%v/%v duty=%v; SetDuty(%v) legs=%v/%v duty=%v",
				tc.over, a1.percent, a2.percent, a.Duty(), tc.bound, b1.percent, b2.percent, b.Duty())
		}
	}
}

func TestBridge_DirectionChangeBrakesFirstAndRecordsTransition(t *testing.T) {
	b, in1, in2 := newTestBridge(t)
	var got []Transition
	b.OnTransition(func(tr Transition) { got = append(got, tr) })

	_ = b.SetDuty(0.5)
	in1.writes, in2.writes = nil, nil
	if err := b.SetDuty(-0.5); err != nil {
		t.Fatalf("SetDuty: %v", err)
	}

	// IN1 first goes high with IN2 (brake), then starts modulating.
	if len(in1.writes) != 2 || in1.writes[0] != 100 || in1.writes[1] != 50 {
		t.Fatalf("in1 writes=%v want [100 50]", in1.writes)
	}
	if len(in2.writes) != 1 || in2.writes[0] != 100 {
		t.Fatalf("in2 writes=%v want [100]", in2.writes)
	}
	if len(got) != 2 {
		t.Fatalf("transitions=%d want 2", len(got))
	}
	if got[1].From != ModeForward || got[1].To != ModeReverse {
		t.Fatalf("transition=%+v want forward->reverse", got[1])
	}
	if b.Transitions() != 2 {
		t.Fatalf("Transitions()=%d want 2", b.Transitions())
	}
}

func TestBridge_SameDirectionDoesNotTransition(t *testing.T) {
	b, _, _ := newTestBridge(t)
	_ = b.SetDuty(0.2)
	_ = b.SetDuty(0.4)
	_ = b.SetDuty(0.9)
	if b.Transitions() != 1 {
		t.Fatalf("Transitions()=%d want 1", b.Transitions())
	}
}

func TestBridge_FailedBrakeKeepsMode(t *testing.T) {
	b, _, in2 := newTestBridge(t)
	_ = b.SetDuty(0.5)
	in2.failAt = len(in2.writes) + 1
	if err := b.SetDuty(-0.5); err == nil {
		t.Fatalf("expected error")
	}
	if b.Mode() != ModeForward {
		t.Fatalf("mode=%v want forward", b.Mode())
	}
}

func TestBridge_RejectsNaN(t *testing.T) {
	b, _, _ := newTestBridge(t)
	if err := b.SetDuty(math.NaN()); err == nil {
		t.Fatalf("expected error")
	}
}
