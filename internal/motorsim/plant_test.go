package motorsim

import (
	"math"
	"testing"
)

const dt = 1.0 / 20000

func run(m *Plant, volts, seconds float64) {
	n := int(seconds / dt)
	for i := 0; i < n; i++ {
		m.Step(volts, dt)
	}
}

func TestPlant_ReachesNoLoadSpeed(t *testing.T) {
	m, err := New(DefaultParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(m, 14, 3)
	if rpm := m.RPM(); rpm < 6500 || rpm > 7000 {
		t.Fatalf("rpm=%v want ~6850", rpm)
	}
}

func TestPlant_ReverseVoltageSpinsBackwards(t *testing.T) {
	m, err := New(DefaultParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(m, -7, 2)
	if rpm := m.RPM(); rpm > -3000 {
		t.Fatalf("rpm=%v want strongly negative", rpm)
	}
}

func TestPlant_LoadHoldsRotorAtRest(t *testing.T) {
	m, err := New(DefaultParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(m, 0, 0.5)
	if m.RPM() != 0 {
		t.Fatalf("rpm=%v want 0", m.RPM())
	}
	if m.Current() != 0 {
		t.Fatalf("current=%v want 0", m.Current())
	}
}

func TestPlant_SetLoadSlowsMotor(t *testing.T) {
	light, err := New(DefaultParams())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	heavy, _ := New(DefaultParams())
	heavy.SetLoad(0.02)
	run(light, 10, 2)
	run(heavy, 10, 2)
	if heavy.RPM() >= light.RPM()-500 {
		t.Fatalf("loaded rpm=%v unloaded=%v want clearly slower", heavy.RPM(), light.RPM())
	}
	if heavy.Current() <= light.Current() {
		t.Fatalf("loaded current=%v unloaded=%v want higher", heavy.Current(), light.Current())
	}

	heavy.SetLoad(-1)
	if heavy.Params().LoadTorque != 0 {
		t.Fatalf("negative load=%v want clamped to 0", heavy.Params().LoadTorque)
	}
}

func TestPlant_SensedCurrentNeverNegative(t *testing.T) {
	p := DefaultParams()
	p.NoiseAmps = 0.05
	m, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 40000; i++ {
		if v := m.Step(-10, dt); v < 0 {
			t.Fatalf("step %d: sensed=%v want >= 0", i, v)
		}
	}
}

func TestPlant_RippleFrequencyTracksSpeed(t *testing.T) {
	p := DefaultParams()
	p.NoiseAmps = 0
	m, err := New(p)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	run(m, 14, 3)

	level := math.Abs(m.Current())
	prev := m.Step(14, dt)
	crossings := 0
	for i := 0; i < 20000; i++ {
		cur := m.Step(14, dt)
		if prev < level && cur >= level {
			crossings++
		}
		prev = cur
	}
	want := 2 * float64(p.Poles) * m.RPM() / 60
	if math.Abs(float64(crossings)-want) > want*0.02 {
		t.Fatalf("crossings=%d want ~%v", crossings, want)
	}
}

func TestParams_Validate(t *testing.T) {
	p := DefaultParams()
	p.Resistance = 0
	if _, err := New(p); err == nil {
		t.Fatalf("expected error for zero resistance")
	}
	p = DefaultParams()
	p.Poles = 0
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for zero poles")
	}
}
