package hal

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"
)

// Mode is the drive state of the H-bridge.
type Mode int

const (
	// ModeBrake holds both legs high so the motor terminals are shorted
	// through the high-side switches.
	ModeBrake Mode = iota
	// ModeForward forces IN1 high and modulates IN2.
	ModeForward
	// ModeReverse forces IN2 high and modulates IN1.
	ModeReverse
)

func (m Mode) String() string {
	switch m {
	case ModeBrake:
		return "brake"
	case ModeForward:
		return "forward"
	case ModeReverse:
		return "reverse"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Transition records a change of bridge mode. Every change passes through
// brake before the new leg starts modulating.
type Transition struct {
	From Mode      `json:"from"`
	To   Mode      `json:"to"`
	At   time.Time `json:"at"`
}

// Bridge drives a two-input H-bridge in slow-decay mode.
//
// In slow decay the off-time of each PWM period is spent braking, so the
// modulated leg's high-time fraction is 1-|duty|: duty 1 keeps it low for
// the whole period and duty 0 leaves both legs high.
type Bridge struct {
	in1 PWMChannel
	in2 PWMChannel

	mode Mode
	duty float64
	// known is false until both legs have been driven to a defined state.
	known bool

	transitions  atomic.Uint64
	onTransition func(Transition)
	now          func() time.Time
}

func NewBridge(in1, in2 PWMChannel) *Bridge {
	return &Bridge{in1: in1, in2: in2, now: time.Now}
}

// OnTransition installs a hook called synchronously after each mode change.
func (b *Bridge) OnTransition(fn func(Transition)) {
	b.onTransition = fn
}

func (b *Bridge) Mode() Mode { return b.mode }

func (b *Bridge) Duty() float64 { return b.duty }

// Transitions counts recorded mode changes.
func (b *Bridge) Transitions() uint64 { return b.transitions.Load() }

// Brake parks both legs high.
func (b *Bridge) Brake() error {
	if err := b.setLegs(100, 100); err != nil {
		return err
	}
	if b.known && b.mode != ModeBrake {
		b.record(ModeBrake)
	}
	b.mode = ModeBrake
	b.duty = 0
	b.known = true
	return nil
}

// SetDuty applies a signed duty. Values outside [-1,1] are clamped; the sign
// selects the direction.
func (b *Bridge) SetDuty(duty float64) error {
	if math.IsNaN(duty) {
		return fmt.Errorf("hal: duty is NaN")
	}
	duty = ClampDuty(duty)

	want := ModeBrake
	switch {
	case duty > 0:
		want = ModeForward
	case duty < 0:
		want = ModeReverse
	}

	if !b.known || want != b.mode {
		if err := b.setLegs(100, 100); err != nil {
			return fmt.Errorf("hal: brake before %s: %w", want, err)
		}
		if b.known {
			b.record(want)
		}
		b.mode = want
		b.known = true
	}

	high := 100 * (1 - math.Abs(duty))
	var err error
	switch want {
	case ModeForward:
		err = b.in2.SetDutyPercent(high)
	case ModeReverse:
		err = b.in1.SetDutyPercent(high)
	}
	if err != nil {
		return fmt.Errorf("hal: set %s duty: %w", want, err)
	}
	b.duty = duty
	return nil
}

func (b *Bridge) setLegs(p1, p2 float64) error {
	return errors.Join(b.in1.SetDutyPercent(p1), b.in2.SetDutyPercent(p2))
}

func (b *Bridge) record(to Mode) {
	tr := Transition{From: b.mode, To: to, At: b.now()}
	b.transitions.Add(1)
	if b.onTransition != nil {
		b.onTransition(tr)
	}
}

// ClampDuty limits d to [-1,1].
func ClampDuty(d float64) float64 {
	if d > 1 {
		return 1
	}
	if d < -1 {
		return -1
	}
	return d
}
