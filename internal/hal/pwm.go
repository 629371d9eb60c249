package hal

// PWMChannel is the minimal interface the bridge needs from one PWM output.
//
// Duty is expressed in percent (0..100) of the period the output is held
// high. Close should be best-effort and leave the output high, which parks
// its bridge leg in the braking state.
type PWMChannel interface {
	SetFrequencyHz(hz int) error
	SetDutyPercent(p float64) error
	Close() error
}

// DigitalOut is a single GPIO output line.
type DigitalOut interface {
	SetValue(v int) error
	Close() error
}

// DigitalIn is a single GPIO input line.
type DigitalIn interface {
	Value() (int, error)
	Close() error
}
