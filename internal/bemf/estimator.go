// Package bemf estimates motor speed without a tachometer by fusing a
// back-EMF voltage model with the commutation ripple frequency.
package bemf

import "nimrs/internal/dsp"

const (
	defaultResistance = 2.0   // ohms
	defaultPoles      = 5     //
	defaultK          = 0.002 // V per RPM
	kAlpha            = 0.01

	learnMinRPM  = 500.0
	learnMinBEMF = 1.0
	minK         = 0.0001
	maxK         = 0.01

	rippleAboveRPM  = 600.0
	voltageBelowRPM = 400.0

	stallVolts = 2.0
	stallRPM   = 10.0
)

// Source identifies which model produced the current estimate.
type Source int

const (
	SourceVoltage Source = iota
	SourceRipple
)

func (s Source) String() string {
	if s == SourceRipple {
		return "ripple"
	}
	return "voltage"
}

// Estimator is updated once per control cycle by its owner.
// Not safe for concurrent use.
type Estimator struct {
	resistance float64
	poles      int

	vApplied   float64
	iAvg       float64
	rippleFreq float64

	vBEMF     float64
	rippleRPM float64
	rpm       float64

	k       float64
	kFilter *dsp.EMA

	source Source
}

func New() *Estimator {
	e := &Estimator{
		resistance: defaultResistance,
		poles:      defaultPoles,
		k:          defaultK,
		kFilter:    dsp.NewEMA(kAlpha),
	}
	e.kFilter.Reset(defaultK)
	return e
}

// SetMotorParams updates armature resistance and pole count. Non-positive
// values are ignored and the previous value kept.
func (e *Estimator) SetMotorParams(resistance float64, poles int) {
	if resistance > 0 {
		e.resistance = resistance
	}
	if poles > 0 {
		e.poles = poles
	}
}

func (e *Estimator) MotorParams() (resistance float64, poles int) {
	return e.resistance, e.poles
}

func (e *Estimator) UpdateLowSpeedData(vApplied, iAvg float64) {
	e.vApplied = vApplied
	e.iAvg = iAvg
}

func (e *Estimator) UpdateRippleFreq(hz float64) { e.rippleFreq = hz }

// CalculateEstimate recomputes the RPM estimate from the latest inputs.
func (e *Estimator) CalculateEstimate() {
	e.vBEMF = e.vApplied - e.iAvg*e.resistance
	if e.vBEMF < 0 {
		e.vBEMF = 0
	}

	// Two commutations per revolution per pole pair.
	e.rippleRPM = 0
	if e.rippleFreq > 0 {
		e.rippleRPM = e.rippleFreq * 60 / (2 * float64(e.poles))
	}

	if e.rippleRPM > learnMinRPM && e.vBEMF > learnMinBEMF {
		inst := e.vBEMF / e.rippleRPM
		if inst > minK && inst < maxK {
			e.k = e.kFilter.Update(inst)
		}
	}

	voltageRPM := 0.0
	if e.k > 0 {
		voltageRPM = e.vBEMF / e.k
	}

	switch {
	case e.rippleRPM > rippleAboveRPM:
		e.source = SourceRipple
	case e.rippleRPM < voltageBelowRPM:
		e.source = SourceVoltage
	}
	if e.source == SourceRipple {
		e.rpm = e.rippleRPM
	} else {
		e.rpm = voltageRPM
	}
}

func (e *Estimator) EstimatedRPM() float64 { return e.rpm }
func (e *Estimator) RippleRPM() float64    { return e.rippleRPM }
func (e *Estimator) BEMFVoltage() float64  { return e.vBEMF }

// BEMFConstant is the learned back-EMF constant in V/RPM.
func (e *Estimator) BEMFConstant() float64 { return e.k }
func (e *Estimator) Source() Source        { return e.source }

// IsStalled reports voltage applied while the motor is not turning.
func (e *Estimator) IsStalled() bool {
	return e.vApplied > stallVolts && e.rpm < stallRPM
}
