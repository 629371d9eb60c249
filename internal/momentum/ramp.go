// Package momentum turns throttle commands into a gradual speed-step ramp
// using the acceleration and deceleration CVs.
package momentum

import (
	"time"

	"nimrs/internal/cv"
)

// StepUnit is the momentum delay per speed step for each unit of CV3/CV4.
const StepUnit = 5 * time.Millisecond

// Ramp moves the effective speed step toward a target one step at a time.
// A direction change first ramps down to zero. Not safe for concurrent use.
type Ramp struct {
	cvs cv.Reader

	step     uint8
	forward  bool
	lastStep time.Time
	// settled is true while the previous Update ended on its target, so the
	// next change is timed from when it is first seen.
	settled bool
}

func NewRamp(cvs cv.Reader) *Ramp {
	return &Ramp{cvs: cvs, forward: true}
}

func (r *Ramp) delay(accelerating bool) time.Duration {
	n := r.cvs.CV(cv.Decel)
	if accelerating {
		n = r.cvs.CV(cv.Accel)
	}
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * StepUnit
}

// Update advances the ramp to now and returns the effective step and direction.
func (r *Ramp) Update(target uint8, forward bool, now time.Time) (uint8, bool) {
	if r.lastStep.IsZero() || r.settled {
		r.lastStep = now
	}
	r.settled = false
	for {
		if r.step == 0 && forward != r.forward {
			r.forward = forward
		}
		want := target
		if forward != r.forward {
			want = 0
		}
		if r.step == want {
			r.settled = true
			return r.step, r.forward
		}
		accelerating := want > r.step
		d := r.delay(accelerating)
		if now.Sub(r.lastStep) < d {
			return r.step, r.forward
		}
		r.lastStep = r.lastStep.Add(d)
		if accelerating {
			r.step++
		} else {
			r.step--
		}
	}
}

// Curve maps a throttle step onto the Vstart..Vhigh range. Step 0 stays 0.
// An inverted range (Vhigh <= Vstart) leaves the step unchanged.
func Curve(step uint8, cvs cv.Reader) uint8 {
	if step == 0 {
		return 0
	}
	lo, hi := int(cvs.CV(cv.Vstart)), int(cvs.CV(cv.Vhigh))
	if hi <= lo {
		return step
	}
	return uint8(lo + (int(step)-1)*(hi-lo)/254)
}
