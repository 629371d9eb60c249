package motor

// IntegralLimit bounds the PI accumulator in RPM-cycles.
const IntegralLimit = 2000.0

// piController is the speed loop's PI controller.
//
// The integrator sums the raw per-cycle error (no dt weighting) and is
// clamped to +/-IntegralLimit. Output is a voltage command clamped to
// [0, outMax].
//
// Not safe for concurrent use.
type piController struct {
	kp, ki float64
	outMax float64

	integral float64
}

func newPI(kp, ki float64) *piController {
	return &piController{kp: kp, ki: ki}
}

func (p *piController) SetGains(kp, ki float64) {
	p.kp = kp
	p.ki = ki
}

func (p *piController) SetOutputMax(max float64) {
	if max < 0 {
		max = 0
	}
	p.outMax = max
}

func (p *piController) Reset() {
	p.integral = 0
}

func (p *piController) Integral() float64 { return p.integral }

// Update consumes one cycle's error and returns the clamped voltage command.
func (p *piController) Update(err float64) float64 {
	p.integral = clamp(p.integral+err, -IntegralLimit, IntegralLimit)
	return clamp(p.kp*err+p.ki*p.integral, 0, p.outMax)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
