package dsp

// DefaultDCBlockerAlpha is used when NewDCBlocker is given a zero alpha.
const DefaultDCBlockerAlpha = 0.95

// DCBlocker is a single-pole high-pass filter that strips the DC offset
// from a waveform:
//
//	y[n] = alpha*y[n-1] + alpha*(x[n] - x[n-1])
type DCBlocker struct {
	alpha      float64
	prevInput  float64
	prevOutput float64
}

func NewDCBlocker(alpha float64) *DCBlocker {
	if alpha == 0 {
		alpha = DefaultDCBlockerAlpha
	}
	return &DCBlocker{alpha: alpha}
}

func (d *DCBlocker) Process(x float64) float64 {
	y := d.alpha*d.prevOutput + d.alpha*(x-d.prevInput)
	d.prevInput = x
	d.prevOutput = y
	return y
}

// Reset zeroes both input and output history.
func (d *DCBlocker) Reset() {
	d.prevInput = 0
	d.prevOutput = 0
}
