// Package ripple extracts the brush-commutation ripple frequency from the
// armature current waveform.
package ripple

import (
	"time"

	"nimrs/internal/dsp"
)

const (
	dcBlockerAlpha = 0.9
	freqAlpha      = 0.3

	thresholdHigh = 0.05
	thresholdLow  = -0.05

	// Plausible commutation band: 5..500 Hz.
	minPeriodUs = 2000.0
	maxPeriodUs = 200000.0
)

// Detector runs a DC blocker and a Schmitt trigger over current samples and
// smooths the rising-edge rate into a frequency estimate.
//
// Not safe for concurrent use; the control task owns it.
type Detector struct {
	dc   *dsp.DCBlocker
	freq *dsp.EMA

	high              bool
	samplesSincePulse uint32

	current float64

	// Optional staleness timeout, see SetStaleAfter.
	staleAfter           time.Duration
	samplesSinceAccepted uint64
	stale                bool
}

func New() *Detector {
	return &Detector{
		dc:   dsp.NewDCBlocker(dcBlockerAlpha),
		freq: dsp.NewEMA(freqAlpha),
	}
}

// SetStaleAfter makes the detector report zero once no plausible edge has
// been accepted for d of sample time. The next accepted edge reseeds the
// smoother with its instantaneous frequency. d <= 0 disables the timeout and
// the last frequency is held indefinitely.
func (d *Detector) SetStaleAfter(dur time.Duration) {
	if dur < 0 {
		dur = 0
	}
	d.staleAfter = dur
}

// ProcessBuffer consumes samples (amperes) captured at sampleRate Hz.
// An empty buffer or a non-positive rate is a no-op.
func (d *Detector) ProcessBuffer(samples []float64, sampleRate float64) {
	if len(samples) == 0 || sampleRate <= 0 {
		return
	}
	intervalUs := 1e6 / sampleRate

	for _, x := range samples {
		d.samplesSincePulse++
		d.samplesSinceAccepted++

		y := d.dc.Process(x)

		switch {
		case !d.high && y > thresholdHigh:
			d.high = true
			dt := float64(d.samplesSincePulse) * intervalUs
			d.samplesSincePulse = 0
			if dt > minPeriodUs && dt < maxPeriodUs {
				d.accept(1e6 / dt)
			}
		case d.high && y < thresholdLow:
			d.high = false
		}
	}

	if d.staleAfter > 0 && !d.stale {
		idle := time.Duration(float64(d.samplesSinceAccepted) * intervalUs * float64(time.Microsecond))
		if idle > d.staleAfter {
			d.stale = true
			d.current = 0
		}
	}
}

func (d *Detector) accept(instHz float64) {
	d.samplesSinceAccepted = 0
	if d.stale {
		d.stale = false
		d.freq.Reset(instHz)
		d.current = instHz
		return
	}
	d.current = d.freq.Update(instHz)
}

// Frequency returns the last smoothed ripple frequency in Hz.
func (d *Detector) Frequency() float64 { return d.current }

// SamplesSinceEdge reports samples seen since the last rising edge.
func (d *Detector) SamplesSinceEdge() uint32 { return d.samplesSincePulse }

// Reset clears filter history, trigger state and the frequency estimate.
func (d *Detector) Reset() {
	d.dc.Reset()
	d.freq.Reset(0)
	d.high = false
	d.current = 0
	d.samplesSincePulse = 0
	d.samplesSinceAccepted = 0
	d.stale = false
}
