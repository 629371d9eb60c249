// Package dsp holds the small per-sample filters shared by the ripple
// detector, the back-EMF estimator and the control loop.
package dsp

// EMA is an exponential moving-average filter:
//
//	y = alpha*x + (1-alpha)*y_prev
//
// Not safe for concurrent use.
type EMA struct {
	alpha float64
	value float64
}

// NewEMA returns a filter seeded at zero. alpha is clamped to [0,1].
func NewEMA(alpha float64) *EMA {
	e := &EMA{}
	e.SetAlpha(alpha)
	return e
}

func (e *EMA) SetAlpha(alpha float64) {
	switch {
	case alpha < 0:
		e.alpha = 0
	case alpha > 1:
		e.alpha = 1
	default:
		e.alpha = alpha
	}
}

func (e *EMA) Alpha() float64 { return e.alpha }

func (e *EMA) Update(x float64) float64 {
	e.value = e.alpha*x + (1-e.alpha)*e.value
	return e.value
}

func (e *EMA) Value() float64 { return e.value }

// Reset reseeds the filter output.
func (e *EMA) Reset(initial float64) { e.value = initial }
