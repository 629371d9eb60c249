package motor

import (
	"fmt"
	"time"
)

// ResistanceState is the phase of an armature resistance measurement.
type ResistanceState int

const (
	ResistanceIdle ResistanceState = iota
	ResistanceMeasuring
	ResistanceDone
	ResistanceError
)

func (s ResistanceState) String() string {
	switch s {
	case ResistanceIdle:
		return "idle"
	case ResistanceMeasuring:
		return "measuring"
	case ResistanceDone:
		return "done"
	case ResistanceError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s ResistanceState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const (
	measureDuty       = 0.2
	measureWindow     = time.Second
	measureHold       = 6 * time.Second
	measureMinCurrent = 0.05
)

// ResistanceResult reports the measurement state and the most recent
// value. Ohms and Valid are kept after the state returns to idle; Valid is
// set by a successful measurement and cleared by a failed one.
type ResistanceResult struct {
	State   ResistanceState `json:"state"`
	Ohms    float64         `json:"ohms"`
	Current float64         `json:"current"`
	Valid   bool            `json:"valid"`
	At      time.Time       `json:"at,omitempty"`
}

type resistanceRun struct {
	state ResistanceState
	start time.Time
}

func (r *resistanceRun) begin(now time.Time) {
	r.state = ResistanceMeasuring
	r.start = now
}

func (r *resistanceRun) active() bool { return r.state != ResistanceIdle }

// MeasureResistance drives a fixed 20% duty for one second and derives the
// armature resistance from the settled current. Speed commands are ignored
// until the six second window has passed.
func (t *Task) MeasureResistance() error {
	if !t.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	prev := t.resResult.Load()
	next := *prev
	next.State = ResistanceMeasuring
	t.resResult.Store(&next)
	select {
	case t.resReq <- struct{}{}:
	default:
	}
	return nil
}

// Resistance returns the current measurement state and last result.
func (t *Task) Resistance() ResistanceResult {
	return *t.resResult.Load()
}

func (t *Task) resistanceCycle(now time.Time, avgCurrent float64, n int) {
	vApplied := t.trackVolts * measureDuty

	switch t.res.state {
	case ResistanceMeasuring:
		if now.Sub(t.res.start) < measureWindow {
			t.duty = measureDuty
		} else {
			t.duty = 0
			res := ResistanceResult{Current: avgCurrent, At: now.UTC()}
			if avgCurrent > measureMinCurrent {
				res.State = ResistanceDone
				res.Ohms = vApplied / avgCurrent
				res.Valid = true
				t.log.Info("armature resistance measured", "ohms", res.Ohms, "current", avgCurrent)
			} else {
				res.State = ResistanceError
				t.log.Warn("resistance measurement failed: current too low", "current", avgCurrent)
			}
			t.res.state = res.State
			t.resResult.Store(&res)
		}
		t.setDuty(now, t.duty)
		t.publish(now, func(s *Snapshot) {
			s.AppliedVoltage = vApplied
			s.Current = avgCurrent
			s.Mode = modeResistance
			s.Samples = n
			s.TargetStep, s.Forward = t.loadTarget()
		})

	case ResistanceDone, ResistanceError:
		t.duty = 0
		t.setDuty(now, 0)
		if now.Sub(t.res.start) > measureHold {
			t.res.state = ResistanceIdle
			res := *t.resResult.Load()
			res.State = ResistanceIdle
			t.resResult.Store(&res)
			t.busy.Store(false)
		}
		t.publish(now, func(s *Snapshot) {
			s.Current = avgCurrent
			s.Mode = modeResistance
			s.Samples = n
			s.TargetStep, s.Forward = t.loadTarget()
		})
	}
}
