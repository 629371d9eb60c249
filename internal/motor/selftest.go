package motor

import (
	"math"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	selfTestDuration  = 3 * time.Second
	maxSelfTestPoints = 100
	// pwmFullScale is the duty resolution reported in self-test points.
	pwmFullScale = 1023
)

// SelfTestPoint is one recorded sample of the self-test profile.
type SelfTestPoint struct {
	T       int64   `json:"t"`
	Target  uint8   `json:"tgt"`
	PWM     int     `json:"pwm"`
	Current float64 `json:"cur"`
	RPM     float64 `json:"spd"`
}

type SelfTestResult struct {
	ID      string          `json:"id"`
	Running bool            `json:"running"`
	Started time.Time       `json:"started"`
	Points  []SelfTestPoint `json:"points"`
}

type selfTestRun struct {
	running  bool
	id       string
	start    time.Time
	decimate int
	points   []SelfTestPoint
}

func (s *selfTestRun) begin(now time.Time) {
	s.running = true
	s.id = ulid.Make().String()
	s.start = now
	s.decimate = 0
	s.points = make([]SelfTestPoint, 0, maxSelfTestPoints)
}

func (s *selfTestRun) result() *SelfTestResult {
	pts := make([]SelfTestPoint, len(s.points))
	copy(pts, s.points)
	return &SelfTestResult{ID: s.id, Running: s.running, Started: s.start.UTC(), Points: pts}
}

// selfTestProfile is the scripted target over the three second run: ramp
// forward to step 100 in one second, hold, ramp reverse, hold.
func selfTestProfile(ms int64) (uint8, bool) {
	switch {
	case ms < 1000:
		return uint8(ms * 100 / 1000), true
	case ms < 1500:
		return 100, true
	case ms < 2500:
		return uint8((ms - 1500) * 100 / 1000), false
	default:
		return 100, false
	}
}

// StartSelfTest runs the scripted forward/reverse profile and records the
// response. Speed commands are ignored while it runs.
func (t *Task) StartSelfTest() error {
	if !t.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	select {
	case t.testReq <- struct{}{}:
	default:
	}
	return nil
}

// SelfTestResult returns the latest run, or nil if none has started.
func (t *Task) SelfTestResult() *SelfTestResult {
	return t.testResult.Load()
}

func (t *Task) selfTestCycle(now time.Time, avgCurrent, rpm float64) {
	ms := now.Sub(t.test.start).Milliseconds()
	if ms > selfTestDuration.Milliseconds() {
		t.test.running = false
		_, forward := t.loadTarget()
		t.storeTarget(0, forward)
		t.testResult.Store(t.test.result())
		t.busy.Store(false)
		t.log.Info("self-test finished", "run", t.test.id, "points", len(t.test.points))
		return
	}

	step, forward := selfTestProfile(ms)
	t.storeTarget(step, forward)

	t.test.decimate++
	if t.test.decimate >= 2 {
		t.test.decimate = 0
		if len(t.test.points) < maxSelfTestPoints {
			t.test.points = append(t.test.points, SelfTestPoint{
				T:       ms,
				Target:  step,
				PWM:     int(math.Round(math.Abs(t.duty) * pwmFullScale)),
				Current: avgCurrent,
				RPM:     rpm,
			})
			t.testResult.Store(t.test.result())
		}
	}
}
