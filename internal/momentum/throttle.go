package momentum

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/inconshreveable/log15"

	"nimrs/internal/cv"
)

// SpeedSink receives the ramped speed command, normally the motor task.
// SetTargetSpeed reports whether the command was taken; Target returns the
// command the sink is currently acting on.
type SpeedSink interface {
	SetTargetSpeed(step uint8, forward bool) bool
	Target() (uint8, bool)
}

// Throttle holds the latest command from the decoder side and feeds the
// ramped, curve-mapped result to a SpeedSink at a fixed period.
type Throttle struct {
	cvs    cv.Reader
	sink   SpeedSink
	period time.Duration
	log    log15.Logger

	cmd  atomic.Uint32
	ramp *Ramp
	now  func() time.Time

	lastStep    uint8
	lastForward bool
	sent        bool
}

func NewThrottle(cvs cv.Reader, sink SpeedSink, period time.Duration) *Throttle {
	if period <= 0 {
		period = 20 * time.Millisecond
	}
	t := &Throttle{
		cvs:    cvs,
		sink:   sink,
		period: period,
		log:    log15.New("pkg", "momentum"),
		ramp:   NewRamp(cvs),
		now:    time.Now,
	}
	t.Set(0, true)
	return t
}

// Set records a throttle command. Safe for concurrent use.
func (t *Throttle) Set(step uint8, forward bool) {
	v := uint32(step)
	if forward {
		v |= 1 << 8
	}
	t.cmd.Store(v)
}

// Command returns the last throttle command.
func (t *Throttle) Command() (uint8, bool) {
	v := t.cmd.Load()
	return uint8(v), v&(1<<8) != 0
}

// Tick advances the ramp once and forwards it to the sink when it changed
// or when the sink no longer holds the last value sent (a rejected command,
// or a target the sink overrode on its own).
func (t *Throttle) Tick() {
	step, forward := t.Command()
	outStep, outFwd := t.ramp.Update(Curve(step, t.cvs), forward, t.now())
	if t.sent && outStep == t.lastStep && outFwd == t.lastForward {
		if s, f := t.sink.Target(); s == outStep && f == outFwd {
			return
		}
	}
	if !t.sink.SetTargetSpeed(outStep, outFwd) {
		t.sent = false
		return
	}
	t.lastStep, t.lastForward, t.sent = outStep, outFwd, true
}

// Run ticks until ctx is cancelled.
func (t *Throttle) Run(ctx context.Context) {
	tk := time.NewTicker(t.period)
	defer tk.Stop()
	t.log.Debug("throttle running", "period", t.period)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			t.Tick()
		}
	}
}
