// Package motor runs the sensorless speed-control loop: it drains current
// samples from the HAL, estimates RPM from back-EMF and commutation ripple,
// and closes a PI loop on the bridge duty.
package motor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inconshreveable/log15"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"nimrs/internal/bemf"
	"nimrs/internal/cv"
	"nimrs/internal/dsp"
	"nimrs/internal/ripple"
)

const (
	DefaultPeriod       = 20 * time.Millisecond
	DefaultMaxRPM       = 6000.0
	DefaultCurrentScale = 0.00054
	DefaultBufferSize   = 1024
	DefaultTrackVolts   = 14.0
	DefaultKp           = 0.1
	DefaultKi           = 0.01

	currentFilterAlpha = 0.1
	errLogInterval     = time.Second
)

var ErrBusy = errors.New("motor: resistance measurement or self-test in progress")

// HAL is what the control loop needs from the hardware.
type HAL interface {
	SetDuty(duty float64) error
	// ADCSamples drains pending raw counts without blocking.
	ADCSamples(dst []float64) (int, error)
	ADCSampleRate() float64
}

// transitionCounter is implemented by HALs that record bridge mode changes.
type transitionCounter interface {
	Transitions() uint64
}

// foreignCounter is implemented by HALs that drop samples of other ADC channels.
type foreignCounter interface {
	ForeignSamples() uint64
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

var newTickerFn = func(d time.Duration) ticker { return realTicker{time.NewTicker(d)} }

type Options struct {
	Period       time.Duration
	MaxRPM       float64
	CurrentScale float64
	BufferSize   int
	// RippleStaleAfter zeroes the ripple frequency after this long without
	// an accepted edge. Zero keeps the last frequency indefinitely.
	RippleStaleAfter time.Duration

	// Realtime pins the loop goroutine's thread to CPU and requests
	// SCHED_FIFO at Priority. Failures are logged and ignored.
	Realtime bool
	CPU      int
	Priority int

	Logger log15.Logger
}

func (o *Options) applyDefaults() {
	if o.Period <= 0 {
		o.Period = DefaultPeriod
	}
	if o.MaxRPM <= 0 {
		o.MaxRPM = DefaultMaxRPM
	}
	if o.CurrentScale <= 0 {
		o.CurrentScale = DefaultCurrentScale
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = log15.New("pkg", "motor")
	}
}

// Task is the periodic control loop. Everything below the "loop state"
// marker is owned by the loop goroutine; other goroutines talk to it through
// the atomic target, the calibration slot and the request channels.
type Task struct {
	opts Options
	hal  HAL
	log  log15.Logger

	target  atomic.Uint32
	calCh   chan cv.Calibration
	resReq  chan struct{}
	testReq chan struct{}
	busy    atomic.Bool

	snap       atomic.Pointer[Snapshot]
	resResult  atomic.Pointer[ResistanceResult]
	testResult atomic.Pointer[SelfTestResult]

	wg       sync.WaitGroup
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
	stopCh   chan struct{}

	// loop state
	estimator     *bemf.Estimator
	detector      *ripple.Detector
	currentFilter *dsp.EMA
	pi            *piController
	buf           []float64

	duty       float64
	trackVolts float64
	maxRPM     float64
	dither     uint8

	res  resistanceRun
	test selfTestRun

	cycles     uint64
	overruns   uint64
	lastErr    string
	lastErrLog time.Time
}

func New(hal HAL, opts Options) (*Task, error) {
	if hal == nil {
		return nil, fmt.Errorf("motor: hal is nil")
	}
	opts.applyDefaults()

	t := &Task{
		opts:    opts,
		hal:     hal,
		log:     opts.Logger,
		calCh:   make(chan cv.Calibration, 1),
		resReq:  make(chan struct{}, 1),
		testReq: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),

		estimator:     bemf.New(),
		detector:      ripple.New(),
		currentFilter: dsp.NewEMA(currentFilterAlpha),
		pi:            newPI(DefaultKp, DefaultKi),
		buf:           make([]float64, opts.BufferSize),
		trackVolts:    DefaultTrackVolts,
		maxRPM:        opts.MaxRPM,
	}
	t.detector.SetStaleAfter(opts.RippleStaleAfter)
	t.pi.SetOutputMax(t.trackVolts)
	t.SetTargetSpeed(0, true)
	t.snap.Store(&Snapshot{Forward: true, Mode: modeNormal, Source: t.estimator.Source().String()})
	t.resResult.Store(&ResistanceResult{State: ResistanceIdle})
	return t, nil
}

// SetTargetSpeed sets the commanded step and direction for the next cycle.
// It is ignored, and reports false, while a resistance measurement or
// self-test is running.
func (t *Task) SetTargetSpeed(step uint8, forward bool) bool {
	if t.busy.Load() {
		return false
	}
	t.storeTarget(step, forward)
	return true
}

func (t *Task) storeTarget(step uint8, forward bool) {
	v := uint32(step)
	if forward {
		v |= 1 << 8
	}
	t.target.Store(v)
}

func (t *Task) loadTarget() (uint8, bool) {
	v := t.target.Load()
	return uint8(v), v&(1<<8) != 0
}

// Target returns the latest commanded step and direction.
func (t *Task) Target() (uint8, bool) { return t.loadTarget() }

// ReloadCVs decodes the motor CVs and queues them for the next cycle.
func (t *Task) ReloadCVs(r cv.Reader) cv.Calibration {
	c := cv.DecodeCalibration(r)
	t.ApplyCalibration(c)
	return c
}

// ApplyCalibration queues c for the next cycle boundary. Only the latest
// queued calibration is applied; filters and the integrator are kept.
func (t *Task) ApplyCalibration(c cv.Calibration) {
	for {
		select {
		case t.calCh <- c:
			return
		default:
		}
		select {
		case <-t.calCh:
		default:
		}
	}
}

// Snapshot returns the most recently published telemetry.
func (t *Task) Snapshot() Snapshot {
	return *t.snap.Load()
}

// Start runs the loop on its own goroutine until ctx is done or Close is called.
func (t *Task) Start(ctx context.Context) error {
	t.startMu.Lock()
	defer t.startMu.Unlock()
	if t.started {
		return fmt.Errorf("motor: task already started")
	}
	select {
	case <-t.stopCh:
		return fmt.Errorf("motor: task closed")
	default:
	}
	t.started = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.run(ctx)
	}()
	return nil
}

// Close stops the loop, waits for it and leaves the bridge at zero duty,
// whether or not the task was started.
func (t *Task) Close() {
	t.stopOnce.Do(func() {
		t.startMu.Lock()
		started := t.started
		close(t.stopCh)
		t.startMu.Unlock()
		if !started {
			if err := t.hal.SetDuty(0); err != nil {
				t.log.Error("stop duty", "err", err)
			}
		}
	})
	t.wg.Wait()
}

func (t *Task) run(ctx context.Context) {
	if t.opts.Realtime {
		release, err := enterRealtime(t.opts.CPU, t.opts.Priority)
		if err != nil {
			t.log.Warn("realtime setup incomplete", "cpu", t.opts.CPU, "priority", t.opts.Priority, "err", err)
		}
		defer release()
	}

	tk := newTickerFn(t.opts.Period)
	defer tk.Stop()
	defer func() {
		if err := t.hal.SetDuty(0); err != nil {
			t.log.Error("stop duty", "err", err)
		}
	}()

	t.log.Info("control loop running", "period", t.opts.Period)
	var last time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stopCh:
			return
		case now := <-tk.C():
			// A ticker drops ticks for a slow receiver; a gap of more than
			// 1.5 periods means releases were missed.
			if !last.IsZero() {
				if gap := now.Sub(last); gap > t.opts.Period*3/2 {
					t.overruns += uint64((gap + t.opts.Period/2) / t.opts.Period) - 1
				}
			}
			last = now
			began := time.Now()
			t.step(now)
			if time.Since(began) > t.opts.Period {
				t.overruns++
			}
		}
	}
}

func (t *Task) applyPending(now time.Time) {
	select {
	case c := <-t.calCh:
		t.applyCalibration(c)
	default:
	}
	select {
	case <-t.resReq:
		t.res.begin(now)
		t.currentFilter.Reset(0)
		t.log.Info("starting resistance measurement")
	default:
	}
	select {
	case <-t.testReq:
		t.test.begin(now)
		t.log.Info("starting self-test", "run", t.test.id)
	default:
	}
}

func (t *Task) applyCalibration(c cv.Calibration) {
	t.estimator.SetMotorParams(c.ArmatureOhms, c.Poles)
	t.pi.SetGains(c.Kp, c.Ki)
	if c.TrackVolts > 0 {
		t.trackVolts = c.TrackVolts
		t.pi.SetOutputMax(c.TrackVolts)
	}
	if c.MaxRPM > 0 {
		t.maxRPM = c.MaxRPM
	}
	t.dither = c.Dither
	r, p := t.estimator.MotorParams()
	t.log.Info("calibration applied", "r", r, "poles", p, "kp", c.Kp, "ki", c.Ki, "track_v", t.trackVolts, "max_rpm", t.maxRPM, "dither", c.Dither)
}

// step runs one control cycle released at now.
func (t *Task) step(now time.Time) {
	t.cycles++
	t.applyPending(now)

	n, err := t.hal.ADCSamples(t.buf)
	if err != nil {
		t.noteErr(now, err)
	}
	samples := t.buf[:n]
	avgCurrent := t.currentFilter.Value()
	if n > 0 {
		avgCurrent = t.currentFilter.Update(stat.Mean(samples, nil) * t.opts.CurrentScale)
	}

	if t.res.active() {
		t.resistanceCycle(now, avgCurrent, n)
		return
	}

	floats.Scale(t.opts.CurrentScale, samples)
	t.detector.ProcessBuffer(samples, t.hal.ADCSampleRate())
	rippleFreq := t.detector.Frequency()

	vApplied := t.trackVolts * math.Abs(t.duty)
	t.estimator.UpdateLowSpeedData(vApplied, avgCurrent)
	t.estimator.UpdateRippleFreq(rippleFreq)
	t.estimator.CalculateEstimate()
	rpm := t.estimator.EstimatedRPM()

	mode := modeNormal
	if t.test.running {
		mode = modeSelfTest
		t.selfTestCycle(now, avgCurrent, rpm)
	}
	step, forward := t.loadTarget()

	t.duty = t.control(step, forward, rpm, now)
	t.setDuty(now, t.duty)

	t.publish(now, func(s *Snapshot) {
		s.AppliedVoltage = vApplied
		s.Current = avgCurrent
		s.RPM = rpm
		s.RippleFreq = rippleFreq
		s.Stalled = t.estimator.IsStalled()
		s.BEMFVoltage = t.estimator.BEMFVoltage()
		s.BEMFConstant = t.estimator.BEMFConstant()
		s.Source = t.estimator.Source().String()
		s.Integral = t.pi.Integral()
		s.TargetStep = step
		s.Forward = forward
		s.Mode = mode
		s.Samples = n
	})
}

// control runs the PI loop for one cycle and returns the signed duty. Step
// 0 stops immediately and clears the integrator.
func (t *Task) control(step uint8, forward bool, rpm float64, now time.Time) float64 {
	if step == 0 {
		t.pi.Reset()
		return 0
	}
	targetRPM := float64(step) / 255 * t.maxRPM
	vControl := t.pi.Update(targetRPM - rpm)
	duty := vControl / t.trackVolts
	duty = clamp(duty+ditherOffset(step, t.dither, now), 0, 1)
	if !forward {
		duty = -duty
	}
	return duty
}

func (t *Task) setDuty(now time.Time, duty float64) {
	if err := t.hal.SetDuty(duty); err != nil {
		t.noteErr(now, err)
	}
}

// noteErr keeps the latest hardware error for telemetry and logs at most
// once per errLogInterval.
func (t *Task) noteErr(now time.Time, err error) {
	t.lastErr = err.Error()
	if now.Sub(t.lastErrLog) >= errLogInterval {
		t.lastErrLog = now
		t.log.Error("hal error", "err", err)
	}
}

func (t *Task) publish(now time.Time, fill func(*Snapshot)) {
	s := &Snapshot{
		Duty:      t.duty,
		Cycles:    t.cycles,
		Overruns:  t.overruns,
		LastError: t.lastErr,
		UpdatedAt: now.UTC(),
	}
	if tc, ok := t.hal.(transitionCounter); ok {
		s.BridgeTransitions = tc.Transitions()
	}
	if fc, ok := t.hal.(foreignCounter); ok {
		s.ForeignSamples = fc.ForeignSamples()
	}
	fill(s)
	t.snap.Store(s)
}
