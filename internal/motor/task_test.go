package motor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimrs/internal/cv"
)

type fakeHAL struct {
	mu      sync.Mutex
	duties  []float64
	counts  float64 // raw count returned for every sample
	perRead int
	readErr error
	setErr  error
}

func (f *fakeHAL) SetDuty(d float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.duties = append(f.duties, d)
	return f.setErr
}

func (f *fakeHAL) ADCSamples(dst []float64) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := f.perRead
	if n > len(dst) {
		n = len(dst)
	}
	for i := 0; i < n; i++ {
		dst[i] = f.counts
	}
	return n, f.readErr
}

func (f *fakeHAL) ADCSampleRate() float64 { return 20000 }

func (f *fakeHAL) lastDuty() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.duties) == 0 {
		return 0
	}
	return f.duties[len(f.duties)-1]
}

func newTestTask(t *testing.T, hal HAL) *Task {
	t.Helper()
	task, err := New(hal, Options{})
	require.NoError(t, err)
	return task
}

var t0 = time.Unix(1_700_000_000, 0)

func cycle(i int) time.Time { return t0.Add(time.Duration(i) * DefaultPeriod) }

func TestNew_RejectsNilHAL(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStep_FirstCycleAtHalfSpeedDrivesForward(t *testing.T) {
	hal := &fakeHAL{}
	task := newTestTask(t, hal)
	task.SetTargetSpeed(128, true)

	task.step(t0)

	s := task.Snapshot()
	if s.Duty <= 0 || hal.lastDuty() <= 0 {
		t.Fatalf("duty=%v hal=%v want > 0", s.Duty, hal.lastDuty())
	}
	if s.TargetStep != 128 || !s.Forward {
		t.Fatalf("target=(%d,%v) want (128,true)", s.TargetStep, s.Forward)
	}
	if s.Cycles != 1 {
		t.Fatalf("cycles=%d want 1", s.Cycles)
	}
}

func TestStep_ReverseAppliesNegativeDuty(t *testing.T) {
	hal := &fakeHAL{}
	task := newTestTask(t, hal)
	task.SetTargetSpeed(64, false)
	task.step(t0)
	if hal.lastDuty() >= 0 {
		t.Fatalf("duty=%v want < 0", hal.lastDuty())
	}
}

func TestControl_HalfSpeedConvergesWithoutSignFlip(t *testing.T) {
	task := newTestTask(t, &fakeHAL{})
	task.applyCalibration(cv.Calibration{ArmatureOhms: 2, Poles: 5, Kp: 0.004, Ki: 0.0001, TrackVolts: 14, MaxRPM: 6000})

	targetRPM := 128.0 / 255 * 6000
	assert.InDelta(t, 3011.76, targetRPM, 0.01)

	prev := 2.0
	for rpm := 0.0; rpm <= 3000; rpm += 250 {
		duty := task.control(128, true, rpm, t0)
		if duty <= 0 {
			t.Fatalf("rpm=%v duty=%v want > 0", rpm, duty)
		}
		if duty >= prev {
			t.Fatalf("rpm=%v duty=%v not below previous %v", rpm, duty, prev)
		}
		prev = duty
	}
	if task.pi.Integral() != IntegralLimit {
		t.Fatalf("integral=%v want %v", task.pi.Integral(), IntegralLimit)
	}
}

func TestStep_ZeroTargetIsIdempotentStop(t *testing.T) {
	hal := &fakeHAL{}
	task := newTestTask(t, hal)
	task.SetTargetSpeed(200, true)
	for i := 0; i < 10; i++ {
		task.step(cycle(i))
	}
	require.NotZero(t, task.Snapshot().Integral)

	for i := 10; i < 13; i++ {
		task.SetTargetSpeed(0, true)
		task.step(cycle(i))
		s := task.Snapshot()
		if s.Duty != 0 || hal.lastDuty() != 0 {
			t.Fatalf("duty=%v hal=%v want exactly 0", s.Duty, hal.lastDuty())
		}
		if s.Integral != 0 {
			t.Fatalf("integral=%v want 0", s.Integral)
		}
	}
}

func TestStep_IntegratorBounded(t *testing.T) {
	task := newTestTask(t, &fakeHAL{})
	task.SetTargetSpeed(255, true)
	for i := 0; i < 500; i++ {
		task.step(cycle(i))
		if in := task.Snapshot().Integral; in > IntegralLimit || in < -IntegralLimit {
			t.Fatalf("cycle %d: integral=%v out of bounds", i, in)
		}
	}
}

func TestStep_NoSamplesKeepsFilteredCurrent(t *testing.T) {
	hal := &fakeHAL{counts: 1000, perRead: 400}
	task := newTestTask(t, hal)
	for i := 0; i < 20; i++ {
		task.step(cycle(i))
	}
	before := task.Snapshot().Current
	require.Greater(t, before, 0.0)

	hal.mu.Lock()
	hal.perRead = 0
	hal.mu.Unlock()
	task.step(cycle(20))
	assert.Equal(t, before, task.Snapshot().Current)
	assert.Equal(t, 0, task.Snapshot().Samples)
}

func TestApplyCalibration_LatestWins(t *testing.T) {
	task := newTestTask(t, &fakeHAL{})
	task.ApplyCalibration(cv.Calibration{ArmatureOhms: 3, Poles: 3, Kp: 0.5, Ki: 0.05, TrackVolts: 10})
	task.ApplyCalibration(cv.Calibration{ArmatureOhms: 4, Poles: 7, Kp: 0.2, Ki: 0.02, TrackVolts: 12, MaxRPM: 8000})

	// Nothing changes until the next cycle boundary.
	if task.trackVolts != DefaultTrackVolts {
		t.Fatalf("track=%v applied before cycle", task.trackVolts)
	}
	task.step(t0)

	r, p := task.estimator.MotorParams()
	if r != 4 || p != 7 || task.trackVolts != 12 || task.maxRPM != 8000 || task.pi.kp != 0.2 {
		t.Fatalf("r=%v poles=%d track=%v max=%v kp=%v want latest calibration", r, p, task.trackVolts, task.maxRPM, task.pi.kp)
	}
}

func TestReloadCVs_KeepsIntegrator(t *testing.T) {
	task := newTestTask(t, &fakeHAL{})
	// Zero gains keep the motor still so every cycle adds the same error.
	task.applyCalibration(cv.Calibration{TrackVolts: 14})
	task.SetTargetSpeed(10, true)
	for i := 0; i < 5; i++ {
		task.step(cycle(i))
	}
	perCycle := 10.0 / 255 * DefaultMaxRPM
	before := task.pi.Integral()
	assert.InDelta(t, 5*perCycle, before, 1e-6)

	reg, err := cv.NewRegistry(map[int]uint8{cv.MotorKp: 0, cv.MotorKi: 0})
	require.NoError(t, err)
	c := task.ReloadCVs(reg)
	assert.Zero(t, c.Kp)
	task.step(cycle(5))

	assert.InDelta(t, before+perCycle, task.pi.Integral(), 1e-6)
}

func TestStep_HALErrorsSurfaceInSnapshot(t *testing.T) {
	hal := &fakeHAL{readErr: errors.New("adc overrun"), setErr: errors.New("pwm gone")}
	task := newTestTask(t, hal)
	task.step(t0)
	if got := task.Snapshot().LastError; got != "pwm gone" {
		t.Fatalf("last_error=%q want %q", got, "pwm gone")
	}
}

func TestMeasureResistance(t *testing.T) {
	// 926 counts is about 0.5 A.
	hal := &fakeHAL{counts: 926, perRead: 400}
	task := newTestTask(t, hal)
	require.NoError(t, task.MeasureResistance())
	require.ErrorIs(t, task.MeasureResistance(), ErrBusy)
	require.ErrorIs(t, task.StartSelfTest(), ErrBusy)

	task.SetTargetSpeed(200, true)
	if step, _ := task.Target(); step != 0 {
		t.Fatalf("target=%d accepted during measurement", step)
	}

	i := 0
	for ; cycle(i).Sub(t0) < time.Second; i++ {
		task.step(cycle(i))
		if d := hal.lastDuty(); d != measureDuty {
			t.Fatalf("cycle %d: duty=%v want %v", i, d, measureDuty)
		}
		if task.Snapshot().Mode != modeResistance {
			t.Fatalf("mode=%q", task.Snapshot().Mode)
		}
	}
	task.step(cycle(i))
	res := task.Resistance()
	if res.State != ResistanceDone {
		t.Fatalf("state=%v want done", res.State)
	}
	if res.Ohms < 5.5 || res.Ohms > 5.8 {
		t.Fatalf("ohms=%v want ~5.6", res.Ohms)
	}
	if hal.lastDuty() != 0 {
		t.Fatalf("duty=%v want 0 after measurement", hal.lastDuty())
	}

	for i++; cycle(i).Sub(t0) <= measureHold; i++ {
		task.step(cycle(i))
		if task.Resistance().State != ResistanceDone {
			t.Fatalf("left done state early at cycle %d", i)
		}
	}
	task.step(cycle(i))
	res = task.Resistance()
	if res.State != ResistanceIdle || res.Ohms < 5.5 || !res.Valid {
		t.Fatalf("after hold: %+v want idle with a valid ohms value kept", res)
	}
	task.SetTargetSpeed(10, true)
	if step, _ := task.Target(); step != 10 {
		t.Fatalf("target=%d want 10 once idle", step)
	}
}

func TestMeasureResistance_LowCurrentIsError(t *testing.T) {
	hal := &fakeHAL{counts: 10, perRead: 400}
	task := newTestTask(t, hal)
	require.NoError(t, task.MeasureResistance())
	for i := 0; i <= 50; i++ {
		task.step(cycle(i))
	}
	if res := task.Resistance(); res.State != ResistanceError || res.Valid {
		t.Fatalf("result=%+v want error, not valid", res)
	}
}

func TestSelfTest(t *testing.T) {
	hal := &fakeHAL{}
	task := newTestTask(t, hal)
	require.Nil(t, task.SelfTestResult())
	require.NoError(t, task.StartSelfTest())

	task.SetTargetSpeed(99, true)
	var sawReverse bool
	i := 0
	for ; cycle(i).Sub(t0) <= selfTestDuration; i++ {
		task.step(cycle(i))
		ms := cycle(i).Sub(t0).Milliseconds()
		step, fwd := task.Target()
		switch ms {
		case 500:
			if step != 50 || !fwd {
				t.Fatalf("t=500ms target=(%d,%v) want (50,true)", step, fwd)
			}
		case 2000:
			if step != 50 || fwd {
				t.Fatalf("t=2000ms target=(%d,%v) want (50,false)", step, fwd)
			}
		}
		if hal.lastDuty() < 0 {
			sawReverse = true
		}
	}
	task.step(cycle(i))

	res := task.SelfTestResult()
	require.NotNil(t, res)
	if res.Running || res.ID == "" {
		t.Fatalf("result=%+v want finished with id", res)
	}
	if len(res.Points) != 75 {
		t.Fatalf("points=%d want 75", len(res.Points))
	}
	if res.Points[0].T != 20 {
		t.Fatalf("first point t=%d want 20", res.Points[0].T)
	}
	if !sawReverse {
		t.Fatalf("self-test never drove in reverse")
	}
	if step, _ := task.Target(); step != 0 {
		t.Fatalf("target=%d want 0 after self-test", step)
	}
	task.SetTargetSpeed(5, true)
	if step, _ := task.Target(); step != 5 {
		t.Fatalf("target=%d want 5 after self-test", step)
	}
}

func TestSelfTestProfile(t *testing.T) {
	cases := []struct {
		ms   int64
		step uint8
		fwd  bool
	}{
		{0, 0, true}, {999, 99, true}, {1200, 100, true},
		{1500, 0, false}, {2499, 99, false}, {2900, 100, false},
	}
	for _, tc := range cases {
		step, fwd := selfTestProfile(tc.ms)
		if step != tc.step || fwd != tc.fwd {
			t.Fatalf("profile(%d)=(%d,%v) want (%d,%v)", tc.ms, step, fwd, tc.step, tc.fwd)
		}
	}
}

func TestDitherOffset(t *testing.T) {
	hi := time.UnixMilli(1000)
	lo := time.UnixMilli(1020)
	assert.InDelta(t, 0.26, ditherOffset(5, 255, hi), 1e-9)
	assert.InDelta(t, -0.26, ditherOffset(5, 255, lo), 1e-9)
	assert.Zero(t, ditherOffset(15, 255, hi))
	assert.Zero(t, ditherOffset(0, 255, hi))
	assert.Zero(t, ditherOffset(5, 0, hi))
}

type fakeTicker struct {
	ch      chan time.Time
	stopped chan struct{}
	once    sync.Once
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               { f.once.Do(func() { close(f.stopped) }) }

func withFakeTicker(t *testing.T) *fakeTicker {
	t.Helper()
	ft := &fakeTicker{ch: make(chan time.Time), stopped: make(chan struct{})}
	orig := newTickerFn
	newTickerFn = func(time.Duration) ticker { return ft }
	t.Cleanup(func() { newTickerFn = orig })
	return ft
}

func TestStartClose_RunsCyclesAndStops(t *testing.T) {
	ft := withFakeTicker(t)
	hal := &fakeHAL{}
	task := newTestTask(t, hal)
	task.SetTargetSpeed(100, true)

	require.NoError(t, task.Start(context.Background()))
	require.Error(t, task.Start(context.Background()))

	ft.ch <- cycle(0)
	ft.ch <- cycle(1)
	// A 100 ms gap is five periods: four releases were missed.
	ft.ch <- cycle(6)
	ft.ch <- cycle(7)

	task.Close()
	task.Close()

	select {
	case <-ft.stopped:
	default:
		t.Fatalf("ticker not stopped")
	}
	s := task.Snapshot()
	if s.Cycles != 4 {
		t.Fatalf("cycles=%d want 4", s.Cycles)
	}
	if s.Overruns < 4 {
		t.Fatalf("overruns=%d want >= 4", s.Overruns)
	}
	if hal.lastDuty() != 0 {
		t.Fatalf("duty after close=%v want 0", hal.lastDuty())
	}
	require.Error(t, task.Start(context.Background()))
}

func TestClose_WithoutStartZeroesDuty(t *testing.T) {
	hal := &fakeHAL{}
	task := newTestTask(t, hal)
	task.Close()
	task.Close()

	hal.mu.Lock()
	duties := append([]float64(nil), hal.duties...)
	hal.mu.Unlock()
	if len(duties) != 1 || duties[0] != 0 {
		t.Fatalf("duties=%v want one zero-duty write", duties)
	}
	require.Error(t, task.Start(context.Background()))
}

type countingHAL struct {
	fakeHAL
	foreign uint64
}

func (c *countingHAL) ForeignSamples() uint64 { return c.foreign }

func TestStep_SnapshotReportsForeignSamples(t *testing.T) {
	hal := &countingHAL{foreign: 17}
	task := newTestTask(t, hal)
	task.step(t0)
	if got := task.Snapshot().ForeignSamples; got != 17 {
		t.Fatalf("foreign_samples=%d want 17", got)
	}
}

func TestStart_StopsOnContextCancel(t *testing.T) {
	ft := withFakeTicker(t)
	task := newTestTask(t, &fakeHAL{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, task.Start(ctx))
	ft.ch <- cycle(0)
	cancel()

	select {
	case <-ft.stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("loop did not exit on cancel")
	}
	task.Close()
}
