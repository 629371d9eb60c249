package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nimrs/internal/cv"
	"nimrs/internal/logging"
	"nimrs/internal/motor"
	"nimrs/internal/telemetry"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeMotor struct {
	snap       motor.Snapshot
	res        motor.ResistanceResult
	selfTest   *motor.SelfTestResult
	busy       bool
	reloads    int
	lastReload cv.Calibration
}

func (f *fakeMotor) Snapshot() motor.Snapshot { return f.snap }

func (f *fakeMotor) ReloadCVs(r cv.Reader) cv.Calibration {
	f.reloads++
	f.lastReload = cv.DecodeCalibration(r)
	return f.lastReload
}

func (f *fakeMotor) MeasureResistance() error {
	if f.busy {
		return motor.ErrBusy
	}
	f.busy = true
	f.res.State = motor.ResistanceMeasuring
	return nil
}

func (f *fakeMotor) Resistance() motor.ResistanceResult { return f.res }

func (f *fakeMotor) StartSelfTest() error {
	if f.busy {
		return motor.ErrBusy
	}
	f.busy = true
	return nil
}

func (f *fakeMotor) SelfTestResult() *motor.SelfTestResult { return f.selfTest }

type fakeThrottle struct {
	step    uint8
	forward bool
	sets    int
}

func (f *fakeThrottle) Set(step uint8, forward bool) {
	f.step, f.forward = step, forward
	f.sets++
}

func (f *fakeThrottle) Command() (uint8, bool) { return f.step, f.forward }

type fixture struct {
	motor    *fakeMotor
	throttle *fakeThrottle
	cvs      *cv.Registry
	logs     *logging.Buffer
	router   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := cv.NewRegistry(nil)
	require.NoError(t, err)
	f := &fixture{
		motor:    &fakeMotor{},
		throttle: &fakeThrottle{forward: true},
		cvs:      reg,
		logs:     logging.NewBuffer(10),
	}
	f.router = NewRouter(Deps{
		Motor:    f.motor,
		Throttle: f.throttle,
		CVs:      f.cvs,
		Logs:     f.logs,
		Sinks: func() []telemetry.SinkStats {
			return []telemetry.SinkStats{{Name: "mqtt", Sent: 4}}
		},
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), "body=%s", w.Body.String())
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	f.motor.snap = motor.Snapshot{RPM: 2500, Source: "ripple", Cycles: 9}
	f.throttle.step = 30

	w := f.do(t, http.MethodGet, "/api/motor/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status code=%d body=%s", w.Code, w.Body.String())
	}
	var got statusResponse
	decode(t, w, &got)
	assert.InDelta(t, 2500, got.Motor.RPM, 1e-9)
	assert.Equal(t, uint64(9), got.Motor.Cycles)
	assert.Equal(t, command{Step: 30, Forward: true}, got.Command)
	require.Len(t, got.Telemetry, 1)
	assert.Equal(t, "mqtt", got.Telemetry[0].Name)
}

func TestSetTarget(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/motor/target", `{"step":64,"forward":false}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status code=%d body=%s", w.Code, w.Body.String())
	}
	if f.throttle.step != 64 || f.throttle.forward {
		t.Fatalf("throttle=%d/%v want 64/reverse", f.throttle.step, f.throttle.forward)
	}

	w = f.do(t, http.MethodPost, "/api/motor/target", `{"step":0}`)
	if w.Code != http.StatusOK {
		t.Fatalf("stop: status code=%d body=%s", w.Code, w.Body.String())
	}
	if f.throttle.step != 0 || !f.throttle.forward {
		t.Fatalf("throttle=%d/%v want 0/forward", f.throttle.step, f.throttle.forward)
	}
}

func TestSetTarget_Rejects(t *testing.T) {
	for _, body := range []string{`{"step":256}`, `{"step":-3}`, `{"forward":true}`, `nope`} {
		f := newFixture(t)
		w := f.do(t, http.MethodPost, "/api/motor/target", body)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("body=%s status code=%d want 400", body, w.Code)
		}
		if f.throttle.sets != 0 {
			t.Fatalf("body=%s reached throttle", body)
		}
	}
}

func TestCVs_ListSetReload(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/motor/cvs", "")
	require.Equal(t, http.StatusOK, w.Code)
	var entries []cv.Entry
	decode(t, w, &entries)
	require.Len(t, entries, len(cv.Definitions()))
	assert.Equal(t, cv.Vstart, entries[0].Num)

	w = f.do(t, http.MethodPut, "/api/motor/cvs/117", `{"value":120}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp cvResponse
	decode(t, w, &resp)
	assert.Equal(t, uint8(120), resp.Value)
	assert.InDelta(t, 12.0, resp.Calibration.TrackVolts, 1e-9)
	assert.Equal(t, uint8(120), f.cvs.CV(cv.TrackVoltage))
	assert.Equal(t, 1, f.motor.reloads)

	w = f.do(t, http.MethodPost, "/api/motor/cvs/reload", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2, f.motor.reloads)
}

func TestSetCV_Errors(t *testing.T) {
	f := newFixture(t)

	if w := f.do(t, http.MethodPut, "/api/motor/cvs/7", `{"value":1}`); w.Code != http.StatusNotFound {
		t.Fatalf("unknown cv: status code=%d want 404", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/api/motor/cvs/x", `{"value":1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad number: status code=%d want 400", w.Code)
	}
	if w := f.do(t, http.MethodPut, "/api/motor/cvs/3", `{"value":999}`); w.Code != http.StatusBadRequest {
		t.Fatalf("bad value: status code=%d want 400", w.Code)
	}
	if f.motor.reloads != 0 {
		t.Fatalf("reloads=%d want 0", f.motor.reloads)
	}
}

func TestResistance_StartAndApply(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/api/motor/resistance/apply", "")
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/motor/resistance", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	var res map[string]any
	decode(t, w, &res)
	assert.Equal(t, "measuring", res["state"])

	w = f.do(t, http.MethodPost, "/api/motor/resistance", "")
	require.Equal(t, http.StatusConflict, w.Code)

	w = f.do(t, http.MethodPost, "/api/motor/resistance/apply", "")
	require.Equal(t, http.StatusConflict, w.Code, "apply while measuring")

	f.motor.res = motor.ResistanceResult{State: motor.ResistanceDone, Ohms: 1.874, Current: 1.49, Valid: true}
	w = f.do(t, http.MethodPost, "/api/motor/resistance/apply", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint8(187), f.cvs.CV(cv.ArmatureR))
	assert.InDelta(t, 1.87, f.motor.lastReload.ArmatureOhms, 1e-9)

	f.motor.res.Ohms = 5.6
	w = f.do(t, http.MethodPost, "/api/motor/resistance/apply", "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, uint8(187), f.cvs.CV(cv.ArmatureR))
}

func TestResistance_ApplyAfterHoldWindow(t *testing.T) {
	f := newFixture(t)

	f.motor.res = motor.ResistanceResult{State: motor.ResistanceIdle, Ohms: 2.126, Current: 1.3, Valid: true}
	w := f.do(t, http.MethodPost, "/api/motor/resistance/apply", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, uint8(213), f.cvs.CV(cv.ArmatureR))

	f.motor.res = motor.ResistanceResult{State: motor.ResistanceIdle, Current: 0.01}
	w = f.do(t, http.MethodPost, "/api/motor/resistance/apply", "")
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, uint8(213), f.cvs.CV(cv.ArmatureR))
}

func TestSelfTest(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/api/motor/selftest", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/api/motor/selftest", "")
	require.Equal(t, http.StatusAccepted, w.Code)

	f.motor.selfTest = &motor.SelfTestResult{
		ID:     "01J0000000000000000000TEST",
		Points: []motor.SelfTestPoint{{T: 20, Target: 2, PWM: 12, Current: 0.1, RPM: 30}},
	}
	w = f.do(t, http.MethodGet, "/api/motor/selftest", "")
	require.Equal(t, http.StatusOK, w.Code)

	var got struct {
		ID     string `json:"id"`
		Points []struct {
			T   int64 `json:"t"`
			Tgt int   `json:"tgt"`
			PWM int   `json:"pwm"`
		} `json:"points"`
	}
	decode(t, w, &got)
	assert.Equal(t, "01J0000000000000000000TEST", got.ID)
	require.Len(t, got.Points, 1)
	assert.Equal(t, 2, got.Points[0].Tgt)
	assert.Equal(t, 12, got.Points[0].PWM)
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	_, _ = f.logs.Write([]byte("one\ntwo\nthree\n"))

	w := f.do(t, http.MethodGet, "/api/logs?tail=2", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got logsResponse
	decode(t, w, &got)
	assert.Equal(t, []string{"two", "three"}, got.Lines)

	w = f.do(t, http.MethodGet, "/api/logs?tail=0", "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}
