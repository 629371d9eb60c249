// Package api serves the motor controller's HTTP JSON API.
package api

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/inconshreveable/log15"

	"nimrs/internal/cv"
	"nimrs/internal/logging"
	"nimrs/internal/motor"
	"nimrs/internal/telemetry"
)

// Motor is the control-task surface the API drives. *motor.Task implements it.
type Motor interface {
	Snapshot() motor.Snapshot
	ReloadCVs(r cv.Reader) cv.Calibration
	MeasureResistance() error
	Resistance() motor.ResistanceResult
	StartSelfTest() error
	SelfTestResult() *motor.SelfTestResult
}

// Throttle accepts speed commands; normally the momentum ramp.
type Throttle interface {
	Set(step uint8, forward bool)
	Command() (uint8, bool)
}

type CVStore interface {
	cv.Reader
	Set(num int, v uint8) error
	Entries() []cv.Entry
}

type Deps struct {
	Motor    Motor
	Throttle Throttle
	CVs      CVStore

	// Optional.
	Logs  *logging.Buffer
	Sinks func() []telemetry.SinkStats
}

type handlers struct {
	Deps
	log log15.Logger
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(d Deps) *gin.Engine {
	h := &handlers{Deps: d, log: log15.New("pkg", "api")}

	r := gin.New()
	r.Use(gin.Recovery(), h.logRequests)

	m := r.Group("/api/motor")
	m.GET("/status", h.status)
	m.POST("/target", h.setTarget)

	m.GET("/cvs", h.listCVs)
	m.PUT("/cvs/:num", h.setCV)
	m.POST("/cvs/reload", h.reloadCVs)

	m.POST("/resistance", h.startResistance)
	m.GET("/resistance", h.resistance)
	m.POST("/resistance/apply", h.applyResistance)

	m.POST("/selftest", h.startSelfTest)
	m.GET("/selftest", h.selfTest)

	r.GET("/api/logs", h.logs)
	return r
}

func (h *handlers) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	h.log.Debug("request", "method", c.Request.Method, "path", c.Request.URL.Path,
		"status", c.Writer.Status(), "dur", time.Since(start))
}

func abort(c *gin.Context, code int, err error) {
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}

func checkByte(name string, v *int) error {
	if v == nil {
		return fmt.Errorf("%s is required", name)
	}
	if *v < 0 || *v > 255 {
		return fmt.Errorf("%s must be in [0,255]", name)
	}
	return nil
}

type command struct {
	Step    uint8 `json:"step"`
	Forward bool  `json:"forward"`
}

type statusResponse struct {
	Motor     motor.Snapshot        `json:"motor"`
	Command   command               `json:"command"`
	Telemetry []telemetry.SinkStats `json:"telemetry,omitempty"`
}

func (h *handlers) status(c *gin.Context) {
	resp := statusResponse{Motor: h.Motor.Snapshot()}
	resp.Command.Step, resp.Command.Forward = h.Throttle.Command()
	if h.Sinks != nil {
		resp.Telemetry = h.Sinks()
	}
	c.JSON(http.StatusOK, resp)
}

type targetRequest struct {
	Step    *int  `json:"step"`
	Forward *bool `json:"forward"`
}

func (h *handlers) setTarget(c *gin.Context) {
	var req targetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := checkByte("step", req.Step); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	cmd := command{Step: uint8(*req.Step), Forward: true}
	if req.Forward != nil {
		cmd.Forward = *req.Forward
	}
	h.Throttle.Set(cmd.Step, cmd.Forward)
	c.JSON(http.StatusOK, cmd)
}

func (h *handlers) listCVs(c *gin.Context) {
	c.JSON(http.StatusOK, h.CVs.Entries())
}

type cvRequest struct {
	Value *int `json:"value"`
}

type cvResponse struct {
	CV          int            `json:"cv"`
	Value       uint8          `json:"value"`
	Calibration cv.Calibration `json:"calibration"`
}

// setCV writes one CV and pushes the decoded calibration to the motor task.
func (h *handlers) setCV(c *gin.Context) {
	num, err := strconv.Atoi(c.Param("num"))
	if err != nil {
		abort(c, http.StatusBadRequest, errors.New("cv number must be an integer"))
		return
	}
	var req cvRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := checkByte("value", req.Value); err != nil {
		abort(c, http.StatusBadRequest, err)
		return
	}
	if err := h.CVs.Set(num, uint8(*req.Value)); err != nil {
		if errors.Is(err, cv.ErrUnknownCV) {
			abort(c, http.StatusNotFound, err)
			return
		}
		abort(c, http.StatusInternalServerError, err)
		return
	}
	cal := h.Motor.ReloadCVs(h.CVs)
	h.log.Info("cv written", "cv", num, "value", *req.Value)
	c.JSON(http.StatusOK, cvResponse{CV: num, Value: h.CVs.CV(num), Calibration: cal})
}

func (h *handlers) reloadCVs(c *gin.Context) {
	c.JSON(http.StatusOK, h.Motor.ReloadCVs(h.CVs))
}

func (h *handlers) startResistance(c *gin.Context) {
	if err := h.Motor.MeasureResistance(); err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, h.Motor.Resistance())
}

func (h *handlers) resistance(c *gin.Context) {
	c.JSON(http.StatusOK, h.Motor.Resistance())
}

// applyResistance stores the last successful measurement in the armature
// resistance CV (0.01 ohm units). It works during the hold window and after
// the task has returned to idle, but not while a new measurement runs.
func (h *handlers) applyResistance(c *gin.Context) {
	res := h.Motor.Resistance()
	if res.State == motor.ResistanceMeasuring {
		abort(c, http.StatusConflict, errors.New("resistance measurement in progress"))
		return
	}
	if !res.Valid {
		abort(c, http.StatusConflict, errors.New("no completed resistance measurement"))
		return
	}
	v := math.Round(res.Ohms * 100)
	if v < 1 || v > 255 {
		abort(c, http.StatusUnprocessableEntity, errors.New("measured resistance does not fit cv 115 (0.01-2.55 ohm)"))
		return
	}
	if err := h.CVs.Set(cv.ArmatureR, uint8(v)); err != nil {
		abort(c, http.StatusInternalServerError, err)
		return
	}
	cal := h.Motor.ReloadCVs(h.CVs)
	c.JSON(http.StatusOK, cvResponse{CV: cv.ArmatureR, Value: uint8(v), Calibration: cal})
}

func (h *handlers) startSelfTest(c *gin.Context) {
	if err := h.Motor.StartSelfTest(); err != nil {
		abort(c, http.StatusConflict, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ok": true})
}

func (h *handlers) selfTest(c *gin.Context) {
	res := h.Motor.SelfTestResult()
	if res == nil {
		abort(c, http.StatusNotFound, errors.New("no self-test has run"))
		return
	}
	c.JSON(http.StatusOK, res)
}

type logsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

func (h *handlers) logs(c *gin.Context) {
	if h.Logs == nil {
		abort(c, http.StatusNotFound, errors.New("log buffer disabled"))
		return
	}
	tail := 200
	if s := c.Query("tail"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 || v > 5000 {
			abort(c, http.StatusBadRequest, errors.New("tail must be an integer in [1,5000]"))
			return
		}
		tail = v
	}
	lines, dropped := h.Logs.Tail(tail)
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, logsResponse{
		NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
		Dropped: dropped,
		Lines:   lines,
	})
}

// Serve runs handler on listenAddr until ctx is cancelled.
func Serve(ctx context.Context, listenAddr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
