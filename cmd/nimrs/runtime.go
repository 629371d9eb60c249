package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inconshreveable/log15"

	"nimrs/internal/api"
	"nimrs/internal/config"
	"nimrs/internal/cv"
	"nimrs/internal/hal"
	"nimrs/internal/logging"
	"nimrs/internal/momentum"
	"nimrs/internal/motor"
	"nimrs/internal/telemetry"
)

const powerPollInterval = time.Second

// runtime owns every long-lived service of the daemon.
type runtime struct {
	cfg config.Config
	log log15.Logger

	driver   *hal.Driver
	cvs      *cv.Registry
	task     *motor.Task
	throttle api.Throttle
	ramp     *momentum.Throttle // nil when momentum is disabled
	pub      *telemetry.Publisher
	router   http.Handler

	closeOnce sync.Once
}

// directThrottle passes commands straight to the motor task.
type directThrottle struct {
	task *motor.Task
	cmd  atomic.Uint32
}

func (d *directThrottle) Set(step uint8, forward bool) {
	v := uint32(step)
	if forward {
		v |= 1 << 8
	}
	d.cmd.Store(v)
	d.task.SetTargetSpeed(step, forward)
}

func (d *directThrottle) Command() (uint8, bool) {
	v := d.cmd.Load()
	return uint8(v), v&(1<<8) != 0
}

func newRuntime(cfg config.Config, logs *logging.Buffer) (_ *runtime, err error) {
	c := cfg
	if err := config.DefaultAndValidate(&c); err != nil {
		return nil, err
	}
	r := &runtime{cfg: c, log: log15.New("pkg", "runtime")}

	r.cvs, err = cv.NewRegistry(c.CVOverrides())
	if err != nil {
		return nil, err
	}

	r.driver, err = hal.NewDriver(c.HAL)
	if err != nil {
		return nil, err
	}
	if err := r.driver.Init(); err != nil {
		return nil, fmt.Errorf("hal init: %w", err)
	}
	defer func() {
		if err != nil {
			_ = r.driver.Close()
		}
	}()
	// The current scale assumes the low-gain sense range.
	if err := r.driver.SetHighGain(false); err != nil {
		r.log.Warn("gain select failed", "err", err)
	}

	r.task, err = motor.New(r.driver, c.MotorOptions())
	if err != nil {
		return nil, err
	}
	cal := r.task.ReloadCVs(r.cvs)
	r.log.Info("calibration loaded", "r", cal.ArmatureOhms, "poles", cal.Poles, "kp", cal.Kp, "ki", cal.Ki, "track_v", cal.TrackVolts)

	if c.Momentum.Disable {
		r.throttle = &directThrottle{task: r.task}
	} else {
		r.ramp = momentum.NewThrottle(r.cvs, r.task, c.Momentum.Period)
		r.throttle = r.ramp
	}

	sinks, err := openSinks(c.Telemetry, r.throttle)
	if err != nil {
		return nil, err
	}
	r.pub = telemetry.NewPublisher(r.task, c.Telemetry.Interval, c.Telemetry.Topic, sinks...)

	r.router = api.NewRouter(api.Deps{
		Motor:    r.task,
		Throttle: r.throttle,
		CVs:      r.cvs,
		Logs:     logs,
		Sinks:    r.pub.Stats,
	})
	return r, nil
}

func openSinks(cfg telemetry.Config, throttle api.Throttle) ([]telemetry.Sink, error) {
	var sinks []telemetry.Sink
	fail := func(err error) ([]telemetry.Sink, error) {
		for _, s := range sinks {
			_ = s.Close()
		}
		return nil, err
	}
	if cfg.MQTT.Enable {
		s, err := telemetry.NewMQTTSink(cfg.MQTT, func(cmd telemetry.Command) {
			throttle.Set(cmd.Step, cmd.Forward)
		})
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.ZMQ.Enable {
		s, err := telemetry.NewZMQSink(cfg.ZMQ)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	if cfg.UDP.Enable {
		s, err := telemetry.NewUDPSink(cfg.UDP)
		if err != nil {
			return fail(err)
		}
		sinks = append(sinks, s)
	}
	return sinks, nil
}

// run starts the services and blocks until ctx is cancelled or the API
// server fails.
func (r *runtime) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := r.task.Start(ctx); err != nil {
		return err
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 1)
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	if r.ramp != nil {
		spawn(func() { r.ramp.Run(ctx) })
	}
	spawn(func() { _ = r.pub.Run(ctx) })
	spawn(func() { r.watchPower(ctx, powerPollInterval) })
	if !r.cfg.API.Disable {
		r.log.Info("api listening", "addr", r.cfg.API.Listen)
		spawn(func() {
			err := api.Serve(ctx, r.cfg.API.Listen, r.router)
			if err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("api: %w", err)
			}
		})
	}

	var err error
	select {
	case <-ctx.Done():
		err = parent.Err()
	case err = <-errCh:
	}
	cancel()
	wg.Wait()
	r.task.Close()
	return err
}

// watchPower stops the locomotive when the motor supply monitor drops.
func (r *runtime) watchPower(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	ok := true
	var lastErr error
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		good, err := r.driver.PowerGood()
		if err != nil {
			if lastErr == nil || err.Error() != lastErr.Error() {
				r.log.Warn("power good read failed", "err", err)
			}
			lastErr = err
			continue
		}
		lastErr = nil
		if good == ok {
			continue
		}
		ok = good
		if !good {
			_, fwd := r.throttle.Command()
			r.throttle.Set(0, fwd)
			r.log.Warn("motor supply lost, throttle set to 0")
		} else {
			r.log.Info("motor supply restored")
		}
	}
}

func (r *runtime) close() {
	r.closeOnce.Do(func() {
		r.task.Close()
		if err := r.driver.Close(); err != nil {
			r.log.Warn("hal close", "err", err)
		}
	})
}
