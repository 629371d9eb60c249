package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"nimrs/internal/cv"
	"nimrs/internal/hal"
	"nimrs/internal/logging"
	"nimrs/internal/motor"
	"nimrs/internal/telemetry"
)

type Config struct {
	HAL       hal.Config       `yaml:"hal"`
	Motor     MotorConfig      `yaml:"motor"`
	CVs       map[int]int      `yaml:"cvs"`
	Momentum  MomentumConfig   `yaml:"momentum"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	API       APIConfig        `yaml:"api"`
	Log       logging.Config   `yaml:"log"`
	Capture   CaptureConfig    `yaml:"capture"`
}

type MotorConfig struct {
	Period       time.Duration `yaml:"period"`
	MaxRPM       float64       `yaml:"max_rpm"`
	CurrentScale float64       `yaml:"current_scale"`
	BufferSize   int           `yaml:"buffer_size"`

	// RippleStaleAfter zeroes the ripple frequency when no commutation edge
	// has been seen for this long. Zero disables the timeout.
	RippleStaleAfter time.Duration `yaml:"ripple_stale_after"`

	Realtime RealtimeConfig `yaml:"realtime"`
}

type RealtimeConfig struct {
	Enable   bool `yaml:"enable"`
	CPU      int  `yaml:"cpu"`
	Priority int  `yaml:"priority"`
}

type MomentumConfig struct {
	// Disable feeds throttle commands to the motor task without CV3/CV4
	// ramping or the Vstart/Vhigh curve.
	Disable bool          `yaml:"disable"`
	Period  time.Duration `yaml:"period"`
}

type APIConfig struct {
	Disable bool   `yaml:"disable"`
	Listen  string `yaml:"listen"`
}

type CaptureConfig struct {
	Dir string `yaml:"dir"`
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && unknownFieldsOnly(te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", strings.Join(stripLines(te.Errors), "; "))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

var yamlLinePrefix = regexp.MustCompile(`^line \d+: `)

func unknownFieldsOnly(te *yaml.TypeError) bool {
	for _, e := range te.Errors {
		if !strings.Contains(e, " not found in type ") {
			return false
		}
	}
	return len(te.Errors) > 0
}

func stripLines(errs []string) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = yamlLinePrefix.ReplaceAllString(e, "")
	}
	return out
}

// Default returns the configuration used when no file is given: simulated
// hardware, API on :8080, no telemetry sinks.
func Default() Config {
	var cfg Config
	if err := DefaultAndValidate(&cfg); err != nil {
		panic(err)
	}
	return cfg
}

// DefaultAndValidate fills zero values with defaults and rejects settings
// the services cannot run with.
func DefaultAndValidate(cfg *Config) error {
	if err := cfg.HAL.Validate(); err != nil {
		return err
	}

	if cfg.Motor.Period < 0 {
		return fmt.Errorf("motor.period must be > 0")
	}
	if cfg.Motor.Period == 0 {
		cfg.Motor.Period = motor.DefaultPeriod
	}
	if cfg.Motor.Period < time.Millisecond || cfg.Motor.Period > time.Second {
		return fmt.Errorf("motor.period must be between 1ms and 1s")
	}
	if cfg.Motor.MaxRPM < 0 {
		return fmt.Errorf("motor.max_rpm must be >= 0")
	}
	if cfg.Motor.MaxRPM == 0 {
		cfg.Motor.MaxRPM = motor.DefaultMaxRPM
	}
	if cfg.Motor.CurrentScale < 0 {
		return fmt.Errorf("motor.current_scale must be > 0")
	}
	if cfg.Motor.CurrentScale == 0 {
		cfg.Motor.CurrentScale = motor.DefaultCurrentScale
	}
	if cfg.Motor.BufferSize < 0 {
		return fmt.Errorf("motor.buffer_size must be > 0")
	}
	if cfg.Motor.BufferSize == 0 {
		cfg.Motor.BufferSize = motor.DefaultBufferSize
	}
	if cfg.Motor.RippleStaleAfter < 0 {
		return fmt.Errorf("motor.ripple_stale_after must be >= 0")
	}
	if cfg.Motor.Realtime.Enable {
		if cfg.Motor.Realtime.CPU < 0 {
			return fmt.Errorf("motor.realtime.cpu must be >= 0")
		}
		if cfg.Motor.Realtime.Priority == 0 {
			cfg.Motor.Realtime.Priority = 50
		}
		if cfg.Motor.Realtime.Priority < 1 || cfg.Motor.Realtime.Priority > 99 {
			return fmt.Errorf("motor.realtime.priority must be between 1 and 99")
		}
	}

	for num, v := range cfg.CVs {
		if v < 0 || v > 255 {
			return fmt.Errorf("cvs.%d must be between 0 and 255", num)
		}
		if _, err := cv.NewRegistry(map[int]uint8{num: uint8(v)}); err != nil {
			return fmt.Errorf("cvs.%d: %w", num, err)
		}
	}

	if cfg.Momentum.Period < 0 {
		return fmt.Errorf("momentum.period must be > 0")
	}
	if cfg.Momentum.Period == 0 {
		cfg.Momentum.Period = cfg.Motor.Period
	}

	cfg.Telemetry.ApplyDefaults()
	if err := cfg.Telemetry.Validate(); err != nil {
		return err
	}

	if cfg.API.Listen == "" {
		cfg.API.Listen = ":8080"
	}

	cfg.Log.ApplyDefaults()
	if err := cfg.Log.Validate(); err != nil {
		return err
	}

	if cfg.Capture.Dir == "" {
		cfg.Capture.Dir = "."
	}
	return nil
}

// CVOverrides converts the cvs section for cv.NewRegistry.
func (c Config) CVOverrides() map[int]uint8 {
	out := make(map[int]uint8, len(c.CVs))
	for num, v := range c.CVs {
		out[num] = uint8(v)
	}
	return out
}

// MotorOptions maps the motor section onto motor.Options.
func (c Config) MotorOptions() motor.Options {
	return motor.Options{
		Period:           c.Motor.Period,
		MaxRPM:           c.Motor.MaxRPM,
		CurrentScale:     c.Motor.CurrentScale,
		BufferSize:       c.Motor.BufferSize,
		RippleStaleAfter: c.Motor.RippleStaleAfter,
		Realtime:         c.Motor.Realtime.Enable,
		CPU:              c.Motor.Realtime.CPU,
		Priority:         c.Motor.Realtime.Priority,
	}
}
