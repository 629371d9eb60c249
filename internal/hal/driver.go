// Package hal drives the motor H-bridge and drains the current-sense ADC.
package hal

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"nimrs/internal/motorsim"
)

const (
	BackendSim   = "sim"
	BackendLinux = "linux"

	DefaultPWMFrequencyHz = 20000
	DefaultSampleRateHz   = 20000
	DefaultADCChannel     = 4
)

// Config selects and parameterises a hardware backend.
type Config struct {
	Backend string `yaml:"backend"`

	// PWMChip is a /sys/class/pwm/pwmchipN path; empty picks the first chip found.
	PWMChip        string `yaml:"pwm_chip"`
	IN1Channel     int    `yaml:"in1_channel"`
	IN2Channel     int    `yaml:"in2_channel"`
	PWMFrequencyHz int    `yaml:"pwm_frequency_hz"`

	// IIODevice is the buffered IIO device name, e.g. "iio:device0".
	IIODevice    string `yaml:"iio_device"`
	ADCChannel   *int   `yaml:"adc_channel"`
	SampleRateHz int    `yaml:"sample_rate_hz"`

	// GainSelectLine and PowerGoodLine are GPIO line names; empty disables them.
	GainSelectLine string `yaml:"gain_select_line"`
	PowerGoodLine  string `yaml:"power_good_line"`

	Sim motorsim.Params `yaml:"sim"`
}

func (c *Config) applyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendSim
	}
	if c.PWMFrequencyHz == 0 {
		c.PWMFrequencyHz = DefaultPWMFrequencyHz
	}
	if c.SampleRateHz == 0 {
		c.SampleRateHz = DefaultSampleRateHz
	}
	if c.IN1Channel == 0 && c.IN2Channel == 0 {
		c.IN2Channel = 1
	}
	if c.IIODevice == "" {
		c.IIODevice = "iio:device0"
	}
	if c.ADCChannel == nil {
		ch := DefaultADCChannel
		c.ADCChannel = &ch
	}
	if c.Sim == (motorsim.Params{}) {
		c.Sim = motorsim.DefaultParams()
	}
}

// Validate fills defaults and checks ranges.
func (c *Config) Validate() error {
	c.applyDefaults()
	switch c.Backend {
	case BackendSim, BackendLinux:
	default:
		return fmt.Errorf("hal: unknown backend %q", c.Backend)
	}
	if c.IN1Channel < 0 || c.IN2Channel < 0 || c.IN1Channel == c.IN2Channel {
		return fmt.Errorf("hal: in1_channel and in2_channel must be distinct and >= 0")
	}
	if c.PWMFrequencyHz <= 0 || c.SampleRateHz <= 0 {
		return fmt.Errorf("hal: frequencies must be > 0")
	}
	if ch := *c.ADCChannel; ch < 0 || ch > wordChannelMask {
		return fmt.Errorf("hal: adc_channel must be 0..%d", wordChannelMask)
	}
	if c.Backend == BackendSim {
		if err := c.Sim.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// backend is the set of devices a platform opens for the driver.
type backend struct {
	in1, in2  PWMChannel
	src       SampleSource
	gain      DigitalOut
	powerGood DigitalIn
}

func (b *backend) close() error {
	var errs []error
	for _, c := range []interface{ Close() error }{b.in1, b.in2, b.src, b.gain, b.powerGood} {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

var openBackendFn = openBackend

func openBackend(cfg Config) (*backend, error) {
	switch cfg.Backend {
	case BackendSim:
		return openSim(cfg, time.Now)
	case BackendLinux:
		return openLinux(cfg)
	}
	return nil, fmt.Errorf("hal: unknown backend %q", cfg.Backend)
}

// Driver owns the bridge and the current-sense ADC. SetDuty and ADCSamples
// are meant to be called from the control goroutine only.
type Driver struct {
	cfg Config

	open func(Config) (*backend, error)

	mu     sync.Mutex
	be     *backend
	bridge *Bridge
	adc    *ADC
	closed bool
}

func NewDriver(cfg Config) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Driver{cfg: cfg}, nil
}

// Init opens the backend, programs the PWM frequency on both legs, parks
// the bridge in brake and starts sampling. Calling Init twice is a no-op.
func (d *Driver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return fmt.Errorf("hal: driver closed")
	}
	if d.be != nil {
		return nil
	}

	open := d.open
	if open == nil {
		open = openBackendFn
	}
	be, err := open(d.cfg)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		_ = be.close()
		return err
	}
	for _, leg := range []PWMChannel{be.in1, be.in2} {
		if err := leg.SetFrequencyHz(d.cfg.PWMFrequencyHz); err != nil {
			return fail(fmt.Errorf("hal: set pwm frequency: %w", err))
		}
	}
	bridge := NewBridge(be.in1, be.in2)
	if err := bridge.Brake(); err != nil {
		return fail(fmt.Errorf("hal: initial brake: %w", err))
	}
	adc, err := NewADC(be.src, uint8(*d.cfg.ADCChannel), float64(d.cfg.SampleRateHz))
	if err != nil {
		return fail(err)
	}

	d.be = be
	d.bridge = bridge
	d.adc = adc
	return nil
}

// Transitions counts bridge mode changes since Init.
func (d *Driver) Transitions() uint64 {
	if d.bridge == nil {
		return 0
	}
	return d.bridge.Transitions()
}

// SetDuty applies a signed duty in [-1,1]; out-of-range values are clamped.
func (d *Driver) SetDuty(duty float64) error {
	if d.bridge == nil {
		return fmt.Errorf("hal: driver not initialised")
	}
	return d.bridge.SetDuty(duty)
}

// ADCSamples drains pending samples of the sense channel into dst as raw
// counts. It returns 0 when nothing is ready or the driver is not initialised.
func (d *Driver) ADCSamples(dst []float64) (int, error) {
	if d.adc == nil {
		return 0, nil
	}
	return d.adc.Drain(dst)
}

// ForeignSamples counts conversion words dropped because they belonged to
// another ADC channel.
func (d *Driver) ForeignSamples() uint64 {
	if d.adc == nil {
		return 0
	}
	return d.adc.Foreign()
}

func (d *Driver) ADCSampleRate() float64 {
	return float64(d.cfg.SampleRateHz)
}

// SetHighGain selects the high-gain sense amplifier range when the board has one.
func (d *Driver) SetHighGain(on bool) error {
	if d.be == nil || d.be.gain == nil {
		return nil
	}
	v := 0
	if on {
		v = 1
	}
	return d.be.gain.SetValue(v)
}

// PowerGood reports the supply monitor input. Boards without one report true.
func (d *Driver) PowerGood() (bool, error) {
	if d.be == nil || d.be.powerGood == nil {
		return true, nil
	}
	v, err := d.be.powerGood.Value()
	if err != nil {
		return false, fmt.Errorf("hal: read power good: %w", err)
	}
	return v != 0, nil
}

// Close brakes the bridge and releases the devices. It is safe to call more
// than once.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.be == nil {
		return nil
	}
	berr := d.bridge.Brake()
	cerr := d.be.close()
	d.be = nil
	d.adc = nil
	d.bridge = nil
	return errors.Join(berr, cerr)
}
