package hal

import (
	"fmt"
	"math"
	"time"

	"nimrs/internal/motorsim"
)

// SenseAmpsPerCount converts a raw ADC count to amps of armature current.
const SenseAmpsPerCount = 0.00054

// simMaxBacklog bounds how much unread sample time the simulated converter
// keeps; older samples are dropped like an overrun DMA ring.
const simMaxBacklog = 100 * time.Millisecond

// NewSimDriver returns a driver on the simulated backend whose sample
// generation follows the given clock.
func NewSimDriver(cfg Config, now func() time.Time) (*Driver, error) {
	cfg.Backend = BackendSim
	d, err := NewDriver(cfg)
	if err != nil {
		return nil, err
	}
	d.open = func(c Config) (*backend, error) { return openSim(c, now) }
	return d, nil
}

type simPWM struct {
	hz      int
	percent float64
}

func (p *simPWM) SetFrequencyHz(hz int) error {
	if hz <= 0 {
		return fmt.Errorf("hal: invalid frequency %d", hz)
	}
	p.hz = hz
	return nil
}

func (p *simPWM) SetDutyPercent(v float64) error {
	p.percent = math.Max(0, math.Min(100, v))
	return nil
}

func (p *simPWM) Close() error {
	p.percent = 100
	return nil
}

type simLine struct{ v int }

func (l *simLine) SetValue(v int) error { l.v = v; return nil }
func (l *simLine) Value() (int, error)  { return l.v, nil }
func (l *simLine) Close() error         { return nil }

// simSource turns elapsed wall time into conversion words from the plant.
type simSource struct {
	plant   *motorsim.Plant
	in1     *simPWM
	in2     *simPWM
	channel uint8
	rate    float64
	now     func() time.Time

	last    time.Time
	pending float64
}

func openSim(cfg Config, now func() time.Time) (*backend, error) {
	plant, err := motorsim.New(cfg.Sim)
	if err != nil {
		return nil, err
	}
	in1, in2 := &simPWM{}, &simPWM{}
	src := &simSource{
		plant:   plant,
		in1:     in1,
		in2:     in2,
		channel: uint8(*cfg.ADCChannel),
		rate:    float64(cfg.SampleRateHz),
		now:     now,
	}
	return &backend{
		in1:       in1,
		in2:       in2,
		src:       src,
		gain:      &simLine{},
		powerGood: &simLine{v: 1},
	}, nil
}

func (s *simSource) ReadWords(dst []uint32) (int, error) {
	now := s.now()
	if s.last.IsZero() {
		s.last = now
		return 0, nil
	}
	if el := now.Sub(s.last); el > 0 {
		s.pending += el.Seconds() * s.rate
	}
	s.last = now
	if limit := simMaxBacklog.Seconds() * s.rate; s.pending > limit {
		s.pending = limit
	}

	n := int(s.pending)
	if n > len(dst) {
		n = len(dst)
	}
	s.pending -= float64(n)

	dt := 1 / s.rate
	volts := s.plant.Params().SupplyVolts * (s.in1.percent - s.in2.percent) / 100
	for i := 0; i < n; i++ {
		amps := s.plant.Step(volts, dt)
		counts := math.Round(amps / SenseAmpsPerCount)
		if counts > ADCMaxCount {
			counts = ADCMaxCount
		}
		dst[i] = EncodeWord(s.channel, uint16(counts))
	}
	return n, nil
}

func (s *simSource) Close() error { return nil }
