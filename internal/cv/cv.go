// Package cv holds the decoder's configuration variables: 8-bit values
// addressed by NMRA-style CV numbers.
package cv

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

const (
	Vstart       = 2
	Accel        = 3
	Decel        = 4
	Vhigh        = 5
	MotorKp      = 112
	MotorKi      = 114
	ArmatureR    = 115
	MotorPoles   = 116
	TrackVoltage = 117
	PWMDither    = 118
	MaxRPM       = 119
)

var ErrUnknownCV = errors.New("cv: unknown cv")

// Definition describes one supported CV.
type Definition struct {
	Num     int    `json:"cv"`
	Default uint8  `json:"default"`
	Name    string `json:"name"`
	Desc    string `json:"desc"`
}

var definitions = []Definition{
	{Vstart, 60, "Vstart", "Starting speed (0-255)"},
	{Accel, 2, "Acceleration", "Momentum delay per step, x5 ms"},
	{Decel, 2, "Deceleration", "Momentum delay per step, x5 ms"},
	{Vhigh, 255, "Vhigh", "Maximum speed (0-255)"},
	{MotorKp, 10, "Motor Kp", "Proportional gain, x0.01"},
	{MotorKi, 10, "Motor Ki", "Integral gain, x0.001"},
	{ArmatureR, 200, "Armature R", "Armature resistance, x0.01 ohm"},
	{MotorPoles, 5, "Motor poles", "Pole count (0 = 5)"},
	{TrackVoltage, 140, "Track voltage", "Nominal track voltage, x0.1 V"},
	{PWMDither, 0, "PWM dither", "Low-speed dither amplitude (0 = off)"},
	{MaxRPM, 60, "Max RPM", "Motor speed at full step, x100 RPM"},
}

// Definitions returns the supported CVs ordered by number.
func Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

func Defaults() map[int]uint8 {
	m := make(map[int]uint8, len(definitions))
	for _, d := range definitions {
		m[d.Num] = d.Default
	}
	return m
}

func known(num int) bool {
	for _, d := range definitions {
		if d.Num == num {
			return true
		}
	}
	return false
}

// Registry is a concurrency-safe CV store.
type Registry struct {
	mu   sync.RWMutex
	vals map[int]uint8
}

// NewRegistry starts from the defaults and applies overrides on top.
func NewRegistry(overrides map[int]uint8) (*Registry, error) {
	r := &Registry{vals: Defaults()}
	for num, v := range overrides {
		if err := r.Set(num, v); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// CV returns the value of num, or 0 when num is not a supported CV.
func (r *Registry) CV(num int) uint8 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.vals[num]
}

func (r *Registry) Set(num int, v uint8) error {
	if !known(num) {
		return fmt.Errorf("%w %d", ErrUnknownCV, num)
	}
	r.mu.Lock()
	r.vals[num] = v
	r.mu.Unlock()
	return nil
}

// Entry is a CV value with its definition.
type Entry struct {
	Definition
	Value uint8 `json:"value"`
}

func (r *Registry) Entries() []Entry {
	defs := Definitions()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(defs))
	for _, d := range defs {
		out = append(out, Entry{Definition: d, Value: r.vals[d.Num]})
	}
	return out
}
