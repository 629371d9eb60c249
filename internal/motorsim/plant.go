// Package motorsim models a small permanent-magnet DC motor driven from a
// slow-decay H-bridge, including the commutation ripple on its current.
package motorsim

import (
	"fmt"
	"math"
	"math/rand"
)

// Params describes the simulated motor and supply.
type Params struct {
	SupplyVolts float64 `yaml:"supply_volts"`
	// Resistance is the armature resistance in ohms.
	Resistance float64 `yaml:"resistance_ohms"`
	// KeVoltsPerRPM is the back-EMF constant.
	KeVoltsPerRPM float64 `yaml:"ke_volts_per_rpm"`
	Inertia       float64 `yaml:"inertia_kgm2"`
	// Friction is viscous drag in N*m per rad/s.
	Friction   float64 `yaml:"friction"`
	LoadTorque float64 `yaml:"load_torque_nm"`
	Poles      int     `yaml:"poles"`
	// RippleDepth scales the commutation ripple with the mean current.
	RippleDepth float64 `yaml:"ripple_depth"`
	// RippleFloor is a ripple amplitude in amps present whenever the rotor turns.
	RippleFloor float64 `yaml:"ripple_floor_amps"`
	// NoiseAmps is the standard deviation of the sense noise.
	NoiseAmps float64 `yaml:"noise_amps"`
	Seed      int64   `yaml:"seed"`
}

func DefaultParams() Params {
	return Params{
		SupplyVolts:   14,
		Resistance:    2,
		KeVoltsPerRPM: 0.002,
		Inertia:       5.5e-5,
		Friction:      1e-6,
		LoadTorque:    0.002,
		Poles:         5,
		RippleDepth:   0.25,
		RippleFloor:   0.25,
		NoiseAmps:     0.005,
		Seed:          1,
	}
}

func (p Params) Validate() error {
	if p.SupplyVolts <= 0 {
		return fmt.Errorf("motorsim: supply_volts must be > 0")
	}
	if p.Resistance <= 0 {
		return fmt.Errorf("motorsim: resistance_ohms must be > 0")
	}
	if p.KeVoltsPerRPM <= 0 {
		return fmt.Errorf("motorsim: ke_volts_per_rpm must be > 0")
	}
	if p.Inertia <= 0 {
		return fmt.Errorf("motorsim: inertia_kgm2 must be > 0")
	}
	if p.Poles < 1 {
		return fmt.Errorf("motorsim: poles must be >= 1")
	}
	if p.Friction < 0 || p.LoadTorque < 0 || p.RippleDepth < 0 || p.RippleFloor < 0 || p.NoiseAmps < 0 {
		return fmt.Errorf("motorsim: friction, load, ripple and noise must be >= 0")
	}
	return nil
}

const radPerSecPerRPM = 2 * math.Pi / 60

// Plant integrates the electrical and mechanical state of the motor.
type Plant struct {
	p   Params
	rng *rand.Rand

	omega   float64 // rad/s, signed
	angle   float64 // rotor angle in rad
	current float64 // mean armature current in A, signed
}

func New(p Params) (*Plant, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Plant{p: p, rng: rand.New(rand.NewSource(p.Seed))}, nil
}

func (m *Plant) Params() Params { return m.p }

// RPM is the signed shaft speed.
func (m *Plant) RPM() float64 { return m.omega / radPerSecPerRPM }

// Current is the mean armature current without ripple or noise.
func (m *Plant) Current() float64 { return m.current }

// SetLoad changes the opposing load torque.
func (m *Plant) SetLoad(nm float64) {
	if nm < 0 {
		nm = 0
	}
	m.p.LoadTorque = nm
}

// Step advances the model by dt seconds with the given average terminal
// voltage and returns the instantaneous sensed current in amps.
func (m *Plant) Step(volts, dt float64) float64 {
	if dt <= 0 {
		return m.sense()
	}
	ke := m.p.KeVoltsPerRPM / radPerSecPerRPM
	m.current = (volts - ke*m.omega) / m.p.Resistance

	torque := ke*m.current - m.p.Friction*m.omega
	// Coulomb load opposes motion and cannot start the rotor by itself.
	load := m.p.LoadTorque
	switch {
	case m.omega > 0:
		torque -= load
	case m.omega < 0:
		torque += load
	default:
		if math.Abs(torque) <= load {
			torque = 0
		} else {
			torque -= math.Copysign(load, torque)
		}
	}
	prev := m.omega
	m.omega += torque / m.p.Inertia * dt
	if prev != 0 && math.Signbit(prev) != math.Signbit(m.omega) && math.Abs(ke*m.current) <= load {
		m.omega = 0
	}
	m.angle = math.Mod(m.angle+m.omega*dt, 2*math.Pi)
	return m.sense()
}

// sense models a low-side shunt: it sees the current magnitude in either
// direction and never reads below zero.
func (m *Plant) sense() float64 {
	i := math.Abs(m.current)
	if m.omega != 0 {
		amp := m.p.RippleDepth*math.Abs(m.current) + m.p.RippleFloor
		// Two current dips per pole per revolution.
		i += amp * math.Sin(2*float64(m.p.Poles)*m.angle)
	}
	if m.p.NoiseAmps > 0 {
		i += m.rng.NormFloat64() * m.p.NoiseAmps
	}
	return math.Max(0, i)
}
