package cv

// Calibration is the motor-control parameter set decoded from CVs.
type Calibration struct {
	ArmatureOhms float64 `json:"armature_ohms"`
	Poles        int     `json:"poles"`
	Kp           float64 `json:"kp"`
	Ki           float64 `json:"ki"`
	TrackVolts   float64 `json:"track_volts"`
	// MaxRPM is zero when the CV is zero; the motor keeps its configured default.
	MaxRPM float64 `json:"max_rpm"`
	Dither uint8   `json:"dither"`
}

// Reader is anything that yields CV values.
type Reader interface {
	CV(num int) uint8
}

const (
	minTrackVolts      = 5.0
	fallbackTrackVolts = 12.0
	defaultPoles       = 5
)

// DecodeCalibration scales the motor CVs into engineering units. A track
// voltage below 5 V is replaced with 12 V and a pole count of 0 means 5.
// Resistance is passed through as decoded; the estimator rejects values <= 0.
func DecodeCalibration(r Reader) Calibration {
	c := Calibration{
		ArmatureOhms: float64(r.CV(ArmatureR)) * 0.01,
		Poles:        int(r.CV(MotorPoles)),
		Kp:           float64(r.CV(MotorKp)) * 0.01,
		Ki:           float64(r.CV(MotorKi)) * 0.001,
		TrackVolts:   float64(r.CV(TrackVoltage)) * 0.1,
		MaxRPM:       float64(r.CV(MaxRPM)) * 100,
		Dither:       r.CV(PWMDither),
	}
	if c.TrackVolts < minTrackVolts {
		c.TrackVolts = fallbackTrackVolts
	}
	if c.Poles == 0 {
		c.Poles = defaultPoles
	}
	return c
}
