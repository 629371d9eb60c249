package motor

import "time"

// Snapshot is one control cycle's telemetry. Published snapshots are never
// mutated; readers may keep them.
type Snapshot struct {
	AppliedVoltage float64 `json:"applied_voltage"`
	Current        float64 `json:"current"`
	RPM            float64 `json:"rpm"`
	RippleFreq     float64 `json:"ripple_freq"`
	Stalled        bool    `json:"stalled"`
	Duty           float64 `json:"duty"`

	BEMFVoltage  float64 `json:"bemf_voltage"`
	BEMFConstant float64 `json:"bemf_constant"`
	Source       string  `json:"source"`
	Integral     float64 `json:"integral"`

	TargetStep uint8  `json:"target_step"`
	Forward    bool   `json:"forward"`
	Mode       string `json:"mode"`

	Samples           int    `json:"samples"`
	ForeignSamples    uint64 `json:"foreign_samples"`
	Cycles            uint64 `json:"cycles"`
	Overruns          uint64 `json:"overruns"`
	BridgeTransitions uint64 `json:"bridge_transitions"`

	LastError string    `json:"last_error,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	modeNormal     = "normal"
	modeResistance = "resistance"
	modeSelfTest   = "selftest"
)
