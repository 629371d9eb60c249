package telemetry

import (
	"encoding/json"
	"fmt"
)

// Command is a throttle request received over MQTT, the same shape the HTTP
// API accepts.
type Command struct {
	Step    uint8 `json:"step"`
	Forward bool  `json:"forward"`
}

func ParseCommand(payload []byte) (Command, error) {
	var raw struct {
		Step    *int  `json:"step"`
		Forward *bool `json:"forward"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Command{}, fmt.Errorf("telemetry: decode command: %w", err)
	}
	if raw.Step == nil {
		return Command{}, fmt.Errorf("telemetry: command step is required")
	}
	if *raw.Step < 0 || *raw.Step > 255 {
		return Command{}, fmt.Errorf("telemetry: command step %d out of range [0,255]", *raw.Step)
	}
	cmd := Command{Step: uint8(*raw.Step), Forward: true}
	if raw.Forward != nil {
		cmd.Forward = *raw.Forward
	}
	return cmd, nil
}
