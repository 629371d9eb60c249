package telemetry

type ZMQConfig struct {
	Enable   bool   `yaml:"enable"`
	Endpoint string `yaml:"endpoint"`
	SendHWM  int    `yaml:"send_hwm"`
}
