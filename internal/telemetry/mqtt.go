package telemetry

import (
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/inconshreveable/log15"
)

type MQTTConfig struct {
	Enable   bool   `yaml:"enable"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// CommandTopic, when set, is subscribed for throttle commands.
	CommandTopic string `yaml:"command_topic"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
}

func (c *MQTTConfig) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "nimrs"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 500 * time.Millisecond
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 5 * time.Second
	}
}

// mqttClient is the part of mqtt.Client the sink uses.
type mqttClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	IsConnectionOpen() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

var newMQTTClientFn = func(opts *mqtt.ClientOptions) mqttClient {
	return mqtt.NewClient(opts)
}

type MQTTSink struct {
	cfg       MQTTConfig
	client    mqttClient
	onCommand func(Command)
	log       log15.Logger
}

// NewMQTTSink connects to the broker. The client keeps retrying in the
// background when the broker is not reachable within ConnectTimeout, so a
// missing broker does not keep the decoder from starting.
func NewMQTTSink(cfg MQTTConfig, onCommand func(Command)) (*MQTTSink, error) {
	cfg.applyDefaults()
	if cfg.Broker == "" {
		return nil, fmt.Errorf("telemetry: mqtt broker is required")
	}

	s := &MQTTSink{
		cfg:       cfg,
		onCommand: onCommand,
		log:       log15.New("pkg", "telemetry", "sink", "mqtt", "broker", cfg.Broker),
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker).SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetConnectTimeout(cfg.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(cfg.RetryInterval)
	opts.SetOnConnectHandler(s.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		s.log.Warn("connection lost", "err", err)
	})

	s.client = newMQTTClientFn(opts)
	token := s.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		s.log.Warn("broker not reachable yet, retrying in background")
		return s, nil
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("telemetry: mqtt connect: %w", err)
	}
	return s, nil
}

// onConnect runs on every (re)connect, so the command subscription survives
// broker restarts.
func (s *MQTTSink) onConnect(_ mqtt.Client) {
	s.log.Info("connected")
	if s.cfg.CommandTopic == "" || s.onCommand == nil {
		return
	}
	token := s.client.Subscribe(s.cfg.CommandTopic, 0, s.handleMessage)
	go func() {
		if token.WaitTimeout(s.cfg.ConnectTimeout) && token.Error() != nil {
			s.log.Error("subscribe failed", "topic", s.cfg.CommandTopic, "err", token.Error())
		}
	}()
}

func (s *MQTTSink) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	cmd, err := ParseCommand(msg.Payload())
	if err != nil {
		s.log.Warn("bad command", "topic", msg.Topic(), "err", err)
		return
	}
	s.onCommand(cmd)
}

func (s *MQTTSink) Name() string { return "mqtt" }

func (s *MQTTSink) Publish(topic string, payload []byte) error {
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("telemetry: mqtt not connected")
	}
	token := s.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("telemetry: mqtt publish timed out after %s", s.cfg.PublishTimeout)
	}
	return token.Error()
}

func (s *MQTTSink) Close() error {
	s.client.Disconnect(250)
	return nil
}
