package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/inconshreveable/log15"

	"nimrs/internal/motor"
)

const (
	DefaultInterval = 100 * time.Millisecond
	DefaultTopic    = "nimrs/motor/telemetry"
)

// SnapshotSource is satisfied by *motor.Task.
type SnapshotSource interface {
	Snapshot() motor.Snapshot
}

// Sink delivers one encoded snapshot. Implementations must be safe to call
// from the publisher goroutine while Close runs from another.
type Sink interface {
	Name() string
	Publish(topic string, payload []byte) error
	Close() error
}

type Config struct {
	Interval time.Duration `yaml:"interval"`
	Topic    string        `yaml:"topic"`
	MQTT     MQTTConfig    `yaml:"mqtt"`
	ZMQ      ZMQConfig     `yaml:"zmq"`
	UDP      UDPConfig     `yaml:"udp"`
}

func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	c.MQTT.applyDefaults()
}

func (c Config) Validate() error {
	if c.Interval < 10*time.Millisecond {
		return fmt.Errorf("telemetry.interval must be >= 10ms")
	}
	if c.ZMQ.Enable && c.ZMQ.Endpoint == "" {
		return fmt.Errorf("telemetry.zmq.endpoint is required when telemetry.zmq.enable is true")
	}
	if c.MQTT.Enable && c.MQTT.Broker == "" {
		return fmt.Errorf("telemetry.mqtt.broker is required when telemetry.mqtt.enable is true")
	}
	if c.UDP.Enable && c.UDP.Dest == "" {
		return fmt.Errorf("telemetry.udp.dest is required when telemetry.udp.enable is true")
	}
	return nil
}

// SinkStats counts deliveries per sink.
type SinkStats struct {
	Name      string `json:"name"`
	Sent      uint64 `json:"sent"`
	Failed    uint64 `json:"failed"`
	LastError string `json:"last_error,omitempty"`
}

type Publisher struct {
	src      SnapshotSource
	sinks    []Sink
	interval time.Duration
	topic    string
	log      log15.Logger

	mu        sync.Mutex
	stats     []SinkStats
	lastCycle uint64
	published bool
}

func NewPublisher(src SnapshotSource, interval time.Duration, topic string, sinks ...Sink) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if topic == "" {
		topic = DefaultTopic
	}
	stats := make([]SinkStats, len(sinks))
	for i, s := range sinks {
		stats[i].Name = s.Name()
	}
	return &Publisher{
		src:      src,
		sinks:    sinks,
		interval: interval,
		topic:    topic,
		log:      log15.New("pkg", "telemetry"),
		stats:    stats,
	}
}

// PublishOnce sends the current snapshot to every sink. A snapshot whose
// cycle count has not advanced since the last call is skipped, except for
// the very first one.
func (p *Publisher) PublishOnce() bool {
	snap := p.src.Snapshot()

	p.mu.Lock()
	if p.published && snap.Cycles == p.lastCycle {
		p.mu.Unlock()
		return false
	}
	p.published = true
	p.lastCycle = snap.Cycles
	p.mu.Unlock()

	payload, err := json.Marshal(snap)
	if err != nil {
		p.log.Error("encode snapshot", "err", err)
		return false
	}

	for i, s := range p.sinks {
		err := s.Publish(p.topic, payload)
		p.record(i, err)
	}
	return true
}

func (p *Publisher) record(i int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := &p.stats[i]
	if err == nil {
		st.Sent++
		if st.LastError != "" {
			p.log.Info("sink recovered", "sink", st.Name)
			st.LastError = ""
		}
		return
	}
	st.Failed++
	// Only log transitions so a dead broker does not flood the log.
	if msg := err.Error(); msg != st.LastError {
		p.log.Warn("publish failed", "sink", st.Name, "err", err)
		st.LastError = msg
	}
}

func (p *Publisher) Stats() []SinkStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SinkStats(nil), p.stats...)
}

// Run publishes every interval until ctx is cancelled, then closes all sinks.
func (p *Publisher) Run(ctx context.Context) error {
	defer p.closeSinks()

	if len(p.sinks) == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.PublishOnce()
		}
	}
}

func (p *Publisher) closeSinks() {
	for _, s := range p.sinks {
		if err := s.Close(); err != nil {
			p.log.Warn("close sink", "sink", s.Name(), "err", err)
		}
	}
}
