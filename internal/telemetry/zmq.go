//go:build cgo

package telemetry

import (
	"fmt"
	"sync"

	"github.com/pebbe/zmq4"
)

// ZMQSink publishes each snapshot as a two-frame message: topic, then JSON.
// Subscribers filter on the topic frame.
type ZMQSink struct {
	mu     sync.Mutex
	sock   *zmq4.Socket
	closed bool
}

func NewZMQSink(cfg ZMQConfig) (*ZMQSink, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("telemetry: zmq endpoint is required")
	}
	sock, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("telemetry: zmq socket: %w", err)
	}
	if err := sock.SetLinger(0); err != nil {
		sock.Close()
		return nil, fmt.Errorf("telemetry: zmq linger: %w", err)
	}
	if cfg.SendHWM > 0 {
		if err := sock.SetSndhwm(cfg.SendHWM); err != nil {
			sock.Close()
			return nil, fmt.Errorf("telemetry: zmq sndhwm: %w", err)
		}
	}
	if err := sock.Bind(cfg.Endpoint); err != nil {
		sock.Close()
		return nil, fmt.Errorf("telemetry: zmq bind %s: %w", cfg.Endpoint, err)
	}
	return &ZMQSink{sock: sock}, nil
}

func (s *ZMQSink) Name() string { return "zmq" }

func (s *ZMQSink) Publish(topic string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("telemetry: zmq sink closed")
	}
	// A PUB socket drops messages for slow subscribers instead of blocking.
	_, err := s.sock.SendMessage(topic, payload)
	return err
}

func (s *ZMQSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.sock.Close()
}
