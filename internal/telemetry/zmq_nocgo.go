//go:build !cgo

package telemetry

import "fmt"

// ZMQSink needs libzmq through cgo.
type ZMQSink struct{}

func NewZMQSink(cfg ZMQConfig) (*ZMQSink, error) {
	return nil, fmt.Errorf("telemetry: zmq sink requires a cgo build")
}

func (s *ZMQSink) Name() string { return "zmq" }

func (s *ZMQSink) Publish(topic string, payload []byte) error {
	return fmt.Errorf("telemetry: zmq unavailable")
}

func (s *ZMQSink) Close() error { return nil }
