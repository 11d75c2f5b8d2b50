// Package broker carries fire signals between processes so that every
// instance of a service sees the same bursts and coalesces them locally.
package broker

import (
	"context"
	"time"
)

const (
	// SignalFired is the event type for a fire signal.
	SignalFired = "SIGNAL_FIRED"
)

// Message represents the structure of the data that will be sent through the broker.
type Message struct {
	BrokerID  string    `json:"broker_id"` // The ID of the publishing broker
	Event     string    `json:"event"`     // Type of event, e.g., "SIGNAL_FIRED"
	Timestamp time.Time `json:"timestamp"` // When the event occurred
	Key       string    `json:"key"`       // The key that was fired, e.g., a path or user ID
}

// Broker publishes fire signals and hands the signals of every publisher,
// itself included, to a handler. It could be implemented on any message
// broker, e.g., Redis, Kafka, etc.
type Broker interface {
	Publish(ctx context.Context, msg Message) error
	Run(ctx context.Context, handlerFunc func(Message)) error
}
