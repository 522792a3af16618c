package mqtt

import "context"

// Client publishes the core's events to a broker. The core never subscribes.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect()

	// Publish blocks until the broker acknowledges the message or the
	// publish timeout passes
	Publish(topic string, qos byte, retained bool, payload []byte) error

	IsConnected() bool
}
