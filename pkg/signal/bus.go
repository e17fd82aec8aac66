package signal

import "context"

// Bus delivers control signals to running sagas, addressed by run id.
type Bus interface {
	// Publish sends a signal to the run named in it.
	Publish(ctx context.Context, signal *Signal) error

	// Subscribe returns a channel receiving the signals addressed to runID.
	Subscribe(ctx context.Context, runID string) (<-chan *Signal, error)

	// Unsubscribe removes the subscription of runID.
	Unsubscribe(runID string) error

	// Close shuts down the bus and releases resources.
	Close() error

	// Healthy reports whether the bus is operational.
	Healthy() bool
}
