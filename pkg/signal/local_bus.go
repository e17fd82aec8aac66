package signal

import (
	"context"
	"fmt"
	"sync"
)

const modeLocal = "local"

// LocalBus is an in-process Bus built on buffered channels.
type LocalBus struct {
	mu          sync.RWMutex
	subscribers map[string]chan *Signal
	bufferSize  int
	closed      bool
}

// NewLocalBus creates an in-process bus.
func NewLocalBus(bufferSize int) *LocalBus {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &LocalBus{
		subscribers: make(map[string]chan *Signal),
		bufferSize:  bufferSize,
	}
}

// Publish delivers sig to the subscriber of its run. Signals for runs without a
// subscriber are dropped.
func (b *LocalBus) Publish(_ context.Context, sig *Signal) error {
	if err := validateSignal(modeLocal, sig); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		metricsRecorder().RecordSignalFailed(modeLocal, string(sig.Type), "bus_closed")
		return fmt.Errorf("signal bus is closed")
	}
	ch, ok := b.subscribers[sig.RunID]
	if !ok {
		metricsRecorder().RecordSignalFailed(modeLocal, string(sig.Type), "no_subscriber")
		return nil
	}
	metricsRecorder().RecordSignalSent(modeLocal, string(sig.Type))
	deliver(modeLocal, ch, sig)
	return nil
}

// Subscribe registers runID. A run can hold one subscription at a time.
func (b *LocalBus) Subscribe(_ context.Context, runID string) (<-chan *Signal, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id cannot be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("signal bus is closed")
	}
	if _, exists := b.subscribers[runID]; exists {
		return nil, fmt.Errorf("run %s already subscribed", runID)
	}

	ch := make(chan *Signal, b.bufferSize)
	b.subscribers[runID] = ch
	return ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *LocalBus) Unsubscribe(runID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subscribers[runID]
	if !ok {
		return nil
	}
	close(ch)
	delete(b.subscribers, runID)
	return nil
}

// Close shuts down the bus and closes all subscriber channels.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for runID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, runID)
	}
	return nil
}

// Healthy returns true until the bus is closed.
func (b *LocalBus) Healthy() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

var _ Bus = (*LocalBus)(nil)
