// Package signal carries control signals, such as cancellation requests, to
// running sagas, either in process or across processes through Redis Pub/Sub.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// SignalType defines the type of signal.
type SignalType string

const (
	// SignalCancel asks a run to stop and compensate whatever it committed.
	SignalCancel SignalType = "cancel"
)

// Signal is one message sent through the bus.
type Signal struct {
	Type    SignalType      `json:"type"`
	RunID   string          `json:"run_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// CancelPayload is the payload of a cancel signal.
type CancelPayload struct {
	Reason      string `json:"reason,omitempty"`
	RequestedBy string `json:"requested_by,omitempty"`
}

// SendCancel publishes a cancel signal for runID.
func SendCancel(ctx context.Context, bus Bus, runID, reason, requestedBy string) error {
	if runID == "" {
		return fmt.Errorf("run_id cannot be empty")
	}
	payload, err := json.Marshal(CancelPayload{Reason: reason, RequestedBy: requestedBy})
	if err != nil {
		return fmt.Errorf("marshal cancel payload: %w", err)
	}
	return bus.Publish(ctx, &Signal{
		Type:    SignalCancel,
		RunID:   runID,
		Payload: payload,
		SentAt:  time.Now().UTC(),
	})
}

// ParseCancelPayload extracts the CancelPayload from a signal.
func ParseCancelPayload(sig *Signal) (*CancelPayload, error) {
	if sig == nil || sig.Type != SignalCancel {
		return nil, fmt.Errorf("expected cancel signal")
	}
	var p CancelPayload
	if len(sig.Payload) == 0 {
		return &p, nil
	}
	if err := json.Unmarshal(sig.Payload, &p); err != nil {
		return nil, fmt.Errorf("unmarshal cancel payload: %w", err)
	}
	return &p, nil
}

func validateSignal(mode string, sig *Signal) error {
	if sig == nil {
		metricsRecorder().RecordSignalFailed(mode, "unknown", "nil_signal")
		return fmt.Errorf("signal cannot be nil")
	}
	if sig.RunID == "" {
		metricsRecorder().RecordSignalFailed(mode, string(sig.Type), "empty_run_id")
		return fmt.Errorf("signal run_id cannot be empty")
	}
	return nil
}

// deliver hands sig to ch without blocking, dropping the oldest queued signal
// when the buffer is full.
func deliver(mode string, ch chan *Signal, sig *Signal) {
	select {
	case ch <- sig:
		metricsRecorder().RecordSignalReceived(mode, string(sig.Type))
		return
	default:
	}
	metricsRecorder().RecordSignalFailed(mode, string(sig.Type), "buffer_full_drop")
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- sig:
		metricsRecorder().RecordSignalReceived(mode, string(sig.Type))
	default:
		metricsRecorder().RecordSignalFailed(mode, string(sig.Type), "buffer_still_full")
	}
}
