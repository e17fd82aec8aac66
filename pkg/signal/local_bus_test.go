package signal

import (
	"context"
	"testing"
	"time"
)

func TestLocalBus_PublishSubscribe(t *testing.T) {
	bus := NewLocalBus(16)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background(), "order-1")
	if err != nil {
		t.Fatal(err)
	}

	if err := SendCancel(context.Background(), bus, "order-1", "customer request", "cli"); err != nil {
		t.Fatal(err)
	}

	select {
	case sig := <-ch:
		if sig.Type != SignalCancel {
			t.Errorf("expected cancel signal, got %s", sig.Type)
		}
		if sig.RunID != "order-1" {
			t.Errorf("expected order-1, got %s", sig.RunID)
		}
		payload, err := ParseCancelPayload(sig)
		if err != nil {
			t.Fatal(err)
		}
		if payload.Reason != "customer request" || payload.RequestedBy != "cli" {
			t.Errorf("unexpected payload %+v", payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal")
	}
}

func TestLocalBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewLocalBus(16)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background(), "order-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Unsubscribe("order-1"); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed")
	}

	// Runs without a subscriber silently drop signals.
	if err := SendCancel(context.Background(), bus, "order-1", "", ""); err != nil {
		t.Fatalf("publish without subscriber: %v", err)
	}
}

func TestLocalBus_DuplicateSubscribe(t *testing.T) {
	bus := NewLocalBus(4)
	defer bus.Close()

	if _, err := bus.Subscribe(context.Background(), ""); err == nil {
		t.Fatal("expected empty run id to fail")
	}
	if _, err := bus.Subscribe(context.Background(), "order-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := bus.Subscribe(context.Background(), "order-1"); err == nil {
		t.Fatal("expected duplicate subscribe to fail")
	}
}

func TestLocalBus_BufferFullDropsOldest(t *testing.T) {
	bus := NewLocalBus(1)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background(), "order-1")
	if err != nil {
		t.Fatal(err)
	}
	for _, reason := range []string{"first", "second"} {
		if err := SendCancel(context.Background(), bus, "order-1", reason, ""); err != nil {
			t.Fatal(err)
		}
	}

	sig := <-ch
	payload, err := ParseCancelPayload(sig)
	if err != nil {
		t.Fatal(err)
	}
	if payload.Reason != "second" {
		t.Fatalf("expected newest signal to survive, got %q", payload.Reason)
	}
}

func TestLocalBus_Close(t *testing.T) {
	bus := NewLocalBus(4)
	ch, err := bus.Subscribe(context.Background(), "order-1")
	if err != nil {
		t.Fatal(err)
	}
	if !bus.Healthy() {
		t.Fatal("expected healthy bus")
	}
	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed by Close")
	}
	if bus.Healthy() {
		t.Fatal("expected closed bus to be unhealthy")
	}
	if err := SendCancel(context.Background(), bus, "order-1", "", ""); err == nil {
		t.Fatal("expected publish on closed bus to fail")
	}
	if _, err := bus.Subscribe(context.Background(), "order-2"); err == nil {
		t.Fatal("expected subscribe on closed bus to fail")
	}
}

func TestSendCancel_Validation(t *testing.T) {
	bus := NewLocalBus(4)
	defer bus.Close()

	if err := SendCancel(context.Background(), bus, "", "", ""); err == nil {
		t.Fatal("expected empty run id to fail")
	}
	if err := bus.Publish(context.Background(), nil); err == nil {
		t.Fatal("expected nil signal to fail")
	}
	if _, err := ParseCancelPayload(&Signal{Type: "other"}); err == nil {
		t.Fatal("expected non-cancel signal to be rejected")
	}
}
