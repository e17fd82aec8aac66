package signal

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newMiniRedisClient(t *testing.T) (*miniredis.Miniredis, redis.UniversalClient) {
	t.Helper()

	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return server, client
}

func TestRedisBus_PublishSubscribeAcrossBuses(t *testing.T) {
	_, client := newMiniRedisClient(t)

	pubBus := NewRedisBus(client, "ordersaga:test:", 16)
	defer pubBus.Close()
	subBus := NewRedisBus(client, "ordersaga:test:", 16)
	defer subBus.Close()

	ch, err := subBus.Subscribe(context.Background(), "order-1")
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if err := SendCancel(context.Background(), pubBus, "order-1", "remote", "node-b"); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	select {
	case got := <-ch:
		if got == nil || got.Type != SignalCancel {
			t.Fatalf("expected cancel signal, got %+v", got)
		}
		if got.RunID != "order-1" {
			t.Fatalf("run id = %s", got.RunID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for redis signal")
	}
}

func TestRedisBus_UnsubscribeClosesChannel(t *testing.T) {
	_, client := newMiniRedisClient(t)
	bus := NewRedisBus(client, "", 4)
	defer bus.Close()

	ch, err := bus.Subscribe(context.Background(), "order-1")
	if err != nil {
		t.Fatal(err)
	}
	if err := bus.Unsubscribe("order-1"); err != nil {
		t.Fatal(err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel was not closed")
	}
	if err := bus.Unsubscribe("order-unknown"); err != nil {
		t.Fatalf("unsubscribe unknown run: %v", err)
	}
}

func TestRedisBus_SubscribeValidationAndDuplicate(t *testing.T) {
	_, client := newMiniRedisClient(t)
	bus := NewRedisBus(client, "", 8)

	if _, err := bus.Subscribe(context.Background(), ""); err == nil {
		t.Fatal("expected subscribe with empty run id to fail")
	}
	if _, err := bus.Subscribe(context.Background(), "order-dup"); err != nil {
		t.Fatalf("first subscribe failed: %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "order-dup"); err == nil {
		t.Fatal("expected duplicate subscribe to fail")
	}

	if err := bus.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if _, err := bus.Subscribe(context.Background(), "order-after-close"); err == nil {
		t.Fatal("expected subscribe on closed bus to fail")
	}
}

func TestRedisBus_HealthyAndClosed(t *testing.T) {
	server, client := newMiniRedisClient(t)
	bus := NewRedisBus(client, "", 8)

	if !bus.Healthy() {
		t.Fatal("expected redis bus to be healthy")
	}
	server.Close()
	if bus.Healthy() {
		t.Fatal("expected bus to be unhealthy once redis is gone")
	}

	if err := bus.Close(); err != nil {
		t.Fatal(err)
	}
	err := SendCancel(context.Background(), bus, "order-1", "", "")
	if err == nil || !strings.Contains(err.Error(), "closed") {
		t.Fatalf("expected closed error, got %v", err)
	}
}
