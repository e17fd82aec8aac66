package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const modeRedis = "redis"

// DefaultRedisChannelPrefix prefixes the Pub/Sub channel of every run.
const DefaultRedisChannelPrefix = "ordersaga:signal:"

// RedisBus is a Bus on Redis Pub/Sub, so a cancel issued by one process reaches
// a run driven by another.
type RedisBus struct {
	client        redis.UniversalClient
	channelPrefix string
	bufferSize    int

	mu          sync.Mutex
	subscribers map[string]*redisSubscription
	closed      bool
}

type redisSubscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(client redis.UniversalClient, channelPrefix string, bufferSize int) *RedisBus {
	if channelPrefix == "" {
		channelPrefix = DefaultRedisChannelPrefix
	}
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &RedisBus{
		client:        client,
		channelPrefix: channelPrefix,
		bufferSize:    bufferSize,
		subscribers:   make(map[string]*redisSubscription),
	}
}

// Publish sends sig on the run's channel.
func (b *RedisBus) Publish(ctx context.Context, sig *Signal) error {
	if err := validateSignal(modeRedis, sig); err != nil {
		return err
	}

	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		metricsRecorder().RecordSignalFailed(modeRedis, string(sig.Type), "bus_closed")
		return fmt.Errorf("signal bus is closed")
	}

	data, err := json.Marshal(sig)
	if err != nil {
		metricsRecorder().RecordSignalFailed(modeRedis, string(sig.Type), "marshal_failed")
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := b.client.Publish(ctx, b.channelPrefix+sig.RunID, data).Err(); err != nil {
		metricsRecorder().RecordSignalFailed(modeRedis, string(sig.Type), "publish_failed")
		return fmt.Errorf("publish signal: %w", err)
	}
	metricsRecorder().RecordSignalSent(modeRedis, string(sig.Type))
	return nil
}

// Subscribe listens on the run's channel. It returns once Redis has confirmed the
// subscription, so signals published afterwards are not lost.
func (b *RedisBus) Subscribe(ctx context.Context, runID string) (<-chan *Signal, error) {
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

	pubsub := b.client.Subscribe(ctx, b.channelPrefix+runID)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe run %s: %w", runID, err)
	}

	ch := make(chan *Signal, b.bufferSize)
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub := &redisSubscription{cancel: cancel, done: make(chan struct{})}
	b.subscribers[runID] = sub

	go b.forwardMessages(subCtx, pubsub, ch, sub.done)
	return ch, nil
}

// forwardMessages owns ch and closes it when the subscription ends.
func (b *RedisBus) forwardMessages(ctx context.Context, pubsub *redis.PubSub, ch chan *Signal, done chan struct{}) {
	defer close(done)
	defer close(ch)
	defer func() {
		_ = pubsub.Close()
	}()

	redisCh := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-redisCh:
			if !ok {
				return
			}
			var sig Signal
			if err := json.Unmarshal([]byte(msg.Payload), &sig); err != nil {
				metricsRecorder().RecordSignalFailed(modeRedis, "unknown", "decode_failed")
				continue
			}
			deliver(modeRedis, ch, &sig)
		}
	}
}

// Unsubscribe stops the run's subscription and waits for its channel to close.
func (b *RedisBus) Unsubscribe(runID string) error {
	b.mu.Lock()
	sub, ok := b.subscribers[runID]
	delete(b.subscribers, runID)
	b.mu.Unlock()

	if !ok {
		return nil
	}
	sub.cancel()
	<-sub.done
	return nil
}

// Close stops every subscription. The Redis client stays open; its owner closes it.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = make(map[string]*redisSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.cancel()
		<-sub.done
	}
	return nil
}

// Healthy pings Redis.
func (b *RedisBus) Healthy() bool {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return false
	}
	return b.client.Ping(context.Background()).Err() == nil
}

var _ Bus = (*RedisBus)(nil)
