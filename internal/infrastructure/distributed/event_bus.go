package distributed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"tabcast/internal/core/domain"
	"tabcast/internal/core/ports"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "tabcast:events"

// busMessage is one published notification.
type busMessage struct {
	InstanceID string       `json:"instance_id"`
	Event      domain.Event `json:"event"`
}

// EventBus mirrors notifications across daemon instances through redis
// pub/sub. Locally raised events are published; events from other instances
// are handed to the sink.
type EventBus struct {
	client         redis.UniversalClient
	instanceID     string
	channel        string
	sink           ports.Notifier
	publishTimeout time.Duration
	logger         *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.Notifier = (*EventBus)(nil)

func NewEventBus(
	client redis.UniversalClient,
	instanceID string,
	channel string,
	sink ports.Notifier,
	logger *zap.SugaredLogger,
) *EventBus {
	if channel == "" {
		channel = DefaultChannel
	}
	return &EventBus{
		client:         client,
		instanceID:     instanceID,
		channel:        channel,
		sink:           sink,
		publishTimeout: 2 * time.Second,
		logger:         logger,
	}
}

// Notify publishes event. Failures are logged; local observers are not
// affected by a broken bus.
func (eb *EventBus) Notify(ctx context.Context, event domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), eb.publishTimeout)
	defer cancel()
	if err := eb.Publish(ctx, event); err != nil {
		eb.logger.Warnw("failed to publish event", "type", event.Type, "error", err)
	}
}

// Publish sends event to the channel.
func (eb *EventBus) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(busMessage{InstanceID: eb.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	eb.logger.Debugw("published event", "type", event.Type, "channel", eb.channel)
	return nil
}

// Serve subscribes and forwards remote events until ctx ends.
func (eb *EventBus) Serve(ctx context.Context) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		eb.pubsub = nil
		eb.mu.Unlock()
		pubsub.Close()
	}()

	// Confirm the subscription so a dead redis surfaces as an error.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", eb.channel, err)
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return fmt.Errorf("subscription to %s closed", eb.channel)
			}
			eb.handlePayload(ctx, msg.Payload)
		}
	}
}

func (eb *EventBus) handlePayload(ctx context.Context, payload string) {
	var msg busMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err, "payload", payload)
		return
	}
	// Skip events from this instance
	if msg.InstanceID == eb.instanceID {
		return
	}
	if eb.sink != nil {
		eb.sink.Notify(ctx, msg.Event)
	}
}

// Close ends an active subscription.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
