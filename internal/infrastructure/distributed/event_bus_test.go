package distributed

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"tabcast/internal/core/domain"
	"tabcast/internal/testutil"
)

func TestEventBus_ForwardsRemoteEventsOnly(t *testing.T) {
	sink := &testutil.RecordingNotifier{}
	eb := NewEventBus(nil, "self", "", sink, zaptest.NewLogger(t).Sugar())

	own, err := json.Marshal(busMessage{InstanceID: "self", Event: domain.Event{Type: domain.EventSessionsChanged}})
	require.NoError(t, err)
	remote, err := json.Marshal(busMessage{InstanceID: "other", Event: domain.Event{Type: domain.EventConnectionStatus}})
	require.NoError(t, err)

	eb.handlePayload(context.Background(), string(own))
	eb.handlePayload(context.Background(), "{not json")
	eb.handlePayload(context.Background(), string(remote))

	events := sink.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventConnectionStatus, events[0].Type)
	assert.Equal(t, DefaultChannel, eb.channel)
}

// Runs against a live redis when TABCAST_TEST_REDIS is set, e.g. localhost:6379.
func TestEventBus_RoundTripThroughRedis(t *testing.T) {
	addr := os.Getenv("TABCAST_TEST_REDIS")
	if addr == "" {
		t.Skip("TABCAST_TEST_REDIS not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	channel := "tabcast:test:" + t.Name()
	sink := &testutil.RecordingNotifier{}
	receiver := NewEventBus(client, "receiver", channel, sink, zaptest.NewLogger(t).Sugar())
	sender := NewEventBus(client, "sender", channel, nil, zaptest.NewLogger(t).Sugar())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- receiver.Serve(ctx) }()

	assert.Eventually(t, func() bool {
		sender.Notify(context.Background(), domain.Event{Type: domain.EventSessionsChanged})
		return len(sink.OfType(domain.EventSessionsChanged)) > 0
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
