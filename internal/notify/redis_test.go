package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"creator-job-engine/internal/models"
)

func TestChannelNaming(t *testing.T) {
	require.Equal(t, "jobs:user:u42", Channel("u42"))
}

func TestRedisPublisherDeliversToUserChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	sub := client.Subscribe(ctx, Channel("u1"))
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisPublisher(client)
	event := models.JobEvent{
		JobID:           "j1",
		UserID:          "u1",
		Type:            models.TypePlatformSync,
		Status:          models.StatusProcessing,
		ProgressPercent: 50,
		Timestamp:       time.Now().UTC(),
	}
	require.NoError(t, pub.Publish(ctx, event))

	select {
	case msg := <-sub.Channel():
		var got models.JobEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		require.Equal(t, "j1", got.JobID)
		require.Equal(t, models.StatusProcessing, got.Status)
		require.Equal(t, 50, got.ProgressPercent)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received on the user channel")
	}
}

func TestBusScopesEventsToSubscribedUser(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	alice, stopAlice := bus.Subscribe("alice")
	defer stopAlice()
	bob, stopBob := bus.Subscribe("bob")
	defer stopBob()

	require.NoError(t, bus.Publish(ctx, models.JobEvent{JobID: "j1", UserID: "alice", Status: models.StatusPending}))

	select {
	case ev := <-alice:
		require.Equal(t, "j1", ev.JobID)
	default:
		t.Fatal("alice's subscriber did not receive the event")
	}
	select {
	case ev := <-bob:
		t.Fatalf("bob received alice's event: %+v", ev)
	default:
	}
}

func TestBusUnsubscribeStopsDelivery(t *testing.T) {
	ctx := context.Background()
	bus := NewBus()

	ch, stop := bus.Subscribe("u1")
	stop()

	_, open := <-ch
	require.False(t, open, "unsubscribe must close the channel")
	require.NoError(t, bus.Publish(ctx, models.JobEvent{JobID: "j1", UserID: "u1"}))
}
