package realtime

import (
	"context"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"sync"
	"testing"
	"time"
)

func bootstrapRedisPresence(t *testing.T) (*RedisPresence, *miniredis.Miniredis) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisPresence(logger.Sugar(), client, "test", 30*time.Second), mr
}

func TestRedisPresenceTrackUntrack(t *testing.T) {
	rp, mr := bootstrapRedisPresence(t)
	ctx := context.Background()

	require.NoError(t, rp.Track(ctx, "venue:v1", "k1", Payload(`{"user_id":"a","online":true}`)))
	require.Equal(t, `{"user_id":"a","online":true}`, mr.HGet("test:presence:venue:v1", "k1"))

	require.NoError(t, rp.Untrack(ctx, "venue:v1", "k1"))
	require.Equal(t, "", mr.HGet("test:presence:venue:v1", "k1"))

	// untracking an unknown key is a no-op
	require.NoError(t, rp.Untrack(ctx, "venue:v1", "k1"))
}

func TestRedisPresenceRejectsInvalidPayload(t *testing.T) {
	rp, _ := bootstrapRedisPresence(t)
	require.Error(t, rp.Track(context.Background(), "venue:v1", "k1", Payload(`{online`)))
}

func TestRedisPresenceSubscribe(t *testing.T) {
	rp, _ := bootstrapRedisPresence(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, rp.Track(ctx, "venue:v1", "k0", Payload(`{"user_id":"z","online":true}`)))

	var (
		mu     sync.Mutex
		events []PresenceEvent
	)
	done, err := rp.SubscribePresence(ctx, "venue:v1", func(e PresenceEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})
	require.NoError(t, err)

	mu.Lock()
	require.Len(t, events, 1)
	require.Equal(t, PresenceSync, events[0].Kind)
	require.Len(t, events[0].State, 1)
	mu.Unlock()

	require.NoError(t, rp.Track(ctx, "venue:v1", "k1", Payload(`{"user_id":"a","online":false}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, PresenceJoin, events[1].Kind)
	require.Equal(t, "k1", events[1].Key)
	require.JSONEq(t, `{"user_id":"a","online":false}`, string(events[1].Payload))
	require.Equal(t, PresenceSync, events[2].Kind)
	require.Len(t, events[2].State, 2)
	mu.Unlock()

	cancel()
	select {
	case err, ok := <-done:
		require.False(t, ok, "unexpected error %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription did not end after cancel")
	}
}

func TestRedisPresenceDropsMembersWithExpiredLease(t *testing.T) {
	rp, mr := bootstrapRedisPresence(t)
	ctx := context.Background()

	require.NoError(t, rp.Track(ctx, "venue:v1", "k1", Payload(`{"user_id":"a","online":true}`)))
	require.True(t, mr.Exists("test:presence:venue:v1:lease:k1"))

	// k2 was tracked by a process that stopped renewing its leases
	mr.HSet("test:presence:venue:v1", "k2", `{"user_id":"b","online":true}`)
	require.NoError(t, mr.Set("test:presence:venue:v1:lease:k2", "1"))
	mr.SetTTL("test:presence:venue:v1:lease:k2", 30*time.Second)

	state, err := rp.Snapshot(ctx, "venue:v1")
	require.NoError(t, err)
	require.Len(t, state, 2)

	mr.FastForward(20 * time.Second)
	require.NoError(t, rp.renew(ctx))
	mr.FastForward(20 * time.Second)

	state, err = rp.Snapshot(ctx, "venue:v1")
	require.NoError(t, err)
	require.Equal(t, State{"k1": Payload(`{"user_id":"a","online":true}`)}, state)
	require.Equal(t, "", mr.HGet("test:presence:venue:v1", "k2"))
}

func TestRedisPresenceRenewTracksLapsedMemberAgain(t *testing.T) {
	rp, mr := bootstrapRedisPresence(t)
	ctx := context.Background()

	require.NoError(t, rp.Track(ctx, "venue:v1", "k1", Payload(`{"user_id":"a","online":true}`)))
	mr.FastForward(time.Minute)
	state, err := rp.Snapshot(ctx, "venue:v1")
	require.NoError(t, err)
	require.Empty(t, state)

	require.NoError(t, rp.renew(ctx))
	state, err = rp.Snapshot(ctx, "venue:v1")
	require.NoError(t, err)
	require.Len(t, state, 1)

	// untracked members are no longer renewed
	require.NoError(t, rp.Untrack(ctx, "venue:v1", "k1"))
	require.NoError(t, rp.renew(ctx))
	require.False(t, mr.Exists("test:presence:venue:v1:lease:k1"))
	require.Equal(t, "", mr.HGet("test:presence:venue:v1", "k1"))
}

func TestRedisPresenceRunStopsWithContext(t *testing.T) {
	rp, _ := bootstrapRedisPresence(t)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() { errCh <- rp.Run(ctx) }()
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}
