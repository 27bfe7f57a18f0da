package session

import (
	"context"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"testing"
	"time"
)

func TestRedisBindings(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisBindings(client, "test", time.Hour)
	ctx := context.Background()

	b := Binding{Token: "tok", VenueID: "v1", TableLabel: "5", ProfileID: "p1", CreatedAt: time.Date(2026, 10, 16, 21, 0, 0, 0, time.UTC)}
	require.NoError(t, store.Save(ctx, b))
	require.True(t, mr.Exists("test:session:tok"))

	got, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, b, got)

	require.NoError(t, store.Delete(ctx, "tok"))
	require.NoError(t, store.Delete(ctx, "tok"))
	_, err = store.Get(ctx, "tok")
	require.Equal(t, ErrBindingNotFound, err)
}

func TestRedisBindingsExpire(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisBindings(client, "", time.Hour)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, Binding{Token: "tok", ProfileID: "p1"}))
	mr.FastForward(30 * time.Minute)
	require.NoError(t, store.Save(ctx, Binding{Token: "tok", ProfileID: "p1"}))
	mr.FastForward(45 * time.Minute)

	_, err := store.Get(ctx, "tok")
	require.NoError(t, err)

	mr.FastForward(time.Hour)
	_, err = store.Get(ctx, "tok")
	require.Equal(t, ErrBindingNotFound, err)
}

func TestMemoryBindings(t *testing.T) {
	store := NewMemoryBindings()
	ctx := context.Background()

	_, err := store.Get(ctx, "tok")
	require.Equal(t, ErrBindingNotFound, err)

	require.NoError(t, store.Save(ctx, Binding{Token: "tok", ProfileID: "p1"}))
	got, err := store.Get(ctx, "tok")
	require.NoError(t, err)
	require.Equal(t, "p1", got.ProfileID)

	require.NoError(t, store.Delete(ctx, "tok"))
	_, err = store.Get(ctx, "tok")
	require.Equal(t, ErrBindingNotFound, err)
}
