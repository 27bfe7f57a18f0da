package chat

import (
	"barmatch/internal/realtime"
	"barmatch/internal/storage"
	mytesting "barmatch/internal/testing"
	"context"
	"errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"strings"
	"sync"
	"testing"
	"time"
)

const venueID = "7a3c1f0e-8d1b-4c55-9f8e-0a6b2d9c4e11"

var base = time.Date(2026, 10, 16, 21, 0, 0, 0, time.UTC)

type fakeStore struct {
	mu        sync.Mutex
	nextID    int64
	createErr error
	likeErr   error
	creates   int
	likes     int
	stored    []storage.Message
	onCreate  func(storage.Message)
}

func (s *fakeStore) CreateMessage(_ context.Context, m storage.Message) (storage.Message, error) {
	s.mu.Lock()
	s.creates++
	if s.createErr != nil {
		err := s.createErr
		s.mu.Unlock()
		return storage.Message{}, err
	}
	s.nextID++
	m.ID = s.nextID
	m.CreatedAt = base.Add(time.Duration(m.ID) * time.Second)
	hook := s.onCreate
	s.mu.Unlock()

	if hook != nil {
		hook(m)
	}
	return m, nil
}

func (s *fakeStore) LikeMessage(_ context.Context, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.likes++
	return s.likeErr
}

func (s *fakeStore) MessagesBetween(_ context.Context, _, _, _ string) ([]storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Message(nil), s.stored...), nil
}

func newThread(t *testing.T, store Store, opts ...Option) *Thread {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	hub := realtime.NewHub()
	return NewThread(logger.Sugar(), venueID, "alice", "bob", store, realtime.NewAdapter(logger.Sugar(), hub, hub), opts...)
}

func remote(id int64, from, to string, at time.Time) storage.Message {
	return storage.Message{
		ID:         id,
		VenueID:    venueID,
		SenderID:   from,
		ReceiverID: to,
		Body:       "msg",
		CreatedAt:  at,
	}
}

func ids(messages []Message) []int64 {
	res := make([]int64, 0, len(messages))
	for _, m := range messages {
		res = append(res, m.ID)
	}
	return res
}

func TestSendReplacesOptimisticEntry(t *testing.T) {
	store := &fakeStore{}
	var seen [][]Message
	var mu sync.Mutex
	thread := newThread(t, store, ClientRefs(func() string { return "ref-1" }), OnChange(func(m []Message) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	}))

	sent, err := thread.Send(context.Background(), "  oi ")
	require.NoError(t, err)
	require.Equal(t, int64(1), sent.ID)
	require.Equal(t, "oi", sent.Body)
	require.False(t, sent.Pending)

	mu.Lock()
	require.Len(t, seen, 2)
	require.Len(t, seen[0], 1)
	require.True(t, seen[0][0].Pending)
	require.Equal(t, "ref-1", seen[0][0].ClientRef)
	mu.Unlock()

	confirmed := sent.Message
	require.False(t, thread.ApplyInsert(confirmed))

	messages := thread.Messages()
	require.Len(t, messages, 1)
	require.Equal(t, int64(1), messages[0].ID)
	require.Equal(t, "ref-1", messages[0].ClientRef)
	require.False(t, messages[0].Pending)
}

func TestInsertEventBeforeCallReturns(t *testing.T) {
	store := &fakeStore{}
	thread := newThread(t, store)
	store.onCreate = func(m storage.Message) {
		require.True(t, thread.ApplyInsert(m))
	}

	sent, err := thread.Send(context.Background(), "oi")
	require.NoError(t, err)
	require.Equal(t, int64(1), sent.ID)
	require.Equal(t, []int64{1}, ids(thread.Messages()))
}

func TestMergeIsOrderIndependent(t *testing.T) {
	var all []storage.Message
	for i := int64(1); i <= 20; i++ {
		from, to := "alice", "bob"
		if i%2 == 0 {
			from, to = to, from
		}
		// pairs share a timestamp so ties fall back to the id
		all = append(all, remote(i, from, to, base.Add(time.Duration(i/2)*time.Second)))
	}

	var want []int64
	for i := int64(1); i <= 20; i++ {
		want = append(want, i)
	}

	for seed := int64(1); seed <= 5; seed++ {
		thread := newThread(t, &fakeStore{})
		events := append(mytesting.Shuffle(all, seed), mytesting.Shuffle(all, seed+100)...)
		for _, m := range events {
			thread.ApplyInsert(m)
		}
		require.Equal(t, want, ids(thread.Messages()), "seed %d", seed)
	}

	thread := newThread(t, &fakeStore{})
	for _, m := range mytesting.Reverse(all) {
		thread.ApplyInsert(m)
	}
	require.Equal(t, want, ids(thread.Messages()))
}

func TestMergeWithOptimisticSends(t *testing.T) {
	store := &fakeStore{nextID: 100}
	var confirmed []storage.Message
	thread := newThread(t, store)
	store.onCreate = func(m storage.Message) { confirmed = append(confirmed, m) }

	for i := 0; i < 3; i++ {
		_, err := thread.Send(context.Background(), "hello")
		require.NoError(t, err)
	}

	events := append([]storage.Message{
		remote(1, "bob", "alice", base),
		remote(2, "bob", "alice", base.Add(500*time.Second)),
	}, confirmed...)
	for _, m := range mytesting.Shuffle(events, 3) {
		thread.ApplyInsert(m)
	}

	require.Equal(t, []int64{1, 101, 102, 103, 2}, ids(thread.Messages()))
}

func TestSecondLikeIsRejectedLocally(t *testing.T) {
	store := &fakeStore{}
	thread := newThread(t, store)
	require.True(t, thread.ApplyInsert(remote(1, "bob", "alice", base)))

	require.NoError(t, thread.Like(context.Background(), 1))
	require.Equal(t, ErrAlreadyLiked, thread.Like(context.Background(), 1))

	require.Equal(t, 1, store.likes)
	require.Equal(t, 1, thread.Messages()[0].Likes)
}

func TestRemoteAlreadyLikedKeepsLike(t *testing.T) {
	store := &fakeStore{likeErr: storage.ErrAlreadyLiked}
	thread := newThread(t, store)
	thread.ApplyInsert(remote(1, "bob", "alice", base))

	require.Equal(t, ErrAlreadyLiked, thread.Like(context.Background(), 1))
	require.Equal(t, 1, thread.Messages()[0].Likes)
}

func TestFailedLikeIsReverted(t *testing.T) {
	store := &fakeStore{likeErr: errors.New("connection refused")}
	thread := newThread(t, store)
	thread.ApplyInsert(remote(1, "bob", "alice", base))

	require.Error(t, thread.Like(context.Background(), 1))
	require.Equal(t, 0, thread.Messages()[0].Likes)

	require.Equal(t, ErrUnknownMessage, thread.Like(context.Background(), 42))
}

func TestOwnMessageCanNotBeLiked(t *testing.T) {
	store := &fakeStore{}
	thread := newThread(t, store)
	thread.ApplyInsert(remote(1, "alice", "bob", base))

	require.Equal(t, ErrOwnMessage, thread.Like(context.Background(), 1))
	require.Equal(t, 0, store.likes)
	require.Equal(t, 0, thread.Messages()[0].Likes)
}

func TestLikesNeverDecrement(t *testing.T) {
	thread := newThread(t, &fakeStore{})
	m := remote(1, "bob", "alice", base)
	thread.ApplyInsert(m)

	liked := m
	liked.Likes = 1
	require.True(t, thread.ApplyUpdate(liked))
	require.False(t, thread.ApplyUpdate(liked))
	require.False(t, thread.ApplyUpdate(m))
	require.False(t, thread.ApplyInsert(m))
	require.Equal(t, 1, thread.Messages()[0].Likes)
}

func TestUpdateOfUnknownMessageIsMerged(t *testing.T) {
	thread := newThread(t, &fakeStore{})
	m := remote(1, "bob", "alice", base)
	m.Likes = 1
	require.True(t, thread.ApplyUpdate(m))
	require.Equal(t, []int64{1}, ids(thread.Messages()))
}

func TestFailedSendCanBeRetried(t *testing.T) {
	store := &fakeStore{createErr: errors.New("connection refused")}
	thread := newThread(t, store, ClientRefs(func() string { return "ref-1" }))

	failed, err := thread.Send(context.Background(), "oi")
	require.Error(t, err)
	require.True(t, failed.Failed)
	require.Equal(t, "ref-1", failed.ClientRef)

	_, err = thread.Retry(context.Background(), "missing")
	require.Equal(t, ErrUnknownMessage, err)

	store.mu.Lock()
	store.createErr = nil
	store.mu.Unlock()

	sent, err := thread.Retry(context.Background(), "ref-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), sent.ID)

	messages := thread.Messages()
	require.Len(t, messages, 1)
	require.False(t, messages[0].Failed)
	require.False(t, messages[0].Pending)

	_, err = thread.Retry(context.Background(), "ref-1")
	require.Equal(t, ErrNotFailed, err)
}

func TestSendValidatesBody(t *testing.T) {
	store := &fakeStore{}
	thread := newThread(t, store)

	_, err := thread.Send(context.Background(), "   ")
	require.Equal(t, ErrEmptyBody, err)
	_, err = thread.Send(context.Background(), strings.Repeat("a", MaxBodyLength+1))
	require.Equal(t, ErrBodyTooLong, err)

	require.Equal(t, 0, store.creates)
	require.Empty(t, thread.Messages())
}

func TestNormalizeBodyFitsOneNotification(t *testing.T) {
	cases := []struct {
		body string
		err  error
	}{
		{strings.Repeat("🍺", 750), nil},
		{strings.Repeat("🍺", 751), ErrBodyTooLarge},
		{strings.Repeat("🍺", MaxBodyLength), ErrBodyTooLarge},
		{strings.Repeat(`"`, 1500), nil},
		{strings.Repeat(`"`, 1501), ErrBodyTooLarge},
		{"a" + strings.Repeat("\x01", 600) + "b", ErrBodyTooLarge},
	}
	for _, c := range cases {
		_, err := NormalizeBody(c.body)
		require.Equal(t, c.err, err, "%d bytes", len(c.body))
	}
}

func TestOtherPairsAreIgnored(t *testing.T) {
	thread := newThread(t, &fakeStore{})
	require.False(t, thread.ApplyInsert(remote(1, "bob", "carol", base)))
	require.False(t, thread.ApplyInsert(remote(2, "alice", "carol", base)))

	other := remote(3, "bob", "alice", base)
	other.VenueID = "another"
	require.False(t, thread.ApplyInsert(other))
	require.Empty(t, thread.Messages())
}

func TestThreadsFollowStore(t *testing.T) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	hub := realtime.NewHub()
	adapter := realtime.NewAdapter(logger.Sugar(), hub, hub)
	store := storage.NewMemoryStore(hub)

	venue, err := store.CreateVenue(context.Background(), storage.Venue{Name: "Bar do Zé"})
	require.NoError(t, err)

	_, err = store.CreateMessage(context.Background(), storage.Message{VenueID: venue.ID, SenderID: "bob", ReceiverID: "alice", Body: "oi"})
	require.NoError(t, err)

	alice := NewThread(logger.Sugar(), venue.ID, "alice", "bob", store, adapter)
	bob := NewThread(logger.Sugar(), venue.ID, "bob", "alice", store, adapter)
	require.NoError(t, alice.Start(context.Background()))
	defer alice.Stop()
	require.NoError(t, bob.Start(context.Background()))
	defer bob.Stop()

	require.Len(t, alice.Messages(), 1)

	sent, err := alice.Send(context.Background(), "tudo bem?")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(bob.Messages()) == 2 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bob.Like(context.Background(), sent.ID))

	require.Eventually(t, func() bool {
		for _, m := range alice.Messages() {
			if m.ID == sent.ID {
				return m.Likes == 1
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	require.Len(t, alice.Messages(), 2)

	alice.Stop()
	alice.Stop()
}
