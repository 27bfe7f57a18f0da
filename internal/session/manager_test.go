package session

import (
	"barmatch/internal/presence"
	"barmatch/internal/realtime"
	"barmatch/internal/storage"
	mytesting "barmatch/internal/testing"
	"context"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"strings"
	"sync"
	"testing"
	"time"
)

type fixture struct {
	logger   *zap.SugaredLogger
	hub      *realtime.Hub
	adapter  *realtime.Adapter
	store    *storage.MemoryStore
	bindings *MemoryBindings
	manager  *Manager
	venue    storage.Venue
}

func bootstrap(t *testing.T) *fixture {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	f := &fixture{logger: logger.Sugar(), hub: realtime.NewHub(), bindings: NewMemoryBindings()}
	f.adapter = realtime.NewAdapter(f.logger, f.hub, f.hub)
	f.store = storage.NewMemoryStore(f.hub)
	f.manager = NewManager(f.logger, f.store, f.adapter, f.bindings)

	f.venue, err = f.store.CreateVenue(context.Background(), storage.Venue{Name: "Bar do Zé"})
	require.NoError(t, err)
	return f
}

func (f *fixture) request(name, phone string) JoinRequest {
	return JoinRequest{
		VenueRef:   "https://barmatch.app/join?bar=" + f.venue.ID,
		Name:       name,
		Phone:      phone,
		TableLabel: "5",
	}
}

func (f *fixture) engine(t *testing.T) *presence.Engine {
	e := presence.NewEngine(f.logger, f.venue.ID, f.adapter, f.store)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(e.Stop)
	return e
}

func TestJoinValidation(t *testing.T) {
	f := bootstrap(t)

	long := "https://cdn.barmatch.app/" + string(make([]byte, MaxPhotoURLLength))
	cases := map[string]JoinRequest{
		"no name":    {VenueRef: f.venue.ID, TableLabel: "5"},
		"no table":   {VenueRef: f.venue.ID, Name: "Ana", TableLabel: "  "},
		"no venue":   {Name: "Ana", TableLabel: "5"},
		"interest":   {VenueRef: f.venue.ID, Name: "Ana", TableLabel: "5", Interest: "both"},
		"phone":      {VenueRef: f.venue.ID, Name: "Ana", TableLabel: "5", Phone: "123"},
		"data uri":   {VenueRef: f.venue.ID, Name: "Ana", TableLabel: "5", PhotoURL: "data:image/png;base64,AAAA"},
		"long photo": {VenueRef: f.venue.ID, Name: "Ana", TableLabel: "5", PhotoURL: long},
		"long name":  {VenueRef: f.venue.ID, Name: strings.Repeat("é", 129), TableLabel: "5"},
		"long table": {VenueRef: f.venue.ID, Name: "Ana", TableLabel: strings.Repeat(`"`, 33)},
	}
	for name, req := range cases {
		_, err := f.manager.Join(context.Background(), req)
		require.True(t, IsValidation(err), "%s: %v", name, err)
	}

	profiles, err := f.store.ProfilesByVenue(context.Background(), f.venue.ID)
	require.NoError(t, err)
	require.Empty(t, profiles)
}

func TestJoinAcceptsFieldsAtTheirLimit(t *testing.T) {
	f := bootstrap(t)

	req := f.request(strings.Repeat("é", storage.MaxNameBytes/2), "")
	req.TableLabel = strings.Repeat("a", storage.MaxTableBytes)
	c, err := f.manager.Join(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, req.TableLabel, c.TableLabel())
}

func TestJoinUnknownVenue(t *testing.T) {
	f := bootstrap(t)

	req := f.request("Ana", "")
	req.VenueRef = mytesting.NewID()
	_, err := f.manager.Join(context.Background(), req)
	require.Equal(t, ErrVenueNotFound, err)
	require.False(t, IsValidation(err))
}

func TestJoinTracksPresence(t *testing.T) {
	f := bootstrap(t)

	c, err := f.manager.Join(context.Background(), f.request("Ana", ""))
	require.NoError(t, err)
	require.Equal(t, f.venue.ID, c.VenueID())
	require.Equal(t, "5", c.TableLabel())
	require.Equal(t, storage.InterestAll, c.Profile().Interest)

	members := f.hub.Members(presence.Channel(f.venue.ID))
	require.Len(t, members, 1)
	for _, payload := range members {
		require.Contains(t, string(payload), `"user_id":"`+c.ProfileID()+`"`)
		require.Contains(t, string(payload), `"online":true`)
	}

	b, err := f.bindings.Get(context.Background(), c.Token())
	require.NoError(t, err)
	require.Equal(t, c.ProfileID(), b.ProfileID)
}

func TestRejoinWithSamePhoneKeepsIdentity(t *testing.T) {
	f := bootstrap(t)
	e := f.engine(t)

	first, err := f.manager.Join(context.Background(), f.request("Ana", "+5511900000000"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return len(s) == 1 && s[0].Online && s[0].ID == first.ProfileID()
	}, time.Second, 5*time.Millisecond)

	// page reload: the first session is gone without a goodbye
	second, err := f.manager.Join(context.Background(), f.request("Ana", "+55 11 90000-0000"))
	require.NoError(t, err)
	require.Equal(t, first.ProfileID(), second.ProfileID())
	require.NotEqual(t, first.Token(), second.Token())

	time.Sleep(20 * time.Millisecond)
	s := e.Snapshot()
	require.Len(t, s, 1)
	require.Equal(t, first.ProfileID(), s[0].ID)
	require.True(t, s[0].Online)

	profiles, err := f.store.ProfilesByVenue(context.Background(), f.venue.ID)
	require.NoError(t, err)
	require.Len(t, profiles, 1)
}

func TestDisconnectAndResume(t *testing.T) {
	f := bootstrap(t)
	e := f.engine(t)
	ctx := context.Background()

	c, err := f.manager.Join(ctx, f.request("Ana", ""))
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Disconnect(ctx))
	require.True(t, c.Ended())

	p, err := f.store.ProfileByID(ctx, c.ProfileID())
	require.NoError(t, err)
	require.NotNil(t, p.OfflineSince)
	require.Empty(t, f.hub.Members(presence.Channel(f.venue.ID)))

	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return len(s) == 1 && !s[0].Online
	}, time.Second, 5*time.Millisecond)

	resumed, err := f.manager.Resume(ctx, c.Token())
	require.NoError(t, err)
	require.Equal(t, c.ProfileID(), resumed.ProfileID())

	p, err = f.store.ProfileByID(ctx, c.ProfileID())
	require.NoError(t, err)
	require.Nil(t, p.OfflineSince)
	require.Len(t, f.hub.Members(presence.Channel(f.venue.ID)), 1)

	require.Eventually(t, func() bool {
		s := e.Snapshot()
		return len(s) == 1 && s[0].Online
	}, time.Second, 5*time.Millisecond)
}

func TestReleaseHandsOverToResumedContext(t *testing.T) {
	f := bootstrap(t)
	ctx := context.Background()

	old, err := f.manager.Join(ctx, f.request("Ana", ""))
	require.NoError(t, err)
	resumed, err := f.manager.Resume(ctx, old.Token())
	require.NoError(t, err)
	require.Len(t, f.hub.Members(presence.Channel(f.venue.ID)), 2)

	old.Release()
	old.Release()
	require.True(t, old.Ended())
	require.ErrorIs(t, old.Leave(ctx), ErrSessionEnded)

	members := f.hub.Members(presence.Channel(f.venue.ID))
	require.Len(t, members, 1)
	_, ok := members[resumed.channel.Key()]
	require.True(t, ok)

	p, err := f.store.ProfileByID(ctx, old.ProfileID())
	require.NoError(t, err)
	require.Nil(t, p.OfflineSince)
}

func TestLeave(t *testing.T) {
	f := bootstrap(t)
	e := f.engine(t)
	ctx := context.Background()

	c, err := f.manager.Join(ctx, f.request("Ana", ""))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(e.Snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Leave(ctx))
	require.Equal(t, ErrSessionEnded, c.Leave(ctx))
	require.NoError(t, c.Disconnect(ctx))

	_, err = f.store.ProfileByID(ctx, c.ProfileID())
	require.Equal(t, storage.ErrProfileNotExist, err)
	_, err = f.bindings.Get(ctx, c.Token())
	require.Equal(t, ErrBindingNotFound, err)
	require.Empty(t, f.hub.Members(presence.Channel(f.venue.ID)))

	_, err = f.manager.Resume(ctx, c.Token())
	require.Equal(t, ErrSessionNotFound, err)

	require.Eventually(t, func() bool { return len(e.Snapshot()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestLeaveAnnouncesOfflineBeforeDelete(t *testing.T) {
	f := bootstrap(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(e string) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	c, err := f.manager.Join(ctx, f.request("Ana", ""))
	require.NoError(t, err)

	_, err = f.hub.SubscribeRows(ctx, storage.TableProfiles, func(rc realtime.RowChange) {
		record("row:" + string(rc.Type))
	})
	require.NoError(t, err)
	_, err = f.hub.SubscribePresence(ctx, presence.Channel(f.venue.ID), func(pe realtime.PresenceEvent) {
		if pe.Kind == realtime.PresenceJoin {
			record("join:" + string(pe.Payload))
		}
		if pe.Kind == realtime.PresenceLeave {
			record("leave")
		}
	})
	require.NoError(t, err)

	require.NoError(t, f.manager.Leave(ctx, c.Token()))
	require.Equal(t, ErrSessionNotFound, f.manager.Leave(ctx, c.Token()))

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(events), 3)
	require.Contains(t, events[0], `"online":false`)
	require.Equal(t, "row:DELETE", events[1])
	require.Equal(t, "leave", events[2])
}

func TestReapedSessionCannotResume(t *testing.T) {
	f := bootstrap(t)
	ctx := context.Background()

	c, err := f.manager.Join(ctx, f.request("Ana", ""))
	require.NoError(t, err)
	stays, err := f.manager.Join(ctx, f.request("Bia", ""))
	require.NoError(t, err)
	require.NoError(t, c.Disconnect(ctx))

	reaper := NewReaper(f.logger, f.store, Config{OfflineGrace: 10 * time.Minute, ReapInterval: time.Minute})
	n, err := reaper.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)

	reaper.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = reaper.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	_, err = f.manager.Resume(ctx, c.Token())
	require.Equal(t, ErrSessionNotFound, err)
	_, err = f.bindings.Get(ctx, c.Token())
	require.Equal(t, ErrBindingNotFound, err)

	_, err = f.store.ProfileByID(ctx, stays.ProfileID())
	require.NoError(t, err)
}

func TestReaperRunStopsWithContext(t *testing.T) {
	f := bootstrap(t)
	reaper := NewReaper(f.logger, f.store, Config{OfflineGrace: time.Minute, ReapInterval: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reaper.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}

func TestReaperMarksAbandonedProfilesOffline(t *testing.T) {
	f := bootstrap(t)
	ctx := context.Background()

	live, err := f.manager.Join(ctx, f.request("Ana", ""))
	require.NoError(t, err)
	// a profile whose server died before it could disconnect: the row is online, nothing tracks it
	ghost, err := f.store.UpsertProfile(ctx, storage.Profile{
		ID:         "ghost",
		VenueID:    f.venue.ID,
		Name:       "Gil",
		Interest:   storage.InterestAll,
		TableLabel: "9",
	})
	require.NoError(t, err)
	e := f.engine(t)

	reaper := NewReaper(f.logger, f.store, Config{OfflineGrace: 10 * time.Minute, ReapInterval: time.Minute},
		DetectAbandoned(f.store, f.adapter))

	_, err = reaper.Reap(ctx)
	require.NoError(t, err)
	p, err := f.store.ProfileByID(ctx, ghost.ID)
	require.NoError(t, err)
	require.Nil(t, p.OfflineSince, "one pass without presence is not enough")

	_, err = reaper.Reap(ctx)
	require.NoError(t, err)
	p, err = f.store.ProfileByID(ctx, ghost.ID)
	require.NoError(t, err)
	require.NotNil(t, p.OfflineSince)

	p, err = f.store.ProfileByID(ctx, live.ProfileID())
	require.NoError(t, err)
	require.Nil(t, p.OfflineSince)

	require.Eventually(t, func() bool {
		got, ok := e.Directory().Get(ghost.ID)
		return ok && !got.Online
	}, time.Second, 5*time.Millisecond)

	reaper.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err := reaper.Reap(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
