// Package presence reconciles who is online at a venue.
//
// An Engine merges three inputs into one directory: the venue's profile row changes, its presence
// channel and reloads of the stored profile list. Nothing downgrades a profile to offline except
// explicit evidence: a presence payload with online:false, a row carrying offline_since, or a
// delete under the OfflineOnDelete policy. Absent presence never does.
package presence

import (
	"barmatch/internal/directory"
	"barmatch/internal/metrics"
	"barmatch/internal/realtime"
	"barmatch/internal/storage"
	"context"
	"go.uber.org/zap"
	"sync"
)

// Transport is implemented by *realtime.Adapter
type Transport interface {
	SubscribeRowChanges(ctx context.Context, filter realtime.RowFilter, h realtime.RowHandlers) (*realtime.Subscription, error)
	SubscribePresence(ctx context.Context, channel string, h realtime.PresenceHandlers) (*realtime.PresenceChannel, error)
}

// Option alters Engine defaults
type Option interface {
	apply(*Engine)
}

type optionFunc func(e *Engine)

func (f optionFunc) apply(e *Engine) { f(e) }

// OnChange registers fn to receive the directory snapshot after every effective change.
// fn runs on a dispatcher goroutine and must not block for long.
func OnChange(fn func([]directory.Profile)) Option {
	return optionFunc(func(e *Engine) {
		e.onChange = fn
	})
}

// WithDeletePolicy sets what a deleted profile row does, RemoveOnDelete by default
func WithDeletePolicy(p directory.DeletePolicy) Option {
	return optionFunc(func(e *Engine) {
		e.policy = p
	})
}

// Engine is the presence state machine of one venue
type Engine struct {
	logger    *zap.SugaredLogger
	venueID   string
	transport Transport
	loader    directory.Loader
	policy    directory.DeletePolicy
	onChange  func([]directory.Profile)
	dir       *directory.Directory

	mu        sync.Mutex
	gen       uint64
	running   bool
	rows      *realtime.Subscription
	channel   *realtime.PresenceChannel
	lastState realtime.State
}

// NewEngine returns a stopped Engine of venueID
func NewEngine(logger *zap.SugaredLogger, venueID string, transport Transport, loader directory.Loader, opts ...Option) *Engine {
	e := &Engine{
		logger:    logger,
		venueID:   venueID,
		transport: transport,
		loader:    loader,
	}
	for _, opt := range opts {
		opt.apply(e)
	}
	e.dir = directory.New(venueID, e.policy)
	return e
}

// Start subscribes to the venue's profile rows and presence channel, then loads stored profiles.
// Subscribing first means no change committed after the load can be missed.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	e.gen++
	gen := e.gen
	e.running = true
	e.mu.Unlock()

	rows, err := e.transport.SubscribeRowChanges(ctx, realtime.RowFilter{
		Table:  storage.TableProfiles,
		Column: "venue_id",
		Value:  e.venueID,
	}, realtime.RowHandlers{
		OnInsert:      func(r realtime.Row) { e.onRow(gen, realtime.Insert, r) },
		OnUpdate:      func(r, _ realtime.Row) { e.onRow(gen, realtime.Update, r) },
		OnDelete:      func(r realtime.Row) { e.onRow(gen, realtime.Delete, r) },
		OnResubscribe: func() { e.reload(gen) },
	})
	if err != nil {
		e.Stop()
		return err
	}

	channel, err := e.transport.SubscribePresence(ctx, Channel(e.venueID), realtime.PresenceHandlers{
		OnSync: func(s realtime.State) { e.onSync(gen, s) },
		OnJoin: func(_ string, p realtime.Payload) { e.onJoin(gen, p) },
	})
	if err != nil {
		_ = rows.Close()
		e.Stop()
		return err
	}

	e.mu.Lock()
	if !e.running || e.gen != gen {
		e.mu.Unlock()
		_ = rows.Close()
		_ = channel.Close()
		return nil
	}
	e.rows = rows
	e.channel = channel
	e.mu.Unlock()

	if _, err := e.dir.LoadAll(ctx, e.loader); err != nil {
		e.Stop()
		return err
	}
	e.reapplyPresence(gen)

	e.logger.Debugf("Presence engine of venue (id: %s) started with %d profiles", e.venueID, e.dir.Len())
	e.notify()

	return nil
}

// Stop closes subscriptions. Callbacks already queued are discarded. It is safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.gen++
	rows, channel := e.rows, e.channel
	e.rows, e.channel = nil, nil
	e.mu.Unlock()

	if rows != nil {
		_ = rows.Close()
	}
	if channel != nil {
		_ = channel.Close()
	}
}

// current is the staleness guard of callbacks bound to gen
func (e *Engine) current(gen uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running && e.gen == gen
}

// Snapshot returns the reconciled profile list
func (e *Engine) Snapshot() []directory.Profile {
	return e.dir.Snapshot()
}

// Directory exposes the reconciled directory for reads
func (e *Engine) Directory() *directory.Directory {
	return e.dir
}

func (e *Engine) notify() {
	if e.onChange != nil {
		e.onChange(e.dir.Snapshot())
	}
}

func (e *Engine) onRow(gen uint64, typ realtime.EventType, row realtime.Row) {
	if !e.current(gen) {
		return
	}
	if e.applyRow(typ, row) {
		e.notify()
	}
}

func (e *Engine) applyRow(typ realtime.EventType, row realtime.Row) bool {
	p, err := storage.DecodeProfile(row)
	if err != nil {
		e.logger.Errorf("Ignoring undecodable %s of profile at venue (id: %s): %v", typ, e.venueID, err)
		return false
	}

	switch typ {
	case realtime.Insert, realtime.Update:
		before, known := e.dir.Get(p.ID)
		changed := e.dir.UpsertFromRemote(p)
		if !changed {
			e.logger.Debugf("Profile %s of profile (id: %s) changed nothing", typ, p.ID)
			return false
		}
		after, _ := e.dir.Get(p.ID)
		if !known || before.Online != after.Online {
			countTransition(after.Online, "row")
		}
		return true
	case realtime.Delete:
		return e.dir.RemoveOrMarkOffline(p)
	}
	return false
}

// onSync applies a full membership snapshot: per profile, any online:false payload sets it offline,
// otherwise any online:true payload sets it online, otherwise it stays as it is
func (e *Engine) onSync(gen uint64, state realtime.State) {
	if !e.current(gen) {
		return
	}
	e.mu.Lock()
	e.lastState = state
	e.mu.Unlock()

	if e.applySync(state) {
		e.notify()
	}
}

func (e *Engine) applySync(state realtime.State) bool {
	verdicts := make(map[string]bool)
	for key, raw := range state {
		ev, err := decodeEvidence(raw)
		if err != nil {
			e.logger.Warnf("Ignoring presence member %s at venue (id: %s): %v", key, e.venueID, err)
			continue
		}
		if ev.online == nil {
			continue
		}
		online, seen := verdicts[ev.userID]
		if !seen {
			verdicts[ev.userID] = *ev.online
			continue
		}
		verdicts[ev.userID] = online && *ev.online
	}

	changed := false
	for id, online := range verdicts {
		if e.dir.ApplyPresence(id, online) {
			countTransition(online, "sync")
			changed = true
		}
	}
	return changed
}

// onJoin applies a single member's payload without waiting for the next sync
func (e *Engine) onJoin(gen uint64, payload realtime.Payload) {
	if !e.current(gen) {
		return
	}

	ev, err := decodeEvidence(payload)
	if err != nil {
		e.logger.Warnf("Ignoring presence join at venue (id: %s): %v", e.venueID, err)
		return
	}
	if ev.online == nil {
		return
	}
	if e.dir.ApplyPresence(ev.userID, *ev.online) {
		countTransition(*ev.online, "join")
		e.notify()
	}
}

// reload merges the stored profile list after the row feed was re-established
func (e *Engine) reload(gen uint64) {
	if !e.current(gen) {
		return
	}

	if _, err := e.dir.LoadAll(context.Background(), e.loader); err != nil {
		e.logger.Errorf("Reloading profiles of venue (id: %s): %v", e.venueID, err)
		return
	}
	e.reapplyPresence(gen)
	e.notify()
}

// reapplyPresence replays the last sync over profiles that arrived after it
func (e *Engine) reapplyPresence(gen uint64) {
	e.mu.Lock()
	state := e.lastState
	ok := e.running && e.gen == gen
	e.mu.Unlock()
	if ok && state != nil {
		e.applySync(state)
	}
}

func countTransition(online bool, cause string) {
	to := "offline"
	if online {
		to = "online"
	}
	metrics.PresenceTransitions.WithLabelValues(to, cause).Inc()
}
