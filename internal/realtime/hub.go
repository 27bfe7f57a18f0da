package realtime

import (
	"context"
	"sync"
)

// Hub is an in-process RowSource and PresenceSource. It backs MemoryStore and single node deployments.
// Deliveries happen under the hub lock so every subscriber observes the same order; deliver funcs
// must not call back into the hub.
type Hub struct {
	mu           sync.Mutex
	nextID       uint64
	rowSubs      map[string]map[uint64]*hubSub
	presenceSubs map[string]map[uint64]*hubSub
	presence     map[string]State
}

type hubSub struct {
	rows     func(RowChange)
	presence func(PresenceEvent)
	done     chan error
}

// NewHub returns an empty Hub
func NewHub() *Hub {
	return &Hub{
		rowSubs:      make(map[string]map[uint64]*hubSub),
		presenceSubs: make(map[string]map[uint64]*hubSub),
		presence:     make(map[string]State),
	}
}

func (h *Hub) register(subs map[string]map[uint64]*hubSub, key string, sub *hubSub) uint64 {
	h.nextID++
	id := h.nextID
	if subs[key] == nil {
		subs[key] = make(map[uint64]*hubSub)
	}
	subs[key][id] = sub
	return id
}

// unregister closes sub.done unless the sub was already dropped
func (h *Hub) unregister(subs map[string]map[uint64]*hubSub, key string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := subs[key][id]
	if !ok {
		return
	}
	delete(subs[key], id)
	if len(subs[key]) == 0 {
		delete(subs, key)
	}
	close(sub.done)
}

// SubscribeRows implements RowSource
func (h *Hub) SubscribeRows(ctx context.Context, table string, deliver func(RowChange)) (<-chan error, error) {
	sub := &hubSub{rows: deliver, done: make(chan error, 1)}

	h.mu.Lock()
	id := h.register(h.rowSubs, table, sub)
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unregister(h.rowSubs, table, id)
	}()

	return sub.done, nil
}

// PublishRow delivers c to every subscriber of c.Table
func (h *Hub) PublishRow(c RowChange) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.rowSubs[c.Table] {
		sub.rows(c)
	}
}

// SubscribePresence implements PresenceSource
func (h *Hub) SubscribePresence(ctx context.Context, channel string, deliver func(PresenceEvent)) (<-chan error, error) {
	sub := &hubSub{presence: deliver, done: make(chan error, 1)}

	h.mu.Lock()
	id := h.register(h.presenceSubs, channel, sub)
	deliver(PresenceEvent{Kind: PresenceSync, State: h.presence[channel].Clone()})
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unregister(h.presenceSubs, channel, id)
	}()

	return sub.done, nil
}

// Track implements PresenceSource. A join and a sync are delivered to the channel.
func (h *Hub) Track(_ context.Context, channel, key string, payload Payload) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	state := h.presence[channel]
	if state == nil {
		state = make(State)
		h.presence[channel] = state
	}
	state[key] = append(Payload(nil), payload...)

	h.broadcastLocked(channel, PresenceEvent{Kind: PresenceJoin, Key: key, Payload: state[key]})
	return nil
}

// Untrack implements PresenceSource. A leave and a sync are delivered when key was tracked.
func (h *Hub) Untrack(_ context.Context, channel, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	payload, ok := h.presence[channel][key]
	if !ok {
		return nil
	}
	delete(h.presence[channel], key)
	if len(h.presence[channel]) == 0 {
		delete(h.presence, channel)
	}

	h.broadcastLocked(channel, PresenceEvent{Kind: PresenceLeave, Key: key, Payload: payload})
	return nil
}

func (h *Hub) broadcastLocked(channel string, e PresenceEvent) {
	for _, sub := range h.presenceSubs[channel] {
		sub.presence(e)
		sub.presence(PresenceEvent{Kind: PresenceSync, State: h.presence[channel].Clone()})
	}
}

// Drop ends every open subscription with err, as a lost connection would
func (h *Hub) Drop(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range []map[string]map[uint64]*hubSub{h.rowSubs, h.presenceSubs} {
		for key, byID := range subs {
			for id, sub := range byID {
				sub.done <- err
				close(sub.done)
				delete(byID, id)
			}
			delete(subs, key)
		}
	}
}

// Members returns a copy of the channel state
func (h *Hub) Members(channel string) State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presence[channel].Clone()
}

// Snapshot implements PresenceSource
func (h *Hub) Snapshot(_ context.Context, channel string) (State, error) {
	return h.Members(channel), nil
}
