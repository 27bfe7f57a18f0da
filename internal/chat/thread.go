// Package chat synchronizes the message thread between two patrons of a venue.
//
// A Thread holds the ordered log seen by one actor talking to one peer. Messages sent by the actor
// appear immediately as pending entries keyed by a client_ref nonce; the server confirmation, by
// call return or by INSERT event, replaces the entry in place.
package chat

import (
	"barmatch/internal/metrics"
	"barmatch/internal/realtime"
	"barmatch/internal/storage"
	"context"
	"errors"
	"fmt"
	"github.com/rs/xid"
	"go.uber.org/zap"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// MaxBodyLength is the longest accepted message body in characters
const MaxBodyLength = 2000

var (
	ErrEmptyBody      = errors.New("message body is empty")
	ErrBodyTooLong    = fmt.Errorf("message body exceeds %d characters", MaxBodyLength)
	ErrBodyTooLarge   = fmt.Errorf("message body exceeds %d bytes", storage.MaxBodyBytes)
	ErrAlreadyLiked   = errors.New("message is already liked")
	ErrUnknownMessage = errors.New("message is not in the thread")
	ErrNotFailed      = errors.New("message was not failed")
	ErrOwnMessage     = errors.New("only the receiver can like a message")
)

// Store is the remote side of a thread. storage.Repository implements it.
type Store interface {
	CreateMessage(ctx context.Context, m storage.Message) (storage.Message, error)
	LikeMessage(ctx context.Context, id int64) error
	MessagesBetween(ctx context.Context, venueID, a, b string) ([]storage.Message, error)
}

// Transport is implemented by *realtime.Adapter
type Transport interface {
	SubscribeRowChanges(ctx context.Context, filter realtime.RowFilter, h realtime.RowHandlers) (*realtime.Subscription, error)
}

// Message is a thread entry. Pending entries have no id yet.
type Message struct {
	storage.Message
	Pending bool `json:"pending"`
	Failed  bool `json:"failed"`
}

// Option alters Thread defaults
type Option interface {
	apply(*Thread)
}

type optionFunc func(t *Thread)

func (f optionFunc) apply(t *Thread) { f(t) }

// OnChange registers fn to receive the ordered messages after every effective change
func OnChange(fn func([]Message)) Option {
	return optionFunc(func(t *Thread) {
		t.onChange = fn
	})
}

// ClientRefs replaces the generator of client_ref nonces
func ClientRefs(fn func() string) Option {
	return optionFunc(func(t *Thread) {
		t.newRef = fn
	})
}

// Thread is safe for concurrent use
type Thread struct {
	logger    *zap.SugaredLogger
	venueID   string
	actor     string
	peer      string
	store     Store
	transport Transport
	onChange  func([]Message)
	newRef    func() string
	now       func() time.Time

	mu       sync.Mutex
	gen      uint64
	running  bool
	sub      *realtime.Subscription
	messages []*Message
}

// NewThread returns a stopped Thread of actor with peer at venueID
func NewThread(logger *zap.SugaredLogger, venueID, actor, peer string, store Store, transport Transport, opts ...Option) *Thread {
	t := &Thread{
		logger:    logger,
		venueID:   venueID,
		actor:     actor,
		peer:      peer,
		store:     store,
		transport: transport,
		newRef:    func() string { return xid.New().String() },
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt.apply(t)
	}
	return t
}

// Peer returns the other side of the thread
func (t *Thread) Peer() string {
	return t.peer
}

// Load merges the stored messages of the pair into the thread
func (t *Thread) Load(ctx context.Context) error {
	stored, err := t.store.MessagesBetween(ctx, t.venueID, t.actor, t.peer)
	if err != nil {
		return fmt.Errorf("loading thread: %w", err)
	}

	changed := false
	t.mu.Lock()
	for _, m := range stored {
		if t.mergeLocked(m) {
			changed = true
		}
	}
	t.mu.Unlock()

	t.logger.Debugf("Loaded %d messages between %s and %s", len(stored), t.actor, t.peer)
	if changed {
		t.notify()
	}
	return nil
}

// Start subscribes to message rows of the venue and loads the thread
func (t *Thread) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.gen++
	gen := t.gen
	t.running = true
	t.mu.Unlock()

	sub, err := t.transport.SubscribeRowChanges(ctx, realtime.RowFilter{
		Table:  storage.TableMessages,
		Column: "venue_id",
		Value:  t.venueID,
	}, realtime.RowHandlers{
		OnInsert:      func(r realtime.Row) { t.onRow(gen, realtime.Insert, r) },
		OnUpdate:      func(r, _ realtime.Row) { t.onRow(gen, realtime.Update, r) },
		OnResubscribe: func() { t.reload(gen) },
	})
	if err != nil {
		t.Stop()
		return err
	}

	t.mu.Lock()
	if !t.running || t.gen != gen {
		t.mu.Unlock()
		_ = sub.Close()
		return nil
	}
	t.sub = sub
	t.mu.Unlock()

	if err := t.Load(ctx); err != nil {
		t.Stop()
		return err
	}
	return nil
}

// Stop closes the subscription. It is safe to call more than once.
func (t *Thread) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	t.gen++
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
	}
}

func (t *Thread) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && t.gen == gen
}

func (t *Thread) reload(gen uint64) {
	if !t.current(gen) {
		return
	}
	if err := t.Load(context.Background()); err != nil {
		t.logger.Errorf("Reloading thread between %s and %s: %v", t.actor, t.peer, err)
	}
}

func (t *Thread) onRow(gen uint64, typ realtime.EventType, row realtime.Row) {
	if !t.current(gen) {
		return
	}

	m, err := storage.DecodeMessage(row)
	if err != nil {
		t.logger.Errorf("Ignoring undecodable %s of message at venue (id: %s): %v", typ, t.venueID, err)
		return
	}

	var changed bool
	switch typ {
	case realtime.Insert:
		changed = t.ApplyInsert(m)
	case realtime.Update:
		changed = t.ApplyUpdate(m)
	}
	if changed {
		t.notify()
	}
}

// ApplyInsert merges a confirmed message. It reports whether the thread changed.
func (t *Thread) ApplyInsert(m storage.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mergeLocked(m)
}

// ApplyUpdate takes the likes of a confirmed message. Lower values than the local one are stale
// replays and are ignored.
func (t *Thread) ApplyUpdate(m storage.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.inScope(m) {
		return false
	}
	local := t.findLocked(m.ID, "")
	if local == nil {
		// the insert was missed, e.g. while resubscribing
		return t.mergeLocked(m)
	}
	if m.Likes < local.Likes {
		metrics.ChatMerges.WithLabelValues("stale").Inc()
		return false
	}
	if m.Likes == local.Likes {
		return false
	}
	local.Likes = m.Likes
	metrics.ChatMerges.WithLabelValues("liked").Inc()
	return true
}

func (t *Thread) inScope(m storage.Message) bool {
	if m.VenueID != t.venueID {
		return false
	}
	return (m.SenderID == t.actor && m.ReceiverID == t.peer) ||
		(m.SenderID == t.peer && m.ReceiverID == t.actor)
}

// findLocked matches by id, or by client_ref among the actor's own entries
func (t *Thread) findLocked(id int64, clientRef string) *Message {
	for _, local := range t.messages {
		if id != 0 && local.ID == id {
			return local
		}
	}
	if clientRef == "" {
		return nil
	}
	for _, local := range t.messages {
		if local.SenderID == t.actor && local.ClientRef == clientRef {
			return local
		}
	}
	return nil
}

func (t *Thread) mergeLocked(m storage.Message) bool {
	if !t.inScope(m) || m.ID == 0 {
		return false
	}

	ref := ""
	if m.SenderID == t.actor {
		ref = m.ClientRef
	}
	local := t.findLocked(m.ID, ref)
	if local == nil {
		t.messages = append(t.messages, &Message{Message: m})
		t.sortLocked()
		metrics.ChatMerges.WithLabelValues("appended").Inc()
		return true
	}

	if local.ID == m.ID && !local.Pending && !local.Failed && local.Likes >= m.Likes && local.Body == m.Body {
		metrics.ChatMerges.WithLabelValues("duplicate").Inc()
		return false
	}

	likes := local.Likes
	if m.Likes > likes {
		likes = m.Likes
	}
	local.Message = m
	local.Likes = likes
	local.Pending = false
	local.Failed = false
	t.sortLocked()
	metrics.ChatMerges.WithLabelValues("confirmed").Inc()
	return true
}

// sortLocked orders by created_at, then id, then client_ref
func (t *Thread) sortLocked() {
	sort.SliceStable(t.messages, func(i, j int) bool {
		a, b := t.messages[i], t.messages[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.ClientRef < b.ClientRef
	})
}

// Messages returns a copy of the ordered thread
func (t *Thread) Messages() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Thread) snapshotLocked() []Message {
	res := make([]Message, 0, len(t.messages))
	for _, m := range t.messages {
		res = append(res, *m)
	}
	return res
}

func (t *Thread) notify() {
	if t.onChange != nil {
		t.onChange(t.Messages())
	}
}

// NormalizeBody trims body and checks its length in characters and in encoded bytes
func NormalizeBody(body string) (string, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return "", ErrEmptyBody
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return "", ErrBodyTooLong
	}
	if storage.EncodedLen(body) > storage.MaxBodyBytes {
		return "", ErrBodyTooLarge
	}
	return body, nil
}

// Send appends body as a pending message and writes it. A failed write leaves the entry marked
// failed for Retry and returns the error.
func (t *Thread) Send(ctx context.Context, body string) (Message, error) {
	body, err := NormalizeBody(body)
	if err != nil {
		return Message{}, err
	}

	local := &Message{
		Message: storage.Message{
			VenueID:    t.venueID,
			SenderID:   t.actor,
			ReceiverID: t.peer,
			Body:       body,
			ClientRef:  t.newRef(),
			CreatedAt:  t.now(),
		},
		Pending: true,
	}

	t.mu.Lock()
	t.messages = append(t.messages, local)
	t.sortLocked()
	t.mu.Unlock()
	t.notify()

	return t.write(ctx, local.ClientRef, local.Message)
}

// Retry resends a failed message
func (t *Thread) Retry(ctx context.Context, clientRef string) (Message, error) {
	t.mu.Lock()
	local := t.findLocked(0, clientRef)
	if local == nil {
		t.mu.Unlock()
		return Message{}, ErrUnknownMessage
	}
	if !local.Failed {
		t.mu.Unlock()
		return Message{}, ErrNotFailed
	}
	local.Failed = false
	local.Pending = true
	draft := local.Message
	t.mu.Unlock()
	t.notify()

	return t.write(ctx, clientRef, draft)
}

func (t *Thread) write(ctx context.Context, clientRef string, draft storage.Message) (Message, error) {
	draft.ID = 0
	draft.Likes = 0

	confirmed, err := t.store.CreateMessage(ctx, draft)
	if err != nil {
		t.mu.Lock()
		failed := Message{}
		if local := t.findLocked(0, clientRef); local != nil && local.Pending {
			local.Pending = false
			local.Failed = true
			failed = *local
		}
		t.mu.Unlock()
		t.notify()

		t.logger.Warnf("Sending message %s from %s to %s failed: %v", clientRef, t.actor, t.peer, err)
		return failed, fmt.Errorf("sending message: %w", err)
	}

	t.mu.Lock()
	changed := t.mergeLocked(confirmed)
	res := Message{Message: confirmed}
	if local := t.findLocked(confirmed.ID, ""); local != nil {
		res = *local
	}
	t.mu.Unlock()
	if changed {
		t.notify()
	}

	return res, nil
}

// Like sets likes of message id to one. A message already liked locally is rejected without a
// remote call.
func (t *Thread) Like(ctx context.Context, id int64) error {
	t.mu.Lock()
	local := t.findLocked(id, "")
	if local == nil || id == 0 {
		t.mu.Unlock()
		return ErrUnknownMessage
	}
	if local.ReceiverID != t.actor {
		t.mu.Unlock()
		return ErrOwnMessage
	}
	if local.Likes >= 1 {
		t.mu.Unlock()
		return ErrAlreadyLiked
	}
	local.Likes = 1
	t.mu.Unlock()
	t.notify()

	err := t.store.LikeMessage(ctx, id)
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrAlreadyLiked) {
		return ErrAlreadyLiked
	}

	t.mu.Lock()
	if local := t.findLocked(id, ""); local != nil {
		local.Likes = 0
	}
	t.mu.Unlock()
	t.notify()

	return fmt.Errorf("liking message: %w", err)
}
