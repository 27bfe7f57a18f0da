package realtime

import (
	"barmatch/internal/metrics"
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"sync"
	"sync/atomic"
	"time"
)

var ErrClosed = errors.New("subscription is closed")

// Option alters Adapter defaults
type Option interface {
	apply(*Adapter)
}

type optionFunc func(a *Adapter)

func (f optionFunc) apply(a *Adapter) { f(a) }

// Backoff sets the first and the maximal delay between resubscription attempts
func Backoff(initial, max time.Duration) Option {
	return optionFunc(func(a *Adapter) {
		a.backoff = initial
		a.maxBackoff = max
	})
}

// QueueSize sets the per-subscription buffer. A full buffer blocks the source.
func QueueSize(n int) Option {
	return optionFunc(func(a *Adapter) {
		a.queueSize = n
	})
}

// Adapter binds a RowSource and a PresenceSource into subscriptions with handlers
type Adapter struct {
	logger     *zap.SugaredLogger
	rows       RowSource
	presence   PresenceSource
	backoff    time.Duration
	maxBackoff time.Duration
	queueSize  int
}

// NewAdapter returns Adapter over provided sources. Hub satisfies both.
func NewAdapter(logger *zap.SugaredLogger, rows RowSource, presence PresenceSource, opts ...Option) *Adapter {
	a := &Adapter{
		logger:     logger,
		rows:       rows,
		presence:   presence,
		backoff:    250 * time.Millisecond,
		maxBackoff: 10 * time.Second,
		queueSize:  256,
	}
	for _, opt := range opts {
		opt.apply(a)
	}
	return a
}

// RowHandlers receive row changes matching a filter. Nil handlers are skipped.
// OnResubscribe runs after a dropped subscription is re-established; changes committed while
// disconnected are not replayed, so consumers reload.
type RowHandlers struct {
	OnInsert      func(newRow Row)
	OnUpdate      func(newRow, oldRow Row)
	OnDelete      func(oldRow Row)
	OnResubscribe func()
}

// PresenceHandlers receive presence channel events. Nil handlers are skipped.
type PresenceHandlers struct {
	OnSync        func(state State)
	OnJoin        func(key string, payload Payload)
	OnLeave       func(key string, payload Payload)
	OnResubscribe func()
}

// dispatcher runs callbacks of one subscription one at a time in enqueue order
type dispatcher struct {
	source  string
	name    string
	logger  *zap.SugaredLogger
	queue   chan func()
	stop    chan struct{}
	stopped int32
	once    sync.Once
}

func newDispatcher(logger *zap.SugaredLogger, source, name string, size int) *dispatcher {
	d := &dispatcher{
		source: source,
		name:   name,
		logger: logger,
		queue:  make(chan func(), size),
		stop:   make(chan struct{}),
	}
	go d.run()
	metrics.ActiveSubscriptions.WithLabelValues(source).Inc()
	return d
}

func (d *dispatcher) run() {
	for {
		select {
		case fn := <-d.queue:
			d.call(fn)
		case <-d.stop:
			return
		}
	}
}

func (d *dispatcher) call(fn func()) {
	if atomic.LoadInt32(&d.stopped) == 1 {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackPanics.WithLabelValues(d.source).Inc()
			d.logger.Errorf("Recovered panic in %s callback of %s: %v", d.source, d.name, r)
		}
	}()
	fn()
}

func (d *dispatcher) enqueue(fn func()) {
	if fn == nil {
		return
	}
	select {
	case d.queue <- fn:
	case <-d.stop:
	}
}

// close reports whether it was the first call
func (d *dispatcher) close() bool {
	first := false
	d.once.Do(func() {
		first = true
		atomic.StoreInt32(&d.stopped, 1)
		close(d.stop)
		metrics.ActiveSubscriptions.WithLabelValues(d.source).Dec()
	})
	return first
}

func (d *dispatcher) isClosed() bool {
	return atomic.LoadInt32(&d.stopped) == 1
}

// supervise waits for done to report a drop and resubscribes with backoff until ctx ends
func (a *Adapter) supervise(ctx context.Context, d *dispatcher, done <-chan error, resubscribe func() (<-chan error, error), onResubscribe func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-done:
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				err = errors.New("source ended the subscription")
			}
			a.logger.Warnf("Realtime %s subscription %s dropped: %v", d.source, d.name, err)
		}

		delay := a.backoff
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}

			var err error
			done, err = resubscribe()
			if err == nil {
				break
			}
			a.logger.Warnf("Resubscribing %s %s failed, retrying in %s: %v", d.source, d.name, delay, err)
			delay *= 2
			if delay > a.maxBackoff {
				delay = a.maxBackoff
			}
		}

		metrics.Resubscriptions.WithLabelValues(d.source).Inc()
		a.logger.Infof("Realtime %s subscription %s re-established", d.source, d.name)
		d.enqueue(onResubscribe)
	}
}

// Subscription is a handle of a row-change subscription
type Subscription struct {
	filter RowFilter
	d      *dispatcher
	cancel context.CancelFunc
}

// SubscribeRowChanges delivers changes matching filter to handlers until the subscription is closed.
// It returns once the source confirmed the subscription.
func (a *Adapter) SubscribeRowChanges(ctx context.Context, filter RowFilter, h RowHandlers) (*Subscription, error) {
	if filter.Table == "" {
		return nil, errors.New("row filter requires a table")
	}

	name := fmt.Sprintf("%s[%s=%s]", filter.Table, filter.Column, filter.Value)
	subCtx, cancel := context.WithCancel(context.Background())
	d := newDispatcher(a.logger, "rows", name, a.queueSize)
	sub := &Subscription{filter: filter, d: d, cancel: cancel}

	deliver := func(c RowChange) {
		if !filter.Match(c) {
			return
		}
		metrics.RealtimeEvents.WithLabelValues("rows", string(c.Type)).Inc()
		switch c.Type {
		case Insert:
			if h.OnInsert != nil {
				d.enqueue(func() { h.OnInsert(c.New) })
			}
		case Update:
			if h.OnUpdate != nil {
				d.enqueue(func() { h.OnUpdate(c.New, c.Old) })
			}
		case Delete:
			if h.OnDelete != nil {
				d.enqueue(func() { h.OnDelete(c.Old) })
			}
		default:
			a.logger.Warnf("Ignoring row change of unknown type %q on %s", c.Type, c.Table)
		}
	}

	subscribe := func() (<-chan error, error) {
		return a.rows.SubscribeRows(subCtx, filter.Table, deliver)
	}

	done, err := subscribeWithin(ctx, subscribe)
	if err != nil {
		cancel()
		d.close()
		return nil, err
	}

	go a.supervise(subCtx, d, done, subscribe, h.OnResubscribe)

	a.logger.Debugf("Subscribed to row changes of %s", name)

	return sub, nil
}

// subscribeWithin runs subscribe but gives up when ctx ends first
func subscribeWithin(ctx context.Context, subscribe func() (<-chan error, error)) (<-chan error, error) {
	type result struct {
		done <-chan error
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		done, err := subscribe()
		ch <- result{done, err}
	}()

	select {
	case r := <-ch:
		return r.done, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Filter returns the filter the subscription was created with
func (s *Subscription) Filter() RowFilter {
	return s.filter
}

// Closed reports whether Close was called
func (s *Subscription) Closed() bool {
	return s.d.isClosed()
}

// Close stops delivery. It is safe to call more than once.
func (s *Subscription) Close() error {
	if s.d.close() {
		s.cancel()
	}
	return nil
}

// PresenceChannel is a handle of a presence channel subscription. Each handle is a distinct member
// identified by Key.
type PresenceChannel struct {
	a       *Adapter
	channel string
	key     string
	d       *dispatcher
	cancel  context.CancelFunc

	mu      sync.Mutex
	tracked Payload
}

// SubscribePresence joins channel and delivers its events to handlers
func (a *Adapter) SubscribePresence(ctx context.Context, channel string, h PresenceHandlers) (*PresenceChannel, error) {
	if channel == "" {
		return nil, errors.New("presence channel key is required")
	}

	subCtx, cancel := context.WithCancel(context.Background())
	d := newDispatcher(a.logger, "presence", channel, a.queueSize)
	pc := &PresenceChannel{
		a:       a,
		channel: channel,
		key:     uuid.NewString(),
		d:       d,
		cancel:  cancel,
	}

	deliver := func(e PresenceEvent) {
		metrics.RealtimeEvents.WithLabelValues("presence", e.Kind.String()).Inc()
		switch e.Kind {
		case PresenceSync:
			if h.OnSync != nil {
				d.enqueue(func() { h.OnSync(e.State) })
			}
		case PresenceJoin:
			if h.OnJoin != nil {
				d.enqueue(func() { h.OnJoin(e.Key, e.Payload) })
			}
		case PresenceLeave:
			if h.OnLeave != nil {
				d.enqueue(func() { h.OnLeave(e.Key, e.Payload) })
			}
		}
	}

	subscribe := func() (<-chan error, error) {
		return a.presence.SubscribePresence(subCtx, channel, deliver)
	}

	done, err := subscribeWithin(ctx, subscribe)
	if err != nil {
		cancel()
		d.close()
		return nil, err
	}

	onResubscribe := func() {
		pc.retrack(subCtx)
		if h.OnResubscribe != nil {
			h.OnResubscribe()
		}
	}
	go a.supervise(subCtx, d, done, subscribe, onResubscribe)

	a.logger.Debugf("Subscribed to presence channel %s as %s", channel, pc.key)

	return pc, nil
}

// PresenceState reads the current members of channel without subscribing to it
func (a *Adapter) PresenceState(ctx context.Context, channel string) (State, error) {
	return a.presence.Snapshot(ctx, channel)
}

// Key returns the presence key of this member
func (c *PresenceChannel) Key() string {
	return c.key
}

// Channel returns the channel key
func (c *PresenceChannel) Channel() string {
	return c.channel
}

// Track publishes payload as this member's presence, replacing a previous one
func (c *PresenceChannel) Track(ctx context.Context, payload Payload) error {
	if c.d.isClosed() {
		return ErrClosed
	}
	if err := c.a.presence.Track(ctx, c.channel, c.key, payload); err != nil {
		return err
	}
	c.mu.Lock()
	c.tracked = append(Payload(nil), payload...)
	c.mu.Unlock()
	return nil
}

// Untrack retracts this member's presence. Untracking an untracked member is a no-op.
func (c *PresenceChannel) Untrack(ctx context.Context) error {
	c.mu.Lock()
	tracked := c.tracked
	c.tracked = nil
	c.mu.Unlock()
	if tracked == nil {
		return nil
	}
	return c.a.presence.Untrack(ctx, c.channel, c.key)
}

// retrack republishes the last tracked payload, the backend may have lost it with the connection
func (c *PresenceChannel) retrack(ctx context.Context) {
	c.mu.Lock()
	tracked := c.tracked
	c.mu.Unlock()
	if tracked == nil {
		return
	}
	if err := c.a.presence.Track(ctx, c.channel, c.key, tracked); err != nil {
		c.a.logger.Warnf("Re-tracking presence %s on %s: %v", c.key, c.channel, err)
	}
}

// Close untracks the member and stops delivery. It is safe to call more than once.
func (c *PresenceChannel) Close() error {
	if !c.d.close() {
		return nil
	}
	defer c.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.Untrack(ctx); err != nil {
		c.a.logger.Warnf("Untracking presence %s on %s during close: %v", c.key, c.channel, err)
	}
	return nil
}
