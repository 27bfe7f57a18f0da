package realtime

import (
	"context"
	"fmt"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"sync"
)

// notificationConn is the part of *pgx.Conn a table listener needs
type notificationConn interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// PGFeed is a RowSource over postgres LISTEN/NOTIFY. Each table is listened on one dedicated
// connection outside the query pool and its notifications fan out to every subscription of the
// table, so subscriptions cost no connections.
type PGFeed struct {
	logger  *zap.SugaredLogger
	connect func(ctx context.Context) (notificationConn, error)
	parsers fastjson.ParserPool

	mu        sync.Mutex
	closed    bool
	listeners map[string]*tableListener
}

type tableListener struct {
	table  string
	cancel context.CancelFunc
	subs   map[*feedSubscriber]struct{}
}

type feedSubscriber struct {
	deliver func(RowChange)
	done    chan error
	dropped chan struct{}
}

// NewPGFeed returns PGFeed opening its listening connections with cfg
func NewPGFeed(logger *zap.SugaredLogger, cfg *pgx.ConnConfig) *PGFeed {
	return newPGFeed(logger, func(ctx context.Context) (notificationConn, error) {
		conn, err := pgx.ConnectConfig(ctx, cfg.Copy())
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

func newPGFeed(logger *zap.SugaredLogger, connect func(ctx context.Context) (notificationConn, error)) *PGFeed {
	return &PGFeed{
		logger:    logger,
		connect:   connect,
		listeners: make(map[string]*tableListener),
	}
}

// SubscribeRows implements RowSource. The first subscription of a table opens its listener.
func (f *PGFeed) SubscribeRows(ctx context.Context, table string, deliver func(RowChange)) (<-chan error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil, ErrClosed
	}

	l, ok := f.listeners[table]
	if !ok {
		var err error
		l, err = f.listen(ctx, table)
		if err != nil {
			return nil, err
		}
		f.listeners[table] = l
	}

	s := &feedSubscriber{
		deliver: deliver,
		done:    make(chan error, 1),
		dropped: make(chan struct{}),
	}
	l.subs[s] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			f.unsubscribe(l, s)
		case <-s.dropped:
		}
	}()

	return s.done, nil
}

// listen opens the connection of table, f.mu is held
func (f *PGFeed) listen(ctx context.Context, table string) (*tableListener, error) {
	conn, err := f.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connecting listener of %s: %w", table, err)
	}

	channel := NotifyChannel(table)
	if _, err := conn.Exec(ctx, "listen "+pgx.Identifier{channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	lctx, cancel := context.WithCancel(context.Background())
	l := &tableListener{
		table:  table,
		cancel: cancel,
		subs:   make(map[*feedSubscriber]struct{}),
	}
	go f.serve(lctx, l, conn)

	f.logger.Debugf("Listening on %s", channel)
	return l, nil
}

func (f *PGFeed) serve(ctx context.Context, l *tableListener, conn notificationConn) {
	defer func() {
		_ = conn.Close(context.Background())
	}()

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.drop(l, err)
			}
			return
		}

		change, err := f.decode([]byte(n.Payload))
		if err != nil {
			f.logger.Errorf("Dropping undecodable notification on %s: %v", n.Channel, err)
			continue
		}
		for _, s := range f.subscribers(l) {
			s.deliver(change)
		}
	}
}

func (f *PGFeed) subscribers(l *tableListener) []*feedSubscriber {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := make([]*feedSubscriber, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	return subs
}

// drop reports a lost listener connection to every subscription of its table
func (f *PGFeed) drop(l *tableListener, err error) {
	f.mu.Lock()
	if f.listeners[l.table] == l {
		delete(f.listeners, l.table)
	}
	subs := l.subs
	l.subs = make(map[*feedSubscriber]struct{})
	f.mu.Unlock()

	f.logger.Warnf("Listener of %s dropped with %d subscriptions: %v", l.table, len(subs), err)
	for s := range subs {
		close(s.dropped)
		s.done <- err
		close(s.done)
	}
}

// unsubscribe ends s and closes the listener once its last subscription is gone
func (f *PGFeed) unsubscribe(l *tableListener, s *feedSubscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := l.subs[s]; !ok {
		return
	}
	delete(l.subs, s)
	close(s.done)

	if len(l.subs) == 0 && f.listeners[l.table] == l {
		delete(f.listeners, l.table)
		l.cancel()
	}
}

// Close stops every listener. Subscriptions end without an error.
func (f *PGFeed) Close() {
	f.mu.Lock()
	f.closed = true
	listeners := f.listeners
	f.listeners = make(map[string]*tableListener)
	for _, l := range listeners {
		for s := range l.subs {
			close(s.dropped)
			close(s.done)
		}
		l.subs = make(map[*feedSubscriber]struct{})
	}
	f.mu.Unlock()

	for _, l := range listeners {
		l.cancel()
	}
}

// decode parses {"type", "table", "new", "old"} notification payloads
func (f *PGFeed) decode(payload []byte) (RowChange, error) {
	p := f.parsers.Get()
	defer f.parsers.Put(p)
	return decodeRowChange(p, payload)
}

func decodeRowChange(p *fastjson.Parser, payload []byte) (RowChange, error) {
	v, err := p.ParseBytes(payload)
	if err != nil {
		return RowChange{}, err
	}

	change := RowChange{
		Type:  EventType(v.GetStringBytes("type")),
		Table: string(v.GetStringBytes("table")),
	}
	switch change.Type {
	case Insert, Update, Delete:
	default:
		return RowChange{}, fmt.Errorf("unknown change type %q", change.Type)
	}
	if change.Table == "" {
		return RowChange{}, fmt.Errorf("missing table")
	}

	if nv := v.Get("new"); nv != nil && nv.Type() == fastjson.TypeObject {
		change.New = nv.MarshalTo(nil)
	}
	if ov := v.Get("old"); ov != nil && ov.Type() == fastjson.TypeObject {
		change.Old = ov.MarshalTo(nil)
	}

	if change.Type != Delete && change.New == nil {
		return RowChange{}, fmt.Errorf("%s without new row", change.Type)
	}
	if change.Type == Delete && change.Old == nil {
		return RowChange{}, fmt.Errorf("DELETE without old row")
	}

	return change, nil
}
