package realtime

import (
	"context"
	"errors"
	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"sync"
	"testing"
	"time"
)

func TestDecodeRowChange(t *testing.T) {
	var p fastjson.Parser

	c, err := decodeRowChange(&p, []byte(`{"type":"INSERT","table":"profiles","new":{"id":"a","venue_id":"v1"},"old":null}`))
	require.NoError(t, err)
	require.Equal(t, Insert, c.Type)
	require.Equal(t, "profiles", c.Table)
	require.Equal(t, "a", c.New.Field("id"))
	require.Nil(t, c.Old)

	c, err = decodeRowChange(&p, []byte(`{"type":"DELETE","table":"messages","new":null,"old":{"id":4,"venue_id":"v1"}}`))
	require.NoError(t, err)
	require.Equal(t, Delete, c.Type)
	require.Nil(t, c.New)
	require.Equal(t, "v1", c.Old.Field("venue_id"))
}

func TestDecodeRowChangeRejectsMalformed(t *testing.T) {
	var p fastjson.Parser

	for _, payload := range []string{
		`{"type":"INSERT","table":"profiles"`,
		`{"type":"TRUNCATE","table":"profiles","new":{}}`,
		`{"type":"INSERT","new":{"id":"a"}}`,
		`{"type":"INSERT","table":"profiles","new":null}`,
		`{"type":"DELETE","table":"profiles","old":null}`,
	} {
		_, err := decodeRowChange(&p, []byte(payload))
		require.Error(t, err, payload)
	}
}

type listenConn struct {
	notes  chan *pgconn.Notification
	fail   chan error
	closed chan struct{}
	once   sync.Once

	mu    sync.Mutex
	execs []string
}

func (c *listenConn) Exec(_ context.Context, sql string, _ ...interface{}) (pgconn.CommandTag, error) {
	c.mu.Lock()
	c.execs = append(c.execs, sql)
	c.mu.Unlock()
	return pgconn.CommandTag("LISTEN"), nil
}

func (c *listenConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case err := <-c.fail:
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *listenConn) Close(context.Context) error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

type connector struct {
	mu    sync.Mutex
	conns []*listenConn
}

func (c *connector) connect(context.Context) (notificationConn, error) {
	conn := &listenConn{
		notes:  make(chan *pgconn.Notification),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	c.mu.Lock()
	c.conns = append(c.conns, conn)
	c.mu.Unlock()
	return conn, nil
}

func (c *connector) opened() []*listenConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*listenConn(nil), c.conns...)
}

func bootstrapFeed(t *testing.T) (*PGFeed, *connector) {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	c := &connector{}
	f := newPGFeed(logger.Sugar(), c.connect)
	t.Cleanup(f.Close)
	return f, c
}

func collect() (func(RowChange), chan RowChange) {
	ch := make(chan RowChange, 8)
	return func(c RowChange) { ch <- c }, ch
}

func receive(t *testing.T, ch chan RowChange) RowChange {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(time.Second):
		t.Fatal("no row change delivered")
		return RowChange{}
	}
}

func ended(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("subscription did not end")
		return nil
	}
}

func TestPGFeedSharesOneConnectionPerTable(t *testing.T) {
	f, c := bootstrapFeed(t)

	ctx1, cancel1 := context.WithCancel(context.Background())
	ctx2, cancel2 := context.WithCancel(context.Background())
	deliver1, got1 := collect()
	deliver2, got2 := collect()

	done1, err := f.SubscribeRows(ctx1, "profiles", deliver1)
	require.NoError(t, err)
	done2, err := f.SubscribeRows(ctx2, "profiles", deliver2)
	require.NoError(t, err)
	_, err = f.SubscribeRows(context.Background(), "messages", func(RowChange) {})
	require.NoError(t, err)

	conns := c.opened()
	require.Len(t, conns, 2)
	require.Equal(t, []string{`listen "barmatch_profiles"`}, conns[0].execs)

	conns[0].notes <- &pgconn.Notification{
		Channel: "barmatch_profiles",
		Payload: `{"type":"INSERT","table":"profiles","new":{"id":"a","venue_id":"v1"}}`,
	}
	require.Equal(t, "a", receive(t, got1).New.Field("id"))
	require.Equal(t, "a", receive(t, got2).New.Field("id"))

	cancel1()
	require.NoError(t, ended(t, done1))
	select {
	case <-conns[0].closed:
		t.Fatal("listener closed while a subscription remains")
	default:
	}

	cancel2()
	require.NoError(t, ended(t, done2))
	select {
	case <-conns[0].closed:
	case <-time.After(time.Second):
		t.Fatal("listener of the last subscription was not closed")
	}
}

func TestPGFeedDropReachesEverySubscription(t *testing.T) {
	f, c := bootstrapFeed(t)

	done1, err := f.SubscribeRows(context.Background(), "messages", func(RowChange) {})
	require.NoError(t, err)
	done2, err := f.SubscribeRows(context.Background(), "messages", func(RowChange) {})
	require.NoError(t, err)

	c.opened()[0].fail <- errors.New("connection reset")
	require.EqualError(t, ended(t, done1), "connection reset")
	require.EqualError(t, ended(t, done2), "connection reset")

	_, err = f.SubscribeRows(context.Background(), "messages", func(RowChange) {})
	require.NoError(t, err)
	require.Len(t, c.opened(), 2)
}

func TestPGFeedClose(t *testing.T) {
	f, _ := bootstrapFeed(t)

	done, err := f.SubscribeRows(context.Background(), "profiles", func(RowChange) {})
	require.NoError(t, err)

	f.Close()
	require.NoError(t, ended(t, done))

	_, err = f.SubscribeRows(context.Background(), "profiles", func(RowChange) {})
	require.ErrorIs(t, err, ErrClosed)
}
