package server

import (
	"barmatch/internal/session"
	"barmatch/internal/storage/zapadapter"
	"context"
	"errors"
	"github.com/gorilla/websocket"
	"sync"
	"time"
)

var errShuttingDown = errors.New("server is shutting down")

// liveSessions holds contexts joined over HTTP until a stream adopts them, and the streams
// currently serving a token. The zero value is ready to use.
type liveSessions struct {
	mu      sync.Mutex
	closed  bool
	pending map[string]*pendingSession
	active  map[string]*stream
	admins  map[*conn]struct{}
	wg      sync.WaitGroup
}

type pendingSession struct {
	c     *session.Context
	timer *time.Timer
}

// zapContext returns a background context carrying the profile id of c for log lines
func zapContext(c *session.Context) context.Context {
	return zapadapter.WithProfileID(context.Background(), c.ProfileID())
}

// hold keeps c for d. When no stream takes it in time, expire runs with it.
func (l *liveSessions) hold(c *session.Context, d time.Duration, expire func(*session.Context)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.pending == nil {
		l.pending = make(map[string]*pendingSession)
	}
	if prev, ok := l.pending[c.Token()]; ok {
		prev.timer.Stop()
		go expire(prev.c)
	}

	p := &pendingSession{c: c}
	p.timer = time.AfterFunc(d, func() {
		l.mu.Lock()
		if l.pending[c.Token()] != p {
			l.mu.Unlock()
			return
		}
		delete(l.pending, c.Token())
		l.mu.Unlock()

		expire(c)
	})
	l.pending[c.Token()] = p
}

// take removes the pending context of token
func (l *liveSessions) take(token string) (*session.Context, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.pending[token]
	if !ok {
		return nil, false
	}
	p.timer.Stop()
	delete(l.pending, token)
	return p.c, true
}

// stream returns the stream serving token
func (l *liveSessions) stream(token string) (*stream, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.active[token]
	return s, ok
}

// attach registers s as the stream of its token and returns the stream it replaces
func (l *liveSessions) attach(s *stream) (*stream, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, errShuttingDown
	}
	if l.active == nil {
		l.active = make(map[string]*stream)
	}
	prev := l.active[s.token]
	l.active[s.token] = s
	l.wg.Add(1)
	return prev, nil
}

// detach unregisters s unless a newer stream replaced it
func (l *liveSessions) detach(s *stream) {
	l.mu.Lock()
	if l.active[s.token] == s {
		delete(l.active, s.token)
	}
	l.mu.Unlock()
	l.wg.Done()
}

// track registers an admin stream connection
func (l *liveSessions) track(c *conn) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return errShuttingDown
	}
	if l.admins == nil {
		l.admins = make(map[*conn]struct{})
	}
	l.admins[c] = struct{}{}
	l.wg.Add(1)
	return nil
}

func (l *liveSessions) untrack(c *conn) {
	l.mu.Lock()
	delete(l.admins, c)
	l.mu.Unlock()
	l.wg.Done()
}

// close stops accepting streams, closes the active ones and disconnects pending sessions
func (l *liveSessions) close() {
	l.mu.Lock()
	l.closed = true
	conns := make([]*conn, 0, len(l.active)+len(l.admins))
	for _, s := range l.active {
		conns = append(conns, s.conn)
	}
	for c := range l.admins {
		conns = append(conns, c)
	}
	pending := make([]*session.Context, 0, len(l.pending))
	for token, p := range l.pending {
		p.timer.Stop()
		pending = append(pending, p.c)
		delete(l.pending, token)
	}
	l.mu.Unlock()

	for _, c := range conns {
		c.closeAfterFlush(websocket.CloseGoingAway, "server is shutting down")
	}
	for _, c := range pending {
		_ = c.Disconnect(zapContext(c))
	}
}

// wait blocks until every stream goroutine returned
func (l *liveSessions) wait() {
	l.wg.Wait()
}
