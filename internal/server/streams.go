package server

import (
	"barmatch/internal/chat"
	"barmatch/internal/directory"
	"barmatch/internal/metrics"
	"barmatch/internal/presence"
	"barmatch/internal/session"
	"barmatch/internal/storage"
	"context"
	"errors"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"net/http"
	"sync"
)

var (
	errNoPeer      = errors.New("no peer selected")
	errUnknownPeer = errors.New("peer is not at the venue")
	errSelfPeer    = errors.New("can not chat with yourself")
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// patrons open the page from a QR code on any host serving the client
	CheckOrigin: func(r *http.Request) bool { return true },
}

type sessionFrame struct {
	Type    string          `json:"type"`
	Token   string          `json:"token"`
	Profile storage.Profile `json:"profile"`
}

type profilesFrame struct {
	Type     string              `json:"type"`
	Profiles []directory.Profile `json:"profiles"`
}

type threadFrame struct {
	Type     string         `json:"type"`
	Peer     string         `json:"peer"`
	Messages []chat.Message `json:"messages"`
}

type errorFrame struct {
	Type      string `json:"type"`
	Error     string `json:"error"`
	ClientRef string `json:"client_ref,omitempty"`
}

type leftFrame struct {
	Type string `json:"type"`
}

func newProfilesFrame(profiles []directory.Profile) profilesFrame {
	if profiles == nil {
		profiles = []directory.Profile{}
	}
	return profilesFrame{Type: "profiles", Profiles: profiles}
}

func newThreadFrame(peer string, messages []chat.Message) threadFrame {
	if messages == nil {
		messages = []chat.Message{}
	}
	return threadFrame{Type: "thread", Peer: peer, Messages: messages}
}

// stream is one patron websocket. It owns its own venue directory and the thread with the
// selected peer.
type stream struct {
	h      *handler
	logger *zap.SugaredLogger
	token  string
	conn   *conn
	sc     *session.Context
	engine *presence.Engine

	mu     sync.Mutex
	thread *chat.Thread
	ended  bool
}

// patronStream handles websocket requests on "/ws" endpoint
func (h *handler) patronStream(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	token := q.Get("token")
	if token == "" {
		http.Error(w, "Missing query parameter \"token\"", http.StatusBadRequest)
		return
	}

	sc, ok := h.live.take(token)
	if !ok {
		var err error
		sc, err = h.sessions.Resume(r.Context(), token)
		if err != nil {
			if errors.Is(err, session.ErrSessionNotFound) {
				http.Error(w, "Session not found", http.StatusNotFound)
				return
			}
			h.internalError(w, err)
			return
		}
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has replied already
		h.logger.Warnf("Upgrading stream of profile (id: %s): %v", sc.ProfileID(), err)
		_ = sc.Disconnect(zapContext(sc))
		return
	}

	c := newConn(ws)
	s := &stream{
		h:      h,
		logger: h.logger.With("profile_id", sc.ProfileID(), "conn_id", c.id),
		token:  token,
		conn:   c,
		sc:     sc,
	}

	prev, err := h.live.attach(s)
	if err != nil {
		s.conn.close(websocket.CloseGoingAway, err.Error())
		_ = sc.Disconnect(zapContext(sc))
		return
	}
	defer h.live.detach(s)
	if prev != nil {
		prev.supersede()
	}

	metrics.Streams.WithLabelValues("patron").Inc()
	defer metrics.Streams.WithLabelValues("patron").Dec()

	ctx, cancel := context.WithCancel(zapContext(sc))
	defer cancel()

	s.run(ctx, q.Get("peer"))
}

func (s *stream) run(ctx context.Context, peer string) {
	defer s.finish()

	_ = s.conn.sendFrame(sessionFrame{Type: "session", Token: s.token, Profile: s.sc.Profile()})

	s.engine = presence.NewEngine(s.logger, s.sc.VenueID(), s.h.transport, s.h.store,
		presence.OnChange(func(profiles []directory.Profile) {
			_ = s.conn.sendFrame(newProfilesFrame(profiles))
		}),
	)
	if err := s.engine.Start(ctx); err != nil {
		s.logger.Errorf("Starting presence of venue (id: %s): %v", s.sc.VenueID(), err)
		s.sendError(errors.New("presence is unavailable"), "")
		return
	}

	if peer != "" {
		if err := s.switchPeer(ctx, peer); err != nil {
			s.sendError(err, "")
		}
	}

	for {
		payload, err := s.conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debugf("Stream closed: %v", err)
			}
			return
		}
		if s.handle(ctx, payload) {
			return
		}
	}
}

// handle executes one command frame. It reports whether the stream is over.
func (s *stream) handle(ctx context.Context, payload []byte) bool {
	parser := s.h.parsers.framePool.Get()
	defer s.h.parsers.framePool.Put(parser)

	v, err := parser.ParseBytes(payload)
	if err != nil {
		s.sendError(errors.New("malformed frame"), "")
		return false
	}

	switch typ := string(v.GetStringBytes("type")); typ {
	case "peer":
		if err := s.switchPeer(ctx, string(v.GetStringBytes("peer"))); err != nil {
			s.sendError(err, "")
		}
	case "send":
		t := s.currentThread()
		if t == nil {
			s.sendError(errNoPeer, "")
			return false
		}
		if m, err := t.Send(ctx, string(v.GetStringBytes("body"))); err != nil {
			s.sendError(err, m.ClientRef)
		}
	case "retry":
		t := s.currentThread()
		if t == nil {
			s.sendError(errNoPeer, "")
			return false
		}
		ref := string(v.GetStringBytes("client_ref"))
		if _, err := t.Retry(ctx, ref); err != nil {
			s.sendError(err, ref)
		}
	case "like":
		t := s.currentThread()
		if t == nil {
			s.sendError(errNoPeer, "")
			return false
		}
		if err := t.Like(ctx, v.GetInt64("id")); err != nil {
			s.sendError(err, "")
		}
	case "leave":
		if err := s.leave(ctx); err != nil {
			s.logger.Errorf("Leaving venue: %v", err)
			s.sendError(err, "")
		}
		return true
	default:
		s.sendError(errors.New("unknown frame type \""+typ+"\""), "")
	}
	return false
}

func (s *stream) currentThread() *chat.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thread
}

// switchPeer replaces the open thread with the thread between the patron and peer
func (s *stream) switchPeer(ctx context.Context, peer string) error {
	if peer == "" {
		return errNoPeer
	}
	if peer == s.sc.ProfileID() {
		return errSelfPeer
	}
	if _, ok := s.engine.Directory().Get(peer); !ok {
		return errUnknownPeer
	}

	t := chat.NewThread(s.logger, s.sc.VenueID(), s.sc.ProfileID(), peer, s.h.store, s.h.transport,
		chat.OnChange(func(messages []chat.Message) {
			_ = s.conn.sendFrame(newThreadFrame(peer, messages))
		}),
	)
	if err := t.Start(ctx); err != nil {
		s.logger.Errorf("Opening thread with %s: %v", peer, err)
		return errors.New("thread is unavailable")
	}

	s.mu.Lock()
	prev := s.thread
	s.thread = t
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}

	return s.conn.sendFrame(newThreadFrame(peer, t.Messages()))
}

func (s *stream) sendError(err error, clientRef string) {
	_ = s.conn.sendFrame(errorFrame{Type: "error", Error: err.Error(), ClientRef: clientRef})
}

// leave ends the visit and closes the stream once the patron is told
func (s *stream) leave(ctx context.Context) error {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return session.ErrSessionEnded
	}
	s.ended = true
	s.mu.Unlock()

	err := s.sc.Leave(ctx)
	if err == nil {
		_ = s.conn.sendFrame(leftFrame{Type: "left"})
	}
	s.conn.closeAfterFlush(websocket.CloseNormalClosure, "left")
	return err
}

// supersede hands the session over to a newer stream of the same token
func (s *stream) supersede() {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	s.mu.Unlock()

	s.sc.Release()
	s.sendError(errors.New("session was opened elsewhere"), "")
	s.conn.closeAfterFlush(websocket.CloseNormalClosure, "replaced")
}

// finish stops the views and disconnects the patron unless the session ended otherwise
func (s *stream) finish() {
	if s.engine != nil {
		s.engine.Stop()
	}

	s.mu.Lock()
	t := s.thread
	s.thread = nil
	ended := s.ended
	s.ended = true
	s.mu.Unlock()
	if t != nil {
		t.Stop()
	}

	if !ended {
		if err := s.sc.Disconnect(zapContext(s.sc)); err != nil {
			s.logger.Errorf("Disconnecting: %v", err)
		}
	}
	s.conn.closeAfterFlush(websocket.CloseNormalClosure, "")
}

// adminStream handles websocket requests on "/admin/ws" endpoint
func (h *handler) adminStream(w http.ResponseWriter, r *http.Request) {
	ref := r.URL.Query().Get("venue")
	venueID, err := session.ParseVenueRef(ref)
	if err != nil {
		http.Error(w, "Venue not found", http.StatusNotFound)
		return
	}
	if _, err := h.store.VenueByID(r.Context(), venueID); err != nil {
		if errors.Is(err, storage.ErrVenueNotExist) {
			http.Error(w, "Venue not found", http.StatusNotFound)
			return
		}
		h.internalError(w, err)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnf("Upgrading admin stream of venue (id: %s): %v", venueID, err)
		return
	}
	c := newConn(ws)
	if err := h.live.track(c); err != nil {
		c.close(websocket.CloseGoingAway, err.Error())
		return
	}
	defer h.live.untrack(c)

	metrics.Streams.WithLabelValues("admin").Inc()
	defer metrics.Streams.WithLabelValues("admin").Dec()

	logger := h.logger.With("venue_id", venueID, "conn_id", c.id)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// disconnected patrons stay listed offline until the reaper deletes their rows
	engine := presence.NewEngine(logger, venueID, h.transport, h.store,
		presence.WithDeletePolicy(directory.RemoveOnDelete),
		presence.OnChange(func(profiles []directory.Profile) {
			_ = c.sendFrame(newProfilesFrame(profiles))
		}),
	)
	if err := engine.Start(ctx); err != nil {
		logger.Errorf("Starting presence: %v", err)
		_ = c.sendFrame(errorFrame{Type: "error", Error: "presence is unavailable"})
		c.closeAfterFlush(websocket.CloseInternalServerErr, "")
		return
	}
	defer engine.Stop()

	// admin streams are push only, reading drives pongs and detects the close
	for {
		if _, err := c.read(); err != nil {
			break
		}
	}
	c.closeAfterFlush(websocket.CloseNormalClosure, "")
}
