package server

import (
	"barmatch/internal/metrics"
	"barmatch/internal/realtime"
	"barmatch/internal/session"
	"barmatch/internal/storage"
	"context"
	"errors"
	"fmt"
	"go.uber.org/zap"
	"net/http"
	"time"
)

const shutdownTimeout = 10 * time.Second

// Deps are the collaborators shared by every request and stream
type Deps struct {
	Store     storage.Repository
	Transport *realtime.Adapter
	Sessions  *session.Manager
}

// Server defines fields used in HTTP processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	h             *handler
	afterShutdown []func()
}

// NewServer returns new Server serving the JSON API and the websocket streams over deps
func NewServer(logger *zap.SugaredLogger, deps Deps, opts ...Option) (*Server, error) {
	if deps.Store == nil || deps.Transport == nil || deps.Sessions == nil {
		return nil, errors.New("server: store, transport and sessions are required")
	}

	h := &handler{
		logger:       logger,
		store:        deps.Store,
		transport:    deps.Transport,
		sessions:     deps.Sessions,
		adoptTimeout: 30 * time.Second,
	}

	cfg := &config{
		httpServer: &http.Server{
			Addr:        ":9000",
			ReadTimeout: 5 * time.Second,
		},
		handlers: map[string]http.Handler{
			"/venues/add":    http.HandlerFunc(h.createVenue),
			"/venues/get":    http.HandlerFunc(h.venueByRef),
			"/menu/add":      http.HandlerFunc(h.addMenuItems),
			"/menu/get":      http.HandlerFunc(h.menuByVenue),
			"/session/join":  http.HandlerFunc(h.joinSession),
			"/session/leave": http.HandlerFunc(h.leaveSession),
			"/profiles/get":  http.HandlerFunc(h.profilesByVenue),
			"/messages/get":  http.HandlerFunc(h.messagesBetween),
			"/messages/add":  http.HandlerFunc(h.createMessage),
			"/messages/like": http.HandlerFunc(h.likeMessage),
		},
		streams: map[string]http.Handler{
			"/venues/list": http.HandlerFunc(h.listVenues),
			"/ws":          http.HandlerFunc(h.patronStream),
			"/admin/ws":    http.HandlerFunc(h.adminStream),
			"/metrics":     metrics.Handler(),
		},
		adoptTimeout: h.adoptTimeout,
	}

	for _, opt := range opts {
		opt.apply(cfg)
	}

	for _, opt := range []Option{
		applyEnforcePostJson(),
		applyEnforceGet(),
		applyLog(logger.Desugar()),
		registerHandlers(),
	} {
		opt.apply(cfg)
	}

	h.adoptTimeout = cfg.adoptTimeout
	// hijacked websocket connections are not closed by Shutdown
	cfg.httpServer.RegisterOnShutdown(h.live.close)

	return &Server{
		logger:        logger,
		httpServer:    cfg.httpServer,
		h:             h,
		afterShutdown: cfg.afterShutdown,
	}, nil
}

// Handler returns the routed handler, used by tests to serve without listening
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server and shuts it down gracefully once ctx is done.
// Streams are closed and waited for before the after shutdown functions run.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("s.httpServer.ListenAndServe: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.shutdownStreams()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Errorf("srv.Shutdown: %v", err)
	}
	if err := <-errCh; err != nil {
		s.logger.Error(err)
	}
	s.shutdownStreams()
	s.logger.Info("HTTP server is stopped")

	return nil
}

func (s *Server) shutdownStreams() {
	s.h.live.close()
	s.h.live.wait()

	for _, f := range s.afterShutdown {
		f()
	}
}
