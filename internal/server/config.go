package server

import (
	"go.uber.org/zap"
	"net/http"
	"strconv"
	"time"
)

type Option interface {
	apply(*config)
}

type optionFunc func(c *config)

func (f optionFunc) apply(c *config) { f(c) }

// config defines fields used for configuring Server instance
type config struct {
	httpServer *http.Server
	// handlers serve POST JSON requests
	handlers map[string]http.Handler
	// streams serve GET requests, websockets included, and are never wrapped by timeouts
	streams       map[string]http.Handler
	afterShutdown []func()
	adoptTimeout  time.Duration
}

// EnvConfig defines fields used for parsing from environment variables
type EnvConfig struct {
	Host         string        `env:"HOST" envDefault:"0.0.0.0"`
	Port         uint16        `env:"PORT" envDefault:"9000"`
	ReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	AdoptTimeout time.Duration `env:"SESSION_ADOPT_TIMEOUT" envDefault:"30s"`
}

// WithEnvConfig enables processing exported EnvConfig struct to acts as a source of config parameters for http.Server
func WithEnvConfig(cfg EnvConfig) Option {
	return optionFunc(func(c *config) {
		c.httpServer.Addr = cfg.Host + ":" + strconv.FormatUint(uint64(cfg.Port), 10)
		if cfg.ReadTimeout > 0 {
			c.httpServer.ReadTimeout = cfg.ReadTimeout
		}
		if cfg.AdoptTimeout > 0 {
			c.adoptTimeout = cfg.AdoptTimeout
		}
	})
}

// ReadTimeout sets read timeout for http.Server
func ReadTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.httpServer.ReadTimeout = d
	})
}

// AdoptTimeout sets how long a session joined over HTTP stays online waiting for its websocket
func AdoptTimeout(d time.Duration) Option {
	return optionFunc(func(c *config) {
		c.adoptTimeout = d
	})
}

// RegisterAfterShutdown registers a function to call after http.Server shutdown
// f will not be called in separated goroutine
func RegisterAfterShutdown(f func()) Option {
	return optionFunc(func(c *config) {
		c.afterShutdown = append(c.afterShutdown, f)
	})
}

// registerHandlers registers handlers and streams for newly initialized http.ServeMux
// that http.ServeMux is used as a http.Handler for http.Server in config struct
func registerHandlers() Option {
	return optionFunc(func(c *config) {
		mux := http.NewServeMux()
		for pattern, h := range c.handlers {
			mux.Handle(pattern, h)
		}
		for pattern, h := range c.streams {
			mux.Handle(pattern, h)
		}
		c.httpServer.Handler = mux
	})
}

// applyEnforcePostJson wraps each handler in handlers map with enforcePostJson middleware
func applyEnforcePostJson() Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = enforcePostJson(h)
		}
	})
}

// applyEnforceGet wraps each handler in streams map with enforceGet middleware
func applyEnforceGet() Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.streams {
			c.streams[pattern] = enforceGet(h)
		}
	})
}

// applyLog wraps each http.Handler in both maps with log middleware
func applyLog(logger *zap.Logger) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = log(h, pattern, logger)
		}
		for pattern, h := range c.streams {
			c.streams[pattern] = log(h, pattern, logger)
		}
	})
}

// TimeoutHandler wraps each handler in handlers map in http.TimeoutHandler with provided duration and message
func TimeoutHandler(d time.Duration, msg string) Option {
	return optionFunc(func(c *config) {
		for pattern, h := range c.handlers {
			c.handlers[pattern] = http.TimeoutHandler(h, d, msg)
		}
	})
}
