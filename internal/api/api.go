// Package api exposes a small admin HTTP API over the running dispatcher:
// health, registered commands, running tasks and open conversations.
package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/UBCore/internal/config"
	"github.com/BTreeMap/UBCore/internal/dispatcher"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// DefaultAddr is the listen address used when none is configured.
const DefaultAddr = "127.0.0.1:8080"

const requestIDKey = "request_id"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr  string
	Token string // bearer token; empty disables authentication
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithToken requires "Authorization: Bearer <token>" on every endpoint but
// /healthz.
func WithToken(token string) Option {
	return func(o *Opts) {
		o.Token = token
	}
}

// Server is the admin API server.
type Server struct {
	cfg     *config.Config
	d       *dispatcher.Dispatcher
	opts    Opts
	engine  *gin.Engine
	srv     *http.Server
	started time.Time
}

// NewServer creates the API server for d.
func NewServer(cfg *config.Config, d *dispatcher.Dispatcher, opts ...Option) *Server {
	o := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&o)
	}
	s := &Server{cfg: cfg, d: d, opts: o, started: time.Now()}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), logRequests())
	r.GET("/healthz", s.healthHandler)

	admin := r.Group("/", s.authenticate())
	admin.GET("/commands", s.commandsHandler)
	admin.GET("/tasks", s.tasksHandler)
	admin.DELETE("/tasks/:id", s.cancelTaskHandler)
	admin.GET("/conversations", s.conversationsHandler)
	s.engine = r
	return s
}

// Handler returns the HTTP handler of the API.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens on the configured address until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:           s.opts.Addr,
		Handler:        s.engine,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server listening", "addr", s.opts.Addr, "auth", s.opts.Token != "")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("api server failed: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown failed: %w", err)
	}
	slog.Info("API server stopped")
	return nil
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

func logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("API request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "duration", time.Since(start), "request_id", c.GetString(requestIDKey))
	}
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Token == "" {
			c.Next()
			return
		}
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) != 1 {
			slog.Warn("Server.authenticate: rejected request", "path", c.Request.URL.Path, "remote", c.ClientIP())
			writeError(c, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		c.Next()
	}
}
