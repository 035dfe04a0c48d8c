package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	logx "lunchbox/pkg/logx"
)

// Config controls the HTTP boundary server.
type Config struct {
	Addr  string
	Token string // guards poller control endpoints when set

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Server owns the http.Server lifecycle around the API handlers.
type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	handlers *Handlers

	ln  net.Listener
	srv *http.Server
}

func NewServer(cfg Config, handlers *Handlers, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8085"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Minute
	}
	return &Server{cfg: cfg, log: log, handlers: handlers}
}

// Start binds the listener and serves in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}

	mux := s.handlers.Routes(s.cfg.Token)
	srv := &http.Server{
		Handler:      s.requestLog(mux),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server exited", logx.Err(err))
		}
	}()

	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

// Stop shuts the server down gracefully within ctx's deadline.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
}

// Addr returns the bound address ("" when not started). Useful in tests
// that listen on port 0.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// requestLog tags every request with a short id and logs it at debug level.
func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()[:8]
		w.Header().Set("X-Request-Id", reqID)
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("http request",
			logx.String("id", reqID),
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Duration("took", time.Since(start)))
	})
}
