package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"dahliabot/pkg/logx"
)

// Config controls the optional metrics HTTP server.
//
// Prefer binding to localhost; the endpoint is unauthenticated.
type Config struct {
	Enabled bool
	Addr    string
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	reg *Registry
	log logx.Logger

	ln  net.Listener
	srv *http.Server
}

func NewService(cfg Config, reg *Registry, log logx.Logger) *Service {
	return &Service{cfg: cfg, reg: reg, log: log}
}

func (s *Service) Enabled() bool { return s.cfg.Enabled }

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.srv != nil {
		return
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:9214"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.log.Error("metrics listen failed", logx.String("addr", addr), logx.Err(err))
		return
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s.reg.WriteTo(w)
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  time.Minute,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("metrics started", logx.String("addr", ln.Addr().String()))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	ln := s.ln
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()

	if srv == nil {
		return
	}
	// Close the listener even if Shutdown is stuck on a slow client.
	if ln != nil {
		_ = ln.Close()
	}
	_ = srv.Shutdown(ctx)
	_ = srv.Close()
	s.log.Info("metrics stopped")
}

// Handler exposes the mux-free metrics handler for tests.
func (s *Service) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		s.reg.WriteTo(w)
	})
}
