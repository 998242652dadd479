// Package health exposes a small liveness endpoint. It reports the process
// as up and whether the database answers a ping, which is what the raid
// scheduler ultimately depends on.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"gorm.io/gorm"

	logx "raidbot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8090"
	}
	return c
}

// Server manages the lifecycle of the health HTTP listener.
type Server struct {
	mu   sync.Mutex
	log  logx.Logger
	db   *gorm.DB
	srv  *http.Server
	ln   net.Listener
	addr string
}

func New(db *gorm.DB, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Server{db: db, log: log.With(logx.String("comp", "health"))}
}

// Apply starts or stops the listener according to cfg. Safe to call on
// every config reload.
func (s *Server) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return
	}
	if s.srv != nil && s.addr == cfg.Addr {
		return
	}
	s.stopLocked(ctx)
	s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)

	srv := &http.Server{Addr: cfg.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		s.log.Warn("health listen failed", logx.String("addr", cfg.Addr), logx.Err(err))
		return
	}

	s.srv = srv
	s.ln = ln
	s.addr = ln.Addr().String()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("health server error", logx.Err(err))
		}
	}()
	s.log.Info("health endpoint up", logx.String("addr", s.addr))
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	type status struct {
		OK bool   `json:"ok"`
		DB string `json:"db"`
	}
	st := status{OK: true, DB: "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if sqlDB, err := s.db.DB(); err != nil {
		st.OK, st.DB = false, err.Error()
	} else if err := sqlDB.PingContext(ctx); err != nil {
		st.OK, st.DB = false, err.Error()
	}

	w.Header().Set("Content-Type", "application/json")
	if !st.OK {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(st)
}

// Stop shuts the listener down if it is running.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("health shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	if ln != nil {
		_ = ln.Close()
	}
}
