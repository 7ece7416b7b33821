package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/taskpass/internal/services/auth/api/rest"
	"github.com/louisbranch/taskpass/internal/services/auth/passkey"
	"github.com/louisbranch/taskpass/internal/services/auth/session"
	"github.com/louisbranch/taskpass/internal/services/auth/storage"
	"github.com/louisbranch/taskpass/internal/services/auth/storage/memory"
	"github.com/louisbranch/taskpass/internal/services/auth/storage/sqlite"
)

// Server hosts the auth HTTP API.
type Server struct {
	listener   net.Listener
	httpServer *http.Server
	store      storage.Store
}

// New creates a configured auth server listening on the provided address.
func New(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	store, err := openStore()
	if err != nil {
		_ = listener.Close()
		return nil, err
	}

	passkeyConfig, err := passkey.LoadConfigFromEnv()
	if err != nil {
		_ = listener.Close()
		closeStore(store)
		return nil, err
	}

	engine, err := passkey.NewEngine(store, passkeyConfig)
	if err != nil {
		_ = listener.Close()
		closeStore(store)
		return nil, fmt.Errorf("build ceremony engine: %w", err)
	}

	sessions := session.NewManager(store, session.WithTTL(sessionTTLFromEnv()))
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	handler := rest.NewHandler(engine, sessions, logger, passkeyConfig.Environment == passkey.EnvProduction)

	return &Server{
		listener:   listener,
		httpServer: &http.Server{Handler: handler.Routes()},
		store:      store,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run creates and serves an auth server until the context ends.
func Run(ctx context.Context, addr string) error {
	authServer, err := New(addr)
	if err != nil {
		return err
	}
	return authServer.Serve(ctx)
}

// Serve starts the server and blocks until it stops or the context ends.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	defer closeStore(s.store)

	log.Printf("auth server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		err := <-serveErr
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve HTTP: %w", err)
	}
}

// openStore selects the storage backend. TASKPASS_STORAGE=memory keeps
// everything in process for development; anything else opens SQLite at
// TASKPASS_DB_PATH.
func openStore() (storage.Store, error) {
	if strings.EqualFold(strings.TrimSpace(os.Getenv("TASKPASS_STORAGE")), "memory") {
		return memory.New(), nil
	}

	path := strings.TrimSpace(os.Getenv("TASKPASS_DB_PATH"))
	if path == "" {
		path = filepath.Join("data", "taskpass.db")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open auth sqlite store: %w", err)
	}
	return store, nil
}

func closeStore(store storage.Store) {
	closer, ok := store.(interface{ Close() error })
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Printf("close auth store: %v", err)
	}
}

func sessionTTLFromEnv() time.Duration {
	raw := strings.TrimSpace(os.Getenv("TASKPASS_SESSION_TTL"))
	if raw == "" {
		return session.DefaultTTL
	}
	ttl, err := time.ParseDuration(raw)
	if err != nil || ttl <= 0 {
		log.Printf("invalid TASKPASS_SESSION_TTL %q, using default", raw)
		return session.DefaultTTL
	}
	return ttl
}
