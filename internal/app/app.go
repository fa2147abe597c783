package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/heimdall-id/heimdall/internal/account"
	"github.com/heimdall-id/heimdall/internal/api"
	"github.com/heimdall-id/heimdall/internal/membership"
	"github.com/heimdall-id/heimdall/internal/passkey"
	"github.com/heimdall-id/heimdall/internal/project"
	"github.com/heimdall-id/heimdall/internal/session"
	"github.com/heimdall-id/heimdall/internal/social"
	"github.com/heimdall-id/heimdall/internal/storage/sqlite"
)

// Server hosts the identity HTTP API over a SQLite-backed store.
type Server struct {
	cfg        Config
	store      *sqlite.Store
	listener   net.Listener
	httpServer *http.Server
}

// New opens the store, wires the services, and binds the listener.
func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	if err := bootstrapProject(context.Background(), store, cfg.BootstrapProject); err != nil {
		_ = store.Close()
		return nil, err
	}

	codec := session.NewCodec([]byte(cfg.JWTSecret), cfg.AccessTokenTTL)
	issuer := session.NewIssuer(codec, store, store, store, cfg.RefreshTokenTTL)
	memberships := membership.NewService(store, store, store, store, store)
	accounts := account.NewService(store, store, issuer)
	passkeys := passkey.NewService(passkey.LoadConfigFromEnv(), store, store, store, store, memberships, issuer)
	socials := social.NewService(store, store, store, store, social.NewExchanger(), issuer)

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.Addr, err)
	}

	handler := api.NewServer(store, codec, accounts, issuer, memberships, passkeys, socials).Handler()
	return &Server{
		cfg:      cfg,
		store:    store,
		listener: listener,
		httpServer: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve blocks until the server stops or the context ends. The expiry
// cleanup loop runs alongside for the lifetime of the context.
func (s *Server) Serve(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cleanupCtx, stopCleanup := context.WithCancel(ctx)
	defer stopCleanup()
	go s.cleanupLoop(cleanupCtx)

	log.Printf("server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(s.listener)
	}()

	handleErr := func(err error) error {
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}

	var err error
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if shutdownErr := s.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Printf("shutdown http server: %v", shutdownErr)
		}
		err = handleErr(<-serveErr)
	case serveResult := <-serveErr:
		err = handleErr(serveResult)
	}

	if closeErr := s.store.Close(); closeErr != nil {
		log.Printf("close store: %v", closeErr)
	}
	return err
}

// Run creates a server from config and serves until the context ends.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

func (s *Server) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.CleanupExpired(ctx, time.Now()); err != nil {
				log.Printf("cleanup expired records: %v", err)
			}
		}
	}
}

// bootstrapProject seeds a first tenant when the store is empty. The API key
// exists nowhere else, so it is logged for the operator to capture.
func bootstrapProject(ctx context.Context, store *sqlite.Store, name string) error {
	if name == "" {
		return nil
	}
	count, err := store.CountProjects(ctx)
	if err != nil {
		return fmt.Errorf("count projects: %w", err)
	}
	if count > 0 {
		return nil
	}
	p, err := project.CreateProject(name, nil, nil)
	if err != nil {
		return fmt.Errorf("create bootstrap project: %w", err)
	}
	if err := store.PutProject(ctx, p); err != nil {
		return fmt.Errorf("store bootstrap project: %w", err)
	}
	log.Printf("bootstrapped project %s (%s) with api key %s", p.Name, p.ID, p.APIKey)
	return nil
}
