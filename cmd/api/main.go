package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/cligate/cligate/internal/config"
	"github.com/cligate/cligate/internal/handler"
	"github.com/cligate/cligate/internal/service/backend"
	"github.com/cligate/cligate/internal/service/chat"
	modelService "github.com/cligate/cligate/internal/service/model"
	"github.com/cligate/cligate/internal/store"
	"github.com/cligate/cligate/internal/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: failed to load .env file: %v", err)
		log.Println("continuing with system environment variables only")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	sessionStore, err := sqlite.New(ctx, cfg.Store.DatabasePath, cfg.Store.SessionTTL)
	if err != nil {
		log.Fatalf("failed to open session store: %v", err)
	}
	defer sessionStore.Close()
	log.Printf("session store ready at %s (ttl=%s)", cfg.Store.DatabasePath, cfg.Store.SessionTTL)

	go runCleanupLoop(ctx, sessionStore, cfg.Store.CleanupInterval)

	runner := backend.NewCLIRunner(cfg.Backend.Command, cfg.Backend.Args...)
	resolver := modelService.NewResolver(cfg.Models.Supported, cfg.Models.Default)
	orchestrator := chat.NewOrchestrator(sessionStore, runner, resolver)

	router := handler.NewRouter(orchestrator, resolver)

	startServer(ctx, cfg.Server, router)
}

// runCleanupLoop periodically removes expired sessions. Expired sessions are
// already invisible to lookups; this only reclaims storage.
func runCleanupLoop(ctx context.Context, sessionStore store.SessionStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sessionStore.CleanupExpired(ctx)
			if err != nil {
				log.Printf("[store] session cleanup failed: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("[store] removed %d expired sessions", n)
			}
		}
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	log.Printf("cligate listening on %s", addr)
	if err := runServer(ctx, srv); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
