// Package main is our entry point.
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/gateway"
	"github.com/parley-chat/parley/internal/handler"
	ratelimiter "github.com/parley-chat/parley/internal/rate_limiter"
	"github.com/parley-chat/parley/internal/snowflake"
	"github.com/parley-chat/parley/internal/store"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.SetOutput(os.Stdout)

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Println("Starting application...")
	log.Println("Initializing Database connection...")

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		log.Fatalf("could not connect to the postgresql database: %v", err)
	}
	defer pool.Close()

	if err := store.Migrate(pool); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}

	gen, err := snowflake.NewGenerator(cfg.MachineID, cfg.ProcessID)
	if err != nil {
		log.Fatalf("snowflake: %v", err)
	}

	db := store.New(pool)
	gw := gateway.New(gateway.DefaultConfig(), auth.NewVerifier(cfg.JWTSecret), db, logger)
	go gw.Typing().Sweep(ctx, time.Second)

	api := handler.NewAPI(db, gw.Dispatcher(), gen, cfg.JWTSecret, cfg.JWTIssuer, logger)

	rl := ratelimiter.NewIPRateLimiter(10, time.Minute, ratelimiter.CleanupOpts{
		TTL:      10 * time.Minute,
		Interval: time.Minute,
	})
	defer rl.Cancel()

	server := &http.Server{
		Addr:              "0.0.0.0:" + cfg.Port,
		Handler:           handler.Router(api, gw, cfg.JWTSecret, rl),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		log.Printf("Server starting at 0.0.0.0:%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Printf("Shutdown signal received; shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Stop accepting connections, then tell connected clients to go away.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Println(err)
	}
	gw.Shutdown()
}
