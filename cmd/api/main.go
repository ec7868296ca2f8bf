package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"escrowflow/db"
	"escrowflow/dispute"
	"escrowflow/escrow"
	"escrowflow/gateway"
	"escrowflow/identity"
	"escrowflow/milestone"
	"escrowflow/platform"
	"escrowflow/project"
)

func main() {
	log := newLogger(os.Getenv("LOG_LEVEL"))

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		log.Fatal().Msg("JWT_SECRET is required")
	}
	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		log.Fatal().Err(err).Msg("bootstrap database pool")
	}
	defer pool.Close()

	settings := platform.NewRepository(pool)
	gw := gateway.NewLoggingGateway(log.With().Str("component", "gateway").Logger())
	ledger := escrow.NewLedger(pool, settings, gw)
	milestones := milestone.NewService(pool, nil, ledger)

	server := &Server{
		log:        log,
		identities: identity.NewService(identity.NewRepository(pool), secret),
		projects:   project.NewService(pool),
		milestones: milestones,
		disputes:   dispute.NewService(pool, nil, nil, ledger),
		settings:   settings,
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("addr", addr).Msg("api listening")
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("serve")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
