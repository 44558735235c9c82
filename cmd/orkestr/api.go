package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/orkestr/orkestr/internal/config"
	"github.com/orkestr/orkestr/internal/logging"
	"github.com/orkestr/orkestr/internal/queue"
	"github.com/orkestr/orkestr/internal/server"
	"github.com/orkestr/orkestr/internal/store"
	"github.com/orkestr/orkestr/internal/validation"
)

const shutdownTimeout = 15 * time.Second

func newAPICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "api",
		Short: "Run the HTTP control plane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAPI()
		},
	}
}

func runAPI() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := logging.New(cfg.LogLevel)

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(context.Background()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), cfg.Queue.Name)
	defer q.Close()

	validator, err := validation.NewValidator()
	if err != nil {
		return fmt.Errorf("create validator: %w", err)
	}

	srv := server.New(st, q, validator, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.ListenAddr) }()
	log.Info("api listening", "addr", cfg.ListenAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down api")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
