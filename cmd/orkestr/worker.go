package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/orkestr/orkestr/internal/ai"
	"github.com/orkestr/orkestr/internal/config"
	"github.com/orkestr/orkestr/internal/engine"
	"github.com/orkestr/orkestr/internal/logging"
	"github.com/orkestr/orkestr/internal/queue"
	"github.com/orkestr/orkestr/internal/rules"
	"github.com/orkestr/orkestr/internal/store"
	"github.com/orkestr/orkestr/internal/watchdog"
	"github.com/orkestr/orkestr/pkg/schema"
)

func newWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the step execution worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorker()
		},
	}
}

func runWorker() error {
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

	registry, err := rules.NewRegistry()
	if err != nil {
		return fmt.Errorf("create rule engines: %w", err)
	}

	// The provider is resolved once at startup. Without a key every ai_task
	// fails fast instead of timing out against the API.
	var handle *ai.Handle
	if cfg.OpenAI.APIKey == "" {
		log.Warn("no openai api key configured, ai tasks will fail fast")
		handle = ai.NewUnavailableHandle("no openai api key configured")
	} else {
		handle = ai.NewHandle(ai.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model))
	}

	dispatch := engine.Dispatcher{
		schema.StepTypeCondition: engine.NewConditionExecutor(registry),
		schema.StepTypeAction:    engine.NewActionExecutor(log),
		schema.StepTypeAITask:    engine.NewAITaskExecutor(handle, cfg.AITimeout(), log),
		schema.StepTypeEnd:       engine.NewEndExecutor(),
	}
	runner := engine.NewRunner(st, q, dispatch, log)
	consumer := engine.NewConsumer(q, runner, cfg.Queue.Concurrency, log)

	wd, err := watchdog.New(st, cfg.Watchdog.Cron,
		time.Duration(cfg.Watchdog.ThresholdMinutes)*time.Minute, log)
	if err != nil {
		return fmt.Errorf("create watchdog: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Re-queue deliveries a crashed worker left in flight.
	if n, err := q.Recover(ctx); err != nil {
		return fmt.Errorf("recover in-flight jobs: %w", err)
	} else if n > 0 {
		log.Info("recovered in-flight jobs", "count", n)
	}

	if err := wd.Start(ctx); err != nil {
		return fmt.Errorf("start watchdog: %w", err)
	}
	defer wd.Stop()

	log.Info("worker started", "queue", cfg.Queue.Name, "concurrency", cfg.Queue.Concurrency)
	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("worker stopped")
	return nil
}
