package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheikh-saqib/wallet-ledger/internal/app"
	"github.com/sheikh-saqib/wallet-ledger/internal/config"
	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/projection"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Queue.Driver == "memory" {
		return errors.New("the projector needs a shared queue; set QUEUE_DRIVER to kafka or rabbitmq")
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync(context.Background())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers app.Closers
	defer func() {
		if err := closers.Close(); err != nil {
			logger.Log(context.Background(), logging.LevelWarn, "shutdown cleanup failed", logging.Err(err))
		}
	}()

	queue, err := app.OpenQueue(cfg.Queue, true, &closers)
	if err != nil {
		return err
	}
	index, err := app.OpenIndex(ctx, cfg.Index, &closers)
	if err != nil {
		return err
	}

	consumer := projection.NewConsumer(queue.Subscriber, queue.DeadLetter,
		projection.NewProjector(index, logger), logger, projection.ConsumerConfig{
			Workers:     cfg.Projection.Workers,
			BatchSize:   cfg.Projection.BatchSize,
			MaxAttempts: cfg.Projection.MaxAttempts,
		})

	logger.Log(ctx, logging.LevelInfo, "starting projector",
		logging.String("queue", cfg.Queue.Driver), logging.String("index", cfg.Index.Driver))
	if err := consumer.Run(ctx); err != nil {
		return err
	}

	stats := consumer.Stats()
	logger.Log(context.Background(), logging.LevelInfo, "projector stopped",
		logging.Int64("applied", stats.Applied),
		logging.Int64("skipped", stats.Skipped),
		logging.Int64("retried", stats.Retried),
		logging.Int64("dead_lettered", stats.DeadLettered))
	return nil
}
