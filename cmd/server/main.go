package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/sheikh-saqib/wallet-ledger/internal/app"
	"github.com/sheikh-saqib/wallet-ledger/internal/config"
	"github.com/sheikh-saqib/wallet-ledger/internal/idempotency"
	"github.com/sheikh-saqib/wallet-ledger/internal/ledger"
	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/outbox"
	"github.com/sheikh-saqib/wallet-ledger/internal/projection"
	"github.com/sheikh-saqib/wallet-ledger/internal/server"
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

	store, err := app.OpenStore(ctx, cfg.Store, logger, &closers)
	if err != nil {
		return err
	}

	cache, err := app.OpenResultCache(ctx, cfg.Redis, &closers)
	if err != nil {
		return err
	}
	guardOpts := []idempotency.Option{
		idempotency.WithLeaseTTL(cfg.Ledger.LeaseTTL),
		idempotency.WithLogger(logger),
	}
	if cache != nil {
		guardOpts = append(guardOpts, idempotency.WithResultCache(cache))
	}
	guard := idempotency.NewGuard(store, guardOpts...)

	// the memory queue only exists inside this process, so the projection
	// runs here too
	inProcess := cfg.Queue.Driver == "memory"
	queue, err := app.OpenQueue(cfg.Queue, inProcess, &closers)
	if err != nil {
		return err
	}

	processor := ledger.NewProcessor(store, guard,
		ledger.WithPublisher(queue.Publisher, store),
		ledger.WithLogger(logger),
		ledger.WithConfig(ledger.Config{
			MaxAttempts:    cfg.Ledger.MaxAttempts,
			RetryBaseDelay: cfg.Ledger.RetryBaseDelay,
			RetryMaxDelay:  cfg.Ledger.RetryMaxDelay,
		}),
	)

	relay := outbox.NewRelay(store, queue.Publisher, queue.DeadLetter, logger, outbox.Config{
		Interval:        cfg.Outbox.Interval,
		BatchSize:       cfg.Outbox.BatchSize,
		BreakerFailures: cfg.Outbox.BreakerFailures,
		BreakerTimeout:  cfg.Outbox.BreakerTimeout,
		MaxAttempts:     cfg.Outbox.MaxAttempts,
	})

	serverOpts := []server.Option{
		server.WithLogger(logger),
		server.WithHealth(func(context.Context) map[string]string {
			return map[string]string{"outbox": relay.State()}
		}),
	}

	g, ctx := errgroup.WithContext(ctx)

	if inProcess || cfg.Index.Driver == "mongo" {
		index, err := app.OpenIndex(ctx, cfg.Index, &closers)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, server.WithSearcher(index))

		if inProcess {
			consumer := projection.NewConsumer(queue.Subscriber, queue.DeadLetter,
				projection.NewProjector(index, logger), logger, projectionConfig(cfg))
			g.Go(func() error { return consumer.Run(ctx) })
		}
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      server.New(processor, serverOpts...).Handler(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g.Go(func() error { return relay.Run(ctx) })

	g.Go(func() error {
		logger.Log(ctx, logging.LevelInfo, "starting server", logging.String("addr", cfg.HTTP.Addr),
			logging.String("store", cfg.Store.Driver), logging.String("queue", cfg.Queue.Driver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		logger.Log(shutdownCtx, logging.LevelInfo, "shutting down server")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func projectionConfig(cfg config.Config) projection.ConsumerConfig {
	return projection.ConsumerConfig{
		Workers:     cfg.Projection.Workers,
		BatchSize:   cfg.Projection.BatchSize,
		MaxAttempts: cfg.Projection.MaxAttempts,
	}
}
