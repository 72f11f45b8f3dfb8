// Package app builds the runtime components from configuration. Both
// binaries use it so a driver is wired the same way everywhere.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sheikh-saqib/wallet-ledger/internal/config"
	eventskafka "github.com/sheikh-saqib/wallet-ledger/internal/events/kafka"
	eventsmemory "github.com/sheikh-saqib/wallet-ledger/internal/events/memory"
	"github.com/sheikh-saqib/wallet-ledger/internal/events/rabbitmq"
	"github.com/sheikh-saqib/wallet-ledger/internal/idempotency"
	indexmemory "github.com/sheikh-saqib/wallet-ledger/internal/index/memory"
	indexmongo "github.com/sheikh-saqib/wallet-ledger/internal/index/mongo"
	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/storage/memory"
	"github.com/sheikh-saqib/wallet-ledger/internal/storage/postgres"
)

// LedgerStore is everything the processor and the outbox relay need from storage.
type LedgerStore interface {
	interfaces.LedgerStore
	interfaces.ReservationStore
	interfaces.OutboxStore
}

// Closers releases resources in reverse order of acquisition.
type Closers []func() error

func (c *Closers) Add(fn func() error) {
	*c = append(*c, fn)
}

func (c Closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		errs = append(errs, c[i]())
	}
	return errors.Join(errs...)
}

func NewLogger(cfg config.LoggingConfig) (*logging.ZapLogger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(level, cfg.Format)
}

func OpenStore(ctx context.Context, cfg config.StoreConfig, logger logging.Logger, closers *Closers) (LedgerStore, error) {
	switch cfg.Driver {
	case "memory":
		return memory.NewMemoryLedgerStore(), nil
	case "postgres":
		db, err := postgres.Open(ctx, cfg.PostgresDSN, cfg.MaxOpenConns)
		if err != nil {
			return nil, err
		}
		closers.Add(db.Close)

		if cfg.AutoMigrate {
			if err := postgres.Migrate(db); err != nil {
				return nil, err
			}
			logger.Log(ctx, logging.LevelInfo, "postgres schema up to date")
		}
		return postgres.NewPostgresLedgerStore(db), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// OpenResultCache returns nil when no Redis address is configured.
func OpenResultCache(ctx context.Context, cfg config.RedisConfig, closers *Closers) (idempotency.ResultCache, error) {
	if cfg.Addr == "" {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	closers.Add(client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return idempotency.NewRedisCache(client, cfg.CacheTTL), nil
}

// Queue groups the three sides of one transport. Subscriber is nil unless
// consuming was requested.
type Queue struct {
	Publisher  interfaces.EventPublisher
	Subscriber interfaces.EventSubscriber
	DeadLetter interfaces.DeadLetterPublisher
}

func OpenQueue(cfg config.QueueConfig, consume bool, closers *Closers) (Queue, error) {
	switch cfg.Driver {
	case "memory":
		q := eventsmemory.NewQueue(eventsmemory.WithVisibilityTimeout(cfg.VisibilityTimeout))
		return Queue{Publisher: q, Subscriber: q, DeadLetter: q}, nil

	case "kafka":
		pub := eventskafka.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaDLQTopic)
		closers.Add(pub.Close)
		queue := Queue{Publisher: pub, DeadLetter: pub}
		if consume {
			sub := eventskafka.NewSubscriber(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID)
			closers.Add(sub.Close)
			queue.Subscriber = sub
		}
		return queue, nil

	case "rabbitmq":
		broker, err := rabbitmq.Dial(cfg.RabbitURL, rabbitmq.Topology{
			Exchange: cfg.RabbitExchange,
			Queue:    cfg.RabbitQueue,
			DLX:      cfg.RabbitDLX,
			DLQ:      cfg.RabbitDLQ,
		}, cfg.RabbitPrefetch, consume)
		if err != nil {
			return Queue{}, err
		}
		closers.Add(broker.Close)
		queue := Queue{Publisher: broker, DeadLetter: broker}
		if consume {
			queue.Subscriber = broker
		}
		return queue, nil

	default:
		return Queue{}, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

func OpenIndex(ctx context.Context, cfg config.IndexConfig, closers *Closers) (interfaces.IndexStore, error) {
	switch cfg.Driver {
	case "memory":
		return indexmemory.NewMemoryIndexStore(), nil
	case "mongo":
		client, err := indexmongo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			return nil, err
		}
		closers.Add(func() error { return client.Disconnect(context.Background()) })

		store := indexmongo.NewMongoIndexStore(client.Database(cfg.MongoDatabase))
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown index driver %q", cfg.Driver)
	}
}
