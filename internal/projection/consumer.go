package projection

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"
	"golang.org/x/sync/errgroup"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

const settleTimeout = 5 * time.Second

type ConsumerConfig struct {
	Workers     int
	BatchSize   int
	MaxAttempts int
	// ReceiveBackoff bounds the pause after a failed Receive.
	ReceiveBackoff time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Workers:        4,
		BatchSize:      10,
		MaxAttempts:    5,
		ReceiveBackoff: 2 * time.Second,
	}
}

// Stats counts deliveries by outcome since the consumer started.
type Stats struct {
	Applied      int64
	Skipped      int64
	Retried      int64
	DeadLettered int64
}

// Consumer drains the event queue into the projector. A delivery is acked
// only after the index write returned, so a crash means redelivery, never loss.
type Consumer struct {
	subscriber interfaces.EventSubscriber
	deadLetter interfaces.DeadLetterPublisher
	projector  *Projector
	logger     logging.Logger
	cfg        ConsumerConfig

	applied      atomic.Int64
	skipped      atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

func NewConsumer(sub interfaces.EventSubscriber, dlq interfaces.DeadLetterPublisher, projector *Projector, logger logging.Logger, cfg ConsumerConfig) *Consumer {
	def := DefaultConsumerConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.ReceiveBackoff <= 0 {
		cfg.ReceiveBackoff = def.ReceiveBackoff
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &Consumer{
		subscriber: sub,
		deadLetter: dlq,
		projector:  projector,
		logger:     logger,
		cfg:        cfg,
	}
}

// Run blocks until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Log(ctx, logging.LevelInfo, "projection consumer started",
		logging.Int("workers", c.cfg.Workers),
		logging.Int("batch_size", c.cfg.BatchSize))

	g, ctx := errgroup.WithContext(ctx)
	for worker := range c.cfg.Workers {
		g.Go(func() error {
			c.work(ctx, worker)
			return nil
		})
	}
	err := g.Wait()

	c.logger.Log(context.WithoutCancel(ctx), logging.LevelInfo, "projection consumer stopped")
	return err
}

func (c *Consumer) work(ctx context.Context, worker int) {
	failures := 0
	for ctx.Err() == nil {
		batch, err := c.subscriber.Receive(ctx, c.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Log(ctx, logging.LevelWarn, "receive failed",
				logging.Int("worker", worker), logging.Err(err))

			delay := backoff.FullJitter(min(backoff.Exponential(100*time.Millisecond, failures), c.cfg.ReceiveBackoff))
			failures++
			if backoff.SleepWithContext(ctx, delay) != nil {
				return
			}
			continue
		}
		failures = 0

		for _, d := range batch {
			c.Handle(ctx, d)
		}
	}
}

// Handle projects one delivery and settles it with the queue.
func (c *Consumer) Handle(ctx context.Context, d interfaces.Delivery) {
	err := c.project(ctx, d)

	// settling must happen even when shutdown cancelled ctx mid-delivery
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if err == nil {
		if ackErr := c.subscriber.Ack(settleCtx, d); ackErr != nil {
			c.logger.Log(ctx, logging.LevelWarn, "ack failed, delivery will be redelivered",
				logging.String("delivery_id", d.ID), logging.Err(ackErr))
		}
		return
	}

	if d.Attempt >= c.cfg.MaxAttempts && ctx.Err() == nil {
		c.bury(ctx, settleCtx, d, err)
		return
	}

	c.retried.Add(1)
	c.logger.Log(ctx, logging.LevelWarn, "projection failed, delivery will be retried",
		logging.String("delivery_id", d.ID),
		logging.Int("attempt", d.Attempt),
		logging.Err(err))
	if nackErr := c.subscriber.Nack(settleCtx, d); nackErr != nil {
		c.logger.Log(ctx, logging.LevelWarn, "nack failed",
			logging.String("delivery_id", d.ID), logging.Err(nackErr))
	}
}

func (c *Consumer) project(ctx context.Context, d interfaces.Delivery) error {
	event, err := events.Decode(d.Body)
	if err != nil {
		return err
	}

	skipped, err := c.projector.Apply(ctx, event)
	if err != nil {
		return err
	}
	if skipped {
		c.skipped.Add(1)
	} else {
		c.applied.Add(1)
	}
	return nil
}

// bury dead-letters a delivery that used up its attempts and acks it so it
// stops blocking the queue. If the dead letter cannot be written the delivery
// is nacked instead and buried on a later attempt.
func (c *Consumer) bury(ctx, settleCtx context.Context, d interfaces.Delivery, cause error) {
	dl := events.NewDeadLetter(d.Body, d.Attempt, cause)

	if c.deadLetter == nil {
		err := errors.New("no dead-letter destination configured")
		c.logger.Log(ctx, logging.LevelError, "dead-lettering failed",
			logging.String("delivery_id", d.ID), logging.Err(err))
		_ = c.subscriber.Nack(settleCtx, d)
		return
	}
	if err := c.deadLetter.DeadLetter(settleCtx, dl); err != nil {
		c.logger.Log(ctx, logging.LevelError, "dead-lettering failed",
			logging.String("delivery_id", d.ID), logging.Err(err))
		_ = c.subscriber.Nack(settleCtx, d)
		return
	}

	c.deadLettered.Add(1)
	c.logger.Log(ctx, logging.LevelError, "event dead-lettered",
		logging.String("delivery_id", d.ID),
		logging.String("event_id", dl.EventID),
		logging.Int("failure_count", dl.FailureCount),
		logging.String("last_error", dl.LastError))

	if err := c.subscriber.Ack(settleCtx, d); err != nil {
		c.logger.Log(ctx, logging.LevelWarn, "ack after dead-letter failed",
			logging.String("delivery_id", d.ID), logging.Err(err))
	}
}

func (c *Consumer) Stats() Stats {
	return Stats{
		Applied:      c.applied.Load(),
		Skipped:      c.skipped.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}
