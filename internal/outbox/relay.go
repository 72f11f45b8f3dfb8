// Package outbox republishes ledger events whose direct publish failed.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"

	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
)

var tracer = otel.Tracer("github.com/sheikh-saqib/wallet-ledger/internal/outbox")

type Config struct {
	Interval  time.Duration
	BatchSize int
	// BreakerFailures consecutive publish failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	// MaxAttempts failed publishes move an event out of the outbox and onto
	// the dead-letter queue.
	MaxAttempts int
}

func DefaultConfig() Config {
	return Config{
		Interval:        2 * time.Second,
		BatchSize:       100,
		BreakerFailures: 5,
		BreakerTimeout:  30 * time.Second,
		MaxAttempts:     10,
	}
}

// DispatchResult summarizes one pass over the outbox.
type DispatchResult struct {
	Published    int
	Failed       int
	DeadLettered int
	BreakerOpen  bool
}

type Relay struct {
	outbox    interfaces.OutboxStore
	publisher interfaces.EventPublisher
	dlq       interfaces.DeadLetterPublisher
	breaker   *gobreaker.CircuitBreaker
	logger    logging.Logger
	cfg       Config
	now       func() time.Time
}

// NewRelay builds a relay. dlq may be nil; exhausted events are then only
// flagged in the outbox.
func NewRelay(store interfaces.OutboxStore, publisher interfaces.EventPublisher, dlq interfaces.DeadLetterPublisher, logger logging.Logger, cfg Config) *Relay {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	r := &Relay{
		outbox:    store,
		publisher: publisher,
		dlq:       dlq,
		logger:    logger,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "outbox-publisher",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Log(context.Background(), logging.LevelWarn, "circuit breaker state changed",
				logging.String("breaker", name),
				logging.String("from", from.String()),
				logging.String("to", to.String()))
		},
	})
	return r
}

// DispatchOnce publishes one batch of pending events, fewest attempts first.
// An open breaker ends the pass early; the remaining events wait for the next
// one. Undecodable payloads never reach the breaker and are dead-lettered at once.
func (r *Relay) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	ctx, span := tracer.Start(ctx, "outbox.dispatch")
	defer span.End()

	var result DispatchResult

	records, err := r.outbox.ListPendingEvents(ctx, r.cfg.BatchSize)
	if err != nil {
		return result, fmt.Errorf("list pending events: %w", err)
	}

	for _, rec := range records {
		event, err := events.Decode(rec.Payload)
		if err != nil {
			r.logger.Log(ctx, logging.LevelError, "outbox payload cannot be decoded",
				logging.String("event_id", rec.EventID), logging.Err(err))
			r.deadLetter(ctx, rec, err)
			result.DeadLettered++
			continue
		}

		_, err = r.breaker.Execute(func() (any, error) {
			return nil, r.publisher.Publish(ctx, event)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result.BreakerOpen = true
			break
		}
		if err != nil {
			if rec.Attempts+1 >= r.cfg.MaxAttempts {
				r.deadLetter(ctx, rec, err)
				result.DeadLettered++
				continue
			}
			r.markFailed(ctx, rec.EventID, err)
			result.Failed++
			continue
		}

		if err := r.outbox.MarkEventPublished(ctx, rec.EventID, r.now()); err != nil {
			// published but not marked: the next pass publishes it again,
			// which consumers tolerate
			return result, fmt.Errorf("mark event %s published: %w", rec.EventID, err)
		}
		result.Published++
	}
	return result, nil
}

func (r *Relay) markFailed(ctx context.Context, eventID string, cause error) {
	if err := r.outbox.MarkEventFailed(ctx, eventID, cause.Error()); err != nil {
		r.logger.Log(ctx, logging.LevelWarn, "recording outbox failure failed",
			logging.String("event_id", eventID), logging.Err(err))
	}
}

// deadLetter settles an event the relay gives up on. The outbox flag is
// written even when the dead-letter queue is unreachable, so the row stops
// competing with healthy events either way.
func (r *Relay) deadLetter(ctx context.Context, rec models.OutboxRecord, cause error) {
	attempts := rec.Attempts + 1
	r.logger.Log(ctx, logging.LevelWarn, "outbox event dead-lettered",
		logging.String("event_id", rec.EventID),
		logging.Int("attempts", attempts),
		logging.Err(cause))

	if r.dlq != nil {
		if err := r.dlq.DeadLetter(ctx, events.NewDeadLetter(rec.Payload, attempts, cause)); err != nil {
			r.logger.Log(ctx, logging.LevelError, "dead-letter publish failed, event kept in outbox only",
				logging.String("event_id", rec.EventID), logging.Err(err))
		}
	}
	if err := r.outbox.MarkEventDeadLettered(ctx, rec.EventID, cause.Error()); err != nil {
		r.logger.Log(ctx, logging.LevelWarn, "recording outbox dead letter failed",
			logging.String("event_id", rec.EventID), logging.Err(err))
	}
}

// Run dispatches every Interval until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		result, err := r.DispatchOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			r.logger.Log(ctx, logging.LevelWarn, "outbox dispatch failed", logging.Err(err))
		case result.Published > 0 || result.Failed > 0 || result.DeadLettered > 0 || result.BreakerOpen:
			r.logger.Log(ctx, logging.LevelInfo, "outbox dispatched",
				logging.Int("published", result.Published),
				logging.Int("failed", result.Failed),
				logging.Int("dead_lettered", result.DeadLettered),
				logging.Bool("breaker_open", result.BreakerOpen))
		}
	}
}

// State reports the breaker state for health checks.
func (r *Relay) State() string {
	return r.breaker.State().String()
}
