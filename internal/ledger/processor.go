package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/LerianStudio/lib-uncommons/v2/uncommons/backoff"

	"github.com/sheikh-saqib/wallet-ledger/internal/idempotency"
	interfaces "github.com/sheikh-saqib/wallet-ledger/internal/interfaces"
	"github.com/sheikh-saqib/wallet-ledger/internal/logging"
	"github.com/sheikh-saqib/wallet-ledger/internal/models"
	"github.com/sheikh-saqib/wallet-ledger/internal/models/events"
	"github.com/sheikh-saqib/wallet-ledger/internal/storage"
)

// Reject reasons stored on REJECTED transactions.
const (
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonAccountClosed       = "account_closed"
)

const releaseTimeout = 5 * time.Second

var errRetriesExhausted = errors.New("version conflict retries exhausted")

// Reserver is the idempotency guard as seen by the processor.
type Reserver interface {
	Reserve(ctx context.Context, accountID, requestKey string, amount int64) (idempotency.Reservation, error)
	Release(ctx context.Context, transactionID string) error
	Complete(ctx context.Context, tx models.Transaction)
}

// Config bounds the optimistic concurrency loop.
type Config struct {
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:    8,
		RetryBaseDelay: 5 * time.Millisecond,
		RetryMaxDelay:  250 * time.Millisecond,
	}
}

// Result is what a caller learns about a processed request.
type Result struct {
	TransactionID    string                   `json:"transactionId"`
	AccountID        string                   `json:"accountId"`
	RequestKey       string                   `json:"requestKey"`
	Amount           int64                    `json:"amount"`
	Status           models.TransactionStatus `json:"status"`
	ResultingBalance int64                    `json:"resultingBalance"`
	Replayed         bool                     `json:"replayed"`
}

// Processor is the only writer of account balances. Writes to one account are
// serialized by the store's version check; nothing here holds a lock.
type Processor struct {
	store     interfaces.LedgerStore
	guard     Reserver
	publisher interfaces.EventPublisher
	outbox    interfaces.OutboxStore
	logger    logging.Logger
	tracer    trace.Tracer
	cfg       Config
}

type Option func(*Processor)

// WithPublisher publishes events right after commit and marks them in the
// outbox. Without it every event is left for the outbox relay.
func WithPublisher(publisher interfaces.EventPublisher, outbox interfaces.OutboxStore) Option {
	return func(p *Processor) {
		p.publisher = publisher
		p.outbox = outbox
	}
}

func WithLogger(logger logging.Logger) Option {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

func WithConfig(cfg Config) Option {
	return func(p *Processor) {
		if cfg.MaxAttempts > 0 {
			p.cfg = cfg
		}
	}
}

func NewProcessor(store interfaces.LedgerStore, guard Reserver, opts ...Option) *Processor {
	p := &Processor{
		store:  store,
		guard:  guard,
		logger: logging.NewNop(),
		tracer: otel.Tracer("github.com/sheikh-saqib/wallet-ledger/internal/ledger"),
		cfg:    DefaultConfig(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Process applies amount to the account once per (accountID, requestKey).
// Repeating a completed request returns the recorded outcome unchanged.
func (p *Processor) Process(ctx context.Context, accountID, requestKey string, amount int64) (Result, error) {
	ctx, span := p.tracer.Start(ctx, "ledger.process", trace.WithAttributes(
		attribute.String("ledger.account_id", accountID),
		attribute.Int64("ledger.amount", amount),
	))
	defer span.End()

	result, err := p.process(ctx, accountID, requestKey, amount)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ErrTransient) {
			span.SetStatus(codes.Error, "transient")
		}
	}
	span.SetAttributes(attribute.String("ledger.status", string(result.Status)), attribute.Bool("ledger.replayed", result.Replayed))
	return result, err
}

func (p *Processor) process(ctx context.Context, accountID, requestKey string, amount int64) (Result, error) {
	switch {
	case strings.TrimSpace(accountID) == "":
		return Result{}, fmt.Errorf("%w: account id is required", ErrInvalidRequest)
	case strings.TrimSpace(requestKey) == "":
		return Result{}, fmt.Errorf("%w: request key is required", ErrInvalidRequest)
	case amount == 0:
		return Result{}, fmt.Errorf("%w: amount must not be zero", ErrInvalidRequest)
	}

	reservation, err := p.guard.Reserve(ctx, accountID, requestKey, amount)
	if err != nil {
		return Result{}, outward(err)
	}

	switch reservation.Outcome {
	case idempotency.AlreadyCompleted:
		return replay(reservation.Transaction)
	case idempotency.AlreadyInFlight:
		return resultOf(reservation.Transaction, false), ErrDuplicateInFlight
	}

	tx := reservation.Transaction
	acct, err := p.apply(ctx, tx)

	switch {
	case err == nil:
		tx.Status = models.TransactionApplied
		tx.ResultingBalance = acct.Balance
		tx.Version = acct.Version
		tx.LeaseExpiresAt = time.Time{}
		tx.UpdatedAt = acct.UpdatedAt

		p.logger.Log(ctx, logging.LevelInfo, "transaction applied",
			logging.String("account_id", tx.AccountID),
			logging.String("transaction_id", tx.ID),
			logging.Int64("amount", tx.Amount),
			logging.Int64("version", tx.Version))

		p.publish(ctx, events.NewLedgerEvent(tx, acct.Currency))
		p.guard.Complete(ctx, tx)
		return resultOf(tx, false), nil

	case errors.Is(err, storage.ErrInsufficientBalance):
		return p.reject(ctx, tx, ReasonInsufficientBalance)

	case errors.Is(err, storage.ErrAccountClosed):
		return p.reject(ctx, tx, ReasonAccountClosed)

	case errors.Is(err, storage.ErrTransactionFinal):
		// an earlier holder of an expired lease finished this transaction
		final, getErr := p.store.GetTransaction(ctx, tx.ID)
		if getErr != nil {
			return Result{}, outward(getErr)
		}
		return replay(final)

	default:
		p.release(ctx, tx.ID)
		p.logger.Log(ctx, logging.LevelWarn, "transaction left pending",
			logging.String("account_id", tx.AccountID),
			logging.String("transaction_id", tx.ID),
			logging.Err(err))
		return resultOf(tx, false), outward(err)
	}
}

// apply runs the optimistic concurrency loop: read the version, write
// conditioned on it, and on conflict back off and try again.
func (p *Processor) apply(ctx context.Context, tx models.Transaction) (models.Account, error) {
	for attempt := 0; attempt < p.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithContext(ctx, p.retryDelay(attempt-1)); err != nil {
				return models.Account{}, err
			}
		}

		acct, err := p.store.GetAccount(ctx, tx.AccountID)
		if err != nil {
			return models.Account{}, err
		}

		acct, err = p.store.ApplyMutation(ctx, models.Mutation{
			AccountID:       tx.AccountID,
			ExpectedVersion: acct.Version,
			Delta:           tx.Amount,
			TransactionID:   tx.ID,
		})
		if errors.Is(err, storage.ErrVersionConflict) {
			p.logger.Log(ctx, logging.LevelDebug, "version conflict, retrying",
				logging.String("account_id", tx.AccountID),
				logging.Int("attempt", attempt+1))
			continue
		}
		return acct, err
	}
	return models.Account{}, errRetriesExhausted
}

// retryDelay is full jitter over exponential growth capped at RetryMaxDelay.
func (p *Processor) retryDelay(attempt int) time.Duration {
	delay := backoff.Exponential(p.cfg.RetryBaseDelay, attempt)
	if p.cfg.RetryMaxDelay > 0 {
		delay = min(delay, p.cfg.RetryMaxDelay)
	}
	return backoff.FullJitter(delay)
}

func (p *Processor) reject(ctx context.Context, tx models.Transaction, reason string) (Result, error) {
	rejected, err := p.store.RejectTransaction(ctx, tx.ID, reason)
	if errors.Is(err, storage.ErrTransactionFinal) {
		final, getErr := p.store.GetTransaction(ctx, tx.ID)
		if getErr != nil {
			return Result{}, outward(getErr)
		}
		return replay(final)
	}
	if err != nil {
		p.release(ctx, tx.ID)
		return resultOf(tx, false), outward(err)
	}

	p.logger.Log(ctx, logging.LevelInfo, "transaction rejected",
		logging.String("account_id", tx.AccountID),
		logging.String("transaction_id", tx.ID),
		logging.String("reason", reason))

	p.guard.Complete(ctx, rejected)
	return resultOf(rejected, false), rejectionError(reason)
}

// publish is best effort: the event is already in the outbox, so a failure
// here only delays projection until the relay picks it up.
func (p *Processor) publish(ctx context.Context, event events.LedgerEvent) {
	if p.publisher == nil {
		return
	}

	if err := p.publisher.Publish(ctx, event); err != nil {
		p.logger.Log(ctx, logging.LevelWarn, "publish failed, leaving event to the outbox relay",
			logging.String("event_id", event.EventID), logging.Err(err))
		return
	}

	if p.outbox == nil {
		return
	}
	if err := p.outbox.MarkEventPublished(ctx, event.EventID, time.Now().UTC()); err != nil {
		p.logger.Log(ctx, logging.LevelWarn, "mark event published failed",
			logging.String("event_id", event.EventID), logging.Err(err))
	}
}

// release must run even when ctx is already cancelled.
func (p *Processor) release(ctx context.Context, transactionID string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	if err := p.guard.Release(releaseCtx, transactionID); err != nil {
		p.logger.Log(ctx, logging.LevelWarn, "release reservation failed, lease will expire",
			logging.String("transaction_id", transactionID), logging.Err(err))
	}
}

func replay(tx models.Transaction) (Result, error) {
	result := resultOf(tx, true)
	if tx.Status == models.TransactionRejected {
		return result, rejectionError(tx.RejectReason)
	}
	return result, nil
}

func resultOf(tx models.Transaction, replayed bool) Result {
	return Result{
		TransactionID:    tx.ID,
		AccountID:        tx.AccountID,
		RequestKey:       tx.RequestKey,
		Amount:           tx.Amount,
		Status:           tx.Status,
		ResultingBalance: tx.ResultingBalance,
		Replayed:         replayed,
	}
}

func rejectionError(reason string) error {
	if reason == ReasonAccountClosed {
		return ErrAccountClosed
	}
	return ErrInsufficientBalance
}

// outward maps store errors to the closed set of processor errors.
func outward(err error) error {
	switch {
	case errors.Is(err, storage.ErrAccountNotFound):
		return ErrAccountNotFound
	case errors.Is(err, storage.ErrAccountExists):
		return ErrAccountExists
	case errors.Is(err, storage.ErrAccountClosed):
		return ErrAccountClosed
	case errors.Is(err, storage.ErrInsufficientBalance):
		return ErrInsufficientBalance
	case errors.Is(err, storage.ErrTransactionNotFound):
		return ErrTransactionNotFound
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}
