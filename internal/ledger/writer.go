package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/phorium/credits/internal/models"
)

// ErrLedgerWrite is returned when an entry could not be appended after all
// retries. The caller must roll back the surrounding transaction.
var ErrLedgerWrite = errors.New("ledger write failed")

// Alarm kinds reported through Alarms.
const (
	AlarmLedgerWrite  = "ledger_write"
	AlarmBalanceDrift = "balance_drift"
)

// EntryStore is the subset of the credit ledger repository the writer needs.
type EntryStore interface {
	InsertTx(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (bool, error)
	GetByIdempotencyKeyTx(ctx context.Context, tx pgx.Tx, key string) (*models.LedgerEntry, error)
}

// Alarms receives consistency alarms. telemetry.Metrics implements it.
type Alarms interface {
	ConsistencyAlarm(kind string)
}

// WriterConfig tunes the retry policy.
type WriterConfig struct {
	MaxAttempts     uint
	InitialInterval time.Duration
}

// Writer appends ledger entries inside the caller's transaction. Each attempt
// runs in its own savepoint, so a failed attempt leaves the debit in place and
// can be retried with the same idempotency key.
type Writer struct {
	store  EntryStore
	alarms Alarms
	cfg    WriterConfig
	log    *slog.Logger
}

func NewWriter(store EntryStore, alarms Alarms, cfg WriterConfig, log *slog.Logger) *Writer {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 50 * time.Millisecond
	}
	return &Writer{store: store, alarms: alarms, cfg: cfg, log: log}
}

// Append writes e, or returns the existing row when e.IdempotencyKey was
// already used. created reports which happened.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (entry *models.LedgerEntry, created bool, err error) {
	if e.IdempotencyKey == "" {
		return nil, false, errors.New("ledger entry without idempotency key")
	}
	if !e.Reason.Valid() {
		return nil, false, fmt.Errorf("unknown ledger reason %q", e.Reason)
	}

	type result struct {
		entry   *models.LedgerEntry
		created bool
	}

	attempt := 0
	op := func() (result, error) {
		attempt++
		sp, err := tx.Begin(ctx)
		if err != nil {
			return result{}, err
		}
		ok, err := w.store.InsertTx(ctx, sp, e)
		if err != nil {
			_ = sp.Rollback(ctx)
			if isPermanent(err) {
				return result{}, backoff.Permanent(err)
			}
			return result{}, err
		}
		out := e
		if !ok {
			out, err = w.store.GetByIdempotencyKeyTx(ctx, sp, e.IdempotencyKey)
			if err != nil {
				_ = sp.Rollback(ctx)
				return result{}, err
			}
		}
		if err := sp.Commit(ctx); err != nil {
			return result{}, err
		}
		return result{entry: out, created: ok}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.cfg.InitialInterval

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(w.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			w.log.Warn("ledger append retry", "user_id", e.UserID, "idempotency_key", e.IdempotencyKey, "next", next, "error", err)
		}),
	)
	if err == nil {
		return res.entry, res.created, nil
	}
	if isPermanent(err) {
		return nil, false, fmt.Errorf("append ledger entry: %w", err)
	}

	w.log.Error("ledger append exhausted retries",
		"alarm", "ledger_consistency",
		"user_id", e.UserID,
		"idempotency_key", e.IdempotencyKey,
		"delta", e.Delta,
		"attempts", attempt,
		"error", err)
	if w.alarms != nil {
		w.alarms.ConsistencyAlarm(AlarmLedgerWrite)
	}
	return nil, false, fmt.Errorf("%w: %w", ErrLedgerWrite, err)
}

// isPermanent reports errors that a retry cannot fix: integrity and data
// exceptions, raised exceptions (the append-only trigger) and cancellation.
func isPermanent(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "23") || strings.HasPrefix(pgErr.Code, "22") || pgErr.Code == "P0001"
}
