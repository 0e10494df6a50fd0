package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/riverqueue/river"

	"github.com/phorium/credits/internal/repository"
)

const expireBatch = 500

// ExpireReservationsArgs closes pending reservations whose token expired
// without a settle.
type ExpireReservationsArgs struct {
	Limit int `json:"limit"`
}

func (ExpireReservationsArgs) Kind() string { return "expire_reservations" }

// Expirer is implemented by services.CreditService.
type Expirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

type ExpireReservationsWorker struct {
	river.WorkerDefaults[ExpireReservationsArgs]
	expirer Expirer
	log     *slog.Logger
}

func NewExpireReservationsWorker(e Expirer, log *slog.Logger) *ExpireReservationsWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ExpireReservationsWorker{expirer: e, log: log}
}

// Work expires batches until a short batch shows the backlog is drained.
func (w *ExpireReservationsWorker) Work(ctx context.Context, job *river.Job[ExpireReservationsArgs]) error {
	limit := job.Args.Limit
	if limit <= 0 {
		limit = expireBatch
	}
	total := 0
	for {
		n, err := w.expirer.ExpireOverdue(ctx, limit)
		if err != nil {
			return fmt.Errorf("expire reservations: %w", err)
		}
		total += n
		if n < limit {
			break
		}
	}
	if total > 0 {
		w.log.Info("expired reservations", "count", total)
	}
	return nil
}

// ReconcileLedgerArgs triggers a full balance-versus-ledger comparison.
type ReconcileLedgerArgs struct{}

func (ReconcileLedgerArgs) Kind() string { return "reconcile_ledger" }

// DriftChecker is implemented by ledger.Reconciler.
type DriftChecker interface {
	Run(ctx context.Context) ([]repository.Drift, error)
}

type ReconcileLedgerWorker struct {
	river.WorkerDefaults[ReconcileLedgerArgs]
	checker DriftChecker
	log     *slog.Logger
}

func NewReconcileLedgerWorker(c DriftChecker, log *slog.Logger) *ReconcileLedgerWorker {
	if log == nil {
		log = slog.Default()
	}
	return &ReconcileLedgerWorker{checker: c, log: log}
}

// Work reports drift through the checker's alarms. Drift is not a job
// failure; retrying would not repair it.
func (w *ReconcileLedgerWorker) Work(ctx context.Context, job *river.Job[ReconcileLedgerArgs]) error {
	drift, err := w.checker.Run(ctx)
	if err != nil {
		return fmt.Errorf("reconcile ledger: %w", err)
	}
	w.log.Info("ledger reconciliation finished", "drifting_accounts", len(drift))
	return nil
}

// Register adds both workers to ws.
func Register(ws *river.Workers, e Expirer, c DriftChecker, log *slog.Logger) {
	river.AddWorker(ws, NewExpireReservationsWorker(e, log))
	river.AddWorker(ws, NewReconcileLedgerWorker(c, log))
}

// PeriodicJobs schedules the sweeps. Both run once at startup.
func PeriodicJobs(expiryEvery, reconcileEvery time.Duration) []*river.PeriodicJob {
	return []*river.PeriodicJob{
		river.NewPeriodicJob(
			river.PeriodicInterval(expiryEvery),
			func() (river.JobArgs, *river.InsertOpts) {
				return ExpireReservationsArgs{Limit: expireBatch}, nil
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
		river.NewPeriodicJob(
			river.PeriodicInterval(reconcileEvery),
			func() (river.JobArgs, *river.InsertOpts) {
				return ReconcileLedgerArgs{}, &river.InsertOpts{UniqueOpts: river.UniqueOpts{ByPeriod: reconcileEvery}}
			},
			&river.PeriodicJobOpts{RunOnStart: true},
		),
	}
}
