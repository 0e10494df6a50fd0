package ledger

import (
	"context"
	"log/slog"

	"github.com/phorium/credits/internal/repository"
)

// DriftSource lists accounts whose balance disagrees with their ledger.
type DriftSource interface {
	ListDrift(ctx context.Context, limit int) ([]repository.Drift, error)
}

// Reconciler compares every balance with the sum of its ledger rows and
// raises a consistency alarm per drifting account. It never repairs data.
type Reconciler struct {
	src    DriftSource
	alarms Alarms
	log    *slog.Logger
	limit  int
}

func NewReconciler(src DriftSource, alarms Alarms, log *slog.Logger) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{src: src, alarms: alarms, log: log, limit: 500}
}

// Run returns the drifting accounts found in one pass.
func (r *Reconciler) Run(ctx context.Context) ([]repository.Drift, error) {
	drift, err := r.src.ListDrift(ctx, r.limit)
	if err != nil {
		return nil, err
	}
	for _, d := range drift {
		r.log.Error("balance does not match ledger",
			"alarm", "ledger_consistency",
			"user_id", d.UserID,
			"balance", d.Balance,
			"ledger_sum", d.LedgerSum)
		if r.alarms != nil {
			r.alarms.ConsistencyAlarm(AlarmBalanceDrift)
		}
	}
	if len(drift) == 0 {
		r.log.Debug("ledger reconciled")
	}
	return drift, nil
}
