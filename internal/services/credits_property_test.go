package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/phorium/credits/internal/models"
)

// TestBalanceNeverNegative drives random grant/revoke/usage sequences through
// the service and checks that no balance goes below zero and the balance
// always equals the sum of the ledger.
func TestBalanceNeverNegative(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("balance stays non-negative and matches the ledger", prop.ForAll(
		func(deltas []int64) bool {
			h := newHarness(t)
			ctx := context.Background()
			const user = "prop-user"

			for i, d := range deltas {
				switch {
				case d == 0:
					continue
				case d%3 == 0 && d < 0:
					// Usage path: begin and settle -d credits.
					res, err := h.svc.BeginUsage(ctx, BeginRequest{UserID: user, Feature: models.FeatureBannerRender, Amount: -d})
					if err != nil {
						return false
					}
					if res.Allowed {
						_, err = h.svc.SettleUsage(ctx, SettleRequest{Token: res.Token, Outcome: SettleSuccess})
						if err != nil {
							return false
						}
					}
				default:
					_, err := h.svc.AdjustBalance(ctx, AdjustRequest{
						UserID: user, Delta: d, Label: "prop", AdminID: "op", IdempotencyKey: fmt.Sprintf("step-%d", i),
					})
					if err != nil && !errors.Is(err, ErrInsufficientCredits) && !errors.Is(err, ErrAccountNotFound) {
						return false
					}
				}

				bal, ok := h.db.balance(user)
				if !ok {
					continue
				}
				if bal < 0 {
					return false
				}
				var sum int64
				for _, e := range h.db.entries(user) {
					sum += e.Delta
				}
				if sum != bal {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Int64Range(-60, 60)),
	))

	properties.TestingRun(t)
}
