package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/phorium/credits/internal/models"
	"github.com/phorium/credits/internal/repository"
)

// TxBeginner abstracts transaction creation so tests don't need a pgxpool.Pool.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// AccountStore is the account repository surface used by the service.
type AccountStore interface {
	GetBalance(ctx context.Context, userID string) (int64, error)
	BalanceTx(ctx context.Context, tx pgx.Tx, userID string) (int64, error)
	CreateTx(ctx context.Context, tx pgx.Tx, userID string) (bool, error)
	ApplyDeltaTx(ctx context.Context, tx pgx.Tx, userID string, delta int64) (int64, bool, error)
}

// LedgerReader reads committed ledger rows.
type LedgerReader interface {
	GetByIdempotencyKey(ctx context.Context, key string) (*models.LedgerEntry, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.LedgerEntry, error)
	ListByUserID(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error)
	SumByUserID(ctx context.Context, userID string) (int64, error)
}

// LedgerAppender appends ledger rows inside a transaction (ledger.Writer).
type LedgerAppender interface {
	Append(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (*models.LedgerEntry, bool, error)
}

// ReservationStore persists permission tokens.
type ReservationStore interface {
	Create(ctx context.Context, res *models.Reservation) error
	ClaimTx(ctx context.Context, tx pgx.Tx, tokenHash string, to models.ReservationState, failureReason *string, now time.Time) (*models.Reservation, error)
	LinkLedgerEntryTx(ctx context.Context, tx pgx.Tx, id, entryID uuid.UUID) error
	MarkRaceDeniedTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) error
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.Reservation, error)
	Expire(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	ExpireOverdue(ctx context.Context, now time.Time, limit int) ([]*models.Reservation, error)
}

// UsageRecorder receives telemetry. It must not block (telemetry.Sink).
type UsageRecorder interface {
	Record(a *models.UsageAttempt)
}

// BalanceCache is an advisory balance copy (cache.BalanceCache). Reads fill
// it; commits only invalidate, so concurrent commits cannot leave an older
// balance behind.
type BalanceCache interface {
	Get(ctx context.Context, userID string) (int64, bool)
	Set(ctx context.Context, userID string, balance int64)
	Invalidate(ctx context.Context, userID string)
}

// LedgerMetrics counts committed ledger rows (telemetry.Metrics).
type LedgerMetrics interface {
	LedgerEntry(reason string)
}

// Config tunes the coordinator.
type Config struct {
	TokenTTL      time.Duration
	AutoProvision bool
	SignupCredits int64
}

// Deps are the collaborators of CreditService. Cache, Metrics, Usage and
// Catalog may be nil.
type Deps struct {
	Pool         TxBeginner
	Accounts     AccountStore
	Ledger       LedgerReader
	Writer       LedgerAppender
	Reservations ReservationStore
	Usage        UsageRecorder
	Cache        BalanceCache
	Metrics      LedgerMetrics
	Catalog      *Catalog
	Logger       *slog.Logger
}

// CreditService is the reserve-execute-settle coordinator plus the admin
// adjustment path. Every balance change is one transaction holding the
// conditional debit and its ledger row. No lock is held while the caller
// performs external work.
type CreditService struct {
	pool         TxBeginner
	accounts     AccountStore
	ledger       LedgerReader
	writer       LedgerAppender
	reservations ReservationStore
	usage        UsageRecorder
	cache        BalanceCache
	metrics      LedgerMetrics
	catalog      *Catalog
	cfg          Config
	log          *slog.Logger
	now          func() time.Time
}

func NewCreditService(d Deps, cfg Config) *CreditService {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 5 * time.Minute
	}
	return &CreditService{
		pool:         d.Pool,
		accounts:     d.Accounts,
		ledger:       d.Ledger,
		writer:       d.Writer,
		reservations: d.Reservations,
		usage:        d.Usage,
		cache:        d.Cache,
		metrics:      d.Metrics,
		catalog:      d.Catalog,
		cfg:          cfg,
		log:          d.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	tokenPrefix         = "ptk_"
)

// errDuplicateKey signals that the idempotency key was already used; the
// surrounding transaction must be rolled back.
var errDuplicateKey = errors.New("duplicate idempotency key")

// ---------------------------------------------------------------------------
// Availability
// ---------------------------------------------------------------------------

// Availability is the advisory answer of EnsureAvailable.
type Availability struct {
	Allowed bool  `json:"allowed"`
	Balance int64 `json:"balance"`
}

// EnsureAvailable reports whether the user currently holds at least required
// credits. A cached balance may answer "allowed"; a denial is always confirmed
// against the database.
func (s *CreditService) EnsureAvailable(ctx context.Context, userID string, required int64) (*Availability, error) {
	if userID == "" {
		return nil, invalidf("user_id is required")
	}
	if required <= 0 {
		return nil, invalidf("amount must be > 0")
	}
	if s.cache != nil {
		if bal, ok := s.cache.Get(ctx, userID); ok && bal >= required {
			return &Availability{Allowed: true, Balance: bal}, nil
		}
	}
	bal, err := s.balanceOrProvision(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.Set(ctx, userID, bal)
	}
	return &Availability{Allowed: bal >= required, Balance: bal}, nil
}

// Balance returns the committed balance without provisioning.
func (s *CreditService) Balance(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return 0, invalidf("user_id is required")
	}
	bal, err := s.accounts.GetBalance(ctx, userID)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return 0, ErrAccountNotFound
	}
	if err != nil {
		return 0, storageErr(err)
	}
	return bal, nil
}

func (s *CreditService) balanceOrProvision(ctx context.Context, userID string) (int64, error) {
	bal, err := s.accounts.GetBalance(ctx, userID)
	if err == nil {
		return bal, nil
	}
	if !errors.Is(err, repository.ErrAccountNotFound) {
		return 0, storageErr(err)
	}
	if !s.cfg.AutoProvision {
		return 0, ErrAccountNotFound
	}
	return s.Provision(ctx, userID)
}

// Provision creates the account if missing and grants the configured signup
// credits once. It returns the current balance either way.
func (s *CreditService) Provision(ctx context.Context, userID string) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, storageErr(err)
	}
	defer tx.Rollback(ctx)

	created, err := s.accounts.CreateTx(ctx, tx, userID)
	if err != nil {
		return 0, storageErr(err)
	}
	if !created {
		_ = tx.Rollback(ctx)
		return s.Balance(ctx, userID)
	}

	var balance int64
	var bonus *models.LedgerEntry
	if s.cfg.SignupCredits > 0 {
		label := "auto_provision"
		bonus, err = s.applyAndLog(ctx, tx, &models.LedgerEntry{
			UserID:         userID,
			Delta:          s.cfg.SignupCredits,
			Reason:         models.ReasonSignupBonus,
			Label:          &label,
			IdempotencyKey: models.IdemKeySignupPrefix + userID,
		})
		if err != nil {
			return 0, err
		}
		balance = bonus.ResultingBalance
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, storageErr(err)
	}
	if bonus != nil {
		s.committed(ctx, bonus)
	}
	s.log.Info("account provisioned", "user_id", userID, "balance", balance)
	return balance, nil
}

// ---------------------------------------------------------------------------
// Reserve-Execute-Settle
// ---------------------------------------------------------------------------

type BeginRequest struct {
	UserID  string
	Feature string
	Amount  int64
}

// BeginResult carries the permission token when Allowed is true. The token
// is returned exactly once; only its hash is stored.
type BeginResult struct {
	Token         string     `json:"token,omitempty"`
	ReservationID *uuid.UUID `json:"reservation_id,omitempty"`
	Allowed       bool       `json:"allowed"`
	Balance       int64      `json:"balance"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// BeginUsage runs the availability check and, when it passes, issues a
// single-use permission token bound to user, feature and amount. A denial is
// not an error: Allowed is false and nothing is debited.
func (s *CreditService) BeginUsage(ctx context.Context, req BeginRequest) (*BeginResult, error) {
	if err := s.validateFeature(req.Feature); err != nil {
		return nil, err
	}
	avail, err := s.EnsureAvailable(ctx, req.UserID, req.Amount)
	if err != nil {
		if !errors.Is(err, ErrInvalidRequest) {
			s.record(&models.UsageAttempt{UserID: req.UserID, Feature: req.Feature, RequestedAmount: req.Amount,
				Outcome: models.OutcomeError, Detail: ReasonFor(err)})
		}
		return nil, err
	}
	if !avail.Allowed {
		s.record(&models.UsageAttempt{UserID: req.UserID, Feature: req.Feature, RequestedAmount: req.Amount,
			Outcome: models.OutcomeInsufficientFunds, Detail: "preflight"})
		return &BeginResult{Allowed: false, Balance: avail.Balance}, nil
	}

	token, hash, err := newToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	res := &models.Reservation{
		ID:        uuid.Must(uuid.NewV7()),
		TokenHash: hash,
		UserID:    req.UserID,
		Feature:   req.Feature,
		Amount:    req.Amount,
		State:     models.ReservationPending,
		ExpiresAt: now.Add(s.cfg.TokenTTL),
	}
	if err := s.reservations.Create(ctx, res); err != nil {
		s.record(&models.UsageAttempt{UserID: req.UserID, Feature: req.Feature, RequestedAmount: req.Amount,
			Outcome: models.OutcomeError, Detail: ReasonTransientFailure})
		return nil, storageErr(err)
	}
	return &BeginResult{
		Token:         token,
		ReservationID: &res.ID,
		Allowed:       true,
		Balance:       avail.Balance,
		ExpiresAt:     &res.ExpiresAt,
	}, nil
}

// SettleOutcome is the caller's report of the external work.
type SettleOutcome string

const (
	SettleSuccess SettleOutcome = "success"
	SettleFailure SettleOutcome = "failure"
)

type SettleRequest struct {
	Token         string
	Outcome       SettleOutcome
	FailureReason string
	Metadata      json.RawMessage
}

type SettleResult struct {
	ReservationID uuid.UUID  `json:"reservation_id"`
	Balance       int64      `json:"balance"`
	Charged       int64      `json:"charged"`
	EntryID       *uuid.UUID `json:"ledger_entry_id,omitempty"`
}

// SettleUsage consumes a permission token. On success the reservation amount
// is debited atomically and ledger-logged; on failure nothing is debited.
// Replays return ErrAlreadySettled and late reports ErrTokenExpired. When
// the balance no longer covers the amount the reservation is closed without
// a debit and ErrInsufficientCredits is returned together with a result
// carrying the current balance.
func (s *CreditService) SettleUsage(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if req.Token == "" {
		return nil, invalidf("token is required")
	}
	switch req.Outcome {
	case SettleSuccess:
		return s.settleSuccess(ctx, req)
	case SettleFailure:
		return s.settleFailure(ctx, req)
	default:
		return nil, invalidf("outcome must be %q or %q", SettleSuccess, SettleFailure)
	}
}

func (s *CreditService) settleFailure(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	hash := hashToken(req.Token)
	now := s.now()
	reason := req.FailureReason
	if reason == "" {
		reason = "external_call_failed"
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback(ctx)

	res, err := s.reservations.ClaimTx(ctx, tx, hash, models.ReservationFailed, &reason, now)
	if errors.Is(err, repository.ErrNotFound) {
		_ = tx.Rollback(ctx)
		return nil, s.claimError(ctx, hash, now)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	bal, err := s.accounts.BalanceTx(ctx, tx, res.UserID)
	if err != nil {
		return nil, storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}

	s.record(&models.UsageAttempt{ReservationID: &res.ID, UserID: res.UserID, Feature: res.Feature,
		RequestedAmount: res.Amount, Outcome: models.OutcomeFailedAfterCheck, Detail: reason,
		ExternalCallMetadata: s.checkedMetadata(res.Feature, req.Metadata)})
	return &SettleResult{ReservationID: res.ID, Balance: bal}, nil
}

func (s *CreditService) settleSuccess(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	hash := hashToken(req.Token)
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback(ctx)

	res, err := s.reservations.ClaimTx(ctx, tx, hash, models.ReservationSucceeded, nil, now)
	if errors.Is(err, repository.ErrNotFound) {
		_ = tx.Rollback(ctx)
		return nil, s.claimError(ctx, hash, now)
	}
	if err != nil {
		return nil, storageErr(err)
	}

	meta := s.checkedMetadata(res.Feature, req.Metadata)
	feature := res.Feature
	entry, err := s.applyAndLog(ctx, tx, &models.LedgerEntry{
		UserID:         res.UserID,
		Delta:          -res.Amount,
		Reason:         models.ReasonFeatureUsage,
		Feature:        &feature,
		ReservationID:  &res.ID,
		IdempotencyKey: models.IdemKeyUsagePrefix + res.ID.String(),
		Metadata:       meta,
	})
	switch {
	case err == nil:
	case errors.Is(err, ErrInsufficientCredits):
		return s.settleRaceDenied(ctx, tx, res, meta)
	case errors.Is(err, errDuplicateKey):
		return nil, ErrAlreadySettled
	default:
		_ = tx.Rollback(ctx)
		s.record(&models.UsageAttempt{ReservationID: &res.ID, UserID: res.UserID, Feature: res.Feature,
			RequestedAmount: res.Amount, Outcome: models.OutcomeError, Detail: ReasonFor(err), ExternalCallMetadata: meta})
		s.log.Error("settle usage failed", "reservation_id", res.ID, "user_id", res.UserID, "error", err)
		return nil, err
	}

	if err := s.reservations.LinkLedgerEntryTx(ctx, tx, res.ID, entry.ID); err != nil {
		return nil, storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}
	s.committed(ctx, entry)
	s.record(&models.UsageAttempt{ReservationID: &res.ID, UserID: res.UserID, Feature: res.Feature,
		RequestedAmount: res.Amount, Outcome: models.OutcomeSucceeded, ExternalCallMetadata: meta})

	return &SettleResult{ReservationID: res.ID, Balance: entry.ResultingBalance, Charged: res.Amount, EntryID: &entry.ID}, nil
}

// settleRaceDenied closes a reservation whose funds were spent by a
// concurrent settle. The work already happened; nothing is debited.
func (s *CreditService) settleRaceDenied(ctx context.Context, tx pgx.Tx, res *models.Reservation, meta json.RawMessage) (*SettleResult, error) {
	if err := s.reservations.MarkRaceDeniedTx(ctx, tx, res.ID); err != nil {
		return nil, storageErr(err)
	}
	bal, err := s.accounts.BalanceTx(ctx, tx, res.UserID)
	if err != nil {
		return nil, storageErr(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, res.UserID)
	}
	s.log.Warn("settle denied after external work", "reservation_id", res.ID, "user_id", res.UserID,
		"amount", res.Amount, "balance", bal)
	s.record(&models.UsageAttempt{ReservationID: &res.ID, UserID: res.UserID, Feature: res.Feature,
		RequestedAmount: res.Amount, Outcome: models.OutcomeInsufficientFunds, Detail: "settle_race", ExternalCallMetadata: meta})
	return &SettleResult{ReservationID: res.ID, Balance: bal}, ErrInsufficientCredits
}

// claimError explains why a token could not be claimed. Overdue pending
// reservations are expired on the spot.
func (s *CreditService) claimError(ctx context.Context, hash string, now time.Time) error {
	res, err := s.reservations.GetByTokenHash(ctx, hash)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrTokenNotFound
	}
	if err != nil {
		return storageErr(err)
	}
	switch res.State {
	case models.ReservationExpired:
		return ErrTokenExpired
	case models.ReservationPending:
		if now.Before(res.ExpiresAt) {
			return ErrAlreadySettled
		}
		expired, err := s.reservations.Expire(ctx, res.ID, now)
		if err != nil {
			return storageErr(err)
		}
		if expired {
			s.recordExpired(res)
		}
		return ErrTokenExpired
	default:
		return ErrAlreadySettled
	}
}

// ExpireOverdue closes up to limit overdue reservations and returns how many
// were expired.
func (s *CreditService) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	expired, err := s.reservations.ExpireOverdue(ctx, s.now(), limit)
	if err != nil {
		return 0, storageErr(err)
	}
	for _, res := range expired {
		s.recordExpired(res)
	}
	return len(expired), nil
}

func (s *CreditService) recordExpired(res *models.Reservation) {
	s.record(&models.UsageAttempt{ReservationID: &res.ID, UserID: res.UserID, Feature: res.Feature,
		RequestedAmount: res.Amount, Outcome: models.OutcomeFailedAfterCheck, Detail: ReasonTokenExpired})
}

// ---------------------------------------------------------------------------
// Admin adjustments
// ---------------------------------------------------------------------------

type AdjustRequest struct {
	UserID         string
	Delta          int64
	Label          string
	AdminID        string
	IdempotencyKey string
}

type AdjustResult struct {
	Balance  int64               `json:"balance"`
	Entry    *models.LedgerEntry `json:"entry"`
	Replayed bool                `json:"replayed"`
}

// AdjustBalance applies a signed administrative change through the same
// conditional update as usage debits. Positive deltas create the account when
// missing. Revoking more than the balance returns ErrInsufficientCredits and
// changes nothing. A repeated IdempotencyKey returns the original entry.
func (s *CreditService) AdjustBalance(ctx context.Context, req AdjustRequest) (*AdjustResult, error) {
	switch {
	case req.UserID == "":
		return nil, invalidf("user_id is required")
	case req.Delta == 0:
		return nil, invalidf("delta must be non-zero")
	case req.Label == "":
		return nil, invalidf("label is required")
	case req.AdminID == "":
		return nil, invalidf("admin id is required")
	}

	key := models.IdemKeyAdminPrefix + uuid.Must(uuid.NewV7()).String()
	if req.IdempotencyKey != "" {
		key = models.IdemKeyAdminPrefix + req.IdempotencyKey
		if prior, err := s.replay(ctx, key, req.UserID, req.Delta); prior != nil || err != nil {
			return prior, err
		}
	}

	reason := models.ReasonAdminGrant
	if req.Delta < 0 {
		reason = models.ReasonAdminRevoke
	}
	label, admin := req.Label, req.AdminID
	return s.mutate(ctx, req.Delta > 0, &models.LedgerEntry{
		UserID:         req.UserID,
		Delta:          req.Delta,
		Reason:         reason,
		ActorID:        &admin,
		Label:          &label,
		IdempotencyKey: key,
	}, func(ctx context.Context) (*AdjustResult, error) {
		return s.replay(ctx, key, req.UserID, req.Delta)
	})
}

// GrantSignupBonus credits a one-time signup bonus.
func (s *CreditService) GrantSignupBonus(ctx context.Context, userID string, amount int64, actorID string) (*AdjustResult, error) {
	if userID == "" {
		return nil, invalidf("user_id is required")
	}
	if amount <= 0 {
		return nil, invalidf("amount must be > 0")
	}
	key := models.IdemKeySignupPrefix + userID
	if _, err := s.ledger.GetByIdempotencyKey(ctx, key); err == nil {
		return nil, ErrSignupBonusGranted
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, storageErr(err)
	}

	label := "signup_bonus"
	entry := &models.LedgerEntry{
		UserID:         userID,
		Delta:          amount,
		Reason:         models.ReasonSignupBonus,
		Label:          &label,
		IdempotencyKey: key,
	}
	if actorID != "" {
		entry.ActorID = &actorID
	}
	return s.mutate(ctx, true, entry, func(context.Context) (*AdjustResult, error) {
		return nil, ErrSignupBonusGranted
	})
}

// Refund reverses a feature_usage entry with a compensating credit. Both rows
// are reported as reversed afterwards. Each entry can be refunded once.
func (s *CreditService) Refund(ctx context.Context, entryID uuid.UUID, label, adminID string) (*AdjustResult, error) {
	if adminID == "" {
		return nil, invalidf("admin id is required")
	}
	orig, err := s.ledger.GetByID(ctx, entryID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if orig.Reason != models.ReasonFeatureUsage || orig.Delta >= 0 {
		return nil, ErrNotRefundable
	}
	if orig.Status == models.LedgerStatusReversed {
		return nil, ErrAlreadyRefunded
	}
	if label == "" {
		label = "refund"
	}

	result, err := s.mutate(ctx, false, &models.LedgerEntry{
		UserID:          orig.UserID,
		Delta:           -orig.Delta,
		Reason:          models.ReasonRefund,
		Feature:         orig.Feature,
		ActorID:         &adminID,
		Label:           &label,
		ReservationID:   orig.ReservationID,
		ReversesEntryID: &orig.ID,
		IdempotencyKey:  models.IdemKeyRefundPrefix + orig.ID.String(),
	}, func(context.Context) (*AdjustResult, error) {
		return nil, ErrAlreadyRefunded
	})
	if err != nil && repository.IsUniqueViolation(err, repository.ReversesEntryConstraint) {
		return nil, ErrAlreadyRefunded
	}
	return result, err
}

// mutate runs one ledger-logged balance change in its own transaction.
// onDuplicate decides the answer when the idempotency key turns out to be
// taken by a concurrent writer.
func (s *CreditService) mutate(ctx context.Context, createAccount bool, e *models.LedgerEntry,
	onDuplicate func(context.Context) (*AdjustResult, error)) (*AdjustResult, error) {

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	defer tx.Rollback(ctx)

	if createAccount {
		if _, err := s.accounts.CreateTx(ctx, tx, e.UserID); err != nil {
			return nil, storageErr(err)
		}
	}
	entry, err := s.applyAndLog(ctx, tx, e)
	if errors.Is(err, errDuplicateKey) {
		_ = tx.Rollback(ctx)
		return onDuplicate(ctx)
	}
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr(err)
	}
	s.committed(ctx, entry)
	s.log.Info("balance adjusted",
		"user_id", entry.UserID,
		"delta", entry.Delta,
		"reason", entry.Reason,
		"balance", entry.ResultingBalance)
	return &AdjustResult{Balance: entry.ResultingBalance, Entry: entry}, nil
}

// replay returns the committed entry for key, nil when the key is unused, or
// ErrIdempotencyConflict when it was used for a different change.
func (s *CreditService) replay(ctx context.Context, key, userID string, delta int64) (*AdjustResult, error) {
	prior, err := s.ledger.GetByIdempotencyKey(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if prior.UserID != userID || prior.Delta != delta {
		return nil, ErrIdempotencyConflict
	}
	bal, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &AdjustResult{Balance: bal, Entry: prior, Replayed: true}, nil
}

// applyAndLog performs the conditional balance update followed by the ledger
// append inside tx.
func (s *CreditService) applyAndLog(ctx context.Context, tx pgx.Tx, e *models.LedgerEntry) (*models.LedgerEntry, error) {
	newBalance, ok, err := s.accounts.ApplyDeltaTx(ctx, tx, e.UserID, e.Delta)
	if errors.Is(err, repository.ErrAccountNotFound) {
		return nil, ErrAccountNotFound
	}
	if repository.IsDataException(err) {
		return nil, invalidf("delta %d is out of range for this balance", e.Delta)
	}
	if err != nil {
		return nil, storageErr(err)
	}
	if !ok {
		return nil, ErrInsufficientCredits
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.Must(uuid.NewV7())
	}
	e.ResultingBalance = newBalance

	entry, created, err := s.writer.Append(ctx, tx, e)
	if err != nil {
		return nil, err
	}
	if !created {
		return entry, errDuplicateKey
	}
	return entry, nil
}

func (s *CreditService) committed(ctx context.Context, e *models.LedgerEntry) {
	if s.metrics != nil {
		s.metrics.LedgerEntry(string(e.Reason))
	}
	if s.cache != nil {
		s.cache.Invalidate(ctx, e.UserID)
	}
}

// ---------------------------------------------------------------------------
// History and reconciliation
// ---------------------------------------------------------------------------

// GetHistory returns the newest ledger entries first.
func (s *CreditService) GetHistory(ctx context.Context, userID string, limit int) ([]*models.LedgerEntry, error) {
	if userID == "" {
		return nil, invalidf("user_id is required")
	}
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	entries, err := s.ledger.ListByUserID(ctx, userID, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	if len(entries) == 0 {
		if _, err := s.Balance(ctx, userID); err != nil {
			return nil, err
		}
		return []*models.LedgerEntry{}, nil
	}
	return entries, nil
}

type Reconciliation struct {
	UserID     string `json:"user_id"`
	Balance    int64  `json:"balance"`
	LedgerSum  int64  `json:"ledger_sum"`
	Consistent bool   `json:"consistent"`
}

// Reconcile compares one balance with the sum of its ledger rows.
func (s *CreditService) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	bal, err := s.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}
	sum, err := s.ledger.SumByUserID(ctx, userID)
	if err != nil {
		return nil, storageErr(err)
	}
	return &Reconciliation{UserID: userID, Balance: bal, LedgerSum: sum, Consistent: bal == sum}, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func (s *CreditService) validateFeature(feature string) error {
	if feature == "" {
		return invalidf("feature is required")
	}
	if s.catalog != nil && !s.catalog.Known(feature) {
		return invalidf("unknown feature %q", feature)
	}
	return nil
}

// checkedMetadata drops metadata that does not match the feature schema.
// Metadata never blocks a settle.
func (s *CreditService) checkedMetadata(feature string, meta json.RawMessage) json.RawMessage {
	if len(meta) == 0 {
		return nil
	}
	if s.catalog != nil {
		if err := s.catalog.ValidateMetadata(feature, meta); err != nil {
			s.log.Warn("external call metadata rejected", "feature", feature, "error", err)
			return nil
		}
	} else if !json.Valid(meta) {
		return nil
	}
	return meta
}

func (s *CreditService) record(a *models.UsageAttempt) {
	if s.usage == nil {
		return
	}
	s.usage.Record(a)
}

func newToken() (token, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	token = tokenPrefix + hex.EncodeToString(b)
	return token, hashToken(token), nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
