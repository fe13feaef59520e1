package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/trustscan/internal/clock"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/trustscan/internal/observability/metrics"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"github.com/smallbiznis/trustscan/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	maxCASAttempts = 8
	casBackoffStep = 2 * time.Millisecond
)

// errVersionConflict aborts a transaction attempt so it can be replayed
// against a fresh read.
var errVersionConflict = errors.New("version_conflict")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       ledgerdomain.Repository
	Catalog    plandomain.Catalog
	Clock      clock.Clock         `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       ledgerdomain.Repository
	catalog    plandomain.Catalog
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ledger.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		catalog:    p.Catalog,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) now() time.Time {
	return s.clock.Now().UTC()
}

func (s *Service) OpenAccount(ctx context.Context, req ledgerdomain.OpenAccountRequest) (ledgerdomain.Snapshot, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return ledgerdomain.Snapshot{}, ledgerdomain.ErrInvalidAccount
	}
	kind := req.Kind
	if kind == "" {
		kind = ledgerdomain.KindFromKey(accountID)
	}
	email := strings.TrimSpace(req.ContactEmail)

	now := s.now()
	free := s.catalog.Free()
	ledger := &ledgerdomain.Ledger{
		AccountID:      accountID,
		Kind:           kind,
		PlanID:         free.ID,
		CreditsGranted: free.Credits,
		RenewsAt:       ledgerdomain.NormalizeTime(free.NextRenewal(time.Time{}, now)),
		ContactEmail:   email,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := s.repo.InsertLedgerIfAbsent(ctx, s.db, ledger)
	if err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	if created {
		s.log.Info("ledger opened",
			zap.String("account_id", accountID),
			zap.String("kind", string(kind)),
			zap.Int64("credits_granted", ledger.CreditsGranted),
		)
		return ledger.Snapshot(), nil
	}

	existing, err := s.repo.FindLedger(ctx, s.db, accountID)
	if err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	if existing == nil {
		return ledgerdomain.Snapshot{}, ledgerdomain.ErrAccountNotFound
	}
	if email != "" && existing.ContactEmail != email {
		if err := s.repo.UpdateContact(ctx, s.db, accountID, email, now); err != nil {
			return ledgerdomain.Snapshot{}, err
		}
	}
	return existing.Snapshot(), nil
}

func (s *Service) GetLedger(ctx context.Context, accountID string) (ledgerdomain.Ledger, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ledgerdomain.Ledger{}, ledgerdomain.ErrInvalidAccount
	}
	ledger, err := s.repo.FindLedger(ctx, s.db, accountID)
	if err != nil {
		return ledgerdomain.Ledger{}, err
	}
	if ledger == nil {
		return ledgerdomain.Ledger{}, ledgerdomain.ErrAccountNotFound
	}
	return *ledger, nil
}

func (s *Service) GetSnapshot(ctx context.Context, accountID string) (ledgerdomain.Snapshot, error) {
	ledger, err := s.GetLedger(ctx, accountID)
	if err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	return ledger.Snapshot(), nil
}

// TryDebit applies amount against the account at most once per transaction
// id. Concurrent debits on the same account race on the ledger version; the
// loser re-reads and re-checks affordability.
func (s *Service) TryDebit(ctx context.Context, req ledgerdomain.DebitRequest) (ledgerdomain.DebitResult, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.TransactionID = strings.TrimSpace(req.TransactionID)
	if req.AccountID == "" {
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrInvalidAccount
	}
	if req.TransactionID == "" {
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrInvalidTransactionID
	}
	if req.Amount <= 0 {
		return ledgerdomain.DebitResult{}, ledgerdomain.ErrInvalidAmount
	}

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		result, err := s.tryDebitOnce(ctx, req)
		if err == nil {
			s.recordDebit(ctx, result)
			return result, nil
		}
		if !errors.Is(err, errVersionConflict) && !db.IsRetryableTxErr(err) {
			return ledgerdomain.DebitResult{}, err
		}
		s.log.Debug("ledger debit conflict, retrying",
			zap.String("account_id", req.AccountID),
			zap.String("transaction_id", req.TransactionID),
			zap.Int("attempt", attempt),
		)
		if err := sleepCtx(ctx, time.Duration(attempt)*casBackoffStep); err != nil {
			return ledgerdomain.DebitResult{}, err
		}
	}

	s.obsMetrics.RecordLedgerDebit(ctx, "contention")
	return ledgerdomain.DebitResult{}, ledgerdomain.ErrLedgerContention
}

func (s *Service) tryDebitOnce(ctx context.Context, req ledgerdomain.DebitRequest) (ledgerdomain.DebitResult, error) {
	var (
		result  ledgerdomain.DebitResult
		renewed bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindDebit(ctx, tx, req.TransactionID)
		if err != nil {
			return err
		}
		ledger, err := s.repo.FindLedger(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if ledger == nil {
			return ledgerdomain.ErrAccountNotFound
		}

		if existing != nil {
			if existing.AccountID != req.AccountID || existing.Amount != req.Amount {
				return ledgerdomain.ErrTransactionMismatch
			}
			result = ledgerdomain.DebitResult{
				Applied:  true,
				Replayed: true,
				Snapshot: replayedSnapshot(*ledger, *existing),
			}
			if req.Within != nil {
				return req.Within(ctx, tx)
			}
			return nil
		}

		now := s.now()
		if !now.Before(ledger.RenewsAt) {
			// The period elapsed before this debit landed; charge the new one.
			update := s.renewalUpdate(*ledger, now)
			applied, err := s.repo.ApplyReset(ctx, tx, req.AccountID, ledger.Version, update)
			if err != nil {
				return err
			}
			if !applied {
				return errVersionConflict
			}
			ledger.PlanID = update.PlanID
			ledger.CreditsGranted = update.CreditsGranted
			ledger.CreditsConsumed = update.CreditsConsumed
			ledger.RenewsAt = update.RenewsAt
			ledger.Version++
			ledger.UpdatedAt = now
			renewed = true
		}

		if ledger.CreditsConsumed+req.Amount > ledger.CreditsGranted {
			result = ledgerdomain.DebitResult{Applied: false, Snapshot: ledger.Snapshot()}
			return nil
		}

		debit := &ledgerdomain.Debit{
			ID:             s.genID.Generate(),
			TransactionID:  req.TransactionID,
			AccountID:      req.AccountID,
			Amount:         req.Amount,
			GrantedAfter:   ledger.CreditsGranted,
			ConsumedAfter:  ledger.CreditsConsumed + req.Amount,
			PeriodRenewsAt: ledgerdomain.NormalizeTime(ledger.RenewsAt),
			CreatedAt:      now,
		}
		inserted, err := s.repo.InsertDebit(ctx, tx, debit)
		if err != nil {
			if db.IsDuplicateKeyErr(err) {
				return errVersionConflict
			}
			return err
		}
		if !inserted {
			// A concurrent replay of the same transaction id won; the next
			// attempt observes its debit.
			return errVersionConflict
		}

		applied, err := s.repo.ApplyDebit(ctx, tx, req.AccountID, ledger.Version, req.Amount, now)
		if err != nil {
			return err
		}
		if !applied {
			return errVersionConflict
		}

		ledger.CreditsConsumed += req.Amount
		ledger.Version++
		ledger.UpdatedAt = now
		result = ledgerdomain.DebitResult{Applied: true, Snapshot: ledger.Snapshot()}

		if req.Within != nil {
			return req.Within(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return ledgerdomain.DebitResult{}, err
	}
	if renewed {
		s.obsMetrics.RecordLedgerReset(ctx, "renewal")
		s.log.Info("ledger renewed on debit",
			zap.String("account_id", req.AccountID),
			zap.String("plan_id", string(result.Snapshot.PlanID)),
			zap.Time("renews_at", result.Snapshot.RenewsAt),
		)
	}
	return result, nil
}

// renewalUpdate rolls ledger into the period containing now on its plan's
// cadence. Missed periods collapse into one.
func (s *Service) renewalUpdate(ledger ledgerdomain.Ledger, now time.Time) ledgerdomain.ResetUpdate {
	plan, err := s.catalog.Get(ledger.PlanID)
	if err != nil {
		s.log.Warn("ledger plan missing from catalog, renewing as free",
			zap.String("account_id", ledger.AccountID),
			zap.String("plan_id", string(ledger.PlanID)),
		)
		plan = s.catalog.Free()
	}
	return ledgerdomain.ResetUpdate{
		PlanID:         plan.ID,
		CreditsGranted: plan.Credits,
		RenewsAt:       ledgerdomain.NormalizeTime(plan.NextRenewal(ledger.RenewsAt, now)),
		UpdatedAt:      now,
	}
}

func replayedSnapshot(ledger ledgerdomain.Ledger, debit ledgerdomain.Debit) ledgerdomain.Snapshot {
	snap := ledger.Snapshot()
	snap.CreditsGranted = debit.GrantedAfter
	snap.CreditsConsumed = debit.ConsumedAfter
	snap.CreditsRemaining = debit.GrantedAfter - debit.ConsumedAfter
	if snap.CreditsRemaining < 0 {
		snap.CreditsRemaining = 0
	}
	snap.RenewsAt = debit.PeriodRenewsAt.UTC()
	return snap
}

func (s *Service) recordDebit(ctx context.Context, result ledgerdomain.DebitResult) {
	switch {
	case result.Replayed:
		s.obsMetrics.RecordLedgerDebit(ctx, "replayed")
	case result.Applied:
		s.obsMetrics.RecordLedgerDebit(ctx, "applied")
	default:
		s.obsMetrics.RecordLedgerDebit(ctx, "insufficient")
	}
}

func (s *Service) Reset(ctx context.Context, req ledgerdomain.ResetRequest) (ledgerdomain.ResetResult, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	if req.AccountID == "" {
		return ledgerdomain.ResetResult{}, ledgerdomain.ErrInvalidAccount
	}
	if req.Grant < 0 || req.RenewsAt.IsZero() {
		return ledgerdomain.ResetResult{}, ledgerdomain.ErrInvalidRenewal
	}
	if req.PlanID == "" {
		return ledgerdomain.ResetResult{}, ledgerdomain.ErrInvalidRenewal
	}
	expected := ledgerdomain.NormalizeTime(req.ExpectedRenewsAt)
	renewsAt := ledgerdomain.NormalizeTime(req.RenewsAt)

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		ledger, err := s.repo.FindLedger(ctx, s.db, req.AccountID)
		if err != nil {
			return ledgerdomain.ResetResult{}, err
		}
		if ledger == nil {
			return ledgerdomain.ResetResult{}, ledgerdomain.ErrAccountNotFound
		}

		if !ledgerdomain.NormalizeTime(ledger.RenewsAt).Equal(expected) ||
			(req.ExpectedPlanID != "" && ledger.PlanID != req.ExpectedPlanID) {
			// Another caller already moved this ledger past the expected period.
			return ledgerdomain.ResetResult{Applied: false, Snapshot: ledger.Snapshot()}, nil
		}

		now := s.now()
		update := ledgerdomain.ResetUpdate{
			PlanID:            req.PlanID,
			CreditsGranted:    req.Grant,
			CreditsConsumed:   0,
			RenewsAt:          renewsAt,
			ReconciledAt:      req.ReconciledAt,
			BillingCustomerID: req.BillingCustomerID,
			UpdatedAt:         now,
		}
		if req.CarryConsumed {
			update.CreditsConsumed = ledger.CreditsConsumed
			if update.CreditsGranted < update.CreditsConsumed {
				update.CreditsGranted = update.CreditsConsumed
			}
		}

		applied, err := s.repo.ApplyReset(ctx, s.db, req.AccountID, ledger.Version, update)
		if err != nil {
			return ledgerdomain.ResetResult{}, err
		}
		if !applied {
			if err := sleepCtx(ctx, time.Duration(attempt)*casBackoffStep); err != nil {
				return ledgerdomain.ResetResult{}, err
			}
			continue
		}

		ledger.PlanID = update.PlanID
		ledger.CreditsGranted = update.CreditsGranted
		ledger.CreditsConsumed = update.CreditsConsumed
		ledger.RenewsAt = update.RenewsAt
		ledger.Version++
		ledger.UpdatedAt = now
		if update.ReconciledAt != nil {
			ledger.ReconciledAt = update.ReconciledAt
		}
		if update.BillingCustomerID != "" {
			ledger.BillingCustomerID = update.BillingCustomerID
		}

		reason := req.Reason
		if reason == "" {
			reason = "renewal"
		}
		s.obsMetrics.RecordLedgerReset(ctx, reason)
		s.log.Info("ledger reset",
			zap.String("account_id", req.AccountID),
			zap.String("reason", reason),
			zap.String("plan_id", string(update.PlanID)),
			zap.Int64("credits_granted", update.CreditsGranted),
			zap.Int64("credits_consumed", update.CreditsConsumed),
			zap.Time("renews_at", update.RenewsAt),
		)
		return ledgerdomain.ResetResult{Applied: true, Snapshot: ledger.Snapshot()}, nil
	}

	return ledgerdomain.ResetResult{}, ledgerdomain.ErrLedgerContention
}

// RenewIfDue rolls the ledger into its next period once now has reached
// renews_at. Missed periods collapse into a single reset.
func (s *Service) RenewIfDue(ctx context.Context, accountID string) (ledgerdomain.Snapshot, error) {
	ledger, err := s.GetLedger(ctx, accountID)
	if err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	now := s.now()
	if now.Before(ledger.RenewsAt) {
		return ledger.Snapshot(), nil
	}

	update := s.renewalUpdate(ledger, now)
	result, err := s.Reset(ctx, ledgerdomain.ResetRequest{
		AccountID:        ledger.AccountID,
		PlanID:           update.PlanID,
		Grant:            update.CreditsGranted,
		RenewsAt:         update.RenewsAt,
		ExpectedRenewsAt: ledger.RenewsAt,
		ExpectedPlanID:   ledger.PlanID,
		Reason:           "renewal",
	})
	if err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	return result.Snapshot, nil
}

func (s *Service) MarkReconciled(ctx context.Context, req ledgerdomain.MarkReconciledRequest) (ledgerdomain.Snapshot, error) {
	if strings.TrimSpace(req.AccountID) == "" {
		return ledgerdomain.Snapshot{}, ledgerdomain.ErrInvalidAccount
	}
	at := req.At
	if at.IsZero() {
		at = s.now()
	}
	if err := s.repo.TouchReconciled(ctx, s.db, req.AccountID, at, req.BillingCustomerID); err != nil {
		return ledgerdomain.Snapshot{}, err
	}
	return s.GetSnapshot(ctx, req.AccountID)
}

// Refund reverses an orphaned debit. Debits from an elapsed period are only
// marked refunded: that period's consumption was already reset.
func (s *Service) Refund(ctx context.Context, transactionID string) (bool, error) {
	transactionID = strings.TrimSpace(transactionID)
	if transactionID == "" {
		return false, ledgerdomain.ErrInvalidTransactionID
	}

	for attempt := 1; attempt <= maxCASAttempts; attempt++ {
		var refunded bool
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			debit, err := s.repo.FindDebit(ctx, tx, transactionID)
			if err != nil {
				return err
			}
			if debit == nil {
				return ledgerdomain.ErrDebitNotFound
			}
			if debit.RefundedAt != nil {
				return nil
			}
			ledger, err := s.repo.FindLedger(ctx, tx, debit.AccountID)
			if err != nil {
				return err
			}
			if ledger == nil {
				return ledgerdomain.ErrAccountNotFound
			}

			now := s.now()
			marked, err := s.repo.MarkRefunded(ctx, tx, transactionID, now)
			if err != nil {
				return err
			}
			if !marked {
				return nil
			}
			if ledgerdomain.NormalizeTime(ledger.RenewsAt).Equal(ledgerdomain.NormalizeTime(debit.PeriodRenewsAt)) {
				applied, err := s.repo.ApplyRefund(ctx, tx, ledger.AccountID, ledger.Version, debit.Amount, now)
				if err != nil {
					return err
				}
				if !applied {
					return errVersionConflict
				}
			}
			refunded = true
			return nil
		})
		if err == nil {
			if refunded {
				s.log.Warn("orphaned debit refunded", zap.String("transaction_id", transactionID))
				s.obsMetrics.RecordLedgerDebit(ctx, "refunded")
			}
			return refunded, nil
		}
		if !errors.Is(err, errVersionConflict) && !db.IsRetryableTxErr(err) {
			return false, err
		}
		if err := sleepCtx(ctx, time.Duration(attempt)*casBackoffStep); err != nil {
			return false, err
		}
	}
	return false, ledgerdomain.ErrLedgerContention
}

func (s *Service) ListDueForRenewal(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.repo.ListDueForRenewal(ctx, s.db, now, limit)
}

func (s *Service) ListStaleReconciled(ctx context.Context, before time.Time, limit int) ([]string, error) {
	return s.repo.ListStaleReconciled(ctx, s.db, before, limit)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
