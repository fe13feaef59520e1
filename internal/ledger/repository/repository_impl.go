package repository

import (
	"context"
	"errors"
	"time"

	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() ledgerdomain.Repository {
	return &repo{}
}

func (r *repo) FindLedger(ctx context.Context, db *gorm.DB, accountID string) (*ledgerdomain.Ledger, error) {
	var ledger ledgerdomain.Ledger
	err := db.WithContext(ctx).Where("account_id = ?", accountID).Take(&ledger).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ledger, nil
}

func (r *repo) InsertLedgerIfAbsent(ctx context.Context, db *gorm.DB, ledger *ledgerdomain.Ledger) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "account_id"}}, DoNothing: true}).
		Create(ledger)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) UpdateContact(ctx context.Context, db *gorm.DB, accountID, email string, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE ledgers SET contact_email = ?, updated_at = ? WHERE account_id = ?`,
		email, at, accountID,
	).Error
}

func (r *repo) FindDebit(ctx context.Context, db *gorm.DB, transactionID string) (*ledgerdomain.Debit, error) {
	var debit ledgerdomain.Debit
	err := db.WithContext(ctx).Where("transaction_id = ?", transactionID).Take(&debit).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &debit, nil
}

func (r *repo) InsertDebit(ctx context.Context, db *gorm.DB, debit *ledgerdomain.Debit) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "transaction_id"}}, DoNothing: true}).
		Create(debit)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ApplyDebit is the compare-and-swap: it lands only if the row still carries
// the version that was read and the amount still fits the grant.
func (r *repo) ApplyDebit(ctx context.Context, db *gorm.DB, accountID string, version, amount int64, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE ledgers
		 SET credits_consumed = credits_consumed + ?,
		     version = version + 1,
		     updated_at = ?
		 WHERE account_id = ? AND version = ? AND credits_consumed + ? <= credits_granted`,
		amount, at, accountID, version, amount,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ApplyReset(ctx context.Context, db *gorm.DB, accountID string, version int64, update ledgerdomain.ResetUpdate) (bool, error) {
	updates := map[string]any{
		"plan_id":          update.PlanID,
		"credits_granted":  update.CreditsGranted,
		"credits_consumed": update.CreditsConsumed,
		"renews_at":        update.RenewsAt,
		"version":          gorm.Expr("version + 1"),
		"updated_at":       update.UpdatedAt,
	}
	if update.ReconciledAt != nil {
		updates["reconciled_at"] = *update.ReconciledAt
	}
	if update.BillingCustomerID != "" {
		updates["billing_customer_id"] = update.BillingCustomerID
	}
	result := db.WithContext(ctx).
		Model(&ledgerdomain.Ledger{}).
		Where("account_id = ? AND version = ?", accountID, version).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkRefunded(ctx context.Context, db *gorm.DB, transactionID string, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE ledger_debits SET refunded_at = ? WHERE transaction_id = ? AND refunded_at IS NULL`,
		at, transactionID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ApplyRefund(ctx context.Context, db *gorm.DB, accountID string, version, amount int64, at time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE ledgers
		 SET credits_consumed = CASE WHEN credits_consumed >= ? THEN credits_consumed - ? ELSE 0 END,
		     version = version + 1,
		     updated_at = ?
		 WHERE account_id = ? AND version = ?`,
		amount, amount, at, accountID, version,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) TouchReconciled(ctx context.Context, db *gorm.DB, accountID string, at time.Time, customerID string) error {
	updates := map[string]any{
		"reconciled_at": at,
		"updated_at":    at,
	}
	if customerID != "" {
		updates["billing_customer_id"] = customerID
	}
	return db.WithContext(ctx).
		Model(&ledgerdomain.Ledger{}).
		Where("account_id = ?", accountID).
		Updates(updates).Error
}

func (r *repo) ListDueForRenewal(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := db.WithContext(ctx).
		Model(&ledgerdomain.Ledger{}).
		Where("renews_at <= ?", now).
		Order("renews_at ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	return ids, err
}

func (r *repo) ListStaleReconciled(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	var ids []string
	err := db.WithContext(ctx).
		Model(&ledgerdomain.Ledger{}).
		Where("kind = ? AND plan_id <> ? AND (reconciled_at IS NULL OR reconciled_at < ?)",
			ledgerdomain.AccountKindUser, plandomain.PlanFree, before).
		Order("account_id ASC").
		Limit(limit).
		Pluck("account_id", &ids).Error
	return ids, err
}
