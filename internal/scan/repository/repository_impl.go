package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() scandomain.Repository {
	return &repo{}
}

// Insert is the result upsert: a second write for the same transaction id
// is a no-op and reports false.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *scandomain.ScanRecord) (bool, error) {
	result := db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "transaction_id"}}, DoNothing: true}).
		Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByRequest(ctx context.Context, db *gorm.DB, accountID, requestID string) (*scandomain.ScanRecord, error) {
	return r.take(ctx, db.Where("account_id = ? AND request_id = ?", accountID, requestID))
}

func (r *repo) FindByTransaction(ctx context.Context, db *gorm.DB, transactionID string) (*scandomain.ScanRecord, error) {
	return r.take(ctx, db.Where("transaction_id = ?", transactionID))
}

func (r *repo) FindByShareID(ctx context.Context, db *gorm.DB, shareID string) (*scandomain.ScanRecord, error) {
	return r.take(ctx, db.Where("share_id = ?", shareID))
}

func (r *repo) take(ctx context.Context, query *gorm.DB) (*scandomain.ScanRecord, error) {
	var record scandomain.ScanRecord
	err := query.WithContext(ctx).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *repo) ListByAccount(ctx context.Context, db *gorm.DB, accountID string, beforeID *snowflake.ID, limit int) ([]scandomain.ScanRecord, error) {
	query := db.WithContext(ctx).Where("account_id = ?", accountID)
	if beforeID != nil {
		query = query.Where("id < ?", *beforeID)
	}

	var records []scandomain.ScanRecord
	if err := query.Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// ListOrphanedTransactions finds scan debits that were applied but have no
// result row and were never refunded.
func (r *repo) ListOrphanedTransactions(ctx context.Context, db *gorm.DB, before time.Time, limit int) ([]string, error) {
	var ids []string
	err := db.WithContext(ctx).Raw(
		`SELECT d.transaction_id
		FROM ledger_debits d
		LEFT JOIN scan_records s ON s.transaction_id = d.transaction_id
		WHERE s.id IS NULL
			AND d.refunded_at IS NULL
			AND d.created_at < ?
			AND d.transaction_id LIKE 'scan:%'
		ORDER BY d.created_at ASC
		LIMIT ?`,
		before, limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
