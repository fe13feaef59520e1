package service

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/oklog/ulid/v2"
	inferencedomain "github.com/smallbiznis/trustscan/internal/inference/domain"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// commit debits the account and persists the result in one transaction,
// keyed by the scan's transaction id. A debit that no longer fits means a
// concurrent scan spent the credits first; the result is discarded. A period
// that elapsed while the provider ran is rolled over before the charge.
func (s *Service) commit(ctx context.Context, req scandomain.SubmitRequest, txID string, cost int64, result inferencedomain.Result) (scandomain.SubmitResult, error) {
	record, err := s.newRecord(req, txID, cost, result)
	if err != nil {
		return scandomain.SubmitResult{}, err
	}

	var persisted *scandomain.ScanRecord
	debit, err := s.ledger.TryDebit(ctx, ledgerdomain.DebitRequest{
		AccountID:     req.AccountID,
		Amount:        cost,
		TransactionID: txID,
		Within: func(ctx context.Context, tx *gorm.DB) error {
			inserted, err := s.repo.Insert(ctx, tx, record)
			if err != nil {
				return err
			}
			if inserted {
				persisted = record
				return nil
			}
			existing, err := s.repo.FindByTransaction(ctx, tx, txID)
			if err != nil {
				return err
			}
			if existing == nil {
				return errors.New("scan record conflict without a stored record")
			}
			persisted = existing
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrLedgerContention) {
			snapshot, _ := s.ledger.GetSnapshot(ctx, req.AccountID)
			return scandomain.SubmitResult{}, &scandomain.Denial{Reason: scandomain.DenialLedgerConflict, Ledger: snapshot}
		}
		return scandomain.SubmitResult{}, err
	}
	if !debit.Applied {
		return scandomain.SubmitResult{}, &scandomain.Denial{Reason: scandomain.DenialLedgerConflict, Ledger: debit.Snapshot}
	}

	return scandomain.SubmitResult{
		Scan:     s.toScan(*persisted),
		Ledger:   debit.Snapshot,
		Replayed: debit.Replayed,
	}, nil
}

func (s *Service) newRecord(req scandomain.SubmitRequest, txID string, cost int64, result inferencedomain.Result) (*scandomain.ScanRecord, error) {
	breakdown, err := json.Marshal(result.Breakdown)
	if err != nil {
		return nil, err
	}
	signals, err := json.Marshal(result.CommunitySignals)
	if err != nil {
		return nil, err
	}
	risks, err := json.Marshal(result.RiskFactors)
	if err != nil {
		return nil, err
	}
	sources, err := json.Marshal(result.DataSources)
	if err != nil {
		return nil, err
	}

	now := ledgerdomain.NormalizeTime(s.clock.Now())
	return &scandomain.ScanRecord{
		ID:             s.genID.Generate(),
		TransactionID:  txID,
		RequestID:      req.RequestID,
		AccountID:      req.AccountID,
		ShareID:        ulid.Make().String(),
		ProductName:    req.Descriptor.ProductName,
		Brand:          req.Descriptor.Brand,
		ProductURL:     req.Descriptor.ProductURL,
		Mode:           req.Mode,
		TrustScore:     result.Score,
		Tier:           result.Tier,
		Verdict:        result.Verdict,
		Confidence:     string(result.Confidence),
		Breakdown:      datatypes.JSON(breakdown),
		Signals:        datatypes.JSON(signals),
		RiskFactors:    datatypes.JSON(risks),
		DataSources:    datatypes.JSON(sources),
		Model:          result.Model,
		CreditsCharged: cost,
		AnalyzedAt:     now,
		CreatedAt:      now,
	}, nil
}
