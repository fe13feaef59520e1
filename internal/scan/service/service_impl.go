package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/trustscan/internal/clock"
	"github.com/smallbiznis/trustscan/internal/config"
	"github.com/smallbiznis/trustscan/internal/eligibility"
	inferencedomain "github.com/smallbiznis/trustscan/internal/inference/domain"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	obscontext "github.com/smallbiznis/trustscan/internal/observability/context"
	"github.com/smallbiznis/trustscan/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/trustscan/internal/observability/metrics"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"github.com/smallbiznis/trustscan/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCommitTimeout = 10 * time.Second
	notifyTimeout        = 30 * time.Second
	maxRequestIDLen      = 128
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Config     config.Config
	GenID      *snowflake.Node
	Repo       scandomain.Repository
	Ledger     ledgerdomain.Service
	Catalog    plandomain.Catalog
	Gateway    inferencedomain.Gateway
	Freshener  scandomain.Freshener    `optional:"true"`
	Notifier   scandomain.Notifier     `optional:"true"`
	Lock       scandomain.InflightLock `optional:"true"`
	Clock      clock.Clock             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics     `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        config.ScanConfig
	publicURL  string
	genID      *snowflake.Node
	repo       scandomain.Repository
	ledger     ledgerdomain.Service
	catalog    plandomain.Catalog
	gateway    inferencedomain.Gateway
	freshener  scandomain.Freshener
	notifier   scandomain.Notifier
	lock       scandomain.InflightLock
	clock      clock.Clock
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) scandomain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	cfg := p.Config.Scan
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 2
	}
	if cfg.CommitTimeout <= 0 {
		cfg.CommitTimeout = defaultCommitTimeout
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("scan.service"),
		cfg:        cfg,
		publicURL:  strings.TrimRight(p.Config.PublicBaseURL, "/"),
		genID:      p.GenID,
		repo:       p.Repo,
		ledger:     p.Ledger,
		catalog:    p.Catalog,
		gateway:    p.Gateway,
		freshener:  p.Freshener,
		notifier:   p.Notifier,
		lock:       p.Lock,
		clock:      clk,
		obsMetrics: p.ObsMetrics,
	}
}

// SubmitScan runs one scan through evaluation, dispatch and commit. Once
// the provider call is dispatched, the scan resolves on a context detached
// from the caller, so a caller that goes away can still fetch the result.
func (s *Service) SubmitScan(ctx context.Context, req scandomain.SubmitRequest) (scandomain.SubmitResult, error) {
	req, err := s.normalizeRequest(req)
	if err != nil {
		return scandomain.SubmitResult{}, err
	}
	txID := scandomain.TransactionID(req.AccountID, req.RequestID)

	ctx = obscontext.WithAccountID(ctx, req.AccountID)
	ctx = obscontext.WithScanRequestID(ctx, req.RequestID)
	log := logger.WithContext(ctx, s.log).With(zap.String("mode", string(req.Mode)))
	lc := newLifecycle(log)

	if prior, err := s.repo.FindByRequest(ctx, s.db, req.AccountID, req.RequestID); err != nil {
		return scandomain.SubmitResult{}, err
	} else if prior != nil {
		return s.replay(ctx, req, *prior)
	}

	lc.to(scandomain.StateEvaluating)
	snapshot, plan, err := s.evaluationInputs(ctx, req)
	if err != nil {
		return scandomain.SubmitResult{}, err
	}
	decision := eligibility.Evaluate(eligibility.Input{
		Ledger:        snapshot,
		Plan:          plan,
		Mode:          req.Mode,
		Authenticated: req.Authenticated,
	})
	if !decision.Admitted() {
		lc.to(scandomain.StateDone)
		denial := &scandomain.Denial{Reason: denialReason(decision), Ledger: snapshot}
		s.obsMetrics.RecordScan(ctx, string(req.Mode), "denied_"+string(denial.Reason))
		log.Debug("scan denied", zap.String("reason", string(denial.Reason)))
		return scandomain.SubmitResult{}, denial
	}
	cost, _ := plan.Cost(req.Mode)

	runCtx := context.WithoutCancel(ctx)
	token, release, err := s.acquire(ctx, txID)
	if err != nil {
		return scandomain.SubmitResult{}, err
	}
	defer release(runCtx, token)

	lc.to(scandomain.StateDispatched)
	result, attempts, err := s.dispatch(runCtx, lc, req)
	if err != nil {
		lc.to(scandomain.StateFailed)
		failure := classifyFailure(err, attempts)
		lc.to(scandomain.StateDone)
		s.obsMetrics.RecordScan(ctx, string(req.Mode), "failed_"+string(failure.Reason))
		log.Warn("scan failed",
			zap.String("reason", string(failure.Reason)),
			zap.String("error_kind", string(inferencedomain.KindOf(err))),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return scandomain.SubmitResult{}, failure
	}
	lc.to(scandomain.StateSucceeded)

	lc.to(scandomain.StateCommitting)
	commitCtx, cancel := context.WithTimeout(runCtx, s.cfg.CommitTimeout)
	defer cancel()
	out, err := s.commit(commitCtx, req, txID, cost, result)
	lc.to(scandomain.StateDone)
	if err != nil {
		var denial *scandomain.Denial
		if errors.As(err, &denial) {
			s.obsMetrics.RecordScan(ctx, string(req.Mode), "denied_"+string(denial.Reason))
			log.Info("scan result discarded, commit lost to a concurrent debit",
				zap.Int64("credits_remaining", denial.Ledger.CreditsRemaining),
			)
			return scandomain.SubmitResult{}, err
		}
		log.Error("scan commit failed", zap.Error(err))
		return scandomain.SubmitResult{}, err
	}

	if out.Replayed {
		s.obsMetrics.RecordScan(ctx, string(req.Mode), "replayed")
		return out, nil
	}

	s.obsMetrics.RecordScan(ctx, string(req.Mode), "succeeded")
	log.Info("scan completed",
		zap.Int("trust_score", out.Scan.Result.Score),
		zap.String("tier", string(out.Scan.Result.Tier)),
		zap.Int64("credits_charged", out.Scan.CreditsCharged),
		zap.Int64("credits_remaining", out.Ledger.CreditsRemaining),
		zap.Int("attempts", attempts),
	)
	if out.Scan.Result.Tier == inferencedomain.TierSuspicious {
		s.notifySuspicious(runCtx, req, out.Scan)
	}
	return out, nil
}

func (s *Service) normalizeRequest(req scandomain.SubmitRequest) (scandomain.SubmitRequest, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	req.ContactEmail = strings.TrimSpace(req.ContactEmail)
	req.RequestID = strings.TrimSpace(req.RequestID)
	req.Descriptor = req.Descriptor.Normalize()

	if req.AccountID == "" {
		return req, fmt.Errorf("%w: account is required", scandomain.ErrInvalidRequest)
	}
	if !req.Mode.Valid() {
		return req, fmt.Errorf("%w: %w", scandomain.ErrInvalidRequest, plandomain.ErrInvalidMode)
	}
	if err := req.Descriptor.Validate(); err != nil {
		return req, fmt.Errorf("%w: %w", scandomain.ErrInvalidRequest, err)
	}
	if len(req.RequestID) > maxRequestIDLen {
		return req, fmt.Errorf("%w: request id too long", scandomain.ErrInvalidRequest)
	}
	if req.RequestID == "" {
		req.RequestID = s.genID.Generate().String()
	}
	return req, nil
}

// evaluationInputs loads the snapshot and plan the admission decision is made
// against. Unauthenticated callers never get a user ledger opened for them.
func (s *Service) evaluationInputs(ctx context.Context, req scandomain.SubmitRequest) (ledgerdomain.Snapshot, plandomain.Plan, error) {
	kind := ledgerdomain.KindFromKey(req.AccountID)
	if !req.Authenticated && kind != ledgerdomain.AccountKindDevice {
		return ledgerdomain.Snapshot{AccountID: req.AccountID, Kind: kind}, s.catalog.Free(), nil
	}

	if _, err := s.ledger.OpenAccount(ctx, ledgerdomain.OpenAccountRequest{
		AccountID:    req.AccountID,
		Kind:         kind,
		ContactEmail: req.ContactEmail,
	}); err != nil {
		return ledgerdomain.Snapshot{}, plandomain.Plan{}, err
	}

	var (
		snapshot ledgerdomain.Snapshot
		err      error
	)
	if s.freshener != nil && kind == ledgerdomain.AccountKindUser {
		snapshot, err = s.freshener.EnsureFresh(ctx, req.AccountID, req.Mode)
	} else {
		snapshot, err = s.ledger.RenewIfDue(ctx, req.AccountID)
	}
	if err != nil {
		return ledgerdomain.Snapshot{}, plandomain.Plan{}, err
	}

	plan, err := s.catalog.Get(snapshot.PlanID)
	if err != nil {
		s.log.Warn("ledger plan missing from catalog, evaluating as free",
			zap.String("account_id", req.AccountID),
			zap.String("plan_id", string(snapshot.PlanID)),
		)
		plan = s.catalog.Free()
	}
	return snapshot, plan, nil
}

func (s *Service) acquire(ctx context.Context, txID string) (string, func(context.Context, string), error) {
	noop := func(context.Context, string) {}
	if s.lock == nil {
		return "", noop, nil
	}
	token, ok, err := s.lock.TryLockRequest(ctx, txID)
	if err != nil {
		// Ledger idempotency still prevents a double charge.
		s.log.Warn("in-flight lock unavailable, dispatching without it", zap.String("transaction_id", txID), zap.Error(err))
		return "", noop, nil
	}
	if !ok {
		return "", noop, scandomain.ErrScanInFlight
	}
	return token, func(ctx context.Context, token string) {
		if err := s.lock.ReleaseRequest(ctx, txID, token); err != nil {
			s.log.Warn("in-flight lock release failed", zap.String("transaction_id", txID), zap.Error(err))
		}
	}, nil
}

func (s *Service) replay(ctx context.Context, req scandomain.SubmitRequest, prior scandomain.ScanRecord) (scandomain.SubmitResult, error) {
	if prior.Mode != req.Mode {
		return scandomain.SubmitResult{}, fmt.Errorf("%w: request id already used for a %s scan", scandomain.ErrInvalidRequest, prior.Mode)
	}
	snapshot, err := s.ledger.GetSnapshot(ctx, req.AccountID)
	if err != nil {
		return scandomain.SubmitResult{}, err
	}
	s.obsMetrics.RecordScan(ctx, string(req.Mode), "replayed")
	return scandomain.SubmitResult{
		Scan:     s.toScan(prior),
		Ledger:   snapshot,
		Replayed: true,
	}, nil
}

func (s *Service) notifySuspicious(ctx context.Context, req scandomain.SubmitRequest, scan scandomain.Scan) {
	if s.notifier == nil {
		return
	}
	email := req.ContactEmail
	if email == "" {
		if ledger, err := s.ledger.GetLedger(ctx, req.AccountID); err == nil {
			email = ledger.ContactEmail
		}
	}
	if email == "" {
		return
	}

	alert := scandomain.SuspiciousAlert{AccountID: req.AccountID, ContactEmail: email, Scan: scan}
	go func() {
		notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := s.notifier.NotifySuspicious(notifyCtx, alert); err != nil {
			logger.WithContext(ctx, s.log).Warn("suspicious scan notification failed", zap.Error(err))
		}
	}()
}

func (s *Service) toScan(record scandomain.ScanRecord) scandomain.Scan {
	scan := record.ToScan()
	if s.publicURL != "" {
		scan.ShareURL = s.publicURL + "/report/" + record.ShareID
	}
	return scan
}

func (s *Service) GetResult(ctx context.Context, accountID, requestID string) (scandomain.Scan, error) {
	accountID = strings.TrimSpace(accountID)
	requestID = strings.TrimSpace(requestID)
	if accountID == "" || requestID == "" {
		return scandomain.Scan{}, scandomain.ErrInvalidRequest
	}
	record, err := s.repo.FindByRequest(ctx, s.db, accountID, requestID)
	if err != nil {
		return scandomain.Scan{}, err
	}
	if record == nil {
		return scandomain.Scan{}, scandomain.ErrScanNotFound
	}
	return s.toScan(*record), nil
}

// ListHistory pages newest first by record id.
func (s *Service) ListHistory(ctx context.Context, req scandomain.ListHistoryRequest) (scandomain.ListHistoryResponse, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return scandomain.ListHistoryResponse{}, scandomain.ErrInvalidRequest
	}

	var beforeID *snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return scandomain.ListHistoryResponse{}, fmt.Errorf("%w: invalid page token", scandomain.ErrInvalidRequest)
		}
		id, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return scandomain.ListHistoryResponse{}, fmt.Errorf("%w: invalid page token", scandomain.ErrInvalidRequest)
		}
		beforeID = &id
	}

	limit := req.Limit()
	records, err := s.repo.ListByAccount(ctx, s.db, accountID, beforeID, limit+1)
	if err != nil {
		return scandomain.ListHistoryResponse{}, err
	}

	records, pageInfo := pagination.BuildCursorPageInfo(records, limit, func(r scandomain.ScanRecord) string {
		token, _ := pagination.EncodeCursor(pagination.Cursor{ID: r.ID.String()})
		return token
	})

	scans := make([]scandomain.Scan, 0, len(records))
	for _, record := range records {
		scans = append(scans, s.toScan(record))
	}
	return scandomain.ListHistoryResponse{
		Scans:         scans,
		NextPageToken: pageInfo.NextPageToken,
		HasMore:       pageInfo.HasMore,
	}, nil
}

func (s *Service) GetShared(ctx context.Context, shareID string) (scandomain.SharedScan, error) {
	shareID = strings.TrimSpace(shareID)
	if shareID == "" {
		return scandomain.SharedScan{}, scandomain.ErrScanNotFound
	}
	record, err := s.repo.FindByShareID(ctx, s.db, shareID)
	if err != nil {
		return scandomain.SharedScan{}, err
	}
	if record == nil {
		return scandomain.SharedScan{}, scandomain.ErrScanNotFound
	}
	scan := record.ToScan()
	return scandomain.SharedScan{
		ShareID:    scan.ShareID,
		Product:    scan.Product,
		Result:     scan.Result,
		AnalyzedAt: scan.AnalyzedAt,
	}, nil
}

func (s *Service) RecoverOrphanedDebits(ctx context.Context, before time.Time, limit int) (int, error) {
	if limit <= 0 {
		return 0, nil
	}
	ids, err := s.repo.ListOrphanedTransactions(ctx, s.db, before, limit)
	if err != nil {
		return 0, err
	}

	var (
		refunded int
		errs     []error
	)
	for _, id := range ids {
		ok, err := s.ledger.Refund(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("refund %s: %w", id, err))
			continue
		}
		if ok {
			refunded++
		}
	}
	if refunded > 0 {
		s.log.Warn("orphaned scan debits refunded", zap.Int("count", refunded))
	}
	return refunded, errors.Join(errs...)
}

func denialReason(d eligibility.Decision) scandomain.DenialReason {
	switch d {
	case eligibility.DenyInsufficientCredits:
		return scandomain.DenialInsufficientCredits
	case eligibility.DenyModeRequiresUpgrade:
		return scandomain.DenialModeRequiresUpgrade
	default:
		return scandomain.DenialUnauthenticated
	}
}
