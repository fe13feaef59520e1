package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/trustscan/internal/clock"
	"github.com/smallbiznis/trustscan/internal/config"
	inferencedomain "github.com/smallbiznis/trustscan/internal/inference/domain"
	inferenceprovider "github.com/smallbiznis/trustscan/internal/inference/provider"
	inferenceservice "github.com/smallbiznis/trustscan/internal/inference/service"
	ledgerdomain "github.com/smallbiznis/trustscan/internal/ledger/domain"
	ledgerrepository "github.com/smallbiznis/trustscan/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/trustscan/internal/ledger/service"
	plandomain "github.com/smallbiznis/trustscan/internal/plan/domain"
	planservice "github.com/smallbiznis/trustscan/internal/plan/service"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"github.com/smallbiznis/trustscan/internal/scan/repository"
	"github.com/smallbiznis/trustscan/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testStart = time.Date(2026, 3, 14, 15, 0, 0, 0, time.UTC)

var testProduct = inferencedomain.Descriptor{
	ProductName: "Acme Air Fryer",
	Brand:       "Acme",
	ProductURL:  "https://shop.example.com/p/123",
}

type gatewayFunc func(ctx context.Context, d inferencedomain.Descriptor, mode plandomain.Mode) (inferencedomain.Result, error)

func (f gatewayFunc) Invoke(ctx context.Context, d inferencedomain.Descriptor, mode plandomain.Mode) (inferencedomain.Result, error) {
	return f(ctx, d, mode)
}

type notifierFunc func(ctx context.Context, alert scandomain.SuspiciousAlert) error

func (f notifierFunc) NotifySuspicious(ctx context.Context, alert scandomain.SuspiciousAlert) error {
	return f(ctx, alert)
}

type harness struct {
	svc    scandomain.Service
	ledger ledgerdomain.Service
	db     *gorm.DB
	clock  *clock.FakeClock
}

type harnessOption func(*Params)

func withNotifier(n scandomain.Notifier) harnessOption {
	return func(p *Params) { p.Notifier = n }
}

func setupScanService(t *testing.T, gw inferencedomain.Gateway, opts ...harnessOption) *harness {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_loc=auto", name)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	require.NoError(t, db.AutoMigrate(&ledgerdomain.Ledger{}, &ledgerdomain.Debit{}, &scandomain.ScanRecord{}))

	holder, err := config.NewStaticPlanConfigHolder(config.DefaultPlanConfig())
	require.NoError(t, err)
	catalog := planservice.NewCatalog(holder)
	clk := clock.NewFakeClock(testStart)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Repo:    ledgerrepository.Provide(),
		Catalog: catalog,
		Clock:   clk,
	})

	params := Params{
		DB:  db,
		Log: zap.NewNop(),
		Config: config.Config{
			PublicBaseURL: "https://trustscan.example.com",
			Scan: config.ScanConfig{
				MaxAttempts:     2,
				RetryBackoff:    time.Millisecond,
				RetryMaxBackoff: 2 * time.Millisecond,
				CommitTimeout:   5 * time.Second,
			},
		},
		GenID:   node,
		Repo:    repository.Provide(),
		Ledger:  ledger,
		Catalog: catalog,
		Gateway: gw,
		Clock:   clk,
	}
	for _, opt := range opts {
		opt(&params)
	}

	return &harness{svc: NewService(params), ledger: ledger, db: db, clock: clk}
}

func (h *harness) open(t *testing.T, accountID string) {
	t.Helper()
	_, err := h.ledger.OpenAccount(context.Background(), ledgerdomain.OpenAccountRequest{AccountID: accountID})
	require.NoError(t, err)
}

// seed opens the account and sets its plan and balance directly.
func (h *harness) seed(t *testing.T, accountID string, planID plandomain.PlanID, granted, consumed int64) {
	t.Helper()
	h.open(t, accountID)
	err := h.db.Exec(
		`UPDATE ledgers SET plan_id = ?, credits_granted = ?, credits_consumed = ?, renews_at = ? WHERE account_id = ?`,
		planID, granted, consumed, testStart.Add(10*24*time.Hour), accountID,
	).Error
	require.NoError(t, err)
}

func (h *harness) snapshot(t *testing.T, accountID string) ledgerdomain.Snapshot {
	t.Helper()
	snap, err := h.ledger.GetSnapshot(context.Background(), accountID)
	require.NoError(t, err)
	return snap
}

func (h *harness) scanCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, h.db.Model(&scandomain.ScanRecord{}).Count(&n).Error)
	return n
}

func validResult(mode plandomain.Mode, score int) inferencedomain.Result {
	res := inferencedomain.Result{
		Mode:    mode,
		Score:   score,
		Tier:    inferencedomain.TierForScore(score),
		Verdict: "Community feedback is consistent with the listing.",
		Breakdown: []inferencedomain.BreakdownItem{
			{Label: inferencedomain.LabelRealityGap, Score: score, Description: "ok"},
		},
		Confidence: inferencedomain.ConfidenceMedium,
		DataSources: []inferencedomain.DataSource{
			{Platform: "Reddit", URL: "https://www.reddit.com/search/?q=acme&type=link"},
		},
		Model: "stub-model",
	}
	if mode == plandomain.ModeDeep {
		res.CommunitySignals = []inferencedomain.CommunitySignal{
			{Source: "Reddit User", Quote: "Fine so far.", Sentiment: inferencedomain.SentimentNeutral},
		}
		res.RiskFactors = []string{"Short warranty"}
	}
	return res
}

func fixedGateway(calls *atomic.Int32, res inferencedomain.Result) gatewayFunc {
	return func(ctx context.Context, d inferencedomain.Descriptor, mode plandomain.Mode) (inferencedomain.Result, error) {
		calls.Add(1)
		return res, nil
	}
}

func TestScenarioUnauthenticatedFreeFastScan(t *testing.T) {
	var calls atomic.Int32
	h := setupScanService(t, fixedGateway(&calls, validResult(plandomain.ModeFast, 82)))
	h.seed(t, "device:abc", plandomain.PlanFree, 10, 5)

	out, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:  "device:abc",
		Descriptor: testProduct,
		Mode:       plandomain.ModeFast,
	})
	require.NoError(t, err)

	assert.Equal(t, inferencedomain.TierTrusted, out.Scan.Result.Tier)
	assert.Equal(t, 82, out.Scan.Result.Score)
	assert.EqualValues(t, 4, out.Ledger.CreditsRemaining)
	assert.EqualValues(t, 1, out.Scan.CreditsCharged)
	assert.False(t, out.Replayed)
	assert.NotEmpty(t, out.Scan.RequestID)
	assert.Equal(t, "https://trustscan.example.com/report/"+out.Scan.ShareID, out.Scan.ShareURL)
	assert.EqualValues(t, 4, h.snapshot(t, "device:abc").CreditsRemaining)
	assert.EqualValues(t, 1, calls.Load())
}

func TestScanCommittedAfterMidnightChargesNewPeriod(t *testing.T) {
	var h *harness
	gw := gatewayFunc(func(ctx context.Context, d inferencedomain.Descriptor, mode plandomain.Mode) (inferencedomain.Result, error) {
		h.clock.Advance(20 * time.Second)
		return validResult(mode, 75), nil
	})
	h = setupScanService(t, gw)
	h.clock.Set(time.Date(2026, 3, 14, 23, 59, 50, 0, time.UTC))
	h.open(t, "device:late")
	require.NoError(t, h.db.Exec(`UPDATE ledgers SET credits_consumed = 9 WHERE account_id = ?`, "device:late").Error)

	out, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:  "device:late",
		Descriptor: testProduct,
		Mode:       plandomain.ModeFast,
	})
	require.NoError(t, err)

	nextMidnight := time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)
	assert.EqualValues(t, 1, out.Ledger.CreditsConsumed)
	assert.True(t, out.Ledger.RenewsAt.Equal(nextMidnight), "renews_at %s", out.Ledger.RenewsAt)

	snap, err := h.ledger.RenewIfDue(context.Background(), "device:late")
	require.NoError(t, err)
	assert.EqualValues(t, 1, snap.CreditsConsumed)
	assert.True(t, snap.RenewsAt.Equal(nextMidnight))
}

func TestScenarioPaidDeepInsufficientCredits(t *testing.T) {
	var calls atomic.Int32
	h := setupScanService(t, fixedGateway(&calls, validResult(plandomain.ModeDeep, 60)))
	h.seed(t, "user:b", plandomain.PlanPro, 600, 598)

	_, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:     "user:b",
		Authenticated: true,
		Descriptor:    testProduct,
		Mode:          plandomain.ModeDeep,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, scandomain.ErrDenied)
	assert.ErrorIs(t, err, scandomain.ErrInsufficientCredits)

	var denial *scandomain.Denial
	require.True(t, errors.As(err, &denial))
	assert.EqualValues(t, 2, denial.Ledger.CreditsRemaining)
	assert.EqualValues(t, 2, h.snapshot(t, "user:b").CreditsRemaining)
	assert.Zero(t, calls.Load())
}

func TestScenarioProviderTimesOutTwice(t *testing.T) {
	var calls atomic.Int32
	gw := gatewayFunc(func(ctx context.Context, d inferencedomain.Descriptor, mode plandomain.Mode) (inferencedomain.Result, error) {
		calls.Add(1)
		return inferencedomain.Result{}, inferencedomain.TransportError(context.DeadlineExceeded)
	})
	h := setupScanService(t, gw)
	h.seed(t, "user:c", plandomain.PlanBasic, 200, 10)
	before := h.snapshot(t, "user:c")

	_, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:     "user:c",
		Authenticated: true,
		Descriptor:    testProduct,
		Mode:          plandomain.ModeFast,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, scandomain.ErrProviderUnavailable)

	var failure *scandomain.Failure
	require.True(t, errors.As(err, &failure))
	assert.Equal(t, 2, failure.Attempts)
	assert.EqualValues(t, 2, calls.Load())
	assert.Equal(t, before, h.snapshot(t, "user:c"))
	assert.Zero(t, h.scanCount(t))
}

func TestScenarioSchemaViolationIsNotCharged(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"model":"gpt-4o-mini","choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"trustScore\":140,\"status\":\"trusted\",\"verdict\":\"x\",\"breakdown\":[],\"confidence\":\"low\"}"}}]}`)
	}))
	t.Cleanup(srv.Close)

	cfg := config.Config{Inference: config.InferenceConfig{
		FastModel:      "gpt-4o-mini",
		DeepModel:      "gpt-4o",
		RequestTimeout: time.Second,
	}}
	gw := inferenceservice.NewGateway(inferenceservice.Params{
		Config:   cfg,
		Log:      zap.NewNop(),
		Provider: inferenceprovider.NewOpenAIClientWithHTTP("sk-test", srv.URL, srv.Client()),
	})

	h := setupScanService(t, gw)
	h.seed(t, "user:d", plandomain.PlanPro, 600, 0)
	before := h.snapshot(t, "user:d")

	_, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:     "user:d",
		Authenticated: true,
		Descriptor:    testProduct,
		Mode:          plandomain.ModeFast,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, scandomain.ErrAnalysisFailed)
	assert.ErrorIs(t, err, inferencedomain.ErrSchema)
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, before, h.snapshot(t, "user:d"))
}

func TestProviderRejectionIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	gw := gatewayFunc(func(ctx context.Context, d inferencedomain.Descriptor, mode plandomain.Mode) (inferencedomain.Result, error) {
		calls.Add(1)
		return inferencedomain.Result{}, inferencedomain.ProviderError(http.StatusBadRequest, errors.New("rejected"))
	})
	h := setupScanService(t, gw)
	h.seed(t, "user:e", plandomain.PlanBasic, 200, 0)

	_, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:     "user:e",
		Authenticated: true,
		Descriptor:    testProduct,
		Mode:          plandomain.ModeDeep,
	})
	assert.ErrorIs(t, err, scandomain.ErrAnalysisFailed)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 0, h.snapshot(t, "user:e").CreditsConsumed)
}

func TestTransportRecoversOnSecondAttempt(t *testing.T) {
	var calls atomic.Int32
	gw := gatewayFunc(func(ctx context.Context, d inferencedomain.Descriptor, mode plandomain.Mode) (inferencedomain.Result, error) {
		if calls.Add(1) == 1 {
			return inferencedomain.Result{}, inferencedomain.TransportError(errors.New("connection reset"))
		}
		return validResult(mode, 55), nil
	})
	h := setupScanService(t, gw)
	h.seed(t, "user:f", plandomain.PlanBasic, 200, 0)

	out, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:     "user:f",
		Authenticated: true,
		Descriptor:    testProduct,
		Mode:          plandomain.ModeFast,
	})
	require.NoError(t, err)
	assert.Equal(t, inferencedomain.TierMixed, out.Scan.Result.Tier)
	assert.EqualValues(t, 2, calls.Load())
	assert.EqualValues(t, 1, h.snapshot(t, "user:f").CreditsConsumed)
}

func TestConcurrentDeepScansWithCreditsForOne(t *testing.T) {
	var arrived sync.WaitGroup
	arrived.Add(2)
	gw := gatewayFunc(func(ctx context.Context, d inferencedomain.Descriptor, mode plandomain.Mode) (inferencedomain.Result, error) {
		// Both scans are admitted before either commits.
		arrived.Done()
		arrived.Wait()
		return validResult(mode, 64), nil
	})
	h := setupScanService(t, gw)
	h.seed(t, "user:race", plandomain.PlanPro, 600, 597)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
				AccountID:     "user:race",
				Authenticated: true,
				RequestID:     fmt.Sprintf("race-%d", i),
				Descriptor:    testProduct,
				Mode:          plandomain.ModeDeep,
			})
		}(i)
	}
	wg.Wait()

	var succeeded, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, scandomain.ErrLedgerConflict):
			conflicted++
			var denial *scandomain.Denial
			require.True(t, errors.As(err, &denial))
			assert.True(t, denial.Retryable())
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicted)

	snap := h.snapshot(t, "user:race")
	assert.EqualValues(t, 600, snap.CreditsConsumed)
	assert.EqualValues(t, 1, h.scanCount(t))
}

func TestResubmittingSameRequestIsNotChargedTwice(t *testing.T) {
	var calls atomic.Int32
	h := setupScanService(t, fixedGateway(&calls, validResult(plandomain.ModeFast, 75)))
	h.seed(t, "user:g", plandomain.PlanBasic, 200, 0)

	req := scandomain.SubmitRequest{
		AccountID:     "user:g",
		Authenticated: true,
		RequestID:     "req-1",
		Descriptor:    testProduct,
		Mode:          plandomain.ModeFast,
	}
	first, err := h.svc.SubmitScan(context.Background(), req)
	require.NoError(t, err)
	second, err := h.svc.SubmitScan(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Scan.ShareID, second.Scan.ShareID)
	assert.EqualValues(t, 1, calls.Load())
	assert.EqualValues(t, 1, h.snapshot(t, "user:g").CreditsConsumed)

	req.Mode = plandomain.ModeDeep
	_, err = h.svc.SubmitScan(context.Background(), req)
	assert.ErrorIs(t, err, scandomain.ErrInvalidRequest)
}

func TestCallerCancellationDoesNotAbandonDispatchedScan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	gw := gatewayFunc(func(callCtx context.Context, d inferencedomain.Descriptor, mode plandomain.Mode) (inferencedomain.Result, error) {
		cancel()
		if callCtx.Err() != nil {
			return inferencedomain.Result{}, inferencedomain.TransportError(callCtx.Err())
		}
		return validResult(mode, 90), nil
	})
	h := setupScanService(t, gw)
	h.seed(t, "user:h", plandomain.PlanBasic, 200, 0)

	out, err := h.svc.SubmitScan(ctx, scandomain.SubmitRequest{
		AccountID:     "user:h",
		Authenticated: true,
		RequestID:     "walked-away",
		Descriptor:    testProduct,
		Mode:          plandomain.ModeFast,
	})
	require.NoError(t, err)
	assert.Error(t, ctx.Err())

	stored, err := h.svc.GetResult(context.Background(), "user:h", "walked-away")
	require.NoError(t, err)
	assert.Equal(t, out.Scan.ShareID, stored.ShareID)
	assert.EqualValues(t, 1, h.snapshot(t, "user:h").CreditsConsumed)
}

func TestEligibilityDenials(t *testing.T) {
	var calls atomic.Int32
	h := setupScanService(t, fixedGateway(&calls, validResult(plandomain.ModeDeep, 70)))
	h.seed(t, "user:free", plandomain.PlanFree, 10, 0)

	_, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:     "user:free",
		Authenticated: true,
		Descriptor:    testProduct,
		Mode:          plandomain.ModeDeep,
	})
	assert.ErrorIs(t, err, scandomain.ErrModeRequiresUpgrade)

	_, err = h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:  "device:xyz",
		Descriptor: testProduct,
		Mode:       plandomain.ModeDeep,
	})
	assert.ErrorIs(t, err, scandomain.ErrUnauthenticated)

	_, err = h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:  "user:someone",
		Descriptor: testProduct,
		Mode:       plandomain.ModeFast,
	})
	assert.ErrorIs(t, err, scandomain.ErrUnauthenticated)

	_, err = h.ledger.GetSnapshot(context.Background(), "user:someone")
	assert.ErrorIs(t, err, ledgerdomain.ErrAccountNotFound)
	assert.Zero(t, calls.Load())
}

func TestInvalidSubmitRequests(t *testing.T) {
	var calls atomic.Int32
	h := setupScanService(t, fixedGateway(&calls, validResult(plandomain.ModeFast, 70)))

	cases := []scandomain.SubmitRequest{
		{Descriptor: testProduct, Mode: plandomain.ModeFast},
		{AccountID: "device:a", Descriptor: testProduct, Mode: "turbo"},
		{AccountID: "device:a", Descriptor: inferencedomain.Descriptor{ProductName: "x"}, Mode: plandomain.ModeFast},
		{AccountID: "device:a", Descriptor: testProduct, Mode: plandomain.ModeFast, RequestID: strings.Repeat("r", 200)},
	}
	for _, req := range cases {
		_, err := h.svc.SubmitScan(context.Background(), req)
		assert.ErrorIs(t, err, scandomain.ErrInvalidRequest)
	}
	assert.Zero(t, calls.Load())
}

func TestSuspiciousResultNotifiesAfterCommit(t *testing.T) {
	var calls atomic.Int32
	alerts := make(chan scandomain.SuspiciousAlert, 1)
	notifier := notifierFunc(func(ctx context.Context, alert scandomain.SuspiciousAlert) error {
		alerts <- alert
		return errors.New("smtp down")
	})
	h := setupScanService(t, fixedGateway(&calls, validResult(plandomain.ModeFast, 22)), withNotifier(notifier))
	h.seed(t, "user:n", plandomain.PlanBasic, 200, 0)

	out, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:     "user:n",
		Authenticated: true,
		ContactEmail:  "owner@example.com",
		Descriptor:    testProduct,
		Mode:          plandomain.ModeFast,
	})
	require.NoError(t, err)
	assert.Equal(t, inferencedomain.TierSuspicious, out.Scan.Result.Tier)

	select {
	case alert := <-alerts:
		assert.Equal(t, "owner@example.com", alert.ContactEmail)
		assert.Equal(t, out.Scan.ShareID, alert.Scan.ShareID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a suspicious alert")
	}
}

func TestTrustedResultDoesNotNotify(t *testing.T) {
	var calls, notified atomic.Int32
	notifier := notifierFunc(func(ctx context.Context, alert scandomain.SuspiciousAlert) error {
		notified.Add(1)
		return nil
	})
	h := setupScanService(t, fixedGateway(&calls, validResult(plandomain.ModeFast, 88)), withNotifier(notifier))
	h.seed(t, "user:t", plandomain.PlanBasic, 200, 0)

	_, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:     "user:t",
		Authenticated: true,
		ContactEmail:  "owner@example.com",
		Descriptor:    testProduct,
		Mode:          plandomain.ModeFast,
	})
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, notified.Load())
}

func TestHistoryAndSharedLookup(t *testing.T) {
	var calls atomic.Int32
	h := setupScanService(t, fixedGateway(&calls, validResult(plandomain.ModeDeep, 45)))
	h.seed(t, "user:hist", plandomain.PlanPro, 600, 0)

	var shareIDs []string
	for i := 0; i < 3; i++ {
		out, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
			AccountID:     "user:hist",
			Authenticated: true,
			RequestID:     fmt.Sprintf("h-%d", i),
			Descriptor:    testProduct,
			Mode:          plandomain.ModeDeep,
		})
		require.NoError(t, err)
		shareIDs = append(shareIDs, out.Scan.ShareID)
	}

	page, err := h.svc.ListHistory(context.Background(), scandomain.ListHistoryRequest{
		AccountID:  "user:hist",
		Pagination: pagination.Pagination{PageSize: 2},
	})
	require.NoError(t, err)
	require.Len(t, page.Scans, 2)
	assert.True(t, page.HasMore)
	assert.Equal(t, "h-2", page.Scans[0].RequestID)
	assert.Len(t, page.Scans[0].Result.CommunitySignals, 1)

	next, err := h.svc.ListHistory(context.Background(), scandomain.ListHistoryRequest{
		AccountID:  "user:hist",
		Pagination: pagination.Pagination{PageSize: 2, PageToken: page.NextPageToken},
	})
	require.NoError(t, err)
	require.Len(t, next.Scans, 1)
	assert.False(t, next.HasMore)
	assert.Equal(t, "h-0", next.Scans[0].RequestID)

	_, err = h.svc.ListHistory(context.Background(), scandomain.ListHistoryRequest{
		AccountID:  "user:hist",
		Pagination: pagination.Pagination{PageToken: "%%%"},
	})
	assert.ErrorIs(t, err, scandomain.ErrInvalidRequest)

	shared, err := h.svc.GetShared(context.Background(), shareIDs[1])
	require.NoError(t, err)
	assert.Equal(t, 45, shared.Result.Score)
	assert.Equal(t, testProduct.ProductName, shared.Product.ProductName)

	_, err = h.svc.GetShared(context.Background(), "missing")
	assert.ErrorIs(t, err, scandomain.ErrScanNotFound)
	_, err = h.svc.GetResult(context.Background(), "user:other", "h-0")
	assert.ErrorIs(t, err, scandomain.ErrScanNotFound)
}

func TestRecoverOrphanedDebitsRefundsUnpersistedScans(t *testing.T) {
	var calls atomic.Int32
	h := setupScanService(t, fixedGateway(&calls, validResult(plandomain.ModeFast, 80)))
	h.seed(t, "user:o", plandomain.PlanBasic, 200, 0)

	_, err := h.svc.SubmitScan(context.Background(), scandomain.SubmitRequest{
		AccountID:     "user:o",
		Authenticated: true,
		RequestID:     "kept",
		Descriptor:    testProduct,
		Mode:          plandomain.ModeFast,
	})
	require.NoError(t, err)

	orphanTx := scandomain.TransactionID("user:o", "lost")
	res, err := h.ledger.TryDebit(context.Background(), ledgerdomain.DebitRequest{
		AccountID:     "user:o",
		Amount:        3,
		TransactionID: orphanTx,
	})
	require.NoError(t, err)
	require.True(t, res.Applied)
	assert.EqualValues(t, 4, h.snapshot(t, "user:o").CreditsConsumed)

	h.clock.Advance(15 * time.Minute)
	refunded, err := h.svc.RecoverOrphanedDebits(context.Background(), h.clock.Now().Add(-10*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, refunded)
	assert.EqualValues(t, 1, h.snapshot(t, "user:o").CreditsConsumed)

	refunded, err = h.svc.RecoverOrphanedDebits(context.Background(), h.clock.Now(), 10)
	require.NoError(t, err)
	assert.Zero(t, refunded)
}
