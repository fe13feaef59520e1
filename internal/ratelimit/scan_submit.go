package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/trustscan/internal/config"
	obsmetrics "github.com/smallbiznis/trustscan/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	keyScanSubmitAccount = "scan:submit:account:%s"
	keyScanInflight      = "scan:inflight:%s"

	endpointScanSubmit = "scan_submit"
)

type ScanLimiterParams struct {
	fx.In

	Config     config.Config
	Log        *zap.Logger
	Client     redis.UniversalClient `optional:"true"`
	ObsMetrics *obsmetrics.Metrics   `optional:"true"`
}

// ScanLimiter throttles scan submissions per account and leases request ids
// while a scan is in flight. A nil or disabled limiter allows everything.
type ScanLimiter struct {
	enabled bool
	log     *zap.Logger

	bucket     *TokenBucket
	locker     *Locker
	obsMetrics *obsmetrics.Metrics

	rate    float64
	burst   int
	lockTTL time.Duration
}

func NewScanLimiter(p ScanLimiterParams) *ScanLimiter {
	log := p.Log.Named("ratelimit")
	if p.Client == nil {
		return &ScanLimiter{log: log}
	}
	limitCfg := p.Config.RateLimit
	return &ScanLimiter{
		enabled:    limitCfg.Enabled && limitCfg.SubmitRate > 0 && limitCfg.SubmitBurst > 0,
		log:        log,
		bucket:     NewTokenBucket(p.Client),
		locker:     NewLocker(p.Client),
		obsMetrics: p.ObsMetrics,
		rate:       limitCfg.SubmitRate,
		burst:      limitCfg.SubmitBurst,
		lockTTL:    p.Config.Scan.InflightLockTTL,
	}
}

func (l *ScanLimiter) Enabled() bool {
	return l != nil && l.enabled
}

func (l *ScanLimiter) locksEnabled() bool {
	return l != nil && l.locker != nil && l.lockTTL > 0
}

// AllowSubmit fails open when redis is unreachable.
func (l *ScanLimiter) AllowSubmit(ctx context.Context, accountID string) (Result, error) {
	if !l.Enabled() {
		return Result{Allowed: true}, nil
	}
	key := fmt.Sprintf(keyScanSubmitAccount, strings.TrimSpace(accountID))
	res, err := l.bucket.Allow(ctx, key, l.rate, l.burst)
	if err != nil {
		l.log.Warn("scan submit rate limit check failed", zap.String("account_id", accountID), zap.Error(err))
		l.obsMetrics.RecordRateLimitDenied(ctx, endpointScanSubmit, "backend_error")
		return Result{Allowed: true}, err
	}
	if res.Allowed {
		l.obsMetrics.RecordRateLimitAllowed(ctx, endpointScanSubmit)
	} else {
		l.obsMetrics.RecordRateLimitDenied(ctx, endpointScanSubmit, "account_limit")
	}
	return res, nil
}

// TryLockRequest leases a scan transaction id. ok is true when the caller
// may dispatch; an empty token means there is nothing to release.
func (l *ScanLimiter) TryLockRequest(ctx context.Context, transactionID string) (string, bool, error) {
	if !l.locksEnabled() {
		return "", true, nil
	}
	token, ok, err := l.locker.TryLock(ctx, fmt.Sprintf(keyScanInflight, transactionID), l.lockTTL)
	if err != nil {
		l.log.Warn("scan in-flight lock failed", zap.String("transaction_id", transactionID), zap.Error(err))
		return "", true, err
	}
	return token, ok, nil
}

func (l *ScanLimiter) ReleaseRequest(ctx context.Context, transactionID, token string) error {
	if !l.locksEnabled() || token == "" {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyScanInflight, transactionID), token)
}
