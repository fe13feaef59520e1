package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	inferencedomain "github.com/smallbiznis/trustscan/internal/inference/domain"
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"go.uber.org/zap"
)

// dispatch calls the gateway, retrying transport failures only. It reports
// how many provider calls were made.
func (s *Service) dispatch(ctx context.Context, lc *lifecycle, req scandomain.SubmitRequest) (inferencedomain.Result, int, error) {
	b := backoff.NewExponentialBackOff()
	if s.cfg.RetryBackoff > 0 {
		b.InitialInterval = s.cfg.RetryBackoff
	}
	if s.cfg.RetryMaxBackoff > 0 {
		b.MaxInterval = s.cfg.RetryMaxBackoff
	}

	attempts := 0
	operation := func() (inferencedomain.Result, error) {
		attempts++
		lc.to(scandomain.StateAwaiting)
		result, err := s.gateway.Invoke(ctx, req.Descriptor, req.Mode)
		if err == nil {
			return result, nil
		}
		if inferencedomain.KindOf(err) == inferencedomain.KindTransport {
			return result, err
		}
		return result, backoff.Permanent(err)
	}

	result, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Info("provider transport error, retrying",
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				zap.Error(err),
			)
		}),
	)
	return result, attempts, err
}

func classifyFailure(err error, attempts int) *scandomain.Failure {
	reason := scandomain.FailureAnalysisFailed
	if inferencedomain.KindOf(err) == inferencedomain.KindTransport {
		reason = scandomain.FailureProviderUnavailable
	}
	return &scandomain.Failure{Reason: reason, Attempts: attempts, Err: err}
}
