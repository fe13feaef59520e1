package ratelimit

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keySchedulerJob = "scheduler:job:%s"

type JobLeaseParams struct {
	fx.In

	Log    *zap.Logger
	Client redis.UniversalClient `optional:"true"`
}

// JobLease keeps one replica at a time on a background job. Without redis
// every replica runs every job.
type JobLease struct {
	log    *zap.Logger
	locker *Locker
}

func NewJobLease(p JobLeaseParams) *JobLease {
	return &JobLease{
		log:    p.Log.Named("ratelimit.jobs"),
		locker: NewLocker(p.Client),
	}
}

// Acquire returns ok=false only when another replica holds the job. Redis
// errors fail open.
func (l *JobLease) Acquire(ctx context.Context, job string, ttl time.Duration) (string, bool, error) {
	if l == nil || l.locker == nil {
		return "", true, nil
	}
	token, ok, err := l.locker.TryLock(ctx, fmt.Sprintf(keySchedulerJob, job), ttl)
	if err != nil {
		l.log.Warn("job lease failed", zap.String("job", job), zap.Error(err))
		return "", true, err
	}
	return token, ok, nil
}

func (l *JobLease) Release(ctx context.Context, job, token string) error {
	if l == nil || l.locker == nil || token == "" {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keySchedulerJob, job), token)
}
