package service

import (
	scandomain "github.com/smallbiznis/trustscan/internal/scan/domain"
	"go.uber.org/zap"
)

// lifecycle tracks one scan's state. An illegal step is a programming error.
type lifecycle struct {
	state scandomain.State
	log   *zap.Logger
}

func newLifecycle(log *zap.Logger) *lifecycle {
	return &lifecycle{state: scandomain.StateIdle, log: log}
}

func (l *lifecycle) to(next scandomain.State) {
	if !scandomain.CanTransition(l.state, next) {
		l.log.DPanic("illegal scan state transition",
			zap.String("from", string(l.state)),
			zap.String("to", string(next)),
		)
	}
	l.log.Debug("scan state",
		zap.String("from", string(l.state)),
		zap.String("to", string(next)),
	)
	l.state = next
}
