package engine

import (
	"context"
	"errors"

	"tickwheel/internal/timewheel"
	logx "tickwheel/pkg/logx"
)

var _ timewheel.Dispatcher = (*Service)(nil)

// Dispatch hands a fired wheel job to the engine without blocking.
// A full queue drops the job; the drop is counted, logged and published.
func (s *Service) Dispatch(key string, job timewheel.Job) {
	if job == nil {
		return
	}
	err := s.Enqueue(Task{
		Key: key,
		Run: func(ctx context.Context) error { return job(ctx) },
	})
	if err != nil && !errors.Is(err, ErrQueueFull) {
		s.log.Warn("fired job not executed", logx.String("key", key), logx.Err(err))
	}
}
