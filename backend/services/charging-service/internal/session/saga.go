package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const compensationTimeout = 15 * time.Second

type compensation struct {
	name string
	fn   func(ctx context.Context) error
}

// saga records compensating actions for steps that already succeeded and
// runs them in reverse order when a later step fails.
type saga struct {
	name   string
	steps  []compensation
	logger *zap.Logger
}

func newSaga(name string, logger *zap.Logger) *saga {
	return &saga{name: name, logger: logger}
}

// onFailure registers the compensation for the step that just succeeded.
func (s *saga) onFailure(name string, fn func(ctx context.Context) error) {
	s.steps = append(s.steps, compensation{name: name, fn: fn})
}

// compensate runs every registered compensation, newest first. It keeps going
// past failures and returns them joined. The caller's cancellation does not
// stop compensation.
func (s *saga) compensate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	var errs []error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.fn(ctx); err != nil {
			s.logger.Error("compensation failed",
				zap.String("saga", s.name),
				zap.String("step", step.name),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			continue
		}
		s.logger.Info("compensation applied", zap.String("saga", s.name), zap.String("step", step.name))
	}
	s.steps = nil
	return errors.Join(errs...)
}
