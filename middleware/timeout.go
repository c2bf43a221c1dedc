package middleware

import (
	"context"
	"log/slog"

	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Timeout returns middleware that enforces a per-step execution deadline.
// If the step has a non-zero timeout, a context.WithTimeout wraps the
// handler call. When the deadline is exceeded the context is cancelled
// and the handler should return context.DeadlineExceeded.
func Timeout(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *workflow.Run, s *template.Step, next Handler) error {
		if d := s.Timeout(); d > 0 {
			logger.Debug("step timeout set",
				slog.String("run_id", r.ID.String()),
				slog.String("step_id", s.ID),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
