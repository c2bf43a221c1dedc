package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Logging returns middleware that logs step start and completion.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *workflow.Run, s *template.Step, next Handler) error {
		logger.Info("step started",
			slog.String("run_id", r.ID.String()),
			slog.String("step_id", s.ID),
			slog.String("step_type", string(s.Type)),
			slog.String("template", r.TemplateName),
		)

		start := time.Now()
		err := next(ctx)
		elapsed := time.Since(start)

		if err != nil {
			logger.Error("step failed",
				slog.String("run_id", r.ID.String()),
				slog.String("step_id", s.ID),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
		} else {
			logger.Info("step completed",
				slog.String("run_id", r.ID.String()),
				slog.String("step_id", s.ID),
				slog.Duration("elapsed", elapsed),
			)
		}

		return err
	}
}
