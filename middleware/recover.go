package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/yaser2us/knoxpro-sub000/template"
	"github.com/yaser2us/knoxpro-sub000/workflow"
)

// Recover returns middleware that recovers from panics in the handler chain.
// Panics are converted to errors and logged with a stack trace.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, r *workflow.Run, s *template.Step, next Handler) (retErr error) {
		defer func() {
			if p := recover(); p != nil {
				stack := string(debug.Stack())
				logger.Error("step handler panicked",
					slog.String("run_id", r.ID.String()),
					slog.String("step_id", s.ID),
					slog.Any("panic", p),
					slog.String("stack", stack),
				)
				retErr = fmt.Errorf("panic in step %s: %v", s.ID, p)
			}
		}()
		return next(ctx)
	}
}
