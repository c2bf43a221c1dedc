package knoxpro

import "time"

// Config holds configuration for the Service.
type Config struct {
	// HistoryCap is the maximum number of envelopes retained in the bus
	// history ring buffer.
	HistoryCap int

	// SweepInterval is how often the orchestrator scans the store for
	// waiting runs due to resume and for steps past their timeout.
	SweepInterval time.Duration

	// RetryDelay is the fixed delay before a failed step is retried.
	RetryDelay time.Duration

	// DefaultStepTimeout applies to module_task steps whose config does
	// not set a timeout. Zero means no timeout.
	DefaultStepTimeout time.Duration

	// RetentionAge is how old a terminal run must be before the retention
	// sweep may delete it. Zero disables retention.
	RetentionAge time.Duration

	// RetentionSchedule is a cron expression (5-field or "@every …")
	// controlling when the retention sweep fires.
	RetentionSchedule string

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		HistoryCap:         1000,
		SweepInterval:      60 * time.Second,
		RetryDelay:         5 * time.Second,
		DefaultStepTimeout: 0,
		RetentionAge:       0,
		RetentionSchedule:  "@every 1h",
		ShutdownTimeout:    30 * time.Second,
	}
}
