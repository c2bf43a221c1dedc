package knoxpro

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("knoxpro: no store configured")
	ErrStoreClosed     = errors.New("knoxpro: store closed")
	ErrMigrationFailed = errors.New("knoxpro: migration failed")

	// Not found errors.
	ErrTemplateNotFound = errors.New("knoxpro: template not found")
	ErrRunNotFound      = errors.New("knoxpro: run not found")
	ErrStepNotFound     = errors.New("knoxpro: step not found in template")
	ErrEventNotFound    = errors.New("knoxpro: event not found")

	// Trigger errors.
	ErrDuplicateRun = errors.New("knoxpro: non-terminal run already exists for template and subject")

	// State errors.
	ErrInvalidTransition  = errors.New("knoxpro: invalid state transition")
	ErrMaxRetriesExceeded = errors.New("knoxpro: max retries exceeded")
)
