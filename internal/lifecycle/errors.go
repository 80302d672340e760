package lifecycle

import (
	apperrors "github.com/goliatone/go-errors"

	"fieldflow/internal/apperr"
)

const (
	ErrCodeInvalidTransition = "JOB_INVALID_TRANSITION"
	ErrCodeStaleContext      = "JOB_STALE_CONTEXT"
)

var (
	// ErrInvalidTransition rejects an event that has no edge or whose guard failed.
	// It is never retried automatically.
	ErrInvalidTransition = apperrors.New("invalid transition", apperrors.CategoryBadInput).WithTextCode(ErrCodeInvalidTransition)
	// ErrStaleContext means the persisted job no longer matches what the caller
	// computed against; reload and retry.
	ErrStaleContext = apperrors.New("stale lifecycle context", apperrors.CategoryConflict).WithTextCode(ErrCodeStaleContext)
)

// IsInvalidTransition reports whether err rejected an illegal transition.
func IsInvalidTransition(err error) bool {
	return apperr.Has(err, ErrCodeInvalidTransition)
}

// IsStaleContext reports whether err was caused by a stale context.
func IsStaleContext(err error) bool {
	return apperr.Has(err, ErrCodeStaleContext)
}
