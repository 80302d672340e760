package dispatch

import (
	apperrors "github.com/goliatone/go-errors"

	"fieldflow/internal/apperr"
)

const ErrCodeDispatchFailed = "ACTION_DISPATCH_FAILED"

// ErrDispatchFailed marks a failed action or sequence step. It is recorded in the
// audit rows and never returned to the caller that raised the event.
var ErrDispatchFailed = apperrors.New("action dispatch failed", apperrors.CategoryExternal).WithTextCode(ErrCodeDispatchFailed)

// IsDispatchFailed reports whether err came from a failed dispatch.
func IsDispatchFailed(err error) bool {
	return apperr.Has(err, ErrCodeDispatchFailed)
}
