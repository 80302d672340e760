package sequences

import (
	apperrors "github.com/goliatone/go-errors"

	"fieldflow/internal/apperr"
)

const (
	ErrCodeInvalidState    = "SEQUENCE_INVALID_STATE"
	ErrCodeInvalidSequence = "SEQUENCE_VALIDATION_FAILED"
)

var (
	// ErrInvalidState rejects a pause, resume or cancel the sequence's status does not allow.
	ErrInvalidState = apperrors.New("invalid sequence state", apperrors.CategoryConflict).WithTextCode(ErrCodeInvalidState)
	// ErrInvalidSequence rejects a malformed start request.
	ErrInvalidSequence = apperrors.New("invalid sequence", apperrors.CategoryValidation).WithTextCode(ErrCodeInvalidSequence)
)

// IsInvalidState reports whether err rejected a status change.
func IsInvalidState(err error) bool {
	return apperr.Has(err, ErrCodeInvalidState)
}

// IsInvalidSequence reports whether err rejected a start request.
func IsInvalidSequence(err error) bool {
	return apperr.Has(err, ErrCodeInvalidSequence)
}
