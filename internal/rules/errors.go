package rules

import (
	apperrors "github.com/goliatone/go-errors"

	"fieldflow/internal/apperr"
)

const ErrCodeValidation = "RULE_VALIDATION_FAILED"

// ErrValidation rejects a malformed rule definition.
var ErrValidation = apperrors.New("rule validation failed", apperrors.CategoryValidation).WithTextCode(ErrCodeValidation)

// IsValidation reports whether err rejected a rule definition.
func IsValidation(err error) bool {
	return apperr.Has(err, ErrCodeValidation)
}
