// Package apperr holds helpers shared by the categorized domain errors.
package apperr

import (
	stderrors "errors"
	"strings"

	apperrors "github.com/goliatone/go-errors"
)

// Clone copies base and overrides its message, source and metadata.
func Clone(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	err := base.Clone()
	if text := strings.TrimSpace(message); text != "" {
		err.Message = text
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// Code returns the text code of the first categorized error in err's chain.
func Code(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// Has reports whether err carries the given text code.
func Has(err error, code string) bool {
	return code != "" && Code(err) == code
}

// Metadata returns the metadata attached to the categorized error in err's chain.
func Metadata(err error) map[string]any {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.Metadata
	}
	return nil
}
