package apperr

import (
	"errors"
	"fmt"
	"testing"

	apperrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
)

var errBase = apperrors.New("base failure", apperrors.CategoryConflict).WithTextCode("BASE_FAILURE")

func TestCloneKeepsCodeAndOverridesMessage(t *testing.T) {
	source := errors.New("row changed")
	err := Clone(errBase, "job moved on", source, map[string]any{"job_id": "j1"})

	assert.Equal(t, "BASE_FAILURE", err.TextCode)
	assert.Equal(t, "job moved on", err.Message)
	assert.Equal(t, "j1", err.Metadata["job_id"])
	assert.Equal(t, "base failure", errBase.Message, "base must not be mutated")
}

func TestCodeThroughWrapping(t *testing.T) {
	err := fmt.Errorf("transition: %w", Clone(errBase, "", nil, nil))

	assert.True(t, Has(err, "BASE_FAILURE"))
	assert.False(t, Has(err, "OTHER"))
	assert.False(t, Has(errors.New("plain"), "BASE_FAILURE"))
	assert.Equal(t, "", Code(nil))
}
