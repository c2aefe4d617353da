package errs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyMapsKnownSentinels(t *testing.T) {
	assert.Equal(t, CategoryNoInternet, Classify(fmt.Errorf("wrap: %w", ErrBind)))
	assert.Equal(t, CategoryNoInternet, Classify(fmt.Errorf("wrap: %w", ErrResolve)))
	assert.Equal(t, CategoryServerDown, Classify(fmt.Errorf("wrap: %w", ErrTimeout)))
	assert.Equal(t, CategoryServerDown, Classify(fmt.Errorf("wrap: %w", ErrGhost)))
}

func TestClassifyDefaultsToAppError(t *testing.T) {
	assert.Equal(t, CategoryAppError, Classify(fmt.Errorf("some unrelated failure")))
}
