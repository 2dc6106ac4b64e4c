package atlslog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestL_ReturnsNonNilByDefault(t *testing.T) {
	assert.NotNil(t, L())
}

func TestSetLogger_ReplacesCurrent(t *testing.T) {
	original := L()
	defer SetLogger(original)

	replacement := zap.NewNop()
	SetLogger(replacement)
	assert.Same(t, replacement, L())
}

func TestSetLogger_IgnoresNil(t *testing.T) {
	original := L()
	defer SetLogger(original)

	SetLogger(nil)
	assert.Same(t, original, L())
}
