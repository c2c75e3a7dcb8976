package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLevel(t *testing.T) {
	assert.Equal(t, "debug", Level("debug", "info", "error"))
	assert.Equal(t, "info", Level("", "info", "error"))
	assert.Equal(t, "error", Level(" ", "", "error"))
	assert.Equal(t, "warn", Level("", "", ""))
}

func TestNew(t *testing.T) {
	l, err := New("INFO")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	_, err = New("loud")
	require.Error(t, err)
}
