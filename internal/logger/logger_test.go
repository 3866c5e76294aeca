package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zap.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zap.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zap.InfoLevel, ParseLevel(""))
	assert.Equal(t, zap.InfoLevel, ParseLevel("verbose"))
}

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		l, err := New("debug", format)
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zap.DebugLevel))
	}
}

func TestComponent_NilLogger(t *testing.T) {
	l := Component(nil, "relay")
	require.NotNil(t, l)
	l.Info("discarded")
}
