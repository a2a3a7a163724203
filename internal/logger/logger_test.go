package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLogger_DefaultsToInfo(t *testing.T) {
	log, err := NewLogger("", "json")

	assert.NoError(t, err)
	assert.NotNil(t, log)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	log, err := NewLogger("loud", "json")

	assert.Error(t, err)
	assert.Nil(t, log)
	assert.Contains(t, err.Error(), "loud")
}

func TestNewLogger_ConsoleFormat(t *testing.T) {
	log, err := NewLogger("debug", "console")

	assert.NoError(t, err)
	assert.NotNil(t, log)
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}
