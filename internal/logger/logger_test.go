package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func TestNewLevelByEnv(t *testing.T) {
	dev := New("development")
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	prod := New("production")
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, prod.Core().Enabled(zapcore.InfoLevel))
}

func TestIsDevelopment(t *testing.T) {
	assert.True(t, IsDevelopment("dev"))
	assert.False(t, IsDevelopment("production"))
	assert.False(t, IsDevelopment(""))
}
