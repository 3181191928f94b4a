package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewLevels(t *testing.T) {
	tests := []struct {
		name    string
		level   string
		enabled zap.AtomicLevel
		want    bool
	}{
		{"debug enables debug", "debug", zap.NewAtomicLevelAt(zap.DebugLevel), true},
		{"info hides debug", "info", zap.NewAtomicLevelAt(zap.DebugLevel), false},
		{"unknown falls back to info", "loud", zap.NewAtomicLevelAt(zap.InfoLevel), true},
		{"error hides warn", "error", zap.NewAtomicLevelAt(zap.WarnLevel), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.level, "prod")
			require.NoError(t, err)
			assert.Equal(t, tt.want, logger.Core().Enabled(tt.enabled.Level()))
		})
	}
}
