package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level string
		want  zap.AtomicLevel
	}{
		{level: "", want: zap.NewAtomicLevelAt(zap.InfoLevel)},
		{level: "debug", want: zap.NewAtomicLevelAt(zap.DebugLevel)},
		{level: "warn", want: zap.NewAtomicLevelAt(zap.WarnLevel)},
		{level: "loud", want: zap.NewAtomicLevelAt(zap.InfoLevel)},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			log, err := New(Options{Level: tt.level})
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.want.Level()))
			if tt.want.Level() > zap.DebugLevel {
				assert.False(t, log.Core().Enabled(tt.want.Level()-1))
			}
		})
	}
}
