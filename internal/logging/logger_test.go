package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/downloader-pool/internal/config"
)

// TestNewDevelopmentLogger confirms the development logger builds and logs.
func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(config.LoggingConfig{Development: true})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	logger.Info("development logger ready")
}

// TestNewProductionLoggerWithLevel ensures the level override applies.
func TestNewProductionLoggerWithLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	_, err := New(config.LoggingConfig{Level: "chatty"})
	require.ErrorContains(t, err, "parse log level")
}
