package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestConfigValidate(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Caller.Skip = -1
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Fields = map[string]string{"empty": ""}
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"json", "console"} {
		cfg := NewDefaultConfig()
		cfg.Format = format
		logger, err := NewLogger(cfg)
		require.NoError(t, err, format)
		assert.True(t, logger.Enabled(zapcore.InfoLevel))
		assert.False(t, logger.Enabled(zapcore.DebugLevel))
	}

	cfg := NewDefaultConfig()
	cfg.Format = "bogus"
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestContextFields(t *testing.T) {
	ctx := context.Background()
	assert.Empty(t, ContextFields(ctx))

	ctx = WithRunID(ctx, "run-1")
	ctx = WithStage(ctx, "classify")
	ctx = WithSymbol(ctx, "AAPL")

	fields := ContextFields(ctx)
	require.Len(t, fields, 3)
	assert.Equal(t, "run.id", fields[0].Key)
	assert.Equal(t, "run-1", fields[0].String)
	assert.Equal(t, "stage", fields[1].Key)
	assert.Equal(t, "symbol", fields[2].Key)
}

func TestLoggerAttachesContextFields(t *testing.T) {
	logger := NewTestLogger()
	ctx := WithRunID(context.Background(), "run-42")

	logger.Info(ctx, "stage complete")

	entries := logger.FilterMessage("stage complete").All()
	require.Len(t, entries, 1)
	fieldMap := entries[0].ContextMap()
	assert.Equal(t, "run-42", fieldMap["run.id"])
	logger.AssertLogged(t, zapcore.InfoLevel, "stage complete")
}

func TestFromContextDefaultsToNop(t *testing.T) {
	logger := FromContext(context.Background())
	require.NotNil(t, logger)

	with := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(with))
}
