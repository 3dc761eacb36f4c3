package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("bogus"))
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, err := New(Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	log.Info("settlement applied", zap.String("settlement_id", "stl-1"))
	log.Debug("hidden")
	require.NoError(t, log.Sync())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	body := string(raw)
	assert.Contains(t, body, `"msg":"settlement applied"`)
	assert.Contains(t, body, `"settlement_id":"stl-1"`)
	assert.False(t, strings.Contains(body, "hidden"))
}

func TestFromContextFallsBackToNop(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	log := zap.NewExample()
	ctx := WithContext(context.Background(), log)
	assert.Same(t, log, FromContext(ctx))
}

func TestFromContextOrPrefersRequestLogger(t *testing.T) {
	fallback := zap.NewExample()
	assert.Same(t, fallback, FromContextOr(context.Background(), fallback))

	scoped := zap.NewExample().With(zap.String("request_id", "req-1"))
	assert.Same(t, scoped, FromContextOr(WithContext(context.Background(), scoped), fallback))
}
