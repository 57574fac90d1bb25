package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, DefaultLogPath(), cfg.OutputPath)
	assert.True(t, strings.HasSuffix(cfg.OutputPath, filepath.Join("worktime", "logs", "worktime.log")))
	assert.False(t, cfg.Development)
}

func TestInitializeWritesJSON(t *testing.T) {
	t.Cleanup(func() { Set(zap.NewNop()) })

	path := filepath.Join(t.TempDir(), "logs", "worktime.log")
	cfg := DefaultConfig()
	cfg.OutputPath = path
	cfg.EnableJSON = true
	cfg.Level = "warn"
	require.NoError(t, Initialize(cfg))

	Get().Info("dropped below level")
	Get().Warn("Queue is growing", zap.Int("queued", 51))
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var rec map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "Queue is growing", rec["msg"])
	assert.Equal(t, float64(51), rec["queued"])
	assert.Contains(t, rec, "timestamp")
}

func TestInitializeFallsBackToInfoOnBadLevel(t *testing.T) {
	t.Cleanup(func() { Set(zap.NewNop()) })

	cfg := DefaultConfig()
	cfg.OutputPath = filepath.Join(t.TempDir(), "worktime.log")
	cfg.Level = "loud"
	require.NoError(t, Initialize(cfg))

	assert.True(t, Get().Core().Enabled(zap.InfoLevel))
	assert.False(t, Get().Core().Enabled(zap.DebugLevel))
}

func TestSetLevelAppliesToRunningLogger(t *testing.T) {
	t.Cleanup(func() {
		SetLevel("info")
		Set(zap.NewNop())
	})

	path := filepath.Join(t.TempDir(), "worktime.log")
	cfg := DefaultConfig()
	cfg.OutputPath = path
	require.NoError(t, Initialize(cfg))

	Get().Debug("hidden")
	SetLevel("debug")
	assert.Equal(t, zapcore.DebugLevel, Level())
	Get().Debug("visible")
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hidden")
	assert.Contains(t, string(data), "visible")
	assert.NotContains(t, string(data), "\x1b[")
}
