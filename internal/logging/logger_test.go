package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]LogLevel{"debug": DEBUG, "INFO": INFO, "": INFO, "warning": WARN, "error": ERROR} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLoggerSharesSinks(t *testing.T) {
	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "steri.log")

	logger, err := NewLogger(Config{Level: INFO, OutputFile: path, Console: &console, JSONFormat: true})
	require.NoError(t, err)

	logger.Slog().Info("cache opened", "backend", "bolt")
	logger.Logrus().WithField("incident_id", "inc-1").Info("incident created")
	logger.Logrus().Debug("suppressed")
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, console.String(), string(data))
	assert.Contains(t, console.String(), `"backend":"bolt"`)
	assert.Contains(t, console.String(), `"incident_id":"inc-1"`)
	assert.NotContains(t, console.String(), "suppressed")
}

func TestRotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "steri.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Repeat("x", 64)), 0644))

	logger, err := NewLogger(Config{OutputFile: path, MaxSize: 32, Console: &bytes.Buffer{}})
	require.NoError(t, err)
	defer logger.Close()

	_, err = os.Stat(path + ".1")
	assert.NoError(t, err)
}

func TestFromSettings(t *testing.T) {
	cfg, err := FromSettings("warn", "", false)
	require.NoError(t, err)
	assert.Equal(t, WARN, cfg.Level)
	assert.Empty(t, cfg.OutputFile)

	cfg, err = FromSettings("warn", "/var/log/steri", true)
	require.NoError(t, err)
	assert.Equal(t, DEBUG, cfg.Level)
	assert.True(t, cfg.AddSource)
	assert.True(t, cfg.JSONFormat)
	assert.True(t, strings.HasPrefix(cfg.OutputFile, "/var/log/steri/steri_"))
}
