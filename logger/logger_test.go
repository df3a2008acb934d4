package logger

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	old := Logger.Out
	SetOutput(&buf)
	defer SetOutput(old)

	WithComponent("purge").WithField("table", 7).Info("batch done")

	line := buf.String()
	assert.Contains(t, line, "[INFO]")
	assert.Contains(t, line, "[purge] batch done")
	assert.Contains(t, line, "table=7")
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, logrus.DebugLevel, parseLogLevel("DEBUG"))
	assert.Equal(t, logrus.WarnLevel, parseLogLevel("warning"))
	assert.Equal(t, logrus.InfoLevel, parseLogLevel("bogus"))
}

func TestInitLoggerWithFiles(t *testing.T) {
	dir := t.TempDir()
	oldLogger, oldErr := Logger, ErrorLogger
	defer func() { Logger, ErrorLogger = oldLogger, oldErr }()

	require.NoError(t, InitLogger(LogConfig{
		InfoLogPath:  filepath.Join(dir, "info", "engine.log"),
		ErrorLogPath: filepath.Join(dir, "error.log"),
		LogLevel:     "debug",
		MaxSizeMB:    1,
	}))
	assert.Equal(t, logrus.DebugLevel, Logger.GetLevel())
	assert.DirExists(t, filepath.Join(dir, "info"))
}
