package utils

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loggerState captures and restores logrus's global configuration around a
// test so SetupLogger calls don't leak between test functions.
type loggerState struct {
	output    io.Writer
	level     logrus.Level
	formatter logrus.Formatter
}

func saveLoggerState() *loggerState {
	return &loggerState{
		output:    logrus.StandardLogger().Out,
		level:     logrus.GetLevel(),
		formatter: logrus.StandardLogger().Formatter,
	}
}

func (s *loggerState) restore() {
	CloseLogger()
	logrus.SetOutput(s.output)
	logrus.SetLevel(s.level)
	logrus.SetFormatter(s.formatter)
}

func TestSyncWriter(t *testing.T) {
	var buf bytes.Buffer
	sw := &syncWriter{writer: &buf}

	var wg sync.WaitGroup
	numGoroutines := 10
	numWrites := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < numWrites; j++ {
				_, err := sw.Write([]byte("test\n"))
				assert.NoError(t, err)
			}
		}(i)
	}

	wg.Wait()

	lines := strings.Split(buf.String(), "\n")
	// -1 because the last line is empty after the final \n
	assert.Equal(t, numGoroutines*numWrites, len(lines)-1)
}

func TestCloseLogger(t *testing.T) {
	originalOutput := logrus.StandardLogger().Out
	defer logrus.SetOutput(originalOutput)

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	require.NoError(t, err)

	loggerFileMu.Lock()
	loggerFile = logFile
	loggerFileMu.Unlock()

	CloseLogger()

	loggerFileMu.Lock()
	assert.Nil(t, loggerFile)
	loggerFileMu.Unlock()

	assert.Equal(t, os.Stdout, logrus.StandardLogger().Out)

	// Calling CloseLogger again should be safe.
	CloseLogger()
}

func TestSetupLogger_TextFormat(t *testing.T) {
	saved := saveLoggerState()
	defer saved.restore()

	SetupLogger(LogParams{Level: "debug", Format: "text"})

	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())
	_, ok := logrus.StandardLogger().Formatter.(*logrus.TextFormatter)
	assert.True(t, ok)
}

func TestSetupLogger_JSONFormat(t *testing.T) {
	saved := saveLoggerState()
	defer saved.restore()

	SetupLogger(LogParams{Level: "info", Format: "json"})

	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
	_, ok := logrus.StandardLogger().Formatter.(*logrus.JSONFormatter)
	assert.True(t, ok, "Expected JSONFormatter")
}

func TestSetupLogger_InvalidLevel(t *testing.T) {
	saved := saveLoggerState()
	defer saved.restore()

	SetupLogger(LogParams{Level: "invalid", Format: "text"})

	assert.Equal(t, logrus.InfoLevel, logrus.GetLevel())
}

func TestSetupLogger_FileLogging(t *testing.T) {
	saved := saveLoggerState()
	defer saved.restore()

	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "logs", "test.log")

	SetupLogger(LogParams{Level: "info", Format: "text", EnableFile: true, FilePath: logPath})

	testMsg := "test log message"
	logrus.Info(testMsg)

	CloseLogger()

	assert.FileExists(t, logPath)

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), testMsg)
}

func TestSetupLogger_FileLoggingError(t *testing.T) {
	saved := saveLoggerState()
	defer saved.restore()

	// Create a file (not a directory) and try to use it as a log directory;
	// opening the log file inside it must fail.
	tmpFile, err := os.CreateTemp("", "test-*.txt")
	require.NoError(t, err)
	tmpFile.Close()
	defer os.Remove(tmpFile.Name())

	invalidPath := filepath.Join(tmpFile.Name(), "test.log")

	// Should not panic, just log a warning.
	SetupLogger(LogParams{Level: "info", Format: "text", EnableFile: true, FilePath: invalidPath})

	// The parent is a regular file, so Stat reports ENOTDIR rather than ENOENT.
	_, err = os.Stat(invalidPath)
	assert.ErrorIs(t, err, syscall.ENOTDIR, "Invalid log file should not be created")
}

func TestSetupLogger_MultipleSetups(t *testing.T) {
	saved := saveLoggerState()
	defer saved.restore()

	tmpDir := t.TempDir()
	logPath1 := filepath.Join(tmpDir, "log1.log")
	logPath2 := filepath.Join(tmpDir, "log2.log")

	SetupLogger(LogParams{Level: "info", Format: "text", EnableFile: true, FilePath: logPath1})
	logrus.Info("message1")

	// Second setup should close the first file.
	SetupLogger(LogParams{Level: "debug", Format: "json", EnableFile: true, FilePath: logPath2})
	logrus.Info("message2")

	CloseLogger()

	assert.FileExists(t, logPath1)
	assert.FileExists(t, logPath2)

	content1, err := os.ReadFile(logPath1)
	require.NoError(t, err)
	assert.Contains(t, string(content1), "message1")

	content2, err := os.ReadFile(logPath2)
	require.NoError(t, err)
	assert.Contains(t, string(content2), "message2")
}

func TestSetupLogger_AllLevels(t *testing.T) {
	levels := []string{"trace", "debug", "info", "warn", "error", "fatal", "panic"}
	expectedLevels := []logrus.Level{
		logrus.TraceLevel,
		logrus.DebugLevel,
		logrus.InfoLevel,
		logrus.WarnLevel,
		logrus.ErrorLevel,
		logrus.FatalLevel,
		logrus.PanicLevel,
	}

	for i, level := range levels {
		t.Run(level, func(t *testing.T) {
			saved := saveLoggerState()
			defer saved.restore()

			SetupLogger(LogParams{Level: level, Format: "text"})
			assert.Equal(t, expectedLevels[i], logrus.GetLevel())
		})
	}
}
