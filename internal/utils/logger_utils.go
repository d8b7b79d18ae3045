package utils

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// syncWriter wraps an io.Writer with synchronization to ensure thread-safe writes.
// This prevents log entries from being interleaved when multiple goroutines write concurrently.
type syncWriter struct {
	mu     sync.Mutex
	writer io.Writer
}

func (sw *syncWriter) Write(p []byte) (n int, err error) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.writer.Write(p)
}

// flushWriter wraps a buffered writer and flushes after each write.
// This ensures log entries are immediately written to the file.
// NOTE: flushWriter is not thread-safe by itself and must be wrapped by syncWriter.
type flushWriter struct {
	file   *os.File
	writer *bufio.Writer
}

func newFlushWriter(file *os.File) *flushWriter {
	return &flushWriter{
		file:   file,
		writer: bufio.NewWriter(file),
	}
}

func (fw *flushWriter) Write(p []byte) (n int, err error) {
	n, err = fw.writer.Write(p)
	if err != nil {
		return n, err
	}
	// Flush immediately to ensure log entries are written to file
	return n, fw.writer.Flush()
}

var (
	loggerFile   *os.File
	loggerFileMu sync.Mutex
)

// LogParams carries the logging options relevant to SetupLogger, mirroring
// the fields of config.Config without importing it (keeps utils a leaf
// package the way the teacher keeps its utils package dependency-free).
type LogParams struct {
	Level      string
	Format     string
	EnableFile bool
	FilePath   string
}

// SetupLogger configures the package-level logrus logger based on params.
// An invalid level falls back to info; a file that can't be opened falls
// back to stdout-only with a warning, never a fatal error.
func SetupLogger(params LogParams) {
	level, err := logrus.ParseLevel(params.Level)
	if err != nil {
		logrus.Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if params.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	CloseLogger()
	logrus.SetOutput(os.Stdout)

	if !params.EnableFile {
		return
	}

	logDir := filepath.Dir(params.FilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		logrus.Warnf("Failed to create log directory: %v", err)
		return
	}
	logFile, err := os.OpenFile(params.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		logrus.Warnf("Failed to open log file: %v", err)
		return
	}

	var fileWriter io.Writer
	if level == logrus.DebugLevel || level == logrus.TraceLevel {
		fileWriter = newFlushWriter(logFile)
	} else {
		fileWriter = logFile
	}
	multiWriter := &syncWriter{writer: io.MultiWriter(os.Stdout, fileWriter)}
	logrus.SetOutput(multiWriter)

	loggerFileMu.Lock()
	loggerFile = logFile
	loggerFileMu.Unlock()
}

// CloseLogger closes any open log file and resets logrus output to stdout.
// Safe to call when no file is open and safe to call repeatedly.
func CloseLogger() {
	loggerFileMu.Lock()
	defer loggerFileMu.Unlock()
	if loggerFile == nil {
		return
	}
	loggerFile.Close()
	loggerFile = nil
	logrus.SetOutput(os.Stdout)
}
