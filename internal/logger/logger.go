package logger

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"
)

// LogLevel is the severity attached to each log line.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// LoggerManager writes leveled log lines to a file and echoes them to the
// console. One instance is created at startup and injected into every manager.
type LoggerManager struct {
	file   *os.File
	logger *log.Logger
}

// NewLoggerManager opens (or creates) the log file at logFilePath.
func NewLoggerManager(logFilePath string) (*LoggerManager, error) {
	logDir := filepath.Dir(logFilePath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &LoggerManager{
		file:   file,
		logger: log.New(file, "", 0),
	}, nil
}

// Close closes the underlying log file.
func (l *LoggerManager) Close() error {
	return l.file.Close()
}

func (l *LoggerManager) logWithLevel(level LogLevel, format string, args ...interface{}) {
	timestamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	line := fmt.Sprintf("[%s] %s: %s", timestamp, level, message)

	l.logger.Println(line)
	fmt.Println(line)
}

// Debug logs at DEBUG level.
func (l *LoggerManager) Debug(format string, args ...interface{}) {
	l.logWithLevel(DEBUG, format, args...)
}

// Info logs at INFO level.
func (l *LoggerManager) Info(format string, args ...interface{}) {
	l.logWithLevel(INFO, format, args...)
}

// Warn logs at WARN level.
func (l *LoggerManager) Warn(format string, args ...interface{}) {
	l.logWithLevel(WARN, format, args...)
}

// Error logs at ERROR level.
func (l *LoggerManager) Error(format string, args ...interface{}) {
	l.logWithLevel(ERROR, format, args...)
}

// LogError logs err with a context prefix; nil errors are ignored.
func (l *LoggerManager) LogError(err error, context string) {
	if err != nil {
		l.Error("%s: %v", context, err)
	}
}
