package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Fields = logrus.Fields

type Config struct {
	Level  string
	Format string
	Output string

	// File rotation settings, used when Output is a file path.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

type Logger struct {
	entry *logrus.Entry
}

func New(cfg Config) (*Logger, error) {
	base := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	base.SetLevel(level)

	switch cfg.Format {
	case "text":
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		base.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	}

	base.SetOutput(resolveOutput(cfg))

	return &Logger{entry: logrus.NewEntry(base)}, nil
}

func resolveOutput(cfg Config) io.Writer {
	switch cfg.Output {
	case "", "stdout":
		return os.Stdout
	case "stderr":
		return os.Stderr
	default:
		return &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    orDefault(cfg.MaxSizeMB, 100),
			MaxBackups: orDefault(cfg.MaxBackups, 5),
			MaxAge:     orDefault(cfg.MaxAgeDays, 14),
			Compress:   true,
		}
	}
}

func orDefault(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

func (l *Logger) WithFields(fields Fields) *Logger {
	return &Logger{entry: l.entry.WithFields(fields)}
}

func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (l *Logger) Info(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Info(msg)
}

func (l *Logger) Warn(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Warn(msg)
}

func (l *Logger) Error(msg string, keysAndValues ...interface{}) {
	l.entry.WithFields(kvFields(keysAndValues)).Error(msg)
}

// LogService records one call to a backing service with its duration and outcome.
func (l *Logger) LogService(service, operation string, duration time.Duration, fields map[string]interface{}, err error) {
	entry := l.entry.WithFields(Fields{
		"service":     service,
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	if err != nil {
		entry.WithError(err).Error("service call failed")
		return
	}
	entry.Debug("service call completed")
}

// LogTurn records one conversational turn against a session.
func (l *Logger) LogTurn(sessionID, event string, duration time.Duration, err error) {
	entry := l.entry.WithFields(Fields{
		"session_id":  sessionID,
		"event":       event,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("turn failed")
		return
	}
	entry.Info("turn processed")
}

// LogWorkflow records a workflow lifecycle event.
func (l *Logger) LogWorkflow(workflowType, sessionID, event string, duration time.Duration, err error) {
	entry := l.entry.WithFields(Fields{
		"workflow_type": workflowType,
		"session_id":    sessionID,
		"event":         event,
		"duration_ms":   duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("workflow event failed")
		return
	}
	entry.Info("workflow event")
}

func kvFields(keysAndValues []interface{}) Fields {
	fields := Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields[key] = keysAndValues[i+1]
	}
	return fields
}
