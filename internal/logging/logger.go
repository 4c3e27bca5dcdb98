// Package logging provides the structured logger shared by every core
// component. State transitions carry a fixed field set (phone,
// lead_id, call_id, attempt, status_before, status_after, reason) as
// structured fields rather than interpolated strings.
package logging

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the logger's level, format, and optional file
// rotation. Zero value logs text-formatted Info+ to stderr.
type Config struct {
	Level  string
	Format string // "json" or "text"
	File   FileConfig
}

// FileConfig configures on-disk log rotation via lumberjack.
type FileConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Logger wraps logrus with a fixed set of base fields (component name
// plus whatever the caller attaches via With).
type Logger struct {
	entry *logrus.Entry
}

// New builds a root Logger from cfg. Unknown levels fall back to info
// rather than failing process startup over a typo in a config file.
func New(cfg Config) *Logger {
	base := logrus.New()

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	base.SetLevel(level)

	if cfg.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})
	} else {
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
		})
	}

	if cfg.File.Enabled {
		base.SetOutput(&lumberjack.Logger{
			Filename:   cfg.File.Path,
			MaxSize:    cfg.File.MaxSizeMB,
			MaxBackups: cfg.File.MaxBackups,
			MaxAge:     cfg.File.MaxAgeDays,
			Compress:   cfg.File.Compress,
		})
	} else {
		base.SetOutput(os.Stderr)
	}

	return &Logger{entry: logrus.NewEntry(base)}
}

// Nop returns a Logger that discards everything, for tests that don't
// care about log output.
func Nop() *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.PanicLevel)
	return &Logger{entry: logrus.NewEntry(base)}
}

// Component returns a child logger tagged with the owning component's
// name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{entry: l.entry.WithField("component", name)}
}

// With attaches structured fields and returns a child logger.
func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields(fields))}
}

// Transition logs a record's state-machine step with the fixed field
// set every state transition carries.
func (l *Logger) Transition(phone, leadID, callID string, attempt int, before, after, reason string) {
	l.entry.WithFields(logrus.Fields{
		"phone":         phone,
		"lead_id":       leadID,
		"call_id":       callID,
		"attempt":       attempt,
		"status_before": before,
		"status_after":  after,
		"reason":        reason,
	}).Info("state transition")
}

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}
