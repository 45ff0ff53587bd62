// Package logging sets up process-wide structured logging: a std output
// setup plus an optional file hook written against logrus's Hook
// interface.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// SetupStdLogging configures logrus to write structured (text, colour if
// a TTY) logs to stderr at info level, the process default before any
// config is loaded.
func SetupStdLogging() {
	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.InfoLevel)
}

// FileHookConfig names where the optional file-logging hook writes, and
// at what level.
type FileHookConfig struct {
	Enabled bool
	Path    string
	Level   string
}

// SetupHookLogging adds a secondary output (typically a file) alongside
// stderr when cfg.Enabled, without disturbing the primary logger's level
// or formatter.
func SetupHookLogging(cfg FileHookConfig) error {
	if !cfg.Enabled {
		return nil
	}
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	logrus.AddHook(&writerHook{writer: f, level: level})
	return nil
}

// writerHook fires on every entry at or above level, formatting with the
// logger's own formatter so file output matches stderr output.
type writerHook struct {
	writer io.Writer
	level  logrus.Level
}

func (h *writerHook) Levels() []logrus.Level {
	return logrus.AllLevels[:h.level+1]
}

func (h *writerHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Logger.Formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.writer.Write(line)
	return err
}
