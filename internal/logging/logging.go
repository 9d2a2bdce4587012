// Package logging builds the level-separated logger used throughout the
// bridge: one append-only file per level under logs/, plus a console writer
// at info-and-above.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// levelFileHook appends every record at exactly one level to its own file.
type levelFileHook struct {
	level logrus.Level
	file  io.Writer
}

func (h *levelFileHook) Levels() []logrus.Level { return []logrus.Level{h.level} }

func (h *levelFileHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Logger.Formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}

func newLevelHook(dir string, level logrus.Level, name string) (*levelFileHook, error) {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", name, err)
	}
	return &levelFileHook{level: level, file: f}, nil
}

// Setup creates {debug,info,warn,error}.log under dir ("logs" when dir is
// empty), wires them as logrus hooks, and returns a logger that also writes
// info-and-above to stdout. The logger itself is set to debug level so every hook sees its
// matching records; hooks filter by Levels().
func Setup(dir string) (*logrus.Logger, error) {
	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: create %s: %w", dir, err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(io.Discard) // hooks own all writes; console is its own hook below

	levels := []struct {
		level logrus.Level
		file  string
	}{
		{logrus.DebugLevel, "debug.log"},
		{logrus.InfoLevel, "info.log"},
		{logrus.WarnLevel, "warn.log"},
		{logrus.ErrorLevel, "error.log"},
	}

	for _, lv := range levels {
		hook, err := newLevelHook(dir, lv.level, lv.file)
		if err != nil {
			return nil, err
		}
		logger.AddHook(hook)
	}

	logger.AddHook(&consoleHook{minLevel: logrus.InfoLevel, out: os.Stdout})

	return logger, nil
}

// consoleHook mirrors every record at or above minLevel to an io.Writer.
type consoleHook struct {
	minLevel logrus.Level
	out      io.Writer
}

func (h *consoleHook) Levels() []logrus.Level {
	out := make([]logrus.Level, 0, h.minLevel+1)
	for lv := logrus.PanicLevel; lv <= h.minLevel; lv++ {
		out = append(out, lv)
	}
	return out
}

func (h *consoleHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Logger.Formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.out.Write(line)
	return err
}
