// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Console selects stderr as the only destination.
const Console = "console"

// FileName is the default log file inside the logs directory.
const FileName = "updater.log"

// Options configures Init.
type Options struct {
	// Level is a logrus level name. Empty means "info".
	Level string
	// File is the log file path. Empty or Console logs to stderr only.
	File string
	// Tee also writes to stderr when File is set.
	Tee bool
	// Stderr overrides the console destination.
	Stderr io.Writer
}

// Init parses the level and sets the logger output and format.
func Init(opts Options) error {
	level := opts.Level
	if level == "" {
		level = "info"
	}
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", level, err)
		return err
	}

	console := opts.Stderr
	if console == nil {
		console = os.Stderr
	}

	var out io.Writer = console
	if opts.File != "" && opts.File != Console {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
			return err
		}
		rotating := &lumberjack.Logger{
			Filename:   filepath.ToSlash(opts.File),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		out = rotating
		if opts.Tee {
			out = io.MultiWriter(console, rotating)
		}
	}

	log.SetOutput(out)
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		DisableColors:   opts.File != "" && opts.File != Console,
	})
	log.SetLevel(lvl)
	return nil
}

// Quiet discards everything below warnings. It is used by commands whose
// stdout is machine readable.
func Quiet() {
	log.SetLevel(log.WarnLevel)
}
