// Package logging builds the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/signalix/devicegate/internal/config"
)

// New returns the root logger for cfg and a closer for the file sink, if any. An unknown
// level falls back to info.
func New(cfg config.Log) (zerolog.Logger, io.Closer) {
	return build(cfg, os.Stdout)
}

func build(cfg config.Log, stdout io.Writer) (zerolog.Logger, io.Closer) {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var console io.Writer = stdout
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: stdout, TimeFormat: time.RFC3339}
	}

	var closer io.Closer = nopCloser{}
	out := console
	if cfg.File != "" {
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    50, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		}
		closer = file
		out = zerolog.MultiLevelWriter(console, file)
	}

	return zerolog.New(out).Level(level).With().Timestamp().Str("service", "devicegate").Logger(), closer
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
