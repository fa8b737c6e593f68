package main

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/anupcshan/blkflush/config"
)

// newLogger builds the process logger. The returned function closes the log file, if any.
func newLogger(cfg config.Log) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, errors.Wrapf(err, "log.level %q", cfg.Level)
	}

	var (
		w       io.Writer = os.Stderr
		cleanup           = func() {}
	)
	if cfg.File != "" {
		lj := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 7,
			LocalTime:  true,
		}
		w = lj
		cleanup = func() { _ = lj.Close() }
	}

	switch cfg.Format {
	case "json":
	case "console", "":
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339Nano,
			NoColor:    cfg.File != "",
		}
	default:
		cleanup()
		return zerolog.Nop(), nil, errors.Errorf("unknown log.format %q", cfg.Format)
	}

	log := zerolog.New(w).Level(level).With().Timestamp().Logger()
	return log, cleanup, nil
}
