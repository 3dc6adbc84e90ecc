package raft

import (
	"context"
	"io"
	"log/slog"

	"github.com/hashicorp/go-hclog"
)

// NewLogger returns an hclog.Logger for the raft library that writes to
// log.
func NewLogger(name string, log *slog.Logger) hclog.Logger {
	if log == nil {
		log = slog.Default()
	}
	l := hclog.NewInterceptLogger(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclogLevel(log),
		Output: io.Discard,
	})
	l.RegisterSink(&slogSink{log: log})
	return l
}

type slogSink struct {
	log *slog.Logger
}

func (s *slogSink) Accept(name string, level hclog.Level, msg string, args ...interface{}) {
	lvl := slogLevel(level)
	ctx := context.Background()
	if !s.log.Enabled(ctx, lvl) {
		return
	}
	s.log.Log(ctx, lvl, msg, append(args, slog.String("logger", name))...)
}

func slogLevel(l hclog.Level) slog.Level {
	switch l {
	case hclog.Trace, hclog.Debug:
		return slog.LevelDebug
	case hclog.Warn:
		return slog.LevelWarn
	case hclog.Error:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func hclogLevel(log *slog.Logger) hclog.Level {
	ctx := context.Background()
	switch {
	case log.Enabled(ctx, slog.LevelDebug):
		return hclog.Debug
	case log.Enabled(ctx, slog.LevelInfo):
		return hclog.Info
	case log.Enabled(ctx, slog.LevelWarn):
		return hclog.Warn
	default:
		return hclog.Error
	}
}
