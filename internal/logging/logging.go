// Package logging installs the process-wide go-ethereum logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	// Level is one of trace, debug, info, warn, error or crit.
	Level string
	// Format is terminal or json.
	Format string
	// File, when set, receives a copy of every record and is rotated.
	File string
}

// Setup builds a handler for cfg and makes it the default logger. The
// returned closer flushes the log file, if any.
func Setup(cfg Config) (io.Closer, error) {
	handler, closer, err := NewHandler(os.Stderr, cfg)
	if err != nil {
		return nil, err
	}
	log.SetDefault(log.NewLogger(handler))
	return closer, nil
}

// NewHandler builds the handler Setup installs, writing to out.
func NewHandler(out io.Writer, cfg Config) (slog.Handler, io.Closer, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	var closer io.Closer = nopCloser{}
	useColor := false
	if f, ok := out.(*os.File); ok {
		useColor = (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) && os.Getenv("TERM") != "dumb"
	}
	if cfg.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		out = io.MultiWriter(out, rotating)
		closer = rotating
		useColor = false
	}

	switch strings.ToLower(cfg.Format) {
	case "", "terminal":
		return log.NewTerminalHandlerWithLevel(out, level, useColor), closer, nil
	case "json":
		return log.JSONHandlerWithLevel(out, level), closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// ParseLevel maps a level name to its slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace", "trce":
		return log.LevelTrace, nil
	case "debug", "dbug":
		return log.LevelDebug, nil
	case "", "info":
		return log.LevelInfo, nil
	case "warn":
		return log.LevelWarn, nil
	case "error", "eror":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
