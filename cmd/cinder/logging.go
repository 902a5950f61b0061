package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cinderd/cinder/internal/config"
)

// newLogger builds the process logger: a text handler on stdout for
// the operator, plus a JSON-lines handler appending to the vault log
// file for later collection. The level comes from logging.level unless
// overridden on the command line; an unparseable level falls back to
// info rather than aborting startup.
//
// When the vault log cannot be opened (missing vault, read-only
// mount), logging falls back to ~/.cinder/cinder.jsonl, and failing
// that, to stdout only. The path actually used is recorded on the
// bundle so /status can show it.
func newLogger(stdout io.Writer, bundle *config.Bundle, override string) *slog.Logger {
	levelStr := override
	if levelStr == "" {
		levelStr = bundle.String("logging.level", "info")
	}
	level, levelErr := config.ParseLogLevel(levelStr)
	if levelErr != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	text := slog.NewTextHandler(stdout, opts)

	var logger *slog.Logger
	file, path := openLogFile(bundle.VaultDir)
	if file != nil {
		bundle.LogPath = path
		logger = slog.New(teeHandler{text, slog.NewJSONHandler(file, opts)})
	} else {
		logger = slog.New(text)
	}

	if levelErr != nil {
		logger.Warn("invalid log level, using info", "level", levelStr)
	}
	if file == nil {
		logger.Warn("vault log file unavailable, logging to stdout only", "vault", bundle.VaultDir)
	}
	return logger
}

// openLogFile opens the JSONL log for appending, preferring the vault
// and falling back to ~/.cinder. Returns (nil, "") when neither
// location is writable.
func openLogFile(vaultDir string) (*os.File, string) {
	candidates := []string{filepath.Join(vaultDir, "logs", "cinder.jsonl")}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".cinder", "cinder.jsonl"))
	}
	for _, path := range candidates {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			continue
		}
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			continue
		}
		return file, path
	}
	return nil, ""
}

// teeHandler fans records out to two handlers. Enabled is the OR of
// both so a debug-level file handler still receives records when the
// terminal handler is at info.
type teeHandler [2]slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return t[0].Enabled(ctx, level) || t[1].Enabled(ctx, level)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t[0].WithAttrs(attrs), t[1].WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t[0].WithGroup(name), t[1].WithGroup(name)}
}
