package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cip999/limmat/internal/config"
	"github.com/cip999/limmat/internal/gitutil"
)

// buildLogger constructs the root slog logger from the persistent flags.
// --log-file routes output through lumberjack rotation so long watch
// sessions don't fill the disk.
func buildLogger(flags *rootFlags) *slog.Logger {
	var out io.Writer = os.Stderr
	if flags.logFile != "" {
		out = &lumberjack.Logger{
			Filename:   flags.logFile,
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     14, // days
		}
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{
		Level: parseLevel(flags.logLevel),
	}))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resultDBRoot resolves the database root: the flag if given, otherwise
// $XDG_DATA_HOME/limmat/results with a ~/.local/share fallback.
func resultDBRoot(flags *rootFlags) (string, error) {
	if flags.resultDB != "" {
		return flags.resultDB, nil
	}
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "limmat", "results"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate result database: %w", err)
	}
	return filepath.Join(home, ".local", "share", "limmat", "results"), nil
}

// loadSetup validates the shared preconditions of every subcommand: a
// parsable manifest and a git repository to run against.
func loadSetup(flags *rootFlags) (*config.Manifest, string, error) {
	repo, err := filepath.Abs(flags.repoPath)
	if err != nil {
		return nil, "", err
	}
	if !gitutil.IsRepo(repo) {
		return nil, "", fmt.Errorf("%s is not a git repository", repo)
	}
	m, err := config.Load(flags.configPath)
	if err != nil {
		return nil, "", fmt.Errorf("load manifest %s: %w", flags.configPath, err)
	}
	return m, repo, nil
}
