// Package cmd holds the subcommands of mail-backup.
package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-backup/auth"
	"github.com/dhcgn/mail-backup/config"
	"github.com/dhcgn/mail-backup/graph"
)

// AddCommands attaches every subcommand to root. root must carry the flags
// from config.RegisterFlags.
func AddCommands(root *cobra.Command) {
	root.AddCommand(
		newExportCmd(),
		newPreviewCmd(),
		newWhoamiCmd(),
		newTokenCmd(),
		newEmlStatsCmd(),
	)
}

// env is what every signed-in command starts from.
type env struct {
	cfg     config.Config
	logger  *slog.Logger
	session *auth.Session
	client  *graph.Client
	cleanup func() error
}

func (e *env) Close() {
	if e.cleanup != nil {
		_ = e.cleanup()
	}
}

func prepare(cmd *cobra.Command) (*env, error) {
	cfg, err := config.LoadConfig(cmd)
	if err != nil {
		return nil, err
	}

	logger, cleanup, err := setupLogger(cfg)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)

	e := &env{cfg: cfg, logger: logger, cleanup: cleanup}

	session, err := newSession(cmd.Context(), cfg, logger)
	if err != nil {
		e.Close()
		return nil, err
	}
	e.session = session

	client, err := graph.NewSessionClient(cmd.Context(), session, graph.Options{BaseURL: cfg.GraphBaseURL, Logger: logger})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("graph client: %w", err)
	}
	e.client = client
	return e, nil
}

func newSession(ctx context.Context, cfg config.Config, logger *slog.Logger) (*auth.Session, error) {
	var cache auth.TokenCache = auth.NoCache{}
	if cfg.TokenCache {
		kc, err := auth.OpenKeyringCache(auth.KeyringOptions{
			Dir:      cfg.TokenCacheDir,
			Password: cfg.TokenCachePassword,
		}, auth.CacheKey(cfg.Auth()))
		if err != nil {
			logger.Warn("token cache unavailable, sign-in will not be remembered", "err", err)
		} else {
			cache = kc
		}
	}

	session, err := auth.NewSession(ctx, cfg.Auth(), auth.ChallengeFunc(printChallenge),
		auth.WithTokenCache(cache),
		auth.WithLogger(logger),
	)
	if err != nil {
		return nil, fmt.Errorf("auth.NewSession: %w", err)
	}
	return session, nil
}

// printChallenge shows the device-code prompt on stderr so stdout stays
// usable for command output.
func printChallenge(ctx context.Context, c auth.Challenge) error {
	text := c.Message
	if !c.ExpiresAt.IsZero() {
		text += fmt.Sprintf("\n\nThe code expires at %s.", c.ExpiresAt.Local().Format(time.Kitchen))
	}
	pterm.DefaultBox.
		WithTitle("Sign in").
		WithWriter(os.Stderr).
		Println(text)
	return nil
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mail-backup-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
