package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-backup/auth"
	"github.com/dhcgn/mail-backup/config"
	"github.com/dhcgn/mail-backup/export"
	"github.com/dhcgn/mail-backup/filter"
	"github.com/dhcgn/mail-backup/graph"
	"github.com/dhcgn/mail-backup/imap"
	"github.com/dhcgn/mail-backup/mbox"
	"github.com/dhcgn/mail-backup/naming"
	"github.com/dhcgn/mail-backup/progress"
	"github.com/dhcgn/mail-backup/runner"
	"github.com/dhcgn/mail-backup/stats"
)

func newExportCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "export",
		Short: "Save every message of a mail folder as an .eml file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer e.Close()

			e.logger.Info("starting mail-backup",
				"folder", e.cfg.MailFolder,
				"output", e.cfg.OutputDir,
				"mbox", e.cfg.MboxPath,
				"imap", e.cfg.IMAP.Host,
			)
			return runExport(cmd.Context(), e)
		},
	}
	config.RegisterExportFlags(c)
	return c
}

func runExport(ctx context.Context, e *env) error {
	cfg := e.cfg
	logger := e.logger

	f, err := filter.New(filter.Options{
		IncludeSubject: cfg.IncludeSubject,
		IncludeFrom:    cfg.IncludeFrom,
		ExcludeSubject: cfg.ExcludeSubject,
		ExcludeFrom:    cfg.ExcludeFrom,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	mirrors, err := openMirrors(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, m := range mirrors {
			if err := m.Close(); err != nil {
				logger.Warn("closing mirror failed", "mirror", m.Name(), "err", err)
			}
		}
	}()

	total := 0
	if cfg.MailFolder != "" {
		// signs in on first use, so the challenge appears before the bar
		folder, err := e.client.GetFolder(ctx, cfg.MailFolder)
		if err != nil {
			if auth.IsAuthError(err) || errors.Is(err, graph.ErrUnauthorized) || errors.Is(err, context.Canceled) {
				return fmt.Errorf("graph.GetFolder: %w", err)
			}
			logger.Warn("folder size unknown, progress bar disabled", "folder", cfg.MailFolder, "err", err)
		} else {
			total = folder.TotalItemCount
		}
	}
	r := runner.New(ctx, logger)
	stats.NewReporter(r, logger)
	bar := progress.New(cfg.MailFolder, total, cfg.LogLevel)
	progress.NewProgressReporter(r, bar, logger)

	exp, err := export.New(export.Options{
		OutputDir:    cfg.OutputDir,
		MailFolder:   cfg.MailFolder,
		FolderPrefix: cfg.FolderPrefix,
		FolderSize:   cfg.FolderSize,
		PageSize:     cfg.PageSize,
		Naming: naming.Options{
			MaxSubjectLength: cfg.MaxSubjectLength,
			DateLayout:       cfg.DateLayout,
		},
	}, e.client,
		export.WithLogger(logger),
		export.WithFilter(f),
		export.WithMirrors(mirrors...),
		export.WithEventSink(r),
	)
	if err != nil {
		return fmt.Errorf("export.New: %w", err)
	}

	r.AddStage("export", func(ctx context.Context) error {
		summary, err := exp.Run(ctx)
		logger.Info("export finished",
			"pages", summary.Pages,
			"saved", summary.Saved,
			"failed", summary.Failed,
			"filtered", summary.Filtered,
			"bytes", stats.HumanBytes(summary.Bytes),
			"folders", summary.Folders,
		)
		return err
	})

	return r.Start()
}

func openMirrors(cfg config.Config, logger *slog.Logger) ([]export.Mirror, error) {
	var mirrors []export.Mirror
	closeAll := func() {
		for _, m := range mirrors {
			_ = m.Close()
		}
	}

	if cfg.MboxPath != "" {
		w, err := mbox.NewWriter(mbox.Options{Path: cfg.MboxPath}, logger)
		if err != nil {
			return nil, fmt.Errorf("mbox.NewWriter: %w", err)
		}
		mirrors = append(mirrors, w)
	}

	if cfg.IMAP.Enabled() {
		u, err := imap.NewUploader(imap.Options{
			Host:               cfg.IMAP.Host,
			Port:               cfg.IMAP.Port,
			Username:           cfg.IMAP.User,
			Password:           cfg.IMAP.Pass,
			UseTLS:             cfg.IMAP.UseTLS,
			InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
			TargetFolder:       cfg.IMAP.TargetFolder,
			DryRun:             cfg.IMAP.DryRun,
		}, logger)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("imap.NewUploader: %w", err)
		}
		if cfg.IMAP.InsecureSkipVerify {
			logger.Warn("imap certificate verification disabled", "host", cfg.IMAP.Host)
		}
		mirrors = append(mirrors, u)
	}

	return mirrors, nil
}
