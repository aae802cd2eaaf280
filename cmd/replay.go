package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/dhcgn/inbox-printer/config"
	"github.com/dhcgn/inbox-printer/mbox"
	"github.com/dhcgn/inbox-printer/runner"
	"github.com/dhcgn/inbox-printer/stats"
)

func newReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay [mbox file]",
		Short: "Run the messages of an mbox export through the order pipeline",
		Long: "Replay feeds every message of an mbox file through the same filter, folder, " +
			"download, render and print steps as the poller. Messages are keyed by Message-Id " +
			"and recorded in the processed set, so a second replay skips them.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()
			slog.SetDefault(logger)

			total, err := mbox.CountMessages(args[0])
			if err != nil {
				return err
			}
			logger.Info("replaying mbox", "mbox", args[0], "messages", total)

			return replay(cfg, args[0], logger)
		},
	}
}

func replay(cfg config.Config, path string, logger *slog.Logger) error {
	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	proc, err := buildPipeline(cfg, r, logger)
	if err != nil {
		return err
	}

	if _, err := mbox.NewProducer(mbox.Options{Path: path}, r, logger); err != nil {
		return fmt.Errorf("mbox.NewProducer: %w", err)
	}
	r.Consume(proc)

	stopOnSignal(r, logger)
	return r.Start()
}
