package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dhcgn/inbox-printer/config"
	"github.com/dhcgn/inbox-printer/credential"
	"github.com/dhcgn/inbox-printer/fetch"
	"github.com/dhcgn/inbox-printer/filter"
	"github.com/dhcgn/inbox-printer/imap"
	"github.com/dhcgn/inbox-printer/order"
	"github.com/dhcgn/inbox-printer/pipeline"
	"github.com/dhcgn/inbox-printer/printer"
	"github.com/dhcgn/inbox-printer/render"
	"github.com/dhcgn/inbox-printer/runner"
	"github.com/dhcgn/inbox-printer/stats"
)

const appName = "inbox-printer"

// NewRootCommand builds the CLI. The root command polls only when auto_start is set.
func NewRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           appName,
		Short:         "Print order emails and their shipping labels as they arrive",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if !cfg.AutoStart {
				fmt.Fprintf(cmd.OutOrStdout(), "auto_start is disabled; run `%s run` to start polling\n", appName)
				return nil
			}
			return poll(cfg)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		return nil, err
	}

	rootCmd.AddCommand(
		newRunCommand(),
		newReplayCommand(),
		newHistoryCommand(),
		newCredentialsCommand(),
	)
	return rootCmd, nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	rootCmd, err := NewRootCommand()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		return 1
	}
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the mailbox until interrupted or retries are exhausted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			return poll(cfg)
		},
	}
}

func poll(cfg config.Config) error {
	cfg, err := config.ResolveIMAP(cfg, credential.Get)
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
	logger.Info("starting "+appName, "host", cfg.IMAPHost, "mailbox", cfg.Mailbox, "attachments", cfg.AttachmentsDir, "driver", cfg.PrintDriver)
	if len(cfg.AllowedSenders) == 0 {
		logger.Warn("allowed_senders is empty; every message will be filtered")
	}

	r, err := runner.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("runner.New: %w", err)
	}
	stats.NewReporter(r, logger)

	proc, err := buildPipeline(cfg, r, logger)
	if err != nil {
		return err
	}

	pollerOpts := imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Mailbox:            cfg.Mailbox,
		ProcessedLabel:     cfg.ProcessedLabel,
		PollInterval:       cfg.PollInterval,
		RetryBackoff:       cfg.RetryBackoff,
		MaxRetries:         cfg.MaxRetries,
	}
	if _, err := imap.NewPoller(pollerOpts, imap.NewDialer(logger), r, proc, logger); err != nil {
		return fmt.Errorf("imap.NewPoller: %w", err)
	}

	stopOnSignal(r, logger)
	return r.Start()
}

// buildPipeline wires the per-message steps from the configuration.
func buildPipeline(cfg config.Config, r *runner.Runner, logger *slog.Logger) (*pipeline.Pipeline, error) {
	qualify, err := filter.New(filter.Options{AllowedSenders: cfg.AllowedSenders, MaxAge: cfg.MaxAge})
	if err != nil {
		return nil, fmt.Errorf("filter.New: %w", err)
	}
	resolver, err := order.NewResolver(cfg.AttachmentsDir)
	if err != nil {
		return nil, fmt.Errorf("order.NewResolver: %w", err)
	}
	dispatcher, err := printer.NewDispatcher(printer.Driver(cfg.PrintDriver), cfg.PrintCommand, logger)
	if err != nil {
		return nil, fmt.Errorf("printer.NewDispatcher: %w", err)
	}

	deps := pipeline.Deps{
		Filter:   qualify,
		Resolver: resolver,
		Fetcher:  fetch.New(fetch.Options{Workers: cfg.DownloadWorkers, RetryMax: 2, Timeout: 60 * time.Second}, logger),
		Body:     render.NewBody(render.Wkhtmltopdf{Command: cfg.HTMLToPDFCommand, DPI: cfg.RenderDPI}, logger),
		Label: render.NewLabel(render.LabelOptions{
			Page:       render.LabelPage,
			DefaultDPI: cfg.LabelDefaultDPI,
			Offset:     cfg.LabelOffsetInch,
		}, logger),
		Printer: dispatcher,
		History: r.History(),
		Events:  r,
	}
	opts := pipeline.Options{BodyPrinter: cfg.BodyPrinter, LabelPrinter: cfg.LabelPrinter}
	return pipeline.New(deps, opts, logger)
}

func stopOnSignal(r *runner.Runner, logger *slog.Logger) {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-signals:
			logger.Info("stop requested, finishing the current message", "signal", sig.String())
			r.Stop()
		case <-r.Context().Done():
		}
		signal.Stop(signals)
	}()
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

		file := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, appName+".log"),
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		return slog.New(handler), file.Close, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
