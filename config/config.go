package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dhcgn/inbox-printer/credential"
)

const (
	EnvPrefix   = "INBOX_PRINTER"
	PasswordEnv = "IMAP_PASS"

	defaultProcessedFile = "processed_emails.txt"
	defaultHistoryFile   = "processed_emails_history.txt"
	defaultAttachments   = "attachments"
)

// Config captures every setting required to poll, render and print.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	ProcessedLabel     string

	AllowedSenders []string
	MaxAge         time.Duration

	StateDir       string
	ProcessedFile  string
	HistoryFile    string
	AttachmentsDir string
	PollInterval   time.Duration

	BodyPrinter      string
	LabelPrinter     string
	PrintDriver      string
	PrintCommand     string
	HTMLToPDFCommand string
	RenderDPI        int
	LabelOffsetInch  float64
	LabelDefaultDPI  float64

	DownloadWorkers int
	MaxRetries      int
	RetryBackoff    time.Duration
	AutoStart       bool

	LogLevel string
	LogDir   string
}

// settings mirrors the accepted configuration keys. Keys not listed here are rejected.
type settings struct {
	IMAPHost            string   `mapstructure:"imap_host"`
	IMAPPort            int      `mapstructure:"imap_port"`
	IMAPUser            string   `mapstructure:"imap_user"`
	IMAPPass            string   `mapstructure:"imap_pass"`
	UseTLS              bool     `mapstructure:"use_tls"`
	InsecureSkipVerify  bool     `mapstructure:"insecure_skip_verify"`
	Mailbox             string   `mapstructure:"mailbox"`
	ProcessedLabel      string   `mapstructure:"processed_label"`
	AllowedSenders      []string `mapstructure:"allowed_senders"`
	MaxAgeDays          int      `mapstructure:"max_age_days"`
	StateDir            string   `mapstructure:"state_dir"`
	ProcessedFile       string   `mapstructure:"processed_file"`
	HistoryFile         string   `mapstructure:"history_file"`
	AttachmentsDir      string   `mapstructure:"attachments_dir"`
	PollIntervalSeconds int      `mapstructure:"poll_interval_seconds"`
	BodyPrinter         string   `mapstructure:"body_printer"`
	LabelPrinter        string   `mapstructure:"label_printer"`
	PrintDriver         string   `mapstructure:"print_driver"`
	PrintCommand        string   `mapstructure:"print_command"`
	HTMLToPDFCommand    string   `mapstructure:"html_to_pdf_command"`
	RenderDPI           int      `mapstructure:"render_dpi"`
	LabelOffsetInch     float64  `mapstructure:"label_offset_inch"`
	LabelDefaultDPI     float64  `mapstructure:"label_default_dpi"`
	DownloadWorkers     int      `mapstructure:"download_workers"`
	MaxRetries          int      `mapstructure:"max_retries"`
	RetryBackoffSeconds int      `mapstructure:"retry_backoff_seconds"`
	AutoStart           bool     `mapstructure:"auto_start"`
	LogLevel            string   `mapstructure:"log_level"`
	LogDir              string   `mapstructure:"log_dir"`
}

var defaults = map[string]any{
	"imap_port":             993,
	"use_tls":               true,
	"insecure_skip_verify":  false,
	"mailbox":               "INBOX",
	"processed_label":       "Processed_Orders",
	"allowed_senders":       []string{},
	"max_age_days":          10,
	"poll_interval_seconds": 60,
	"print_driver":          "none",
	"html_to_pdf_command":   "wkhtmltopdf",
	"render_dpi":            300,
	"label_offset_inch":     -0.5,
	"label_default_dpi":     203.0,
	"download_workers":      3,
	"max_retries":           20,
	"retry_backoff_seconds": 10,
	"auto_start":            false,
	"log_level":             "info",
}

// keys lists every accepted key in flag order.
var keys = []string{
	"imap_host", "imap_port", "imap_user", "imap_pass", "use_tls", "insecure_skip_verify",
	"mailbox", "processed_label", "allowed_senders", "max_age_days",
	"state_dir", "processed_file", "history_file", "attachments_dir", "poll_interval_seconds",
	"body_printer", "label_printer", "print_driver", "print_command", "html_to_pdf_command",
	"render_dpi", "label_offset_inch", "label_default_dpi",
	"download_workers", "max_retries", "retry_backoff_seconds", "auto_start",
	"log_level", "log_dir",
}

// RegisterFlags attaches all configuration flags to the provided command as
// persistent flags so every subcommand shares them.
func RegisterFlags(cmd *cobra.Command) error {
	defaultConfig, err := DefaultConfigPath()
	if err != nil {
		return err
	}

	flags := cmd.PersistentFlags()
	flags.String("config", defaultConfig, "Path to a YAML config file")
	flags.String("env-file", ".env", "Optional .env file loaded before reading the environment")
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var, then the OS keyring)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("mailbox", "INBOX", "Mailbox polled for unread orders")
	flags.String("processed-label", "Processed_Orders", "Mailbox (label) that processed messages are copied to; empty disables")
	flags.StringSlice("allowed-senders", nil, "Sender substrings allowed to create orders (empty blocks all)")
	flags.Int("max-age-days", 10, "Ignore messages older than this many days (0 disables)")
	flags.String("state-dir", "", "Directory for the processed set and history log (default ~/.inbox-printer)")
	flags.String("processed-file", "", "Processed set file (relative paths are below --state-dir)")
	flags.String("history-file", "", "History log file (relative paths are below --state-dir)")
	flags.String("attachments-dir", "", "Root directory for order folders (relative paths are below --state-dir)")
	flags.Int("poll-interval-seconds", 60, "Sleep between polls when the mailbox is idle")
	flags.String("body-printer", "", "Printer for message bodies")
	flags.String("label-printer", "", "Printer for 4x6 labels")
	flags.String("print-driver", "none", "Print command convention: sumatra, lpr or none")
	flags.String("print-command", "", "Print executable (defaults per driver)")
	flags.String("html-to-pdf-command", "wkhtmltopdf", "HTML to PDF converter executable")
	flags.Int("render-dpi", 300, "DPI passed to the HTML to PDF converter")
	flags.Float64("label-offset-inch", -0.5, "Vertical bias applied when placing label images")
	flags.Float64("label-default-dpi", 203, "Resolution assumed for label images without DPI metadata")
	flags.Int("download-workers", 3, "Concurrent attachment and link downloads per message")
	flags.Int("max-retries", 20, "Consecutive poll failures before giving up")
	flags.Int("retry-backoff-seconds", 10, "Sleep after a failed poll")
	flags.Bool("auto-start", false, "Start polling when the root command runs")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for rotating log files")

	return nil
}

// LoadConfig merges flags, INBOX_PRINTER_* env vars, the .env file and the YAML
// config file into a validated Config. Explicit flags win over env vars, env
// vars over the file.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	envFile, err := flags.GetString("env-file")
	if err != nil {
		return Config{}, err
	}
	if err := loadEnvFile(envFile); err != nil {
		return Config{}, err
	}

	configPath, err := flags.GetString("config")
	if err != nil {
		return Config{}, err
	}
	return load(configPath, flags.Changed("config"), flags)
}

func load(configPath string, explicit bool, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		// AutomaticEnv only sees keys viper already knows about.
		if err := v.BindEnv(key); err != nil {
			return Config{}, err
		}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			var notFound viper.ConfigFileNotFoundError
			missing := errors.As(err, &pathErr) || errors.As(err, &notFound)
			if !missing || explicit {
				return Config{}, fmt.Errorf("reading config %s: %w", configPath, err)
			}
		}
	}

	if flags != nil {
		for _, key := range keys {
			if f := flags.Lookup(strings.ReplaceAll(key, "_", "-")); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return Config{}, err
				}
			}
		}
	}

	var s settings
	if err := v.UnmarshalExact(&s); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}

	cfg, err := fromSettings(s)
	if err != nil {
		return Config{}, err
	}
	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func fromSettings(s settings) (Config, error) {
	stateDir := s.StateDir
	if stateDir == "" {
		var err error
		stateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	stateDir = filepath.Clean(stateDir)

	logLevel := strings.ToLower(strings.TrimSpace(s.LogLevel))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	var senders []string
	for _, sender := range s.AllowedSenders {
		for _, part := range strings.Split(sender, ",") {
			if part = strings.TrimSpace(part); part != "" {
				senders = append(senders, part)
			}
		}
	}

	return Config{
		IMAPHost:           strings.TrimSpace(s.IMAPHost),
		IMAPPort:           s.IMAPPort,
		IMAPUser:           strings.TrimSpace(s.IMAPUser),
		IMAPPass:           s.IMAPPass,
		UseTLS:             s.UseTLS,
		InsecureSkipVerify: s.InsecureSkipVerify,
		Mailbox:            s.Mailbox,
		ProcessedLabel:     s.ProcessedLabel,
		AllowedSenders:     senders,
		MaxAge:             time.Duration(s.MaxAgeDays) * 24 * time.Hour,
		StateDir:           stateDir,
		ProcessedFile:      underDir(stateDir, s.ProcessedFile, defaultProcessedFile),
		HistoryFile:        underDir(stateDir, s.HistoryFile, defaultHistoryFile),
		AttachmentsDir:     underDir(stateDir, s.AttachmentsDir, defaultAttachments),
		PollInterval:       time.Duration(s.PollIntervalSeconds) * time.Second,
		BodyPrinter:        s.BodyPrinter,
		LabelPrinter:       s.LabelPrinter,
		PrintDriver:        strings.ToLower(s.PrintDriver),
		PrintCommand:       s.PrintCommand,
		HTMLToPDFCommand:   s.HTMLToPDFCommand,
		RenderDPI:          s.RenderDPI,
		LabelOffsetInch:    s.LabelOffsetInch,
		LabelDefaultDPI:    s.LabelDefaultDPI,
		DownloadWorkers:    s.DownloadWorkers,
		MaxRetries:         s.MaxRetries,
		RetryBackoff:       time.Duration(s.RetryBackoffSeconds) * time.Second,
		AutoStart:          s.AutoStart,
		LogLevel:           logLevel,
		LogDir:             s.LogDir,
	}, nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("imap_port must be between 1 and 65535")
	}
	if cfg.Mailbox == "" {
		return fmt.Errorf("mailbox must not be empty")
	}
	if cfg.MaxAge < 0 {
		return fmt.Errorf("max_age_days must not be negative")
	}
	if cfg.PollInterval <= 0 {
		return fmt.Errorf("poll_interval_seconds must be positive")
	}
	if cfg.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff_seconds must not be negative")
	}
	if cfg.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	if cfg.DownloadWorkers <= 0 {
		return fmt.Errorf("download_workers must be positive")
	}
	if cfg.RenderDPI <= 0 || cfg.LabelDefaultDPI <= 0 {
		return fmt.Errorf("render_dpi and label_default_dpi must be positive")
	}

	switch cfg.PrintDriver {
	case "sumatra", "lpr", "none":
	default:
		return fmt.Errorf("invalid print_driver: %s", cfg.PrintDriver)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level: %s", cfg.LogLevel)
	}

	return nil
}

// PasswordLookup returns a stored password for an IMAP user.
type PasswordLookup func(user string) (string, error)

// ResolveIMAP completes the IMAP settings needed to poll. A password missing
// from flags and config is taken from IMAP_PASS, then from lookup.
func ResolveIMAP(cfg Config, lookup PasswordLookup) (Config, error) {
	if cfg.IMAPHost == "" {
		return Config{}, fmt.Errorf("imap_host is required")
	}
	if cfg.IMAPUser == "" {
		return Config{}, fmt.Errorf("imap_user is required")
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv(PasswordEnv)
	}
	if cfg.IMAPPass == "" && lookup != nil {
		pass, err := lookup(cfg.IMAPUser)
		switch {
		case err == nil:
			cfg.IMAPPass = pass
		case !errors.Is(err, credential.ErrNotFound):
			return Config{}, fmt.Errorf("read IMAP password from keyring: %w", err)
		}
	}
	if cfg.IMAPPass == "" {
		return Config{}, fmt.Errorf("IMAP password must be provided via --imap-pass, %s env var or `credentials set`", PasswordEnv)
	}
	return cfg, nil
}

func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func underDir(dir, path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(dir, path)
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".inbox-printer"), nil
}

// DefaultConfigPath returns ~/.inbox-printer/config.yaml.
func DefaultConfigPath() (string, error) {
	dir, err := defaultStateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
