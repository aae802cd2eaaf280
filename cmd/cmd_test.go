package cmd

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"

	"github.com/dhcgn/inbox-printer/config"
	"github.com/dhcgn/inbox-printer/credential"
	"github.com/dhcgn/inbox-printer/runner"
	"github.com/dhcgn/inbox-printer/state"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	rootCmd, err := NewRootCommand()
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetArgs(args)
	err = rootCmd.Execute()
	return out.String(), err
}

func setup(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return t.TempDir()
}

func TestRootWithoutAutoStart(t *testing.T) {
	stateDir := setup(t)
	out, err := execute(t, "", "--env-file", "", "--state-dir", stateDir)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out, "auto_start is disabled") {
		t.Errorf("output = %q", out)
	}
}

func TestHistoryListAndClear(t *testing.T) {
	stateDir := setup(t)
	history, err := state.NewFileHistory(filepath.Join(stateDir, "processed_emails_history.txt"))
	if err != nil {
		t.Fatal(err)
	}
	completed := time.Date(2024, 3, 4, 5, 6, 7, 0, time.Local)
	if err := history.Append(state.Entry{OrderID: "100R", CompletedAt: completed, Folder: "/orders/100R_Jane Doe"}); err != nil {
		t.Fatal(err)
	}
	tracker, err := state.NewFileTracker(filepath.Join(stateDir, "processed_emails.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if err := tracker.MarkProcessed("3:9"); err != nil {
		t.Fatal(err)
	}
	_ = tracker.Close()

	out, err := execute(t, "", "history", "list", "--env-file", "", "--state-dir", stateDir)
	if err != nil {
		t.Fatalf("history list error = %v", err)
	}
	if !strings.Contains(out, "100R") || !strings.Contains(out, "2024-03-04 05:06:07") || !strings.Contains(out, "100R_Jane Doe") {
		t.Errorf("history list output = %q", out)
	}

	out, err = execute(t, "n\n", "history", "clear", "--env-file", "", "--state-dir", stateDir)
	if err != nil || !strings.Contains(out, "aborted") {
		t.Fatalf("declined clear = %q, %v", out, err)
	}
	if entries, _ := history.Entries(); len(entries) != 1 {
		t.Fatalf("declined clear removed entries: %v", entries)
	}

	out, err = execute(t, "", "history", "clear", "--yes", "--env-file", "", "--state-dir", stateDir)
	if err != nil || !strings.Contains(out, "history cleared") {
		t.Fatalf("clear = %q, %v", out, err)
	}
	if entries, _ := history.Entries(); len(entries) != 0 {
		t.Errorf("entries after clear = %v", entries)
	}
	tracker, err = state.NewFileTracker(filepath.Join(stateDir, "processed_emails.txt"))
	if err != nil {
		t.Fatal(err)
	}
	defer tracker.Close()
	if tracker.AlreadyProcessed("3:9") {
		t.Error("processed set not cleared")
	}

	out, err = execute(t, "", "history", "list", "--env-file", "", "--state-dir", stateDir)
	if err != nil || !strings.Contains(out, "no completed orders") {
		t.Errorf("empty history list = %q, %v", out, err)
	}
}

func TestCredentialsSet(t *testing.T) {
	stateDir := setup(t)
	ring := keyring.NewArrayKeyring(nil)
	orig := credential.Open
	credential.Open = func() (keyring.Keyring, error) { return ring, nil }
	t.Cleanup(func() { credential.Open = orig })

	out, err := execute(t, "hunter2\n", "credentials", "set", "--env-file", "", "--state-dir", stateDir, "--imap-user", "orders@shop.example")
	if err != nil {
		t.Fatalf("credentials set error = %v", err)
	}
	if !strings.Contains(out, "password stored") {
		t.Errorf("output = %q", out)
	}
	got, err := credential.Get("orders@shop.example")
	if err != nil || got != "hunter2" {
		t.Errorf("stored password = %q, %v", got, err)
	}

	if _, err := execute(t, "x\n", "credentials", "set", "--env-file", "", "--state-dir", stateDir); err == nil {
		t.Error("expected error without --imap-user")
	}
}

func TestReplayRequiresFile(t *testing.T) {
	stateDir := setup(t)
	if _, err := execute(t, "", "replay", filepath.Join(stateDir, "missing.mbox"), "--env-file", "", "--state-dir", stateDir); err == nil {
		t.Error("expected error for missing mbox")
	}
}

func TestReplayProcessesOrders(t *testing.T) {
	stateDir := setup(t)
	path := filepath.Join(stateDir, "orders.mbox")
	raw := "From orders@shop.example Mon Jan  1 10:00:00 2024\n" +
		"From: Shop <orders@shop.example>\n" +
		"Subject: Order 100\n" +
		"Message-Id: <order-100@shop.example>\n" +
		"Content-Type: text/plain\n\n" +
		"PO Number: 100\nDelivery address: Jane Doe\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := execute(t, "", "replay", path,
		"--env-file", "", "--state-dir", stateDir, "--max-age-days", "0",
		"--allowed-senders", "shop.example",
		"--html-to-pdf-command", "wkhtmltopdf-not-installed-for-tests", "--log-level", "error")
	if err != nil {
		t.Fatalf("replay error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(stateDir, "attachments", "100_Jane Doe", "email_body.html")); err != nil {
		t.Errorf("order folder not populated: %v", err)
	}
	history, err := state.NewFileHistory(filepath.Join(stateDir, "processed_emails_history.txt"))
	if err != nil {
		t.Fatal(err)
	}
	entries, err := history.Entries()
	if err != nil || len(entries) != 1 || entries[0].OrderID != "100" {
		t.Errorf("history = %v, %v", entries, err)
	}
}

func TestBuildPipeline(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		ProcessedFile:   filepath.Join(dir, "processed.txt"),
		HistoryFile:     filepath.Join(dir, "history.txt"),
		AttachmentsDir:  filepath.Join(dir, "attachments"),
		PrintDriver:     "lpr",
		DownloadWorkers: 3,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r, err := runner.New(cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := buildPipeline(cfg, r, logger); err != nil {
		t.Errorf("buildPipeline() error = %v", err)
	}

	cfg.PrintDriver = "fax"
	if _, err := buildPipeline(cfg, r, logger); err == nil {
		t.Error("expected error for unknown print driver")
	}
	if err := r.Start(); err != nil {
		t.Fatal(err)
	}
}
