package state

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// HistoryTimeLayout is the timestamp format written to the history file.
const HistoryTimeLayout = "2006-01-02 15:04:05"

const historySeparator = " - "

// Entry is one completed order.
type Entry struct {
	OrderID     string
	CompletedAt time.Time
	Folder      string
}

// String renders the entry as a history line without the trailing newline.
func (e Entry) String() string {
	return e.OrderID + historySeparator + e.CompletedAt.Format(HistoryTimeLayout) + historySeparator + e.Folder
}

// ParseEntry parses a line produced by Entry.String.
func ParseEntry(line string) (Entry, error) {
	parts := strings.SplitN(strings.TrimRight(line, "\r\n"), historySeparator, 3)
	if len(parts) < 3 {
		return Entry{}, fmt.Errorf("history line %q: expected 3 fields, got %d", line, len(parts))
	}
	completed, err := time.ParseInLocation(HistoryTimeLayout, parts[1], time.Local)
	if err != nil {
		return Entry{}, fmt.Errorf("history line %q: %w", line, err)
	}
	return Entry{OrderID: parts[0], CompletedAt: completed, Folder: parts[2]}, nil
}

// History is the append-only log of completed orders.
type History interface {
	Append(entry Entry) error
	Entries() ([]Entry, error)
	Reset() error
}

// FileHistory stores history entries in a human readable text file.
type FileHistory struct {
	mu   sync.Mutex
	path string
}

func NewFileHistory(path string) (*FileHistory, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	return &FileHistory{path: path}, nil
}

// Path returns the location of the history file.
func (h *FileHistory) Path() string {
	return h.path
}

func (h *FileHistory) Append(entry Entry) error {
	if entry.OrderID == "" {
		return fmt.Errorf("history entry without order id")
	}
	if entry.CompletedAt.IsZero() {
		entry.CompletedAt = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	file, err := os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open history file: %w", err)
	}
	defer file.Close()

	if _, err := file.WriteString(entry.String() + "\n"); err != nil {
		return fmt.Errorf("write history entry: %w", err)
	}
	return file.Sync()
}

// Entries returns every well-formed entry in file order. Malformed lines are skipped.
func (h *FileHistory) Entries() ([]Entry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	file, err := os.Open(h.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		entry, err := ParseEntry(line)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, fmt.Errorf("read history file: %w", err)
	}
	return entries, nil
}

func (h *FileHistory) Reset() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := os.WriteFile(h.path, nil, 0o644); err != nil {
		return fmt.Errorf("truncate history file: %w", err)
	}
	return nil
}

var clearMu sync.Mutex

// ClearAll truncates the history log and the processed set together so that
// previously handled messages become eligible again.
func ClearAll(tracker Tracker, history History) error {
	clearMu.Lock()
	defer clearMu.Unlock()

	if err := history.Reset(); err != nil {
		return err
	}
	if err := tracker.Reset(); err != nil {
		return err
	}
	return nil
}
