package state

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Tracker records message keys whose processing has been started.
type Tracker interface {
	AlreadyProcessed(key string) bool
	MarkProcessed(key string) error
	Reset() error
	Snapshot() Snapshot
}

type Snapshot struct {
	Processed int
}

type MemoryTracker struct {
	mu        sync.RWMutex
	processed map[string]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{processed: make(map[string]struct{})}
}

func (m *MemoryTracker) AlreadyProcessed(key string) bool {
	if key == "" {
		return false
	}

	m.mu.RLock()
	_, ok := m.processed[key]
	m.mu.RUnlock()
	return ok
}

func (m *MemoryTracker) MarkProcessed(key string) error {
	if key == "" {
		return nil
	}

	m.mu.Lock()
	m.processed[key] = struct{}{}
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Reset() error {
	m.mu.Lock()
	m.processed = make(map[string]struct{})
	m.mu.Unlock()
	return nil
}

func (m *MemoryTracker) Snapshot() Snapshot {
	m.mu.RLock()
	count := len(m.processed)
	m.mu.RUnlock()
	return Snapshot{Processed: count}
}

// FileTracker persists processed message keys, one per line, so later runs skip them.
// Every mark is synced to disk before MarkProcessed returns.
type FileTracker struct {
	*MemoryTracker
	path    string
	file    *os.File
	writeMu sync.Mutex
	// size is the file length as last read or written by this tracker.
	size int64
}

func NewFileTracker(path string) (*FileTracker, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("processed file path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	tracker := &FileTracker{
		MemoryTracker: NewMemoryTracker(),
		path:          path,
	}

	if err := tracker.load(); err != nil {
		return nil, err
	}
	if err := tracker.open(); err != nil {
		return nil, err
	}

	return tracker, nil
}

func (f *FileTracker) open() error {
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open processed file for append: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat processed file: %w", err)
	}
	f.file = file
	f.size = info.Size()
	return nil
}

// Path returns the location of the processed file.
func (f *FileTracker) Path() string {
	return f.path
}

func (f *FileTracker) load() error {
	keys, err := readKeys(f.path)
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.processed = keys
	f.mu.Unlock()
	return nil
}

func readKeys(path string) (map[string]struct{}, error) {
	keys := make(map[string]struct{})

	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return keys, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open processed file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key := strings.TrimSpace(scanner.Text())
		if key == "" {
			continue
		}
		keys[key] = struct{}{}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read processed file: %w", err)
	}

	return keys, nil
}

// Reload re-reads the processed file when another process truncated, removed
// or appended to it since this tracker last touched it. It reports whether
// the in-memory set was replaced.
func (f *FileTracker) Reload() (bool, error) {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if f.file == nil {
		return false, fmt.Errorf("processed file is closed")
	}

	info, err := os.Stat(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		_ = f.file.Close()
		f.file = nil
		if err := f.open(); err != nil {
			return false, err
		}
		f.mu.Lock()
		f.processed = make(map[string]struct{})
		f.mu.Unlock()
		return true, nil
	case err != nil:
		return false, fmt.Errorf("stat processed file: %w", err)
	case info.Size() == f.size:
		return false, nil
	}

	if err := f.load(); err != nil {
		return false, err
	}
	f.size = info.Size()
	return true, nil
}

func (f *FileTracker) MarkProcessed(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if strings.ContainsAny(key, "\r\n") {
		return fmt.Errorf("processed key %q contains a line break", key)
	}

	f.mu.Lock()
	if _, exists := f.processed[key]; exists {
		f.mu.Unlock()
		return nil
	}
	f.processed[key] = struct{}{}
	f.mu.Unlock()

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	n, err := f.file.WriteString(key + "\n")
	f.size += int64(n)
	if err != nil {
		return fmt.Errorf("write processed record: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync processed file: %w", err)
	}

	return nil
}

// Reset truncates the processed file and forgets every key.
func (f *FileTracker) Reset() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if err := f.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate processed file: %w", err)
	}
	f.size = 0
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("sync processed file: %w", err)
	}

	return f.MemoryTracker.Reset()
}

// Close syncs and closes the processed file.
func (f *FileTracker) Close() error {
	if f.file == nil {
		return nil
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync processed file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close processed file: %w", err)
	}
	f.file = nil

	return firstErr
}
