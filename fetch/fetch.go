// Package fetch materializes a message's attachments, inline images and
// linked downloads into an order folder.
package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/inbox-printer/model"
	"github.com/dhcgn/inbox-printer/order"
)

// DefaultWorkers bounds concurrent downloads per message.
const DefaultWorkers = 3

// ErrExists reports that a file of the same name already exists in the folder.
var ErrExists = errors.New("file already exists")

type Options struct {
	Workers    int
	RetryMax   int
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Saved describes a file written into the order folder.
type Saved struct {
	Name string
	Path string
}

// Failure records one item that could not be saved.
type Failure struct {
	Name string
	Err  error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Name, f.Err)
}

// Result is the outcome of a Fetch. Inline maps Content-ID to the saved file.
type Result struct {
	Inline      map[string]string
	Attachments []Saved
	Links       []Saved
	Skipped     []string
	Failures    []Failure
}

type Fetcher struct {
	workers int
	client  *retryablehttp.Client
	logger  *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Fetcher {
	workers := opts.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	if opts.HTTPClient != nil {
		client.HTTPClient = opts.HTTPClient
	}
	if opts.Timeout > 0 {
		client.HTTPClient.Timeout = opts.Timeout
	}
	if logger != nil {
		client.Logger = logger.With("component", "download")
	} else {
		client.Logger = nil
	}

	return &Fetcher{workers: workers, client: client, logger: logger}
}

// Fetch saves inline images synchronously, then runs attachment and link
// downloads on a bounded pool and waits for all of them. Individual failures
// are collected in Result.Failures and never stop sibling downloads.
func (f *Fetcher) Fetch(ctx context.Context, msg model.Message, htmlBody, folder string) Result {
	result := Result{Inline: make(map[string]string)}

	for i, part := range msg.Parts {
		if !IsInlineImage(part) {
			continue
		}
		name := part.Filename
		if name == "" {
			name = fmt.Sprintf("inline_image_%d%s", len(result.Inline), extensionFor(part.ContentType))
		}
		path, err := writeExclusive(folder, name, part.Data)
		switch {
		case errors.Is(err, ErrExists):
			result.Inline[part.ContentID] = path
		case err != nil:
			result.Failures = append(result.Failures, Failure{Name: name, Err: err})
			f.logWarn("inline image not saved", "part", i, "name", name, "err", err)
		default:
			result.Inline[part.ContentID] = path
		}
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(f.workers)

	record := func(target *[]Saved, name, path string, err error) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case errors.Is(err, ErrExists):
			result.Skipped = append(result.Skipped, name)
		case err != nil:
			result.Failures = append(result.Failures, Failure{Name: name, Err: err})
		default:
			*target = append(*target, Saved{Name: name, Path: path})
		}
	}

	for _, part := range msg.Parts {
		if part.Disposition != model.DispositionAttachment || part.Filename == "" {
			continue
		}
		part := part
		g.Go(func() error {
			path, err := writeExclusive(folder, part.Filename, part.Data)
			if err != nil && !errors.Is(err, ErrExists) {
				f.logWarn("attachment not saved", "name", part.Filename, "err", err)
			} else if err == nil {
				f.logDebug("attachment saved", "path", path)
			}
			record(&result.Attachments, part.Filename, path, err)
			return nil
		})
	}

	for _, link := range ExtractLinks(htmlBody) {
		link := link
		g.Go(func() error {
			path, err := f.download(ctx, link, folder)
			if err != nil && !errors.Is(err, ErrExists) {
				f.logWarn("link download failed", "url", link.URL, "name", link.Filename, "err", err)
			} else if err == nil {
				f.logDebug("link downloaded", "path", path)
			}
			record(&result.Links, link.Filename, path, err)
			return nil
		})
	}

	_ = g.Wait()

	return result
}

func (f *Fetcher) download(ctx context.Context, link Link, folder string) (string, error) {
	name := cleanName(link.Filename)
	path := filepath.Join(folder, name)
	if _, err := os.Stat(path); err == nil {
		return path, ErrExists
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, link.URL, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("get %s: %w", link.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("get %s: unexpected status %s", link.URL, resp.Status)
	}

	return writeExclusiveFrom(folder, name, resp.Body)
}

// IsInlineImage reports whether the part is an image referenced by Content-ID.
func IsInlineImage(part model.Part) bool {
	return part.ContentID != "" &&
		part.Disposition != model.DispositionAttachment &&
		!strings.HasPrefix(part.ContentType, "text/") &&
		!strings.HasPrefix(part.ContentType, "multipart/")
}

// IsLabel reports whether a saved file should be treated as a shipping label.
func IsLabel(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf", ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

func cleanName(name string) string {
	name = order.SanitizeFilename(filepath.Base(strings.TrimSpace(name)))
	if name == "" || name == "." || name == "_" {
		return "downloaded_file"
	}
	return name
}

func extensionFor(contentType string) string {
	exts, err := mime.ExtensionsByType(contentType)
	if err != nil || len(exts) == 0 {
		return ".bin"
	}
	return exts[0]
}

func writeExclusive(folder, name string, data []byte) (string, error) {
	return writeExclusiveFrom(folder, name, bytes.NewReader(data))
}

// writeExclusiveFrom creates folder/name and copies r into it. An existing file
// is never replaced; a failed copy removes the partial file.
func writeExclusiveFrom(folder, name string, r io.Reader) (string, error) {
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return "", fmt.Errorf("create folder: %w", err)
	}
	path := filepath.Join(folder, cleanName(name))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, os.ErrExist) {
		return path, ErrExists
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}

	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(path)
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	return path, nil
}

func (f *Fetcher) logWarn(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Warn(msg, args...)
	}
}

func (f *Fetcher) logDebug(msg string, args ...any) {
	if f.logger != nil {
		f.logger.Debug(msg, args...)
	}
}
