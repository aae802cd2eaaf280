package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/inbox-printer/mailparse"
	"github.com/dhcgn/inbox-printer/model"
	"github.com/dhcgn/inbox-printer/runner"
)

var ErrMessageIDMissing = errors.New("mbox message missing Message-Id header")

type Options struct {
	Path string
}

type Reader interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

type opener func() (io.ReadCloser, error)

func NewReader(opts Options, logger *slog.Logger) (Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}
	open := func() (io.ReadCloser, error) {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open mbox: %w", err)
		}
		return file, nil
	}
	return &fileReader{path: path, open: open, logger: logger}, nil
}

// NewStreamReader reads an already opened mbox stream.
func NewStreamReader(r io.Reader, logger *slog.Logger) Reader {
	open := func() (io.ReadCloser, error) { return io.NopCloser(r), nil }
	return &fileReader{path: "stream", open: open, logger: logger}
}

type fileReader struct {
	path   string
	open   opener
	logger *slog.Logger
}

// Stream decodes every message in order. Messages that cannot be decoded are
// sent as error envelopes and streaming continues; a broken mbox framing ends it.
func (f *fileReader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := f.open()
	if err != nil {
		return err
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return f.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return f.emitError(ctx, out, fmt.Errorf("message %d read: %w", idx, err))
		}

		msg, err := decode(raw)
		if err != nil {
			if err := f.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err)); err != nil {
				return err
			}
			continue
		}

		if err := f.emitEnvelope(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
	}
}

func decode(raw []byte) (model.Message, error) {
	id := mailparse.MessageID(raw)
	if id == "" {
		return model.Message{}, ErrMessageIDMissing
	}
	msg, err := mailparse.Parse(raw)
	if err != nil {
		return model.Message{}, fmt.Errorf("parse %s: %w", id, err)
	}
	msg.ID = id
	return msg, nil
}

func (f *fileReader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if f.logger != nil {
		f.logger.Error("mbox stream error", "path", f.path, "err", err)
	}
	return f.emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func (f *fileReader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// Producer feeds an mbox into the runner's mailbox channel.
type Producer struct {
	reader Reader
	runner *runner.Runner
}

func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Producer, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	return newProducer(reader, r), nil
}

func newProducer(reader Reader, r *runner.Runner) *Producer {
	producer := &Producer{reader: reader, runner: r}
	r.AddStage("mbox", producer.run)
	return producer
}

func (p *Producer) run(ctx context.Context) error {
	defer p.runner.CloseMailbox()
	return p.reader.Stream(ctx, p.runner.MailboxWriter())
}

// CountMessages counts the total number of messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	return countMessages(file)
}

func countMessages(r io.Reader) (int, error) {
	reader := mboxlib.NewReader(r)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return 0, err
		}

		// Just consume the message without parsing
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, fmt.Errorf("message %d: %w", count, err)
		}
		count++
	}
}
