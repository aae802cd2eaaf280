package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/inbox-printer/config"
	"github.com/dhcgn/inbox-printer/model"
	"github.com/dhcgn/inbox-printer/state"
	"github.com/dhcgn/inbox-printer/stats"
)

var ErrMessageIDMissing = errors.New("message missing id")

type StageFunc func(context.Context) error

// Processor handles one claimed message.
type Processor interface {
	Process(ctx context.Context, msg model.Message) error
}

type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	messages chan model.Envelope
	events   chan stats.Event

	tracker *state.FileTracker
	history *state.FileHistory

	workWG  sync.WaitGroup
	statsWG sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeMailboxOnce sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

func New(cfg config.Config, logger *slog.Logger) (*Runner, error) {
	tracker, err := state.NewFileTracker(cfg.ProcessedFile)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}
	history, err := state.NewFileHistory(cfg.HistoryFile)
	if err != nil {
		_ = tracker.Close()
		return nil, fmt.Errorf("history log: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		messages: make(chan model.Envelope, 32),
		events:   make(chan stats.Event, 128),
		tracker:  tracker,
		history:  history,
	}
	return r, nil
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

func (r *Runner) History() state.History {
	return r.history
}

// Claim records key as processed and reports whether this call was the first
// to see it. The record is on disk before Claim returns true. Changes made to
// the processed file by other processes, such as `history clear`, are picked
// up first.
func (r *Runner) Claim(key string) (bool, error) {
	if key == "" {
		return false, ErrMessageIDMissing
	}
	reloaded, err := r.tracker.Reload()
	if err != nil {
		return false, fmt.Errorf("reload processed set: %w", err)
	}
	if reloaded && r.logger != nil {
		r.logger.Info("processed set changed on disk, reloaded", "processed", r.tracker.Snapshot().Processed)
	}
	if r.tracker.AlreadyProcessed(key) {
		return false, nil
	}
	if err := r.tracker.MarkProcessed(key); err != nil {
		return false, fmt.Errorf("mark %s processed: %w", key, err)
	}
	return true, nil
}

// ClearAll forgets every processed message and completed order.
func (r *Runner) ClearAll() error {
	return state.ClearAll(r.tracker, r.history)
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, r.events); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.workWG.Add(1)
	go func() {
		defer r.workWG.Done()
		if err := fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stage: %w", name, err))
		}
	}()
}

// Consume adds a stage that runs every envelope written to MailboxWriter
// through proc. Messages already in the processed set are skipped.
func (r *Runner) Consume(proc Processor) {
	r.AddStage("bridge", func(ctx context.Context) error {
		return r.bridge(ctx, proc)
	})
}

// Stop asks every stage to finish. A message already being processed runs to completion.
func (r *Runner) Stop() {
	r.cancel()
}

func (r *Runner) Start() error {
	r.since = time.Now()

	r.workWG.Wait()
	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	if err := r.tracker.Close(); err != nil {
		r.fail(err)
	}

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()
	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("runner failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("runner stopped", "duration", duration)
	return nil
}

func (r *Runner) bridge(ctx context.Context, proc Processor) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeError, Err: envelope.Err})
				r.logger.Warn("mbox message skipped", "err", envelope.Err)
				continue
			}

			msg := envelope.Message
			claimed, err := r.Claim(msg.ID)
			if err != nil {
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
				if errors.Is(err, ErrMessageIDMissing) {
					continue
				}
				return err
			}
			if !claimed {
				r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeDuplicate, MessageID: msg.ID})
				continue
			}

			r.EmitEvent(stats.Event{Stage: stats.StageMbox, Type: stats.EventTypeClaimed, MessageID: msg.ID})
			if err := proc.Process(context.WithoutCancel(ctx), msg); err != nil {
				r.logger.Warn("message not completed", "messageID", msg.ID, "subject", msg.Subject, "err", err)
			}
		}
	}
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
		r.cancel()
	}
	r.errMu.Unlock()
}
