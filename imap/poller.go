package imap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"

	"github.com/dhcgn/inbox-printer/mailparse"
	"github.com/dhcgn/inbox-printer/runner"
	"github.com/dhcgn/inbox-printer/stats"
)

const (
	DefaultMaxRetries   = 20
	DefaultRetryBackoff = 10 * time.Second
	DefaultPollInterval = time.Minute
)

// ErrRetriesExhausted ends the poller after too many consecutive failed cycles.
var ErrRetriesExhausted = errors.New("imap retries exhausted")

// Poller watches one mailbox and hands every unread message to a processor exactly once.
type Poller struct {
	opts   Options
	dial   Dialer
	runner *runner.Runner
	proc   runner.Processor
	logger *slog.Logger
}

// NewPoller registers the poller as the runner's "imap" stage.
func NewPoller(opts Options, dial Dialer, r *runner.Runner, proc runner.Processor, logger *slog.Logger) (*Poller, error) {
	if dial == nil {
		return nil, fmt.Errorf("dialer must not be nil")
	}
	if proc == nil {
		return nil, fmt.Errorf("processor must not be nil")
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = DefaultMaxRetries
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = DefaultRetryBackoff
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	p := &Poller{
		opts:   opts,
		dial:   dial,
		runner: r,
		proc:   proc,
		logger: logger,
	}
	r.AddStage("imap", p.run)
	return p, nil
}

func (p *Poller) run(ctx context.Context) error {
	var session Session
	defer func() {
		if session != nil {
			_ = session.Close()
		}
	}()

	failures := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var (
			idle bool
			err  error
		)
		session, err = p.ensureSession(ctx, session, failures > 0)
		if err == nil {
			idle, err = p.cycle(ctx, session)
		}

		if err == nil {
			failures = 0
			if idle {
				p.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeIdle})
				if err := sleep(ctx, p.opts.PollInterval); err != nil {
					return err
				}
			}
			continue
		}

		failures++
		p.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, Err: err, Detail: fmt.Sprintf("attempt %d/%d", failures, p.opts.MaxRetries+1)})
		if p.logger != nil {
			p.logger.Warn("imap cycle failed", "attempt", failures, "maxRetries", p.opts.MaxRetries, "err", err)
		}
		if session != nil {
			_ = session.Close()
			session = nil
		}
		// MaxRetries counts reconnects after the first failure.
		if failures > p.opts.MaxRetries {
			return fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, failures, err)
		}
		if err := sleep(ctx, p.opts.RetryBackoff); err != nil {
			return err
		}
	}
}

// ensureSession probes a live session and replaces it when the probe fails.
func (p *Poller) ensureSession(ctx context.Context, session Session, retrying bool) (Session, error) {
	if session != nil {
		err := session.Probe()
		if err == nil {
			return session, nil
		}
		if p.logger != nil {
			p.logger.Info("imap session lost, reconnecting", "err", err)
		}
		_ = session.Close()
		retrying = true
	}

	session, err := p.dial(ctx, p.opts)
	if err != nil {
		return nil, err
	}
	if retrying {
		p.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeReconnect})
	}
	return session, nil
}

// cycle handles every unread message once. It reports idle when nothing was unread.
func (p *Poller) cycle(ctx context.Context, session Session) (bool, error) {
	validity, uids, err := session.Unseen()
	if err != nil {
		return false, err
	}
	if len(uids) == 0 {
		return true, nil
	}

	if p.logger != nil {
		p.logger.Debug("unread messages", "count", len(uids), "mailbox", p.opts.mailbox())
	}

	for _, uid := range uids {
		if ctx.Err() != nil {
			break
		}
		if err := p.handle(ctx, session, MessageKey(validity, uid), uid); err != nil {
			return false, err
		}
	}

	if err := session.Expunge(); err != nil {
		return false, err
	}
	return false, nil
}

func (p *Poller) handle(ctx context.Context, session Session, key string, uid imapv2.UID) error {
	claimed, err := p.runner.Claim(key)
	if err != nil {
		return err
	}

	if !claimed {
		p.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeDuplicate, MessageID: key})
	} else {
		p.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeClaimed, MessageID: key})

		raw, internalDate, err := session.Fetch(uid)
		if err != nil {
			return err
		}
		p.process(ctx, key, raw, internalDate)
	}

	return session.MarkProcessed(uid)
}

// process runs the pipeline detached from the stop signal so a message in
// progress always completes.
func (p *Poller) process(ctx context.Context, key string, raw []byte, internalDate time.Time) {
	msg, err := mailparse.Parse(raw)
	if err != nil {
		p.runner.EmitEvent(stats.Event{Stage: stats.StageIMAP, Type: stats.EventTypeError, MessageID: key, Err: err})
		if p.logger != nil {
			p.logger.Warn("message not decoded", "messageID", key, "err", err)
		}
		return
	}

	msg.ID = key
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = internalDate
	}

	if err := p.proc.Process(context.WithoutCancel(ctx), msg); err != nil && p.logger != nil {
		p.logger.Warn("message not completed", "messageID", key, "subject", msg.Subject, "err", err)
	}
}

// MessageKey identifies a message across sessions.
func MessageKey(uidValidity uint32, uid imapv2.UID) string {
	return fmt.Sprintf("%d:%d", uidValidity, uid)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
