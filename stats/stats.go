package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageIMAP     Stage = "imap"
	StageMbox     Stage = "mbox"
	StagePipeline Stage = "pipeline"
)

type EventType string

const (
	EventTypeIdle      EventType = "idle"
	EventTypeClaimed   EventType = "claimed"
	EventTypeDuplicate EventType = "duplicate"
	EventTypeFiltered  EventType = "filtered"
	EventTypeNoOrder   EventType = "no_order"
	EventTypeCompleted EventType = "completed"
	EventTypeReconnect EventType = "reconnect"
	EventTypeError     EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	OrderID   string
	Err       error
	Detail    string
}

type Summary struct {
	Claimed    int
	Duplicates int
	Filtered   int
	NoOrder    int
	Completed  int
	Reconnects int
	IdlePolls  int
	Errors     int
	LastStatus EventType
	LastOrder  string
	LastError  error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"claimed", s.Claimed,
		"completed", s.Completed,
		"noOrder", s.NoOrder,
		"filtered", s.Filtered,
		"duplicates", s.Duplicates,
		"reconnects", s.Reconnects,
		"idlePolls", s.IdlePolls,
		"errors", s.Errors,
	}
	if s.LastOrder != "" {
		attrs = append(attrs, "lastOrder", s.LastOrder)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

// Apply folds a single event into the summary.
func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summary.LastStatus = evt.Type
	switch evt.Type {
	case EventTypeIdle:
		c.summary.IdlePolls++
	case EventTypeClaimed:
		c.summary.Claimed++
	case EventTypeDuplicate:
		c.summary.Duplicates++
	case EventTypeFiltered:
		c.summary.Filtered++
	case EventTypeNoOrder:
		c.summary.NoOrder++
	case EventTypeCompleted:
		c.summary.Completed++
		if evt.OrderID != "" {
			c.summary.LastOrder = evt.OrderID
		}
	case EventTypeReconnect:
		c.summary.Reconnects++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

// Reporter logs status changes as they arrive and a summary once the stream closes.
type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			r.finish(ctx.Err())
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				r.finish(nil)
				return nil
			}
			r.collector.Apply(evt)
			r.logStatus(evt)
		}
	}
}

func (r *Reporter) logStatus(evt Event) {
	if r.logger == nil {
		return
	}
	attrs := []any{"stage", evt.Stage, "status", evt.Type}
	if evt.MessageID != "" {
		attrs = append(attrs, "messageID", evt.MessageID)
	}
	if evt.OrderID != "" {
		attrs = append(attrs, "order", evt.OrderID)
	}
	if evt.Detail != "" {
		attrs = append(attrs, "detail", evt.Detail)
	}

	switch evt.Type {
	case EventTypeError:
		if evt.Err != nil {
			attrs = append(attrs, "err", evt.Err)
		}
		r.logger.Warn("status", attrs...)
	case EventTypeCompleted, EventTypeNoOrder, EventTypeReconnect:
		r.logger.Info("status", attrs...)
	default:
		r.logger.Debug("status", attrs...)
	}
}

func (r *Reporter) finish(err error) {
	if r.logger == nil {
		return
	}
	attrs := append(r.collector.Snapshot().LogAttrs(), "duration", time.Since(r.started))
	if err != nil {
		r.logger.Debug("stats collection stopped", append(attrs, "err", err)...)
		return
	}
	r.logger.Info("stats summary", attrs...)
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
