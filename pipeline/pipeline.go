package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhcgn/inbox-printer/fetch"
	"github.com/dhcgn/inbox-printer/filter"
	"github.com/dhcgn/inbox-printer/mailparse"
	"github.com/dhcgn/inbox-printer/model"
	"github.com/dhcgn/inbox-printer/order"
	"github.com/dhcgn/inbox-printer/printer"
	"github.com/dhcgn/inbox-printer/render"
	"github.com/dhcgn/inbox-printer/state"
	"github.com/dhcgn/inbox-printer/stats"
)

// ErrNoOrder is returned for messages whose body carries no order identifier.
var ErrNoOrder = errors.New("no order identifier in message body")

type Fetcher interface {
	Fetch(ctx context.Context, msg model.Message, htmlBody, folder string) fetch.Result
}

type BodyRenderer interface {
	Render(ctx context.Context, body string, inline map[string]string, folder string) (string, error)
}

type LabelRenderer interface {
	Render(imgPath, outPath string) error
}

type Events interface {
	EmitEvent(evt stats.Event)
}

// Deps are the collaborators of a pipeline. Filter and Events may be nil.
type Deps struct {
	Filter   *filter.Filter
	Resolver *order.Resolver
	Fetcher  Fetcher
	Body     BodyRenderer
	Label    LabelRenderer
	Printer  printer.Printer
	History  state.History
	Events   Events
}

type Options struct {
	BodyPrinter  string
	LabelPrinter string
	Now          func() time.Time
}

// Pipeline turns one qualifying message into an order folder with printed documents.
type Pipeline struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
}

func New(deps Deps, opts Options, logger *slog.Logger) (*Pipeline, error) {
	switch {
	case deps.Resolver == nil:
		return nil, fmt.Errorf("pipeline: resolver must not be nil")
	case deps.Fetcher == nil:
		return nil, fmt.Errorf("pipeline: fetcher must not be nil")
	case deps.Body == nil || deps.Label == nil:
		return nil, fmt.Errorf("pipeline: renderers must not be nil")
	case deps.Printer == nil:
		return nil, fmt.Errorf("pipeline: printer must not be nil")
	case deps.History == nil:
		return nil, fmt.Errorf("pipeline: history must not be nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{deps: deps, opts: opts, logger: logger}, nil
}

// Process runs every step for msg. Download, render and print failures are
// logged and do not stop the message; only a missing order identifier or a
// folder/history failure is returned.
func (p *Pipeline) Process(ctx context.Context, msg model.Message) error {
	if p.deps.Filter != nil {
		if reason := p.deps.Filter.Check(msg); reason != filter.ReasonNone {
			p.emit(stats.Event{Type: stats.EventTypeFiltered, MessageID: msg.ID, Detail: string(reason)})
			p.logInfo("message filtered", "messageID", msg.ID, "from", msg.From, "reason", reason)
			return nil
		}
	}

	ord, ok := findOrder(msg)
	if !ok {
		p.emit(stats.Event{Type: stats.EventTypeNoOrder, MessageID: msg.ID, Detail: msg.Subject})
		return ErrNoOrder
	}

	folder, err := p.deps.Resolver.Resolve(ord.OrderID, ord.Customer)
	if err != nil {
		err = fmt.Errorf("resolve folder for order %s: %w", ord.OrderID, err)
		p.emit(stats.Event{Type: stats.EventTypeError, MessageID: msg.ID, OrderID: ord.OrderID, Err: err})
		return err
	}
	ord.Folder = folder
	p.logInfo("processing order", "messageID", msg.ID, "order", ord.OrderID, "customer", ord.Customer, "folder", ord.Folder, "bytes", msg.Size)

	result := p.deps.Fetcher.Fetch(ctx, msg, msg.HTMLBody, ord.Folder)
	for _, failure := range result.Failures {
		p.emit(stats.Event{Type: stats.EventTypeError, MessageID: msg.ID, OrderID: ord.OrderID, Err: failure, Detail: failure.Name})
	}

	p.printBody(ctx, msg, ord, result.Inline)
	p.printLabels(ctx, msg.ID, ord, result.Attachments)

	entry := state.Entry{OrderID: ord.OrderID, CompletedAt: p.opts.Now(), Folder: ord.Folder}
	if err := p.deps.History.Append(entry); err != nil {
		err = fmt.Errorf("append history for order %s: %w", ord.OrderID, err)
		p.emit(stats.Event{Type: stats.EventTypeError, MessageID: msg.ID, OrderID: ord.OrderID, Err: err})
		return err
	}

	p.emit(stats.Event{Type: stats.EventTypeCompleted, MessageID: msg.ID, OrderID: ord.OrderID, Detail: ord.Folder})
	return nil
}

// findOrder tries the HTML body first, then the plain text body. Folder is
// left empty until the resolver has created it.
func findOrder(msg model.Message) (model.Order, bool) {
	for _, text := range mailparse.Texts(msg.HTMLBody, msg.TextBody) {
		if match, ok := order.Parse(text); ok {
			return model.Order{OrderID: match.OrderID, Customer: match.Customer}, true
		}
	}
	return model.Order{}, false
}

func (p *Pipeline) printBody(ctx context.Context, msg model.Message, ord model.Order, inline map[string]string) {
	body := msg.HTMLBody
	if strings.TrimSpace(body) == "" {
		if strings.TrimSpace(msg.TextBody) == "" {
			return
		}
		body = render.PlainTextHTML(msg.TextBody)
	}

	pdf, err := p.deps.Body.Render(ctx, body, inline, ord.Folder)
	if err != nil {
		p.fail(msg.ID, ord.OrderID, fmt.Errorf("render body: %w", err))
		return
	}
	p.print(ctx, msg.ID, ord.OrderID, pdf, p.opts.BodyPrinter, printer.ProfileFit)
}

func (p *Pipeline) printLabels(ctx context.Context, messageID string, ord model.Order, saved []fetch.Saved) {
	for _, attachment := range saved {
		if !fetch.IsLabel(attachment.Name) {
			continue
		}

		target := attachment.Path
		if !strings.EqualFold(filepath.Ext(attachment.Name), ".pdf") {
			target = render.OutputPath(attachment.Path)
			if err := p.deps.Label.Render(attachment.Path, target); err != nil {
				p.fail(messageID, ord.OrderID, fmt.Errorf("render label %s: %w", attachment.Name, err))
				continue
			}
		}
		p.print(ctx, messageID, ord.OrderID, target, p.opts.LabelPrinter, printer.ProfileNoScale)
	}
}

func (p *Pipeline) print(ctx context.Context, messageID, orderID, path, name string, profile printer.Profile) {
	err := p.deps.Printer.Print(ctx, path, name, profile)
	if errors.Is(err, printer.ErrNoPrinter) {
		p.logInfo("print skipped, no printer configured", "file", path, "profile", profile)
		return
	}
	if err != nil {
		p.fail(messageID, orderID, err)
	}
}

func (p *Pipeline) fail(messageID, orderID string, err error) {
	if p.logger != nil {
		p.logger.Warn("order step failed", "messageID", messageID, "order", orderID, "err", err)
	}
	p.emit(stats.Event{Type: stats.EventTypeError, MessageID: messageID, OrderID: orderID, Err: err})
}

func (p *Pipeline) emit(evt stats.Event) {
	if p.deps.Events == nil {
		return
	}
	evt.Stage = stats.StagePipeline
	p.deps.Events.EmitEvent(evt)
}

func (p *Pipeline) logInfo(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}
