// Package mailparse decodes raw RFC 5322 messages into model.Message values.
package mailparse

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/inbox-printer/model"
)

// ErrEmptyMessage is returned for a zero-length input.
var ErrEmptyMessage = errors.New("message is empty")

// Parse decodes raw into a message. Size is the raw length. ID is left to the
// caller, and ReceivedAt only comes from the Date header.
func Parse(raw []byte) (model.Message, error) {
	if len(raw) == 0 {
		return model.Message{}, ErrEmptyMessage
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return model.Message{}, fmt.Errorf("create mail reader: %w", err)
	}
	defer mr.Close()

	msg := model.Message{Size: int64(len(raw))}

	if from, err := mr.Header.AddressList("From"); err == nil && len(from) > 0 {
		msg.From = from[0].String()
	} else {
		msg.From = mr.Header.Get("From")
	}
	if subject, err := mr.Header.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = mr.Header.Get("Subject")
	}
	if date, err := mr.Header.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && (p == nil || !message.IsUnknownCharset(err)) {
			return msg, fmt.Errorf("read part %d: %w", len(msg.Parts), err)
		}

		data, err := io.ReadAll(p.Body)
		if err != nil {
			return msg, fmt.Errorf("read part %d body: %w", len(msg.Parts), err)
		}

		var (
			header   message.Header
			filename string
		)
		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			header = h.Header
		case *mail.AttachmentHeader:
			header = h.Header
			filename, _ = h.Filename()
		default:
			continue
		}

		part := model.Part{Data: data, Filename: filename}
		part.ContentType, _, _ = header.ContentType()
		part.ContentID = contentID(header.Get("Content-Id"))
		part.Disposition = disposition(header.Get("Content-Disposition"))
		if disp, params, err := header.ContentDisposition(); err == nil && disp != "" {
			part.Disposition = disposition(disp)
			if part.Filename == "" {
				part.Filename = params["filename"]
			}
		}
		if part.Filename == "" {
			_, params, _ := header.ContentType()
			part.Filename = params["name"]
		}
		part.ContentType = strings.ToLower(part.ContentType)

		switch {
		case part.Disposition != model.DispositionAttachment && part.ContentType == "text/html" && msg.HTMLBody == "":
			msg.HTMLBody = string(data)
		case part.Disposition != model.DispositionAttachment && part.ContentType == "text/plain" && msg.TextBody == "":
			msg.TextBody = string(data)
		}

		msg.Parts = append(msg.Parts, part)
	}

	return msg, nil
}

// MessageID returns the Message-Id header without angle brackets.
func MessageID(raw []byte) string {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return ""
	}
	defer mr.Close()
	id, err := mr.Header.MessageID()
	if err != nil {
		return strings.Trim(strings.TrimSpace(mr.Header.Get("Message-Id")), "<>")
	}
	return id
}

// Age reports how old the message is relative to now. A zero ReceivedAt has age zero.
func Age(msg model.Message, now time.Time) time.Duration {
	if msg.ReceivedAt.IsZero() {
		return 0
	}
	return now.Sub(msg.ReceivedAt)
}

func contentID(v string) string {
	return strings.Trim(strings.TrimSpace(v), "<>")
}

func disposition(v string) model.Disposition {
	v = strings.ToLower(strings.TrimSpace(v))
	switch {
	case strings.HasPrefix(v, "attachment"):
		return model.DispositionAttachment
	case strings.HasPrefix(v, "inline"):
		return model.DispositionInline
	default:
		return model.DispositionNone
	}
}
