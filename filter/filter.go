package filter

import (
	"fmt"
	"strings"
	"time"

	"github.com/dhcgn/inbox-printer/model"
)

// Reason explains why a message was rejected.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonTooOld        Reason = "too_old"
	ReasonSenderBlocked Reason = "sender_not_allowed"
)

// Options captures the qualification rules.
type Options struct {
	// AllowedSenders are matched as substrings of the From header.
	AllowedSenders []string
	// MaxAge rejects messages received longer ago than this. Zero disables the check.
	MaxAge time.Duration
	Now    func() time.Time
}

// Filter decides which messages enter the order pipeline.
type Filter struct {
	senders []string
	maxAge  time.Duration
	now     func() time.Time
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	if opts.MaxAge < 0 {
		return nil, fmt.Errorf("max age must not be negative")
	}

	senders := make([]string, 0, len(opts.AllowedSenders))
	for _, s := range opts.AllowedSenders {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		senders = append(senders, strings.ToLower(s))
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &Filter{senders: senders, maxAge: opts.MaxAge, now: now}, nil
}

// Check returns ReasonNone if the message qualifies. The age check runs first.
// An empty sender list blocks every sender.
func (f *Filter) Check(msg model.Message) Reason {
	if f.maxAge > 0 && !msg.ReceivedAt.IsZero() && f.now().Sub(msg.ReceivedAt) > f.maxAge {
		return ReasonTooOld
	}

	from := strings.ToLower(msg.From)
	for _, s := range f.senders {
		if strings.Contains(from, s) {
			return ReasonNone
		}
	}
	return ReasonSenderBlocked
}

// Allows returns true if the message passes the filter criteria.
func (f *Filter) Allows(msg model.Message) bool {
	return f.Check(msg) == ReasonNone
}
