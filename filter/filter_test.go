package filter

import (
	"testing"
	"time"

	"github.com/dhcgn/inbox-printer/model"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newFilter(t *testing.T, opts Options) *Filter {
	t.Helper()
	opts.Now = func() time.Time { return fixedNow }
	f, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return f
}

func TestFilter_SenderSubstring(t *testing.T) {
	f := newFilter(t, Options{AllowedSenders: []string{"steve@moretranz.com"}})

	msg := model.Message{From: "Steve <Steve@MoreTranz.com>", ReceivedAt: fixedNow}
	if !f.Allows(msg) {
		t.Error("Expected message to be allowed (sender matches)")
	}

	other := model.Message{From: "someone@else.com", ReceivedAt: fixedNow}
	if got := f.Check(other); got != ReasonSenderBlocked {
		t.Errorf("Check() = %q, want %q", got, ReasonSenderBlocked)
	}
}

func TestFilter_MaxAge(t *testing.T) {
	f := newFilter(t, Options{AllowedSenders: []string{"a@b.c"}, MaxAge: 10 * 24 * time.Hour})

	old := model.Message{From: "a@b.c", ReceivedAt: fixedNow.Add(-11 * 24 * time.Hour)}
	if got := f.Check(old); got != ReasonTooOld {
		t.Errorf("Check() = %q, want %q", got, ReasonTooOld)
	}

	fresh := model.Message{From: "a@b.c", ReceivedAt: fixedNow.Add(-time.Hour)}
	if !f.Allows(fresh) {
		t.Error("Expected fresh message to be allowed")
	}

	undated := model.Message{From: "a@b.c"}
	if !f.Allows(undated) {
		t.Error("Expected undated message to be allowed")
	}
}

func TestFilter_AgeCheckedBeforeSender(t *testing.T) {
	f := newFilter(t, Options{AllowedSenders: []string{"x@y.z"}, MaxAge: time.Hour})
	msg := model.Message{From: "nobody@example.com", ReceivedAt: fixedNow.Add(-2 * time.Hour)}
	if got := f.Check(msg); got != ReasonTooOld {
		t.Errorf("Check() = %q, want %q", got, ReasonTooOld)
	}
}

func TestFilter_NoSendersBlocksAll(t *testing.T) {
	tests := []struct {
		name    string
		senders []string
	}{
		{"nil", nil},
		{"empty", []string{}},
		{"blank entries", []string{"  ", ""}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFilter(t, Options{AllowedSenders: tt.senders})
			msg := model.Message{From: "random@stranger.example", ReceivedAt: fixedNow}
			if got := f.Check(msg); got != ReasonSenderBlocked {
				t.Errorf("Check() = %q, want %q", got, ReasonSenderBlocked)
			}
		})
	}
}

func TestNew_RejectsNegativeAge(t *testing.T) {
	if _, err := New(Options{MaxAge: -time.Second}); err == nil {
		t.Error("Expected error for negative max age")
	}
}
