package imap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string
	ProcessedLabel     string
	PollInterval       time.Duration
	RetryBackoff       time.Duration
	MaxRetries         int
}

func (o Options) mailbox() string {
	if o.Mailbox == "" {
		return "INBOX"
	}
	return o.Mailbox
}

// Session is the subset of an IMAP connection the poller needs. It is used
// from one goroutine at a time.
type Session interface {
	// Probe checks that the connection is still usable.
	Probe() error
	// Unseen selects the mailbox and returns its UIDVALIDITY and the UIDs of unread messages.
	Unseen() (uint32, []imapv2.UID, error)
	// Fetch returns the full message without setting \Seen.
	Fetch(uid imapv2.UID) ([]byte, time.Time, error)
	// MarkProcessed sets \Seen and applies the processed label.
	MarkProcessed(uid imapv2.UID) error
	Expunge() error
	Close() error
}

// Dialer opens a logged-in session.
type Dialer func(ctx context.Context, opts Options) (Session, error)

type clientSession struct {
	client  *imapclient.Client
	mailbox string
	label   string
	logger  *slog.Logger
}

// NewDialer returns a Dialer backed by go-imap.
func NewDialer(logger *slog.Logger) Dialer {
	return func(ctx context.Context, opts Options) (Session, error) {
		return Dial(ctx, opts, logger)
	}
}

// Dial connects, logs in and makes sure the processed label mailbox exists.
func Dial(ctx context.Context, opts Options, logger *slog.Logger) (Session, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(opts.Username, opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	s := &clientSession{
		client:  client,
		mailbox: opts.mailbox(),
		label:   opts.ProcessedLabel,
		logger:  logger,
	}

	if s.label != "" {
		if err := s.ensureMailbox(s.label); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	if logger != nil {
		logger.Debug("imap connection established", "address", address, "user", opts.Username, "mailbox", s.mailbox, "label", s.label, "tls", opts.UseTLS)
	}

	return s, nil
}

func (s *clientSession) Probe() error {
	if err := s.client.Noop().Wait(); err != nil {
		return fmt.Errorf("imap noop: %w", err)
	}
	return nil
}

func (s *clientSession) Unseen() (uint32, []imapv2.UID, error) {
	selected, err := s.client.Select(s.mailbox, nil).Wait()
	if err != nil {
		return 0, nil, fmt.Errorf("select %s: %w", s.mailbox, err)
	}

	criteria := &imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	}
	searchData, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return 0, nil, fmt.Errorf("search unseen: %w", err)
	}

	return selected.UIDValidity, searchData.AllUIDs(), nil
}

func (s *clientSession) Fetch(uid imapv2.UID) ([]byte, time.Time, error) {
	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{bodySection},
	}

	messages, err := s.client.Fetch(imapv2.UIDSetNum(uid), fetchOpts).Collect()
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if len(messages) == 0 {
		return nil, time.Time{}, fmt.Errorf("fetch uid %d: message not found", uid)
	}

	raw := messages[0].FindBodySection(bodySection)
	if raw == nil {
		return nil, time.Time{}, fmt.Errorf("fetch uid %d: empty body", uid)
	}
	return raw, messages[0].InternalDate, nil
}

func (s *clientSession) MarkProcessed(uid imapv2.UID) error {
	uidSet := imapv2.UIDSetNum(uid)

	storeCmd := s.client.Store(uidSet, &imapv2.StoreFlags{
		Op:     imapv2.StoreFlagsAdd,
		Silent: true,
		Flags:  []imapv2.Flag{imapv2.FlagSeen},
	}, nil)
	if err := storeCmd.Close(); err != nil {
		return fmt.Errorf("mark uid %d seen: %w", uid, err)
	}

	if s.label == "" {
		return nil
	}
	if _, err := s.client.Copy(uidSet, s.label).Wait(); err != nil {
		return fmt.Errorf("label uid %d as %s: %w", uid, s.label, err)
	}
	return nil
}

func (s *clientSession) Expunge() error {
	if err := s.client.Expunge().Close(); err != nil {
		return fmt.Errorf("expunge: %w", err)
	}
	return nil
}

func (s *clientSession) Close() error {
	if err := s.client.Logout().Wait(); err != nil && s.logger != nil {
		s.logger.Debug("imap logout failed", "err", err)
	}
	return s.client.Close()
}

func (s *clientSession) ensureMailbox(name string) error {
	cmd := s.client.Create(name, nil)
	if err := cmd.Wait(); err != nil {
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			if respErr.Code == imapv2.ResponseCodeAlreadyExists {
				if s.logger != nil {
					s.logger.Debug("imap mailbox already exists", "mailbox", name)
				}
				return nil
			}
		}
		return fmt.Errorf("ensure mailbox %s: %w", name, err)
	}

	if s.logger != nil {
		s.logger.Info("imap mailbox created", "mailbox", name)
	}

	return nil
}
