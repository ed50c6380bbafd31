package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/zalando/go-keyring"

	"github.com/jonathan/lead-pipeline/internal/types"
)

// KeyringService groups the pipeline's secrets in the OS keychain.
const KeyringService = "lead-pipeline"

// MailboxConfig configures the bounce mailbox poller.
type MailboxConfig struct {
	Addr           string        `json:"addr" yaml:"addr"`
	Username       string        `json:"username" yaml:"username"`
	Password       string        `json:"-" yaml:"-"`
	KeyringAccount string        `json:"keyring_account" yaml:"keyring_account"`
	Mailbox        string        `json:"mailbox" yaml:"mailbox"`
	MaxMessages    int           `json:"max_messages" yaml:"max_messages"`
	Interval       time.Duration `json:"interval" yaml:"interval"`
	TLSConfig      *tls.Config   `json:"-" yaml:"-"`
}

// Enabled reports whether a mailbox is configured.
func (c MailboxConfig) Enabled() bool {
	return c.Addr != "" && c.Username != ""
}

func (c MailboxConfig) withDefaults() MailboxConfig {
	if c.Mailbox == "" {
		c.Mailbox = "INBOX"
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 50
	}
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.KeyringAccount == "" {
		c.KeyringAccount = fmt.Sprintf("%s:imap:%s@%s", KeyringService, c.Username, c.Addr)
	}
	return c
}

// ResolvePassword returns the configured password, falling back to the OS keychain.
func ResolvePassword(cfg MailboxConfig) (string, error) {
	if strings.TrimSpace(cfg.Password) != "" {
		return cfg.Password, nil
	}
	cfg = cfg.withDefaults()
	pw, err := keyring.Get(KeyringService, cfg.KeyringAccount)
	if err == nil && strings.TrimSpace(pw) != "" {
		return pw, nil
	}
	return "", errors.New("IMAP password not found (set it in the keychain or via env)")
}

// StorePassword saves the IMAP password in the OS keychain.
func StorePassword(cfg MailboxConfig, password string) error {
	if strings.TrimSpace(password) == "" {
		return errors.New("password is empty")
	}
	cfg = cfg.withDefaults()
	return keyring.Set(KeyringService, cfg.KeyringAccount, password)
}

// rawMail is one fetched message.
type rawMail struct {
	UID      imap.UID
	Received time.Time
	Raw      []byte
}

// mailbox is the slice of an IMAP session the poller needs.
type mailbox interface {
	FetchUnseen(ctx context.Context, max int) ([]rawMail, error)
	MarkSeen(uids []imap.UID) error
	Close()
}

// EventHandler receives parsed bounce events.
type EventHandler func(ctx context.Context, ev types.EngagementEvent) error

// BouncePoller reads delivery status notifications from a mailbox and
// reports them as bounced events.
type BouncePoller struct {
	cfg    MailboxConfig
	handle EventHandler
	dial   func(ctx context.Context) (mailbox, error)
}

// NewBouncePoller creates a poller that passes each bounce to handle.
func NewBouncePoller(cfg MailboxConfig, handle EventHandler) *BouncePoller {
	p := &BouncePoller{cfg: cfg.withDefaults(), handle: handle}
	p.dial = p.dialIMAP
	return p
}

// Run polls until ctx is cancelled.
func (p *BouncePoller) Run(ctx context.Context) {
	log.Printf("[bounce] polling %s/%s every %s", p.cfg.Addr, p.cfg.Mailbox, p.cfg.Interval)
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		if n, err := p.PollOnce(ctx); err != nil {
			log.Printf("[bounce] poll failed: %v", err)
		} else if n > 0 {
			log.Printf("[bounce] processed %d bounces", n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce processes the unseen messages currently in the mailbox and
// returns how many bounces were handled. Messages are marked seen once
// handled; a bounce whose handler fails stays unseen for the next poll.
func (p *BouncePoller) PollOnce(ctx context.Context) (int, error) {
	mb, err := p.dial(ctx)
	if err != nil {
		return 0, err
	}
	defer mb.Close()

	msgs, err := mb.FetchUnseen(ctx, p.cfg.MaxMessages)
	if err != nil {
		return 0, err
	}

	var seen []imap.UID
	handled := 0
	for _, m := range msgs {
		ev, ok := ParseBounce(m.Raw, m.Received)
		if !ok {
			seen = append(seen, m.UID)
			continue
		}
		if err := p.handle(ctx, *ev); err != nil {
			log.Printf("[bounce] failed to apply bounce for message %q lead %s: %v", ev.MessageID, ev.LeadID, err)
			continue
		}
		seen = append(seen, m.UID)
		handled++
	}

	if err := mb.MarkSeen(seen); err != nil {
		return handled, err
	}
	return handled, nil
}

type imapMailbox struct {
	c    *imapclient.Client
	stop chan struct{}
}

func (p *BouncePoller) dialIMAP(ctx context.Context) (mailbox, error) {
	password, err := ResolvePassword(p.cfg)
	if err != nil {
		return nil, err
	}
	tlsCfg := p.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c, err := imapclient.DialTLS(p.cfg.Addr, &imapclient.Options{TLSConfig: tlsCfg})
	if err != nil {
		return nil, fmt.Errorf("imap dial tls: %w", err)
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()

	if err := c.Login(p.cfg.Username, password).Wait(); err != nil {
		close(stop)
		_ = c.Close()
		return nil, fmt.Errorf("imap login: %w", err)
	}
	if _, err := c.Select(p.cfg.Mailbox, nil).Wait(); err != nil {
		close(stop)
		_ = c.Close()
		return nil, fmt.Errorf("imap select %s: %w", p.cfg.Mailbox, err)
	}
	return &imapMailbox{c: c, stop: stop}, nil
}

// FetchUnseen reads up to max unseen messages without setting \Seen.
func (m *imapMailbox) FetchUnseen(ctx context.Context, max int) ([]rawMail, error) {
	searchData, err := m.c.UIDSearch(&imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("imap uid search unseen: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}
	if len(uids) > max {
		uids = uids[:max]
	}

	bodyAll := &imap.FetchItemBodySection{Specifier: imap.PartSpecifierNone, Peek: true}
	fetchCmd := m.c.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodyAll},
	})
	defer func() { _ = fetchCmd.Close() }()

	out := make([]rawMail, 0, len(uids))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil {
			return nil, fmt.Errorf("imap fetch collect: %w", err)
		}
		rm := rawMail{UID: buf.UID, Received: buf.InternalDate}
		if b := buf.FindBodySection(bodyAll); b != nil {
			rm.Raw = append([]byte(nil), b...)
		}
		out = append(out, rm)
	}

	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("imap fetch close: %w", err)
	}
	return out, nil
}

// MarkSeen sets \Seen on the given messages.
func (m *imapMailbox) MarkSeen(uids []imap.UID) error {
	if len(uids) == 0 {
		return nil
	}
	cmd := m.c.Store(imap.UIDSetNum(uids...), &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagSeen},
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imap store add seen: %w", err)
	}
	return nil
}

// Close logs out and closes the connection.
func (m *imapMailbox) Close() {
	close(m.stop)
	if err := m.c.Logout().Wait(); err != nil {
		log.Printf("[bounce] imap logout: %v", err)
	}
	_ = m.c.Close()
}
