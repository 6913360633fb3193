// Package mailwatch polls an IMAP inbox for mail that deserves an
// interruption. Only unseen messages from VIP senders or carrying the
// \Flagged flag become trigger candidates; everything else silently
// advances the high-water mark so it is never looked at again.
package mailwatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Config holds the IMAP account coordinates for the watched inbox.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string
	Folder   string // default INBOX
}

// Envelope is the metadata the watcher needs to judge a message. Bodies
// are never fetched.
type Envelope struct {
	UID     uint32
	Date    time.Time
	From    string // display form, "Name <addr>" or bare address
	Addr    string // bare sender address, lowercased
	Subject string
	Flagged bool
}

// Client wraps a single IMAP account. Sessions are dialed on first use
// and replaced when the server stops answering NOOP. A mutex serializes
// all IMAP traffic, so every method is goroutine-safe.
type Client struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	conn *imapclient.Client
}

// NewClient creates an IMAP client. Nothing is dialed until the first
// method call.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Folder == "" {
		cfg.Folder = "INBOX"
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	return &Client{cfg: cfg, logger: logger.With("component", "mailwatch")}
}

// session returns a live authenticated session, dialing a fresh one
// when there is none or the old one has gone stale. Caller must hold
// c.mu.
func (c *Client) session() (*imapclient.Client, error) {
	if c.conn != nil {
		if c.conn.Noop().Wait() == nil {
			return c.conn, nil
		}
		c.logger.Debug("imap session stale, redialing", "host", c.cfg.Host)
		_ = c.conn.Close()
		c.conn = nil
	}

	hostport := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
	dial := imapclient.DialInsecure
	var opts imapclient.Options
	if c.cfg.TLS {
		dial = imapclient.DialTLS
		opts.TLSConfig = &tls.Config{ServerName: c.cfg.Host}
	}

	c.logger.Debug("dialing imap", "addr", hostport, "tls", c.cfg.TLS)
	conn, err := dial(hostport, &opts)
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", hostport, err)
	}
	if err := conn.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("imap login as %s: %w", c.cfg.Username, err)
	}

	c.logger.Info("imap connected", "host", c.cfg.Host, "user", c.cfg.Username)
	c.conn = conn
	return conn, nil
}

// openFolder returns a live session with the watched mailbox selected.
// Caller must hold c.mu.
func (c *Client) openFolder() (*imapclient.Client, *imap.SelectData, error) {
	conn, err := c.session()
	if err != nil {
		return nil, nil, err
	}
	data, err := conn.Select(c.cfg.Folder, nil).Wait()
	if err != nil {
		return nil, nil, fmt.Errorf("select %s: %w", c.cfg.Folder, err)
	}
	return conn, data, nil
}

// Ping checks that the IMAP session is alive, redialing if needed.
func (c *Client) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.session()
	return err
}

// Close logs out and drops the session.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

// HighestUID returns the highest UID currently assigned in the watched
// folder, used to seed the watermark on first run. Returns 0 for an
// empty mailbox.
func (c *Client) HighestUID(ctx context.Context) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, data, err := c.openFolder()
	if err != nil {
		return 0, err
	}
	if data.UIDNext > 1 {
		return uint32(data.UIDNext) - 1, nil
	}
	return 0, nil
}

// Unseen returns unseen messages with UIDs strictly greater than
// sinceUID, oldest first. A sinceUID of 0 returns every unseen message
// in the folder.
func (c *Client) Unseen(ctx context.Context, sinceUID uint32) ([]Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := c.openFolder()
	if err != nil {
		return nil, err
	}

	criteria := &imap.SearchCriteria{NotFlag: []imap.Flag{imap.FlagSeen}}
	if sinceUID > 0 {
		newer := imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}
		criteria.UID = []imap.UIDSet{{newer}}
	}

	searchData, err := conn.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", c.cfg.Folder, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	var set imap.UIDSet
	for _, uid := range uids {
		set.AddNum(uid)
	}

	fetch := conn.Fetch(set, &imap.FetchOptions{UID: true, Envelope: true, Flags: true})

	var found []Envelope
	for msg := fetch.Next(); msg != nil; msg = fetch.Next() {
		env, ok := decodeFetch(msg)
		if !ok {
			c.logger.Debug("fetch response missing uid, skipped")
			continue
		}
		found = append(found, env)
	}
	if err := fetch.Close(); err != nil {
		return nil, fmt.Errorf("fetch envelopes: %w", err)
	}

	sort.Slice(found, func(i, j int) bool { return found[i].UID < found[j].UID })
	return found, nil
}

// decodeFetch folds IMAP fetch response items into an Envelope. The
// second result is false when the server never reported a UID.
func decodeFetch(msg *imapclient.FetchMessageData) (Envelope, bool) {
	var env Envelope
	for item := msg.Next(); item != nil; item = msg.Next() {
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			env.UID = uint32(data.UID)
		case imapclient.FetchItemDataFlags:
			env.Flagged = env.Flagged || slices.Contains(data.Flags, imap.FlagFlagged)
		case imapclient.FetchItemDataEnvelope:
			env.fill(data.Envelope)
		}
	}
	return env, env.UID != 0
}

// fill copies the fields the watcher cares about out of an IMAP
// envelope.
func (e *Envelope) fill(imapEnv *imap.Envelope) {
	if imapEnv == nil {
		return
	}
	e.Date = imapEnv.Date
	e.Subject = imapEnv.Subject
	if len(imapEnv.From) > 0 {
		from := imapEnv.From[0]
		e.Addr = strings.ToLower(from.Addr())
		e.From = renderAddress(from)
	}
}

// renderAddress gives the display form of an address, "Name <a@b>", or
// the bare address when no display name is set.
func renderAddress(a imap.Address) string {
	if a.Name == "" {
		return a.Addr()
	}
	return a.Name + " <" + a.Addr() + ">"
}
