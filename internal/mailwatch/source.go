package mailwatch

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/tallow/seneschal/internal/trigger"
)

// Store persists the per-folder high-water UID so a restart does not
// replay the whole inbox.
type Store struct {
	db *sql.DB
}

// NewStore creates the watermark store, creating its table if needed.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate mail watermarks: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS mail_watermarks (
		folder     TEXT PRIMARY KEY,
		last_uid   INTEGER NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// LastUID returns the stored watermark for a folder. The second return
// is false when the folder has never been seeded.
func (s *Store) LastUID(folder string) (uint32, bool, error) {
	var uid int64
	err := s.db.QueryRow(
		`SELECT last_uid FROM mail_watermarks WHERE folder = ?`, folder,
	).Scan(&uid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get watermark %s: %w", folder, err)
	}
	return uint32(uid), true, nil
}

// SetLastUID upserts the watermark for a folder.
func (s *Store) SetLastUID(folder string, uid uint32, now time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO mail_watermarks (folder, last_uid, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (folder) DO UPDATE
		 SET last_uid = excluded.last_uid, updated_at = excluded.updated_at`,
		folder, int64(uid), now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("set watermark %s: %w", folder, err)
	}
	return nil
}

// Lister is the slice of the IMAP client the source needs.
type Lister interface {
	Unseen(ctx context.Context, sinceUID uint32) ([]Envelope, error)
	HighestUID(ctx context.Context) (uint32, error)
	Preview(ctx context.Context, uid uint32) (string, error)
}

// VIPLister supplies the VIP sender list, lowercased. Satisfied by the
// settings store.
type VIPLister interface {
	VIPSenders() ([]string, error)
}

// Source turns new inbox mail into trigger candidates. Mail from a VIP
// sender is urgent, flagged mail is normal, and everything else is
// swallowed without a word.
type Source struct {
	client Lister
	marks  *Store
	vips   VIPLister
	folder string
	logger *slog.Logger
}

// NewSource creates a mail trigger source watching the given folder.
func NewSource(client Lister, marks *Store, vips VIPLister, folder string, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if folder == "" {
		folder = "INBOX"
	}
	return &Source{
		client: client,
		marks:  marks,
		vips:   vips,
		folder: folder,
		logger: logger.With("component", "mailwatch"),
	}
}

// Name identifies this source in tick logs.
func (s *Source) Name() string { return "mail" }

// Candidates returns triggers for new VIP or flagged mail since the
// stored watermark. The first call after a fresh database seeds the
// watermark at the mailbox's current highest UID and reports nothing,
// so deploying the watcher never floods the user with an old inbox.
func (s *Source) Candidates(ctx context.Context, now time.Time) ([]trigger.Trigger, error) {
	last, seeded, err := s.marks.LastUID(s.folder)
	if err != nil {
		return nil, err
	}

	if !seeded {
		uid, err := s.client.HighestUID(ctx)
		if err != nil {
			return nil, fmt.Errorf("seed watermark: %w", err)
		}
		if err := s.marks.SetLastUID(s.folder, uid, now); err != nil {
			return nil, err
		}
		s.logger.Info("mail watermark seeded", "folder", s.folder, "uid", uid)
		return nil, nil
	}

	msgs, err := s.client.Unseen(ctx, last)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	vips, err := s.vips.VIPSenders()
	if err != nil {
		return nil, err
	}

	var out []trigger.Trigger
	maxUID := last
	for _, env := range msgs {
		if env.UID > maxUID {
			maxUID = env.UID
		}

		var priority trigger.Priority
		switch {
		case vipMatch(env.Addr, vips):
			priority = trigger.PriorityUrgent
		case env.Flagged:
			priority = trigger.PriorityNormal
		default:
			continue
		}

		detail := env.Subject
		if priority == trigger.PriorityUrgent {
			// VIP mail earns a body peek so the interruption carries
			// enough to act on. Preview failures cost only the snippet.
			preview, err := s.client.Preview(ctx, env.UID)
			if err != nil {
				s.logger.Debug("mail preview failed", "uid", env.UID, "error", err)
			} else if preview != "" {
				detail = env.Subject + " - " + preview
			}
		}

		when := env.Date
		if when.IsZero() {
			when = now
		}
		out = append(out, trigger.Trigger{
			Kind:          trigger.KindMail,
			EntityID:      strconv.FormatUint(uint64(env.UID), 10),
			CandidateTime: when,
			Priority:      priority,
			Title:         "Mail from " + senderName(env),
			Detail:        detail,
		})
	}

	if maxUID > last {
		if err := s.marks.SetLastUID(s.folder, maxUID, now); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// vipMatch reports whether a lowercased sender address is on the VIP
// list. Entries starting with "@" match the whole domain.
func vipMatch(addr string, vips []string) bool {
	if addr == "" {
		return false
	}
	for _, vip := range vips {
		if vip == addr {
			return true
		}
		if strings.HasPrefix(vip, "@") && strings.HasSuffix(addr, vip) {
			return true
		}
	}
	return false
}

// senderName returns the display name from a formatted From header, or
// the bare address when no name was given.
func senderName(env Envelope) string {
	if i := strings.Index(env.From, " <"); i > 0 {
		return env.From[:i]
	}
	if env.From != "" {
		return env.From
	}
	return "unknown sender"
}
