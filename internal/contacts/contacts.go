// Package contacts stores the people Seneschal can message: their
// names, chat ids, and how recently they wrote. It also owns recipient
// resolution for proactive sends.
package contacts

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tallow/seneschal/internal/settings"
)

// ErrNoRecipient means no notify chat id is configured and no contact
// has ever been seen, so there is nowhere to send.
var ErrNoRecipient = errors.New("no recipient: notify_chat_id unset and no known contact")

// Contact is one person reachable over the gateway.
type Contact struct {
	ID        uuid.UUID
	Name      string
	ChatID    string
	Phone     string
	Email     string
	LastSeen  *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

const contactColumns = "id, name, chat_id, phone, email, last_seen, created_at, updated_at"

// Store manages contact persistence on the shared state database.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates the contact store and its tables.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger.With("component", "contacts")}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate contacts: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS contacts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			chat_id TEXT,
			phone TEXT,
			email TEXT,
			last_seen TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_contacts_name ON contacts(LOWER(name));
		CREATE INDEX IF NOT EXISTS idx_contacts_chat_id ON contacts(chat_id);
		CREATE INDEX IF NOT EXISTS idx_contacts_last_seen ON contacts(last_seen);

		CREATE TABLE IF NOT EXISTS contact_facts (
			contact_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			recorded_at TEXT NOT NULL,
			PRIMARY KEY (contact_id, key, value)
		);
	`)
	return err
}

// Save inserts the contact (assigning an id when missing) or updates it
// by id.
func (s *Store) Save(c *Contact, now time.Time) error {
	now = now.UTC()
	c.UpdatedAt = now
	if c.ID == uuid.Nil {
		c.ID = newID()
		c.CreatedAt = now
		_, err := s.db.Exec(`
			INSERT INTO contacts (`+contactColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID.String(), c.Name, c.ChatID, c.Phone, c.Email,
			nullTime(c.LastSeen), now.Format(time.RFC3339), now.Format(time.RFC3339))
		if err != nil {
			return fmt.Errorf("insert contact: %w", err)
		}
		return nil
	}
	_, err := s.db.Exec(`
		UPDATE contacts SET name = ?, chat_id = ?, phone = ?, email = ?, last_seen = ?, updated_at = ?
		WHERE id = ?
	`, c.Name, c.ChatID, c.Phone, c.Email, nullTime(c.LastSeen),
		now.Format(time.RFC3339), c.ID.String())
	if err != nil {
		return fmt.Errorf("update contact: %w", err)
	}
	return nil
}

// Get retrieves a contact by id. Returns nil when absent.
func (s *Store) Get(id uuid.UUID) (*Contact, error) {
	row := s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE id = ?`, id.String())
	return scanContact(row)
}

// FindByName finds a contact by case-insensitive exact name. Returns
// nil when absent.
func (s *Store) FindByName(name string) (*Contact, error) {
	row := s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE LOWER(name) = LOWER(?)`,
		strings.TrimSpace(name))
	return scanContact(row)
}

// FindByChatID finds a contact by exact chat id. Returns nil when
// absent.
func (s *Store) FindByChatID(chatID string) (*Contact, error) {
	row := s.db.QueryRow(
		`SELECT `+contactColumns+` FROM contacts WHERE chat_id = ?`, chatID)
	return scanContact(row)
}

// List returns all contacts ordered by name.
func (s *Store) List() ([]Contact, error) {
	rows, err := s.db.Query(`SELECT ` + contactColumns + ` FROM contacts ORDER BY LOWER(name)`)
	if err != nil {
		return nil, fmt.Errorf("list contacts: %w", err)
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// RecordSeen notes an inbound message from chatID at now, creating the
// contact if it is new. The name is only applied to new contacts;
// imported names win over gateway display names.
func (s *Store) RecordSeen(chatID, name string, now time.Time) error {
	if chatID == "" {
		return nil
	}
	c, err := s.FindByChatID(chatID)
	if err != nil {
		return err
	}
	seen := now.UTC()
	if c == nil {
		if name == "" {
			name = chatID
		}
		c = &Contact{Name: name, ChatID: chatID, LastSeen: &seen}
		if err := s.Save(c, now); err != nil {
			// A name collision means the chat id belongs to an imported
			// contact; attach it there instead.
			existing, ferr := s.FindByName(name)
			if ferr != nil || existing == nil {
				return err
			}
			existing.ChatID = chatID
			existing.LastSeen = &seen
			return s.Save(existing, now)
		}
		return nil
	}
	c.LastSeen = &seen
	return s.Save(c, now)
}

// LastSeenChatID returns the chat id of the most recently seen contact.
func (s *Store) LastSeenChatID() (string, error) {
	var chatID string
	err := s.db.QueryRow(`
		SELECT chat_id FROM contacts
		WHERE chat_id IS NOT NULL AND chat_id != '' AND last_seen IS NOT NULL
		ORDER BY last_seen DESC LIMIT 1
	`).Scan(&chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNoRecipient
	}
	if err != nil {
		return "", fmt.Errorf("last seen chat id: %w", err)
	}
	return chatID, nil
}

// ChatIDSource is the settings surface recipient resolution reads.
// Satisfied by *settings.Store.
type ChatIDSource interface {
	NotifyChatID() (string, error)
}

// ResolveRecipient picks where a proactive message goes: the configured
// notify chat id when set, otherwise the most recently seen contact.
func (s *Store) ResolveRecipient(cfg ChatIDSource) (string, error) {
	chatID, err := cfg.NotifyChatID()
	switch {
	case err == nil && chatID != "":
		return chatID, nil
	case err != nil && !errors.Is(err, settings.ErrMissing):
		return "", err
	}
	return s.LastSeenChatID()
}

// SetFact records a free-form attribute about a contact and reports
// whether it was new. A key may carry several values (two phone
// numbers, several emails); recording the same triple again is a
// no-op, so imports can repeat safely.
func (s *Store) SetFact(contactID uuid.UUID, key, value string, now time.Time) (bool, error) {
	key = strings.TrimSpace(key)
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return false, nil
	}
	result, err := s.db.Exec(`
		INSERT INTO contact_facts (contact_id, key, value, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (contact_id, key, value) DO NOTHING
	`, contactID.String(), key, value, now.UTC().Format(time.RFC3339))
	if err != nil {
		return false, fmt.Errorf("record fact %s: %w", key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Facts returns everything recorded about a contact, grouped by key in
// insertion order.
func (s *Store) Facts(contactID uuid.UUID) (map[string][]string, error) {
	rows, err := s.db.Query(`
		SELECT key, value FROM contact_facts
		WHERE contact_id = ? ORDER BY recorded_at, key
	`, contactID.String())
	if err != nil {
		return nil, fmt.Errorf("load facts: %w", err)
	}
	defer rows.Close()

	facts := make(map[string][]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		facts[k] = append(facts[k], v)
	}
	return facts, rows.Err()
}

// ChatIDFor resolves a named person to a sendable chat id: their stored
// chat id, one derived from their phone number, or failing those, one
// derived from any extra phone recorded as a fact. Empty when the
// contact is unknown or unreachable.
func (s *Store) ChatIDFor(name string) (string, error) {
	c, err := s.FindByName(name)
	if err != nil || c == nil {
		return "", err
	}
	if c.ChatID != "" {
		return c.ChatID, nil
	}
	if chatID := NormalizeChatID(c.Phone); chatID != "" {
		return chatID, nil
	}
	facts, err := s.Facts(c.ID)
	if err != nil {
		return "", err
	}
	for _, phone := range facts["phone"] {
		if chatID := NormalizeChatID(phone); chatID != "" {
			return chatID, nil
		}
	}
	return "", nil
}

// NormalizeChatID turns a bare phone number into a gateway chat id
// (digits + "@c.us"). Values already carrying a server suffix pass
// through unchanged; too-short numbers come back empty.
func NormalizeChatID(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.Contains(v, "@") {
		return v
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, v)
	if len(digits) < 10 {
		return ""
	}
	return digits + "@c.us"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*Contact, error) {
	var (
		c                    Contact
		id                   string
		chatID, phone, email sql.NullString
		lastSeen             sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&id, &c.Name, &chatID, &phone, &email, &lastSeen, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan contact: %w", err)
	}
	c.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("contact id %q: %w", id, err)
	}
	c.ChatID = chatID.String
	c.Phone = phone.String
	c.Email = email.String
	if lastSeen.Valid {
		t, err := time.Parse(time.RFC3339, lastSeen.String)
		if err != nil {
			return nil, fmt.Errorf("last_seen %q: %w", lastSeen.String, err)
		}
		c.LastSeen = &t
	}
	if c.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("created_at %q: %w", createdAt, err)
	}
	if c.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("updated_at %q: %w", updatedAt, err)
	}
	return &c, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

// newID returns a UUIDv7 (time-ordered), falling back to v4 if the
// system clock is unavailable.
func newID() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New()
	}
	return id
}
