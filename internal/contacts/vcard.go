package contacts

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-vcard"
)

// ImportResult summarizes one vCard import run.
type ImportResult struct {
	Created int
	Updated int
	Skipped int // cards without a usable name
	Facts   int // extra attributes newly recorded
}

// ImportVCards reads a vCard stream (a .vcf export from a phone or a
// CardDAV server) and merges each card into the store. Matching is by
// name: existing contacts gain missing phone/email/chat id fields but
// never lose what they have, so a re-import is harmless. Attributes
// beyond the contact columns (extra numbers and addresses, org, title,
// birthday) land in the facts table.
func (s *Store) ImportVCards(r io.Reader, now time.Time) (ImportResult, error) {
	var res ImportResult
	dec := vcard.NewDecoder(r)
	for {
		card, err := dec.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return res, fmt.Errorf("decode vcard: %w", err)
		}

		name := strings.TrimSpace(card.PreferredValue(vcard.FieldFormattedName))
		if name == "" {
			res.Skipped++
			continue
		}
		phone := strings.TrimSpace(card.PreferredValue(vcard.FieldTelephone))
		email := strings.TrimSpace(card.PreferredValue(vcard.FieldEmail))

		existing, err := s.FindByName(name)
		if err != nil {
			return res, err
		}
		merged := existing
		if existing == nil {
			merged = &Contact{
				Name:   name,
				Phone:  phone,
				Email:  email,
				ChatID: NormalizeChatID(phone),
			}
			if err := s.Save(merged, now); err != nil {
				return res, fmt.Errorf("import %q: %w", name, err)
			}
			res.Created++
		} else {
			changed := false
			if existing.Phone == "" && phone != "" {
				existing.Phone = phone
				changed = true
			}
			if existing.Email == "" && email != "" {
				existing.Email = email
				changed = true
			}
			if existing.ChatID == "" {
				if chatID := NormalizeChatID(existing.Phone); chatID != "" {
					existing.ChatID = chatID
					changed = true
				}
			}
			if changed {
				if err := s.Save(existing, now); err != nil {
					return res, fmt.Errorf("import %q: %w", name, err)
				}
				res.Updated++
			} else {
				res.Skipped++
			}
		}

		n, err := s.recordCardFacts(merged, card, now)
		if err != nil {
			return res, fmt.Errorf("import %q: %w", name, err)
		}
		res.Facts += n
	}
	s.logger.Info("vcard import finished", "created", res.Created,
		"updated", res.Updated, "skipped", res.Skipped, "facts", res.Facts)
	return res, nil
}

// cardFactFields maps vCard properties to fact keys. Multi-valued
// properties contribute every value; the ones already stored on the
// contact row are filtered out in recordCardFacts.
var cardFactFields = []struct {
	field string
	key   string
}{
	{vcard.FieldTelephone, "phone"},
	{vcard.FieldEmail, "email"},
	{vcard.FieldOrganization, "org"},
	{vcard.FieldTitle, "title"},
	{vcard.FieldBirthday, "birthday"},
}

func (s *Store) recordCardFacts(c *Contact, card vcard.Card, now time.Time) (int, error) {
	onRow := map[string]string{"phone": c.Phone, "email": c.Email}
	var recorded int
	for _, ff := range cardFactFields {
		for _, v := range card.Values(ff.field) {
			v = strings.TrimSpace(v)
			if v == "" || v == onRow[ff.key] {
				continue
			}
			added, err := s.SetFact(c.ID, ff.key, v, now)
			if err != nil {
				return recorded, err
			}
			if added {
				recorded++
			}
		}
	}
	return recorded, nil
}
