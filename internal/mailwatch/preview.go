package mailwatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/tallow/seneschal/internal/markup"
)

const (
	// maxRawMessageSize caps how much of the RFC822 literal is buffered
	// when fetching a preview. The rest is drained to keep the IMAP
	// stream in sync.
	maxRawMessageSize = 1 * 1024 * 1024

	// previewRunes is the maximum preview length included in a trigger.
	previewRunes = 140
)

// Preview fetches the body of a single message and returns a short
// plain-text snippet. The fetch peeks: surfacing a preview is not
// reading, so the message keeps its unseen flag.
func (c *Client) Preview(ctx context.Context, uid uint32) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conn, _, err := c.openFolder()
	if err != nil {
		return "", err
	}

	var uidSet imap.UIDSet
	uidSet.AddNum(imap.UID(uid))

	fetch := conn.Fetch(uidSet, &imap.FetchOptions{
		UID: true,
		BodySection: []*imap.FetchItemBodySection{
			{Peek: true},
		},
	})

	msg := fetch.Next()
	if msg == nil {
		_ = fetch.Close()
		return "", fmt.Errorf("message uid %d not found in %s", uid, c.cfg.Folder)
	}

	var raw []byte
	for item := msg.Next(); item != nil; item = msg.Next() {
		data, ok := item.(imapclient.FetchItemDataBodySection)
		if !ok || data.Literal == nil {
			continue
		}
		var readErr error
		raw, readErr = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
		_, _ = io.Copy(io.Discard, data.Literal)
		if readErr != nil {
			c.logger.Debug("error reading body literal", "uid", uid, "error", readErr)
			raw = nil
		}
	}

	if err := fetch.Close(); err != nil {
		return "", fmt.Errorf("fetch uid %d: %w", uid, err)
	}
	if raw == nil {
		return "", nil
	}

	text, err := extractText(bytes.NewReader(raw))
	if err != nil {
		c.logger.Debug("body parse error", "uid", uid, "error", err)
		return "", nil
	}
	return snippet(text, previewRunes), nil
}

// hardErr reports whether a go-message error should abort parsing.
// Unknown-charset errors come with a usable reader; slightly garbled
// text still makes a preview.
func hardErr(err error) bool {
	return err != nil && !message.IsUnknownCharset(err)
}

// extractText walks the MIME structure and returns the first text/plain
// part, falling back to stripped text/html.
func extractText(r io.Reader) (string, error) {
	mr, err := mail.CreateReader(r)
	if hardErr(err) {
		return "", fmt.Errorf("create mail reader: %w", err)
	}
	if mr == nil {
		return "", fmt.Errorf("create mail reader returned nil: %w", err)
	}

	var htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if hardErr(err) {
			return "", fmt.Errorf("next part: %w", err)
		}
		if part == nil {
			continue
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()

		switch contentType {
		case "text/plain":
			body, err := io.ReadAll(io.LimitReader(part.Body, maxRawMessageSize))
			if err != nil {
				continue
			}
			return strings.TrimSpace(string(body)), nil
		case "text/html":
			if htmlBody == "" {
				body, err := io.ReadAll(io.LimitReader(part.Body, maxRawMessageSize))
				if err != nil {
					continue
				}
				htmlBody = string(body)
			}
		}
	}

	if htmlBody != "" {
		return markup.HTMLToText(htmlBody), nil
	}
	return "", nil
}

// snippet collapses whitespace and truncates to at most max runes,
// appending an ellipsis when the text was cut.
func snippet(text string, max int) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= max {
		return collapsed
	}
	return strings.TrimSpace(string(runes[:max])) + "..."
}
