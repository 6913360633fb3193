package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/tallow/seneschal/internal/autonomy"
	"github.com/tallow/seneschal/internal/contacts"
	"github.com/tallow/seneschal/internal/digest"
	"github.com/tallow/seneschal/internal/events"
	"github.com/tallow/seneschal/internal/gateway"
	"github.com/tallow/seneschal/internal/governor"
	"github.com/tallow/seneschal/internal/request"
	"github.com/tallow/seneschal/internal/settings"
	"github.com/tallow/seneschal/internal/throttle"
)

// runSend handles "seneschal send <to> <text>". The recipient may be a
// literal chat id or a contact name resolved from the state database.
// Useful for verifying the gateway link without starting the daemon.
func runSend(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, to, text string) error {
	logger := newLogger(stderr, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	chatID := to
	if strings.Contains(to, "@") {
		chatID = contacts.NormalizeChatID(to)
	} else {
		db, err := openStateDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		store, err := contacts.NewStore(db, logger)
		if err != nil {
			return err
		}
		chatID, err = store.ChatIDFor(to)
		if err != nil {
			return err
		}
		if chatID == "" {
			return fmt.Errorf("no contact named %q (pass a chat id instead)", to)
		}
	}

	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.URL,
		APIKey:  cfg.Gateway.APIKey,
		Session: cfg.Gateway.Session,
	}, events.New(), logger)

	if err := gw.SendText(ctx, chatID, text); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "sent to %s\n", chatID)
	return nil
}

// runPair handles "seneschal pair". If the gateway session is already
// linked it says so; otherwise it fetches the pairing payload and
// renders it as a QR code for the messaging app to scan.
func runPair(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stderr, slog.LevelWarn)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.URL,
		APIKey:  cfg.Gateway.APIKey,
		Session: cfg.Gateway.Session,
	}, events.New(), logger)

	status, err := gw.SessionStatus(ctx)
	if err != nil {
		return err
	}
	if status == gateway.StatusWorking {
		fmt.Fprintln(stdout, "session already paired")
		return nil
	}

	code, err := gw.PairingCode(ctx)
	if err != nil {
		return err
	}
	qr, err := gateway.QRTerminal(code)
	if err != nil {
		return err
	}

	fmt.Fprintf(stdout, "session status: %s\n\n", status)
	fmt.Fprint(stdout, qr)
	fmt.Fprintln(stdout, "Scan with the messaging app to link this session.")
	return nil
}

// runStatus handles "seneschal status". It reads the state database
// directly rather than calling the HTTP API: the config file stores
// only the bcrypt hash of the API token, so the CLI has nothing to
// authenticate with.
func runStatus(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	db, err := openStateDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	set, err := settings.NewStore(db)
	if err != nil {
		return err
	}
	gov, err := governor.New(db, set, loc, events.New())
	if err != nil {
		return err
	}
	th, err := throttle.New(db, set, loc)
	if err != nil {
		return err
	}
	reqs, err := request.NewStore(db)
	if err != nil {
		return err
	}
	auto, err := autonomy.NewManager(db)
	if err != nil {
		return err
	}
	dig := digest.New(th, reqs, set, loc)

	now := time.Now().In(loc)

	mode, err := gov.Status(now)
	if err != nil {
		return err
	}
	sent, err := th.SentToday(now)
	if err != nil {
		return err
	}
	limit, err := set.DailyRateLimit()
	if err != nil {
		return err
	}
	digestSent, err := dig.SentToday(now)
	if err != nil {
		return err
	}
	digestAt, err := set.DigestTime()
	if err != nil {
		return err
	}
	open, err := reqs.Open()
	if err != nil {
		return err
	}
	wins, err := auto.Active(now)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		// Same field names as the read API, so scripts can consume
		// either source.
		autoOut := make([]map[string]any, 0, len(wins))
		for _, w := range wins {
			autoOut = append(autoOut, map[string]any{"domain": w.Domain, "expires_at": w.ExpiresAt})
		}
		out := map[string]any{
			"mode":              map[string]any{"state": string(mode.State), "expires_at": mode.ExpiresAt},
			"quiet_hours":       mode.QuietHours,
			"strong_window":     mode.StrongWindow,
			"sent_today":        sent,
			"daily_rate_limit":  limit,
			"digest_sent_today": digestSent,
			"digest_time":       digestAt.String(),
			"autonomy":          autoOut,
		}
		if open != nil {
			out["open_request"] = map[string]any{
				"id":       open.ID,
				"kind":     open.Kind,
				"question": open.Question,
			}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	modeLine := string(mode.State)
	if mode.ExpiresAt != nil {
		modeLine += " (until " + mode.ExpiresAt.In(loc).Format("15:04") + ")"
	}
	digestLine := "pending (at " + digestAt.String() + ")"
	if digestSent {
		digestLine = "sent"
	}
	requestLine := "none"
	if open != nil {
		requestLine = fmt.Sprintf("%s: %s", open.Kind, open.Question)
	}
	autonomyLine := "none"
	if len(wins) > 0 {
		parts := make([]string, 0, len(wins))
		for _, w := range wins {
			parts = append(parts, fmt.Sprintf("%s until %s", w.Domain, w.ExpiresAt.In(loc).Format("15:04")))
		}
		autonomyLine = strings.Join(parts, ", ")
	}

	fmt.Fprintf(stdout, "%-14s %s\n", "mode:", modeLine)
	fmt.Fprintf(stdout, "%-14s %s\n", "quiet hours:", yesNo(mode.QuietHours))
	fmt.Fprintf(stdout, "%-14s %s\n", "strong window:", yesNo(mode.StrongWindow))
	fmt.Fprintf(stdout, "%-14s %d of %d\n", "sent today:", sent, limit)
	fmt.Fprintf(stdout, "%-14s %s\n", "digest:", digestLine)
	fmt.Fprintf(stdout, "%-14s %s\n", "open request:", requestLine)
	fmt.Fprintf(stdout, "%-14s %s\n", "autonomy:", autonomyLine)
	return nil
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// runContactsImport handles "seneschal contacts import <file.vcf>".
func runContactsImport(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, path string) error {
	logger := newLogger(stderr, slog.LevelInfo)

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	db, err := openStateDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := contacts.NewStore(db, logger)
	if err != nil {
		return err
	}

	res, err := store.ImportVCards(f, time.Now())
	if err != nil {
		return fmt.Errorf("import %s: %w", path, err)
	}
	fmt.Fprintf(stdout, "imported %d contacts (%d updated, %d skipped, %d facts)\n",
		res.Created, res.Updated, res.Skipped, res.Facts)
	return nil
}

// runTokenHash handles "seneschal token hash [token]". With no
// argument the token is read from stdin, which keeps it out of shell
// history.
func runTokenHash(stdout io.Writer, stdin io.Reader, args []string) error {
	var token string
	if len(args) > 0 {
		token = args[0]
	} else {
		sc := bufio.NewScanner(stdin)
		if sc.Scan() {
			token = strings.TrimSpace(sc.Text())
		}
		if err := sc.Err(); err != nil {
			return err
		}
	}
	if token == "" {
		return fmt.Errorf("empty token")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, string(hash))
	fmt.Fprintln(stdout, "Set listen.token_hash to this value to protect the read API.")
	return nil
}
