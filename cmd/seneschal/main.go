// Seneschal is a proactive personal assistant daemon.
//
// It watches calendars, mail, code forges, and a task list for things
// worth surfacing, and pushes them through a messaging gateway under a
// strict interruption budget. Inbound chat messages are parsed as
// commands or handed to an LLM planner whose tool calls run under
// supervision. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	seneschal serve                  Start the assistant
//	seneschal init [dir]             Write a starter config file
//	seneschal send <to> <text>       Send a chat message through the gateway
//	seneschal pair                   Show the gateway pairing QR code
//	seneschal status                 Show mode, budget, and open request
//	seneschal contacts import <vcf>  Import contacts from a vCard file
//	seneschal token hash [token]     Print a bcrypt hash for the API token
//	seneschal version                Print version and build information
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/tallow/seneschal/internal/buildinfo"
	"github.com/tallow/seneschal/internal/config"
	"github.com/tallow/seneschal/internal/paths"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver for the state database
)

// main converts the process environment (argv, stdio, a background
// context) into a [run] call and an exit status. Everything testable
// lives behind run.
func main() {
	if err := run(context.Background(), os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cmdline is the parsed command line: the global flags, one command
// word, and whatever trailing arguments belong to that command.
type cmdline struct {
	configPath string
	output     string // "text" or "json"
	help       bool
	command    string
	rest       []string
}

// parseArgs scans argv by hand. The flag package keeps its state in
// package-level globals (flag.CommandLine), which rules out calling
// run concurrently from tests, and the surface here is small: two
// value flags in both "-flag value" and "-flag=value" spellings, help,
// one command word, and trailing command arguments. Flags are
// recognized anywhere on the line. A dashed argument that is not a
// known flag is an error before the command word and a command
// argument after it, so subcommands can carry their own options.
func parseArgs(args []string) (cmdline, error) {
	cl := cmdline{output: "text"}

	for len(args) > 0 {
		arg := args[0]
		args = args[1:]

		name, inline, hasInline := strings.Cut(arg, "=")
		switch name {
		case "-config", "-o", "--output":
			val := inline
			if !hasInline {
				if len(args) == 0 {
					return cl, fmt.Errorf("flag %s needs a value", name)
				}
				val, args = args[0], args[1:]
			}
			if name == "-config" {
				cl.configPath = val
			} else {
				cl.output = val
			}
		case "-h", "-help", "--help":
			cl.help = true
		default:
			switch {
			case cl.command != "":
				cl.rest = append(cl.rest, arg)
			case strings.HasPrefix(arg, "-"):
				return cl, fmt.Errorf("unknown flag: %s", arg)
			default:
				cl.command = arg
			}
		}
	}

	if cl.output != "text" && cl.output != "json" {
		return cl, fmt.Errorf("unknown output format: %q (expected text or json)", cl.output)
	}
	return cl, nil
}

// run is the real entry point for the seneschal command. OS-level
// dependencies come in as parameters: ctx bounds the process lifetime
// (cancelling it drains servers and background goroutines), stdout
// carries command output, stderr carries structured logs so that
// piping stdout never mixes logs into the data stream, and args is
// os.Args[1:]. run returns nil on clean shutdown; the caller prints
// anything else and sets the exit status.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	cl, err := parseArgs(args)
	if err != nil {
		return err
	}
	if cl.help || cl.command == "" {
		return printUsage(stdout)
	}

	switch cl.command {
	case "serve":
		return runServe(ctx, stdout, stderr, cl.configPath)
	case "init":
		dir := "."
		if len(cl.rest) > 0 {
			dir = cl.rest[0]
		}
		return runInit(stdout, dir)
	case "send":
		if len(cl.rest) < 2 {
			return fmt.Errorf("usage: seneschal send <to> <text>")
		}
		return runSend(ctx, stdout, stderr, cl.configPath, cl.rest[0], strings.Join(cl.rest[1:], " "))
	case "pair":
		return runPair(ctx, stdout, stderr, cl.configPath)
	case "status":
		return runStatus(ctx, stdout, stderr, cl.configPath, cl.output)
	case "contacts":
		if len(cl.rest) < 2 || cl.rest[0] != "import" {
			return fmt.Errorf("usage: seneschal contacts import <file.vcf>")
		}
		return runContactsImport(ctx, stdout, stderr, cl.configPath, cl.rest[1])
	case "token":
		if len(cl.rest) < 1 || cl.rest[0] != "hash" {
			return fmt.Errorf("usage: seneschal token hash [token]")
		}
		return runTokenHash(stdout, os.Stdin, cl.rest[1:])
	case "version":
		return runVersion(stdout, cl.output)
	default:
		return fmt.Errorf("unknown command: %s", cl.command)
	}
}

// versionFields is the print order for the text form of the version
// command. The uptime key is deliberately absent: it means something
// on the status endpoint of a running daemon, not on a fresh process.
var versionFields = []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()

	if outputFmt == "json" {
		out, err := json.MarshalIndent(info, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(out))
		return err
	}

	fmt.Fprintln(w, buildinfo.String())
	for _, key := range versionFields {
		if val := info[key]; val != "" {
			fmt.Fprintf(w, "  %-12s %s\n", key+":", val)
		}
	}
	return nil
}

const usageText = `Seneschal - Proactive Personal Assistant

Usage: seneschal [flags] <command> [args]

Commands:
  serve                  Start the assistant
  init [dir]             Write a starter config file (default: .)
  send <to> <text>       Send a chat message through the gateway
  pair                   Show the gateway pairing QR code
  status                 Show mode, budget, and open request
  contacts import <vcf>  Import contacts from a vCard file
  token hash [token]     Print a bcrypt hash for the API token
  version                Show version information

Flags:
  -config <path>    Path to config file (default: auto-discover)
  -o, --output fmt  Output format: text (default) or json

Config search order:
  ./seneschal.yaml, ~/.config/seneschal/config.yaml, /etc/seneschal/config.yaml
`

// printUsage writes the top-level help text. It answers a bare
// "seneschal" as well as -h / --help.
func printUsage(w io.Writer) error {
	_, err := io.WriteString(w, usageText)
	return err
}

// newLogger builds the shared slog configuration for all subcommands:
// text format on the given writer, TRACE rendered by name.
func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}
	return slog.New(slog.NewTextHandler(w, opts))
}

// openStateDB opens the SQLite state database, creating its parent
// directory when missing. WAL journaling with a busy timeout lets the
// proactive tick, the command router, and the read API share one file.
func openStateDB(cfg *config.Config) (*sql.DB, error) {
	if err := paths.EnsureDir(filepath.Dir(cfg.StateDB)); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	db, err := sql.Open("sqlite3", cfg.StateDB+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", cfg.StateDB, err)
	}
	return db, nil
}

// loadConfig resolves and parses the YAML configuration. A non-empty
// explicit path wins; otherwise [config.FindConfig] walks the default
// search locations. A .env file in the working directory is loaded
// first so ${VAR} references in the YAML can resolve against it. The
// path that was actually loaded comes back for logging.
func loadConfig(explicit string) (*config.Config, string, error) {
	// A missing .env file is the normal case, not an error.
	_ = godotenv.Load()

	path, err := config.FindConfig(explicit)
	if err != nil {
		return nil, path, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}
