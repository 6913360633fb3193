package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tallow/seneschal/internal/api"
	"github.com/tallow/seneschal/internal/autonomy"
	"github.com/tallow/seneschal/internal/buildinfo"
	"github.com/tallow/seneschal/internal/calendar"
	"github.com/tallow/seneschal/internal/commands"
	"github.com/tallow/seneschal/internal/config"
	"github.com/tallow/seneschal/internal/connwatch"
	"github.com/tallow/seneschal/internal/contacts"
	"github.com/tallow/seneschal/internal/digest"
	"github.com/tallow/seneschal/internal/events"
	"github.com/tallow/seneschal/internal/forge"
	"github.com/tallow/seneschal/internal/gateway"
	"github.com/tallow/seneschal/internal/governor"
	"github.com/tallow/seneschal/internal/httpkit"
	"github.com/tallow/seneschal/internal/mailwatch"
	"github.com/tallow/seneschal/internal/mqtt"
	"github.com/tallow/seneschal/internal/plan"
	"github.com/tallow/seneschal/internal/planner"
	"github.com/tallow/seneschal/internal/proactive"
	"github.com/tallow/seneschal/internal/request"
	"github.com/tallow/seneschal/internal/settings"
	"github.com/tallow/seneschal/internal/supervisor"
	"github.com/tallow/seneschal/internal/tasks"
	"github.com/tallow/seneschal/internal/throttle"
)

// runServe boots the daemon: stores, watchers, the proactive engine,
// the command router, and the read API. It blocks until the context is
// cancelled or the API server fails.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stderr, slog.LevelInfo)
	logger.Info("starting seneschal", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure the logger now that the desired level is known. The
	// initial Info-level logger covers only the startup banner.
	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger = newLogger(stderr, level)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"state_db", cfg.StateDB,
		"port", cfg.Listen.Port,
		"tick_interval", cfg.Proactive.TickInterval,
	)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	// SIGINT/SIGTERM cancel this ctx. Every component below hangs its
	// lifetime off it, so one cancellation reaches them all.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- State database ---
	// One SQLite file holds every table: settings, dispatch ledger,
	// mode, tasks, contacts, requests, autonomy windows, audit log,
	// and mail watermarks.
	db, err := openStateDB(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	// --- Event bus ---
	bus := events.New()

	// --- Stores ---
	set, err := settings.NewStore(db)
	if err != nil {
		return fmt.Errorf("settings store: %w", err)
	}
	th, err := throttle.New(db, set, loc)
	if err != nil {
		return fmt.Errorf("throttle: %w", err)
	}
	gov, err := governor.New(db, set, loc, bus)
	if err != nil {
		return fmt.Errorf("governor: %w", err)
	}
	reqStore, err := request.NewStore(db)
	if err != nil {
		return fmt.Errorf("request store: %w", err)
	}
	auto, err := autonomy.NewManager(db)
	if err != nil {
		return fmt.Errorf("autonomy manager: %w", err)
	}
	taskStore, err := tasks.NewStore(db)
	if err != nil {
		return fmt.Errorf("task store: %w", err)
	}
	contactStore, err := contacts.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("contact store: %w", err)
	}
	audit, err := supervisor.NewAuditStore(db)
	if err != nil {
		return fmt.Errorf("audit store: %w", err)
	}

	// --- Gateway ---
	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Gateway.URL,
		APIKey:  cfg.Gateway.APIKey,
		Session: cfg.Gateway.Session,
	}, bus, logger)

	// --- Planner ---
	plannerClient := planner.New(cfg.Planner.URL, cfg.Planner.APIKey, cfg.Planner.Model, logger)
	validator, err := plan.NewValidator()
	if err != nil {
		return fmt.Errorf("plan validator: %w", err)
	}

	// --- Connection resilience ---
	connMgr := connwatch.NewManager(bus, logger)
	defer connMgr.Stop()

	connMgr.Watch(ctx, connwatch.WatcherConfig{Name: "gateway", Probe: gw.Ping})
	connMgr.Watch(ctx, connwatch.WatcherConfig{Name: "planner", Probe: plannerClient.Ping})

	// --- Trigger sources ---
	// The task store is always on; calendar, mail, and forge join when
	// configured. A disabled integration costs nothing at tick time.
	sources := []proactive.Source{tasks.NewSource(taskStore, loc)}

	var calClient *calendar.Client
	if cfg.CalDAV.Enabled {
		calClient, err = calendar.New(calendar.Config{
			URL:         cfg.CalDAV.URL,
			Username:    cfg.CalDAV.Username,
			Password:    cfg.CalDAV.Password,
			InsecureTLS: cfg.CalDAV.InsecureTLS,
		}, loc, logger)
		if err != nil {
			return fmt.Errorf("caldav client: %w", err)
		}
		sources = append(sources, calendar.NewSource(calClient, loc))
		connMgr.Watch(ctx, connwatch.WatcherConfig{Name: "caldav", Probe: calClient.Ping})
		logger.Info("calendar watching enabled", "url", cfg.CalDAV.URL)
	}

	if cfg.Mail.Enabled {
		mailClient := mailwatch.NewClient(mailwatch.Config{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			TLS:      cfg.Mail.TLS,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
			Folder:   cfg.Mail.Folder,
		}, logger)
		defer mailClient.Close()

		marks, err := mailwatch.NewStore(db)
		if err != nil {
			return fmt.Errorf("mail watermarks: %w", err)
		}
		sources = append(sources, mailwatch.NewSource(mailClient, marks, set, cfg.Mail.Folder, logger))
		connMgr.Watch(ctx, connwatch.WatcherConfig{Name: "imap", Probe: mailClient.Ping})
		logger.Info("mail watching enabled", "host", cfg.Mail.Host, "folder", cfg.Mail.Folder)
	}

	if cfg.Forge.Enabled {
		forgeClient, err := forge.NewClient(
			httpkit.NewClient(
				httpkit.WithTimeout(15*time.Second),
				httpkit.WithLogger(logger),
				httpkit.WithUserAgent(buildinfo.UserAgent()),
			),
			cfg.Forge.Token, "", cfg.Forge.User, cfg.Forge.Repos, logger,
		)
		if err != nil {
			return fmt.Errorf("forge client: %w", err)
		}
		sources = append(sources, forge.NewSource(forgeClient))
		connMgr.Watch(ctx, connwatch.WatcherConfig{Name: "forge", Probe: forgeClient.Ping})
		logger.Info("forge watching enabled", "user", cfg.Forge.User)
	}

	// --- Supervisor and tools ---
	sup := supervisor.New(audit, auto, bus, logger)
	toolSpecs := registerTools(sup, toolDeps{
		gateway:  gw,
		calendar: calClientOrNil(calClient),
		tasks:    taskStore,
		contacts: contactStore,
		loc:      loc,
	})
	sup.EnableDomain("messaging")
	sup.EnableDomain("tasks")
	if cfg.CalDAV.Enabled {
		sup.EnableDomain("calendar")
	}

	// --- Digest and requests ---
	dig := digest.New(th, reqStore, set, loc)
	gen := request.NewGenerator(reqStore, set, th)

	// --- Command router ---
	router := commands.New(commands.Config{
		Governor:   gov,
		Autonomy:   auto,
		Tasks:      taskStore,
		Throttle:   th,
		Digest:     dig,
		Generator:  gen,
		Requests:   reqStore,
		Contacts:   contactStore,
		Settings:   set,
		Supervisor: sup,
		Validator:  validator,
		Planner:    plannerClient,
		Dispatcher: gw,
		Tools:      toolSpecs,
		Bus:        bus,
		Location:   loc,
		Logger:     logger,
	})

	// Evidence checkers close the loop between plan claims and reality.
	sup.RegisterEvidence("user_confirmed", router.ConfirmationChecker())
	sup.RegisterEvidence("contact_known", contactKnownChecker(contactStore))
	sup.RegisterEvidence("entity_exists", entityExistsChecker(taskStore))

	// --- Proactive engine ---
	engine := proactive.New(proactive.Config{
		Sources:    sources,
		Governor:   gov,
		Throttle:   th,
		Digest:     dig,
		Requests:   gen,
		Dispatcher: gw,
		Recipient: func() (string, error) {
			return contactStore.ResolveRecipient(set)
		},
		Bus:    bus,
		Logger: logger,
	})

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.EnsureInstanceID(filepath.Dir(cfg.StateDB))
		if err != nil {
			return fmt.Errorf("mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, &statusSourceAdapter{
			gov:   gov,
			th:    th,
			set:   set,
			reqs:  reqStore,
			dig:   dig,
			conns: connMgr,
		}, bus, logger)

		pub := mqttPub
		go func() {
			if err := pub.Start(ctx); err != nil && ctx.Err() == nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()
		connMgr.Watch(ctx, connwatch.WatcherConfig{Name: "mqtt", Probe: func(ctx context.Context) error {
			probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			return pub.AwaitConnection(probeCtx)
		}})
		logger.Info("mqtt publishing enabled", "broker", cfg.MQTT.BrokerURL, "prefix", cfg.MQTT.TopicPrefix)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- Read API server ---
	server := api.New(api.Config{
		Address:   cfg.Listen.Address,
		Port:      cfg.Listen.Port,
		TokenHash: cfg.Listen.TokenHash,
		Governor:  gov,
		Throttle:  th,
		Digest:    dig,
		Requests:  reqStore,
		Autonomy:  auto,
		Settings:  set,
		Conns:     connMgr,
		Logger:    logger,
	})

	// --- Schedules ---
	cronLog := &cronLogAdapter{logger: logger.With("component", "cron")}
	sched := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cronLog)),
	)
	if _, err := sched.AddFunc("@every "+cfg.Proactive.TickInterval.String(), func() {
		engine.Tick(ctx, time.Now().In(loc))
	}); err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	// Nightly maintenance trims the dispatch ledger and audit log.
	if _, err := sched.AddFunc("30 3 * * *", func() {
		cutoff := time.Now().AddDate(0, 0, -90)
		if n, err := th.Prune(cutoff); err != nil {
			logger.Error("dispatch prune failed", "error", err)
		} else if n > 0 {
			logger.Debug("dispatch ledger pruned", "rows", n)
		}
		if n, err := audit.Prune(cutoff); err != nil {
			logger.Error("audit prune failed", "error", err)
		} else if n > 0 {
			logger.Debug("audit log pruned", "rows", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule maintenance: %w", err)
	}
	sched.Start()

	// --- Background goroutines ---
	go func() {
		if err := gw.Listen(ctx); err != nil && ctx.Err() == nil {
			logger.Error("gateway stream ended", "error", err)
		}
	}()
	go router.Run(ctx)

	// --- Graceful shutdown ---
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish the MQTT offline status before disconnecting.
		if mqttPub != nil {
			offCtx, offCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offCancel()
			if err := mqttPub.Stop(offCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		// Wait for any in-flight tick before closing the server.
		<-sched.Stop().Done()
		_ = server.Shutdown(context.Background())
	}()

	// Start the read API server. This blocks until the server is shut
	// down (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("api server failed: %w", err)
		}
	}

	logger.Info("seneschal stopped")
	return nil
}

// calClientOrNil keeps a nil *calendar.Client from becoming a non-nil
// eventCreator interface inside toolDeps.
func calClientOrNil(c *calendar.Client) eventCreator {
	if c == nil {
		return nil
	}
	return c
}

// statusSourceAdapter assembles the MQTT status snapshot from the live
// stores.
type statusSourceAdapter struct {
	gov   *governor.Governor
	th    *throttle.Throttle
	set   *settings.Store
	reqs  *request.Store
	dig   *digest.Composer
	conns *connwatch.Manager
}

func (a *statusSourceAdapter) Status(now time.Time) (mqtt.Status, error) {
	mode, err := a.gov.Status(now)
	if err != nil {
		return mqtt.Status{}, err
	}
	sent, err := a.th.SentToday(now)
	if err != nil {
		return mqtt.Status{}, err
	}
	limit, err := a.set.DailyRateLimit()
	if err != nil {
		return mqtt.Status{}, err
	}
	open, err := a.reqs.Open()
	if err != nil {
		return mqtt.Status{}, err
	}
	digestSent, err := a.dig.SentToday(now)
	if err != nil {
		return mqtt.Status{}, err
	}

	down := 0
	for _, st := range a.conns.Status() {
		if !st.Ready {
			down++
		}
	}

	s := mqtt.Status{
		Mode:            string(mode.State),
		SentToday:       sent,
		DailyRateLimit:  limit,
		OpenRequest:     "none",
		Digest:          "pending",
		QuietHours:      mode.QuietHours,
		StrongWindow:    mode.StrongWindow,
		ConnectionsDown: down,
		UpdatedAt:       now.UTC().Format(time.RFC3339),
	}
	if open != nil {
		s.OpenRequest = open.Kind
	}
	if digestSent {
		s.Digest = "sent"
	}
	return s, nil
}

// cronLogAdapter bridges slog to the cron logger interface.
type cronLogAdapter struct {
	logger *slog.Logger
}

func (a *cronLogAdapter) Info(msg string, kv ...any) {
	a.logger.Info(msg, kv...)
}

func (a *cronLogAdapter) Error(err error, msg string, kv ...any) {
	a.logger.Error(msg, append(kv, "error", err)...)
}
