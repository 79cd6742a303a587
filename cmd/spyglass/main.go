// Command spyglass maintains a live client-side replica of a backup
// orchestrator and renders views over it. It subscribes to the server's
// event stream, bootstraps from the bearings snapshot, and keeps the
// replica current until shut down.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/seabed/spyglass/internal/access"
	"github.com/seabed/spyglass/internal/api"
	"github.com/seabed/spyglass/internal/bus"
	"github.com/seabed/spyglass/internal/config"
	"github.com/seabed/spyglass/internal/dispatch"
	otelPkg "github.com/seabed/spyglass/internal/otel"
	"github.com/seabed/spyglass/internal/query"
	"github.com/seabed/spyglass/internal/session"
	"github.com/seabed/spyglass/internal/store"
	"github.com/seabed/spyglass/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

const liveTimeout = 30 * time.Second

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s [flags] <command>

COMMANDS:
  watch                       Subscribe and stream replica changes (default)
  status                      Connect, bootstrap, and print session details
  systems                     List protected systems with computed health
  jobs                        List backup jobs
  tasks                       List tasks
  archives                    List backup archives
  stores                      List storage endpoints
  agents                      List visible backup agents
  tenants                     List tenants
  plugins <capability>        List plugins offering a capability (store, target)

FLAGS:
`, os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SPYGLASS_TOKEN          Bearer token (overrides server.token in config)

EXAMPLES:
  Stream changes:         %s -config spyglass.yaml watch
  List jobs:              %s jobs
  Per-tenant systems:     %s -tenant <uuid> systems
`, os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	configPath := flag.String("config", "spyglass.yaml", "path to the config file")
	tenant := flag.String("tenant", "", "scope list commands to one tenant uuid")
	jsonLogs := flag.Bool("json-logs", false, "force JSON log output even on a terminal")
	version := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *version {
		fmt.Println("spyglass", Version)
		return
	}

	command := "watch"
	if args := flag.Args(); len(args) > 0 {
		command = strings.ToLower(strings.TrimSpace(args[0]))
	}
	if command == "help" {
		printUsage()
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spyglass: %v\n", err)
		os.Exit(1)
	}

	logger := telemetry.NewLogger(os.Stderr, cfg.LogLevel)
	if isatty.IsTerminal(os.Stderr.Fd()) && !*jsonLogs {
		logger = telemetry.NewTextLogger(os.Stderr, cfg.LogLevel)
	}

	provider, err := otelPkg.Init(ctx, cfg.Otel)
	if err != nil {
		logger.Error("otel init failed", "error", err)
		os.Exit(1)
	}
	defer provider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Error("metric setup failed", "error", err)
		os.Exit(1)
	}

	eventBus := bus.New()
	otelPkg.StartBridge(ctx, eventBus, metrics)

	app := newApp(cfg, *configPath, eventBus, logger, provider)
	os.Exit(app.run(ctx, command, flag.Args(), *tenant))
}

// app bundles one replica and its session. A config reload builds a
// fresh app on the same bus and swaps it in.
type app struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	provider   *otelPkg.Provider

	store   *store.Store
	grants  *access.Grants
	bus     *bus.Bus
	queries *query.Engine
	client  *api.Client
	session *session.Session
}

func newApp(cfg config.Config, configPath string, eventBus *bus.Bus, logger *slog.Logger, provider *otelPkg.Provider) *app {
	replica := store.New()
	grants := access.New()
	dispatcher := dispatch.New(replica, grants, eventBus, logger)

	client := api.New(cfg.Server.BaseURL,
		api.WithToken(cfg.Server.Token),
		api.WithLogger(logger),
		api.WithTracer(provider.Tracer),
		api.WithHooks(api.Hooks{
			OnUnauthenticated: func() { logger.Error("session is no longer authenticated; log in again") },
			OnForbidden:       func() { logger.Warn("access denied") },
			OnError:           func(e *api.Error) { logger.Warn("request failed", "status", e.Status, "message", e.Message) },
		}),
	)

	policy, _ := session.ParsePolicy(cfg.Session.ReconnectPolicy)
	sess := session.New(session.Config{
		EventsURL:    cfg.EventsURL(),
		BearingsPath: cfg.Server.BearingsPath,
		Token:        cfg.Server.Token,
		Policy:       policy,
		QueueSize:    cfg.Session.QueueSize,
	}, replica, grants, dispatcher, client, eventBus, logger)
	client.SetSessionID(sess.ID())

	return &app{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		provider:   provider,
		store:      replica,
		grants:     grants,
		bus:        eventBus,
		queries:    query.New(replica),
		client:     client,
		session:    sess,
	}
}

func (a *app) run(ctx context.Context, command string, args []string, tenant string) int {
	if err := a.session.Subscribe(ctx); err != nil {
		a.logger.Error("subscribe failed", "error", err)
		return 1
	}
	defer a.session.Close()

	if err := a.waitLive(ctx); err != nil {
		a.logger.Error("session never went live", "error", err)
		return 1
	}

	switch command {
	case "watch":
		return a.runWatch(ctx)
	case "status":
		return a.runStatus()
	case "systems":
		return a.print(a.queries.Systems(query.SystemFilter{Tenant: tenant}))
	case "jobs":
		return a.print(a.queries.Jobs(query.JobFilter{Tenant: tenant}))
	case "tasks":
		return a.print(a.queries.Tasks(query.TaskFilter{Tenant: tenant}))
	case "archives":
		return a.print(a.queries.Archives(query.ArchiveFilter{Tenant: tenant}))
	case "stores":
		return a.print(a.queries.Stores(query.StoreFilter{Tenant: tenant, Global: tenant == ""}))
	case "agents":
		return a.print(a.queries.Agents(query.AgentFilter{}))
	case "tenants":
		return a.print(a.queries.Tenants())
	case "plugins":
		capability := "store"
		if len(args) > 1 {
			capability = args[1]
		}
		return a.print(a.queries.Plugins(capability))
	default:
		fmt.Fprintf(os.Stderr, "spyglass: unknown command %q\n", command)
		printUsage()
		return 2
	}
}

// waitLive blocks until the session reaches Live, the session dies, or
// the timeout passes.
func (a *app) waitLive(ctx context.Context) error {
	deadline := time.Now().Add(liveTimeout)
	for {
		switch a.session.State() {
		case session.StateLive:
			return nil
		case session.StateClosed:
			return fmt.Errorf("session closed during startup")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for the session to go live")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (a *app) print(v any) int {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		a.logger.Error("encode output", "error", err)
		return 1
	}
	fmt.Println(string(out))
	return 0
}

func (a *app) runStatus() int {
	user := a.session.User()
	status := map[string]any{
		"session": a.session.ID(),
		"state":   a.session.State().String(),
		"user":    user.Name,
		"account": user.Account,
		"sysrole": a.grants.Role(),
		"locked":  a.grants.Locked(),
		"tenants": a.store.Count(store.KindTenant),
		"systems": a.store.Count(store.KindTarget),
		"jobs":    a.store.Count(store.KindJob),
	}
	if current := a.session.CurrentTenant(); current != nil {
		status["tenant"] = current.Str("name")
	}
	return a.print(status)
}

// runWatch streams replica changes to stdout until interrupted. The
// config file is watched too; an on-disk change tears the session down
// and brings it back up with the new settings.
func (a *app) runWatch(ctx context.Context) int {
	sub := a.bus.Subscribe("")
	defer a.bus.Unsubscribe(sub)

	watcher := config.NewWatcher(a.configPath, a.logger)
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watch unavailable", "error", err)
	}

	a.logger.Info("watching", "url", a.cfg.Server.BaseURL, "policy", a.cfg.Session.ReconnectPolicy)
	for {
		select {
		case <-ctx.Done():
			return 0

		case event, ok := <-sub.Ch():
			if !ok {
				return 0
			}
			a.printEvent(event)

		case reload, ok := <-watcher.Events():
			if !ok {
				continue
			}
			if err := a.reload(ctx, reload.Path); err != nil {
				a.logger.Error("reload failed; keeping old session", "error", err)
			}
		}
	}
}

func (a *app) printEvent(event bus.Event) {
	record := map[string]any{"topic": event.Topic}
	switch p := event.Payload.(type) {
	case bus.ObjectEvent:
		record["kind"] = p.Kind.String()
		record["uuid"] = p.UUID
	case bus.TaskLogEvent:
		record["uuid"] = p.UUID
		record["bytes"] = len(p.Tail)
	case bus.SessionStateEvent:
		record["state"] = p.State
	case bus.FrameDroppedEvent:
		record["event"] = p.Event
		record["reason"] = p.Reason
	}
	out, err := json.Marshal(record)
	if err != nil {
		return
	}
	fmt.Println(string(out))
}

// reload re-reads the config and swaps in a fresh session on the same
// bus. The replica is re-bootstrapped from scratch under the new
// settings.
func (a *app) reload(ctx context.Context, path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	a.logger.Info("config changed; resubscribing", "path", path)

	_ = a.session.Close()

	fresh := newApp(cfg, a.configPath, a.bus, a.logger, a.provider)
	*a = *fresh

	if err := a.session.Subscribe(ctx); err != nil {
		return err
	}
	return a.waitLive(ctx)
}
