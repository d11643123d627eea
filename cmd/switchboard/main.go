package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/manorhq/manor/internal/approvals"
	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/mcp"
	"github.com/manorhq/manor/internal/metrics"
	"github.com/manorhq/manor/internal/notify"
	"github.com/manorhq/manor/internal/registry"
	"github.com/manorhq/manor/internal/scheduler"
	"github.com/manorhq/manor/internal/session"
	"github.com/manorhq/manor/internal/stats"
	"github.com/manorhq/manor/internal/store"
	"github.com/manorhq/manor/internal/switchboard"
	"github.com/manorhq/manor/internal/triage"
	"github.com/manorhq/manor/pkg/jobs"
)

const version = "0.4.0"

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("MANOR_CONFIG", "switchboard.yaml"), "path to switchboard.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()
	if err := st.EnsureSwitchboardSchema(ctx); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}
	// The switchboard hosts its own sessions/state/schedule tables for
	// the classifier and housekeeping tasks.
	if err := st.EnsureButlerSchema(ctx, switchboard.SelfName); err != nil {
		log.Fatalf("Failed to ensure schema: %v", err)
	}

	m := metrics.NewMetrics(prometheus.DefaultRegisterer)
	eventBus := bus.NewBus()
	if cfg.Redis.URL != "" {
		redisClient, err := bus.OpenRedis(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("Failed to dial redis: %v", err)
		}
		mirror := bus.NewRedisMirror(redisClient, "", eventBus)
		mirror.Start(ctx)
		defer mirror.Stop()
	}

	inboxStore := store.NewInboxStore(st, cfg.ClockSkew())
	routingStore := store.NewRoutingStore(st)
	butlerStore := store.NewButlerRegistryStore(st)
	connectorStore := store.NewConnectorRegistryStore(st)
	statsStore := store.NewStatsStore(st)
	notificationStore := store.NewNotificationStore(st)
	approvalStore := store.NewApprovalStore(st)
	backfillStore := store.NewBackfillStore(st)

	sessionStore, err := store.NewSessionStore(st, switchboard.SelfName)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	stateStore, err := store.NewStateStore(st, switchboard.SelfName)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	scheduleStore, err := store.NewScheduleStore(st, switchboard.SelfName)
	if err != nil {
		log.Fatalf("Failed to open schedule store: %v", err)
	}

	registrySvc := registry.NewService(registry.Config{
		OnlineWithin:   time.Duration(cfg.Registry.OnlineWithinS) * time.Second,
		StaleWithin:    time.Duration(cfg.Registry.StaleWithinS) * time.Second,
		EligibilityTTL: time.Duration(cfg.Registry.EligibilityTTLS) * time.Second,
		SnapshotCache:  time.Duration(cfg.Registry.SnapshotCacheS) * time.Second,
	}, connectorStore, butlerStore, statsStore, eventBus, m)

	notifySvc := notify.NewService(cfg.Egress, cfg.Notifications, notificationStore, inboxStore, m, eventBus)
	defer notifySvc.Shutdown()

	svc := switchboard.NewService(switchboard.Deps{
		Config:   cfg,
		Inbox:    inboxStore,
		Routing:  routingStore,
		Butlers:  butlerStore,
		Registry: registrySvc,
		Triage:   triage.NewEngine(cfg.Triage.Rules, routingStore),
		Clients:  mcp.NewClientPool(5*time.Minute, cfg.RouteDeadline()),
		Notify:   notifySvc,
		Metrics:  m,
		Bus:      eventBus,
	})

	// The classifier runs as a single-worker spawner; each request's
	// start/done hooks pair the run with its classification record.
	endpoint := envOr("MANOR_SELF_URL", "http://127.0.0.1"+cfg.Server.ListenAddr)
	classifier := session.NewSpawner(switchboard.SelfName,
		&session.CLIRunner{
			Argv:        cfg.Classifier.Command,
			Model:       cfg.Classifier.Model,
			Butler:      switchboard.SelfName,
			MCPEndpoint: endpoint,
		},
		sessionStore, m, eventBus,
		session.Options{Workers: 1, Deadline: cfg.ClassifierDeadline()})
	svc.AttachClassifier(classifier)
	classifier.Start(ctx)
	defer classifier.Shutdown()

	jobRegistry := jobs.NewRegistry()
	if err := stats.NewRollups(statsStore, cfg.Registry).RegisterJobs(jobRegistry); err != nil {
		log.Fatalf("Failed to register stats jobs: %v", err)
	}
	jobRegistry.Register("registry.sweep_eligibility",
		"Demote connectors whose heartbeats went stale.",
		func(ctx context.Context, _ json.RawMessage) (string, error) {
			if err := registrySvc.SweepEligibility(ctx); err != nil {
				return "", err
			}
			return "swept", nil
		})

	sched := scheduler.New(switchboard.SelfName, time.UTC, scheduleStore, classifier, jobRegistry, m, eventBus, 30*time.Second)
	sched.EnsureSeeds(ctx, houseTasks())
	go sched.Run(ctx)

	discovery := switchboard.NewDiscovery(cfg.Switchboard.ButlersDir, config.NewButlerSet(), butlerStore, registrySvc, eventBus)
	if err := discovery.Run(ctx); err != nil {
		log.Printf("⚠️ initial butler discovery: %v", err)
	}
	go func() {
		if err := discovery.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Printf("⚠️ butler discovery watch stopped: %v", err)
		}
	}()

	mcpServer := mcp.NewServer(switchboard.SelfName, version, approvals.NewGate(approvalStore), m)
	mcp.RegisterCoreTools(mcpServer, mcp.CoreDeps{
		Butler:    switchboard.SelfName,
		State:     stateStore,
		Scheduler: sched,
		Tasks:     scheduleStore,
		Spawner:   classifier,
		Notify:    notifySvc,
	})
	svc.RegisterTools(mcpServer, discovery)

	httpSrv := switchboard.NewHTTPServer(svc, registrySvc, approvalStore, backfillStore, routingStore, mcpServer, eventBus, discovery)
	server := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // RPC calls may wait on a routed session
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("Received shutdown signal, shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	log.Printf("🚀 switchboard %s listening on %s (env=%s)", version, cfg.Server.ListenAddr, cfg.Server.Env)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}

// houseTasks are the switchboard's own maintenance schedule, seeded once
// and editable afterwards like any other task.
func houseTasks() []config.TaskSeed {
	return []config.TaskSeed{
		{Name: "stats-rollup-fanout", Spec: "5 * * * *", DispatchMode: "job", JobName: "stats.rollup_fanout"},
		{Name: "stats-prune", Spec: "30 3 * * *", DispatchMode: "job", JobName: "stats.prune"},
		{Name: "registry-sweep", Spec: "*/5 * * * *", DispatchMode: "job", JobName: "registry.sweep_eligibility"},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
