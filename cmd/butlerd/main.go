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

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manorhq/manor/internal/approvals"
	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/mcp"
	"github.com/manorhq/manor/internal/metrics"
	"github.com/manorhq/manor/internal/notify"
	"github.com/manorhq/manor/internal/scheduler"
	"github.com/manorhq/manor/internal/session"
	"github.com/manorhq/manor/internal/store"
	"github.com/manorhq/manor/pkg/jobs"
)

const version = "0.4.0"

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("MANOR_CONFIG", "switchboard.yaml"), "path to the shared switchboard.yaml")
	butlerPath := flag.String("butler", envOr("MANOR_BUTLER", "butler.toml"), "path to this butler's butler.toml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	bc, err := config.LoadButler(*butlerPath)
	if err != nil {
		log.Fatalf("Failed to load butler config: %v", err)
	}
	if bc.ListenAddr == "" {
		log.Fatalf("%s: listen_addr is required for a butler daemon", *butlerPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer st.Close()
	if err := st.EnsureButlerSchema(ctx, bc.Schema); err != nil {
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

	sessionStore, err := store.NewSessionStore(st, bc.Schema)
	if err != nil {
		log.Fatalf("Failed to open session store: %v", err)
	}
	stateStore, err := store.NewStateStore(st, bc.Schema)
	if err != nil {
		log.Fatalf("Failed to open state store: %v", err)
	}
	scheduleStore, err := store.NewScheduleStore(st, bc.Schema)
	if err != nil {
		log.Fatalf("Failed to open schedule store: %v", err)
	}

	// Notifications and approvals live in the switchboard schema; every
	// butler shares the same ledger and gate.
	inboxStore := store.NewInboxStore(st, cfg.ClockSkew())
	notificationStore := store.NewNotificationStore(st)
	approvalStore := store.NewApprovalStore(st)

	notifySvc := notify.NewService(cfg.Egress, cfg.Notifications, notificationStore, inboxStore, m, eventBus)
	defer notifySvc.Shutdown()

	endpoint := envOr("MANOR_SELF_URL", "http://127.0.0.1"+bc.ListenAddr)
	spawner := session.NewSpawner(bc.Name, &session.CLIRunner{
		Argv:        bc.CLI,
		Model:       bc.Model,
		Butler:      bc.Name,
		MCPEndpoint: endpoint,
		KillGrace:   bc.KillGrace(),
	}, sessionStore, m, eventBus, session.Options{
		Workers:      bc.MaxConcurrentSessions,
		QueueSize:    bc.QueueSize,
		Deadline:     bc.SessionDeadline(),
		SystemPrompt: bc.SystemPrompt,
		Skills:       bc.Skills,
	})
	spawner.Start(ctx)
	defer spawner.Shutdown()

	jobRegistry := jobs.NewRegistry()
	jobRegistry.Register("state.vacuum",
		"Drop state keys whose value is JSON null.",
		func(ctx context.Context, _ json.RawMessage) (string, error) {
			return stateStore.Vacuum(ctx)
		})

	sched := scheduler.New(bc.Name, bc.Location(), scheduleStore, spawner, jobRegistry, m, eventBus, 30*time.Second)
	sched.EnsureSeeds(ctx, bc.Tasks)
	go sched.Run(ctx)

	mcpServer := mcp.NewServer(bc.Name, version, approvals.NewGate(approvalStore), m)
	mcp.RegisterCoreTools(mcpServer, mcp.CoreDeps{
		Butler:    bc.Name,
		State:     stateStore,
		Scheduler: sched,
		Tasks:     scheduleStore,
		Spawner:   spawner,
		Notify:    notifySvc,
	})

	router := mux.NewRouter()
	router.Handle("/mcp", mcpServer).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/events", bus.SSEHandler(eventBus)).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "healthy",
			"butler":      bc.Name,
			"queue_depth": spawner.Depth(),
		})
	}).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         bc.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second, // trigger waits for queue admission
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

	log.Printf("🚀 butler %q %s listening on %s (schema=%s, tz=%s)", bc.Name, version, bc.ListenAddr, bc.Schema, bc.Timezone)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
	log.Println("Server stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
