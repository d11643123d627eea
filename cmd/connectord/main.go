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
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/connector"
	"github.com/manorhq/manor/pkg/sdk"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("MANOR_CONNECTOR_CONFIG", "connector.yaml"), "path to connector.yaml")
	metricsAddr := flag.String("metrics-addr", envOr("MANOR_CONNECTOR_METRICS", ":8710"), "metrics/health listen address")
	flag.Parse()

	cfg, err := config.LoadConnector(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	source, err := connector.NewSource(cfg)
	if err != nil {
		log.Fatalf("Failed to build source: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := sdk.NewClient(sdk.Config{BaseURL: cfg.SwitchboardURL})
	counters := connector.NewCounters(prometheus.DefaultRegisterer)
	runtime := connector.NewRuntime(cfg, source, client, counters)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"connector_type":    cfg.ConnectorType,
			"endpoint_identity": cfg.EndpointIdentity,
			"state":             runtime.State(),
			"counters":          counters.Snapshot(),
		})
	})
	sidecar := &http.Server{
		Addr:        *metricsAddr,
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := sidecar.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("⚠️ metrics server: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sidecar.Shutdown(shutdownCtx)
	}()

	log.Printf("🚀 connector %s/%s reading %s → %s", cfg.ConnectorType, cfg.EndpointIdentity, source.Name(), cfg.SwitchboardURL)
	if err := runtime.Run(ctx); err != nil {
		log.Fatalf("Connector runtime failed: %v", err)
	}
	log.Println("Connector stopped")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
