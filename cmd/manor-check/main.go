package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/mcp"
	"github.com/manorhq/manor/internal/store"
)

type check struct {
	name string
	test func(ctx context.Context) error
}

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", envOr("MANOR_CONFIG", "switchboard.yaml"), "path to switchboard.yaml")
	switchboardURL := flag.String("url", envOr("MANOR_SELF_URL", "http://localhost:8700"), "switchboard base URL")
	flag.Parse()

	fmt.Println("\033[96mManor Pre-Flight Diagnostic\033[0m")
	fmt.Println("---------------------------------------------------------")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Printf("Cannot load %s: %v\n", *configPath, err)
		os.Exit(1)
	}

	checks := []check{
		{"Database", func(ctx context.Context) error {
			st, err := store.Open(ctx, cfg.Database.DSN)
			if err != nil {
				return err
			}
			return st.Close()
		}},
		{"Switchboard health", func(ctx context.Context) error {
			return probeHealth(ctx, *switchboardURL+"/healthz")
		}},
		{"Switchboard MCP", func(ctx context.Context) error {
			return probeMCP(ctx, *switchboardURL)
		}},
	}

	set := config.NewButlerSet()
	butlers, _ := set.Rescan(cfg.Switchboard.ButlersDir)
	for _, bc := range butlers {
		bc := bc
		checks = append(checks, check{
			"Butler " + bc.Name, func(ctx context.Context) error {
				if bc.EndpointURL == "" {
					return fmt.Errorf("no endpoint_url configured")
				}
				if err := probeHealth(ctx, bc.EndpointURL+"/healthz"); err != nil {
					return err
				}
				return probeMCP(ctx, bc.EndpointURL)
			},
		})
	}

	failed := 0
	for _, c := range checks {
		fmt.Printf("Checking %-28s ", c.name+"...")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.test(ctx)
		cancel()
		if err != nil {
			failed++
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Printf("  >> %v\n", err)
		} else {
			fmt.Println("\033[32m[OK]\033[0m")
		}
	}

	fmt.Println("---------------------------------------------------------")
	if failed > 0 {
		fmt.Printf("\033[31mStatus: %d check(s) failing.\033[0m\n", failed)
		os.Exit(1)
	}
	fmt.Println("\033[96mStatus: Manor ready for traffic.\033[0m")
}

func probeHealth(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned %d", url, resp.StatusCode)
	}
	return nil
}

// probeMCP performs a real initialize handshake and confirms the tool
// surface is non-empty.
func probeMCP(ctx context.Context, baseURL string) error {
	client := mcp.NewClient(baseURL, 10*time.Second)
	result, err := client.Initialize(ctx)
	if err != nil {
		return err
	}
	tools, err := client.ListTools(ctx)
	if err != nil {
		return err
	}
	if len(tools) == 0 {
		return fmt.Errorf("%s (%s) exposes no tools", result.ServerInfo.Name, result.ProtocolVersion)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
