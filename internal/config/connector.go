package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/manorhq/manor/internal/envelope"
)

// ConnectorConfig drives one connectord process.
type ConnectorConfig struct {
	ConnectorType    string `yaml:"connector_type"`
	EndpointIdentity string `yaml:"endpoint_identity"`
	Version          string `yaml:"version"`

	SwitchboardURL string `yaml:"switchboard_url"`
	CheckpointPath string `yaml:"checkpoint_path"`

	MaxInflight        int     `yaml:"max_inflight"`
	HeartbeatIntervalS int     `yaml:"heartbeat_interval_s"`
	SubmitDeadlineS    int     `yaml:"submit_deadline_s"`
	RatePerSecond      float64 `yaml:"rate_per_second"` // source API token bucket
	RateBurst          int     `yaml:"rate_burst"`
	BackfillEnabled    bool    `yaml:"backfill_enabled"`

	Source SourceConfig `yaml:"source"`
}

type SourceConfig struct {
	Kind string `yaml:"kind"` // spool | httppoll

	// spool
	Dir string `yaml:"dir"`

	// httppoll
	URL           string `yaml:"url"`
	PollIntervalS int    `yaml:"poll_interval_s"`
}

func LoadConnector(path string) (*ConnectorConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg ConnectorConfig
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if cfg.ConnectorType == "" || cfg.EndpointIdentity == "" {
		return nil, fmt.Errorf("%s: connector_type and endpoint_identity are required", path)
	}
	if cfg.SwitchboardURL == "" {
		return nil, fmt.Errorf("%s: switchboard_url is required", path)
	}
	switch cfg.Source.Kind {
	case "spool":
		if cfg.Source.Dir == "" {
			return nil, fmt.Errorf("%s: spool source needs a dir", path)
		}
	case "httppoll":
		if cfg.Source.URL == "" {
			return nil, fmt.Errorf("%s: httppoll source needs a url", path)
		}
	default:
		return nil, fmt.Errorf("%s: unknown source kind %q", path, cfg.Source.Kind)
	}
	return &cfg, nil
}

func (c *ConnectorConfig) applyDefaults() {
	if c.MaxInflight <= 0 {
		c.MaxInflight = 8
	}
	if c.SubmitDeadlineS <= 0 {
		c.SubmitDeadlineS = 30
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.CheckpointPath == "" {
		c.CheckpointPath = "./checkpoint.json"
	}
	if c.Source.PollIntervalS <= 0 {
		c.Source.PollIntervalS = 30
	}
}

// HeartbeatInterval returns the clamped cadence.
func (c *ConnectorConfig) HeartbeatInterval() time.Duration {
	return envelope.ClampHeartbeatInterval(time.Duration(c.HeartbeatIntervalS) * time.Second)
}

func (c *ConnectorConfig) SubmitDeadline() time.Duration {
	return time.Duration(c.SubmitDeadlineS) * time.Second
}
