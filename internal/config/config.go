package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Switchboard   SwitchboardConfig   `yaml:"switchboard"`
	Classifier    ClassifierConfig    `yaml:"classifier"`
	Triage        TriageConfig        `yaml:"triage"`
	Registry      RegistryConfig      `yaml:"registry"`
	Egress        EgressConfig        `yaml:"egress"`
	Notifications NotificationsConfig `yaml:"notifications"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Env        string `yaml:"env"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"` // empty disables the redis event mirror
}

type SwitchboardConfig struct {
	DefaultButler       string `yaml:"default_butler"`
	ButlersDir          string `yaml:"butlers_dir"`
	MaxFanout           int    `yaml:"max_fanout"`
	ClockSkewS          int    `yaml:"clock_skew_s"`
	RouteDeadlineS      int    `yaml:"route_deadline_s"`
	ClassifierDeadlineS int    `yaml:"classifier_deadline_s"`
}

type ClassifierConfig struct {
	Command []string `yaml:"command"` // argv prefix of the LLM CLI, prompt appended
	Model   string   `yaml:"model"`
}

type TriageConfig struct {
	Rules []TriageRule `yaml:"rules"`
}

// TriageRule is one deterministic matcher. Rules run in config order,
// first match wins.
type TriageRule struct {
	ID      string `yaml:"id"`
	Type    string `yaml:"type"`    // sender_domain | sender_address | header_condition | label_match
	Pattern string `yaml:"pattern"` // domain, address, or header value depending on Type
	Match   string `yaml:"match"`   // sender_domain: exact | suffix (default exact)

	Header    string   `yaml:"header"`    // header_condition only
	Condition string   `yaml:"condition"` // header_condition: present | equals | contains
	Labels    []string `yaml:"labels"`    // label_match only

	Action string `yaml:"action"` // route_to | low_priority_queue | pass_through | metadata_only | skip
	Target string `yaml:"target"` // butler name for route_to / low_priority_queue
}

type RegistryConfig struct {
	OnlineWithinS    int `yaml:"online_within_s"`
	StaleWithinS     int `yaml:"stale_within_s"`
	EligibilityTTLS  int `yaml:"eligibility_ttl_s"`
	SnapshotCacheS   int `yaml:"snapshot_cache_s"`
	RollupIntervalS  int `yaml:"rollup_interval_s"`
	RetainAuditDays  int `yaml:"retain_audit_days"`
	RetainRoutingDays int `yaml:"retain_routing_days"`
}

type EgressConfig struct {
	Channels map[string]ChannelEgress `yaml:"channels"`
}

type ChannelEgress struct {
	WebhookURL       string `yaml:"webhook_url"`
	DefaultRecipient string `yaml:"default_recipient"`
}

type NotificationsConfig struct {
	Workers    int `yaml:"workers"`
	MaxRetries int `yaml:"max_retries"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	if err := cfg.ValidateTriage(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills every zero value with its documented default so the
// rest of the system never re-checks for zeroes.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8700"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Switchboard.DefaultButler == "" {
		c.Switchboard.DefaultButler = "general"
	}
	if c.Switchboard.ButlersDir == "" {
		c.Switchboard.ButlersDir = "./butlers.d"
	}
	if c.Switchboard.MaxFanout <= 0 {
		c.Switchboard.MaxFanout = 4
	}
	if c.Switchboard.ClockSkewS <= 0 {
		c.Switchboard.ClockSkewS = 300
	}
	if c.Switchboard.RouteDeadlineS <= 0 {
		c.Switchboard.RouteDeadlineS = 60
	}
	if c.Switchboard.ClassifierDeadlineS <= 0 {
		c.Switchboard.ClassifierDeadlineS = 180
	}
	if len(c.Classifier.Command) == 0 {
		c.Classifier.Command = []string{"claude", "-p"}
	}
	if c.Registry.OnlineWithinS <= 0 {
		c.Registry.OnlineWithinS = 300
	}
	if c.Registry.StaleWithinS <= 0 {
		c.Registry.StaleWithinS = 900
	}
	if c.Registry.EligibilityTTLS <= 0 {
		c.Registry.EligibilityTTLS = 900
	}
	if c.Registry.SnapshotCacheS <= 0 {
		c.Registry.SnapshotCacheS = 15
	}
	if c.Registry.RollupIntervalS <= 0 {
		c.Registry.RollupIntervalS = 3600
	}
	if c.Registry.RetainAuditDays <= 0 {
		c.Registry.RetainAuditDays = 90
	}
	if c.Registry.RetainRoutingDays <= 0 {
		c.Registry.RetainRoutingDays = 30
	}
	if c.Notifications.Workers <= 0 {
		c.Notifications.Workers = 2
	}
	if c.Notifications.MaxRetries <= 0 {
		c.Notifications.MaxRetries = 3
	}
}

// ValidateTriage rejects rules the engine could not evaluate. A broken
// rule table should fail startup, not silently pass everything through.
func (c *Config) ValidateTriage() error {
	for i, r := range c.Triage.Rules {
		if r.ID == "" {
			return fmt.Errorf("triage rule %d: id is required", i)
		}
		switch r.Type {
		case "sender_domain", "sender_address", "header_condition", "label_match":
		default:
			return fmt.Errorf("triage rule %s: unknown type %q", r.ID, r.Type)
		}
		switch r.Action {
		case "route_to", "low_priority_queue":
			if r.Target == "" {
				return fmt.Errorf("triage rule %s: action %s requires a target", r.ID, r.Action)
			}
		case "pass_through", "metadata_only", "skip":
		default:
			return fmt.Errorf("triage rule %s: unknown action %q", r.ID, r.Action)
		}
		if r.Type == "header_condition" {
			if r.Header == "" {
				return fmt.Errorf("triage rule %s: header_condition requires a header", r.ID)
			}
			switch r.Condition {
			case "present", "equals", "contains":
			default:
				return fmt.Errorf("triage rule %s: unknown condition %q", r.ID, r.Condition)
			}
		}
		if r.Type == "label_match" && len(r.Labels) == 0 {
			return fmt.Errorf("triage rule %s: label_match requires labels", r.ID)
		}
	}
	return nil
}

func (c *Config) ClockSkew() time.Duration { return time.Duration(c.Switchboard.ClockSkewS) * time.Second }

func (c *Config) RouteDeadline() time.Duration {
	return time.Duration(c.Switchboard.RouteDeadlineS) * time.Second
}

func (c *Config) ClassifierDeadline() time.Duration {
	return time.Duration(c.Switchboard.ClassifierDeadlineS) * time.Second
}
