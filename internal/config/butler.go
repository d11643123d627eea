package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// ButlerConfig is one butler.toml. Every butler daemon loads exactly one;
// the switchboard loads all of them during discovery.
type ButlerConfig struct {
	Name        string   `toml:"name"`
	Description string   `toml:"description"`
	ListenAddr  string   `toml:"listen_addr"`
	EndpointURL string   `toml:"endpoint_url"` // how the switchboard reaches the MCP server
	Schema      string   `toml:"schema"`
	Modules     []string `toml:"modules"`
	Timezone    string   `toml:"timezone"`

	MaxConcurrentSessions int      `toml:"max_concurrent_sessions"`
	QueueSize             int      `toml:"queue_size"`
	SessionDeadlineS      int      `toml:"session_deadline_s"`
	KillGraceS            int      `toml:"kill_grace_s"`
	CLI                   []string `toml:"cli"`
	Model                 string   `toml:"model"`
	SystemPrompt          string   `toml:"system_prompt"`
	Skills                []string `toml:"skills"`

	Tasks []TaskSeed `toml:"tasks"`
}

// TaskSeed declares a scheduled task to ensure at startup. Seeds never
// overwrite an existing task of the same name.
type TaskSeed struct {
	Name         string `toml:"name"`
	Spec         string `toml:"spec"`
	DispatchMode string `toml:"dispatch_mode"`
	Prompt       string `toml:"prompt"`
	JobName      string `toml:"job_name"`
	JobArgs      string `toml:"job_args"` // JSON object, stored as-is
	UntilAt      string `toml:"until_at"` // RFC3339, optional
}

// LoadButler reads and validates a single butler.toml.
func LoadButler(path string) (*ButlerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ButlerConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if cfg.Name == "" {
		return nil, fmt.Errorf("%s: name is required", path)
	}
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("%s: bad timezone %q: %w", path, cfg.Timezone, err)
	}
	for _, t := range cfg.Tasks {
		if t.Name == "" || t.Spec == "" {
			return nil, fmt.Errorf("%s: task seeds need name and spec", path)
		}
		if (t.Prompt == "") == (t.JobName == "") {
			return nil, fmt.Errorf("%s: task %s must set exactly one of prompt/job_name", path, t.Name)
		}
	}
	return &cfg, nil
}

func (c *ButlerConfig) applyDefaults() {
	if c.Schema == "" {
		c.Schema = c.Name
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.MaxConcurrentSessions <= 0 {
		c.MaxConcurrentSessions = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.SessionDeadlineS <= 0 {
		c.SessionDeadlineS = 300
	}
	if c.KillGraceS <= 0 {
		c.KillGraceS = 5
	}
	if len(c.CLI) == 0 {
		c.CLI = []string{"claude", "-p"}
	}
	if c.EndpointURL == "" && c.ListenAddr != "" {
		c.EndpointURL = "http://127.0.0.1" + c.ListenAddr
	}
}

func (c *ButlerConfig) SessionDeadline() time.Duration {
	return time.Duration(c.SessionDeadlineS) * time.Second
}

func (c *ButlerConfig) KillGrace() time.Duration {
	return time.Duration(c.KillGraceS) * time.Second
}

func (c *ButlerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ButlerSet is the switchboard's live view of the butler config directory.
// Rescans swap the whole map under the lock, so readers always see one
// consistent generation.
type ButlerSet struct {
	mu      sync.RWMutex
	byName  map[string]*ButlerConfig
	lastErr error
}

func NewButlerSet() *ButlerSet {
	return &ButlerSet{byName: make(map[string]*ButlerConfig)}
}

// Rescan walks dir for */butler.toml and replaces the set. Files that
// fail to parse are skipped and reported; one bad butler must not take
// down discovery for the rest.
func (s *ButlerSet) Rescan(dir string) ([]*ButlerConfig, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*", "butler.toml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	next := make(map[string]*ButlerConfig, len(matches))
	var firstErr error
	for _, path := range matches {
		cfg, err := LoadButler(path)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		next[cfg.Name] = cfg
	}

	s.mu.Lock()
	s.byName = next
	s.lastErr = firstErr
	s.mu.Unlock()

	out := make([]*ButlerConfig, 0, len(next))
	for _, name := range sortedKeys(next) {
		out = append(out, next[name])
	}
	return out, firstErr
}

func (s *ButlerSet) Get(name string) (*ButlerConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.byName[name]
	return cfg, ok
}

func (s *ButlerSet) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.byName)
}

func sortedKeys(m map[string]*ButlerConfig) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
