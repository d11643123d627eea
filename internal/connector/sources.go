package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/envelope"
)

const doneSuffix = ".done"

// SpoolSource reads envelope JSON files dropped into a directory.
// Files are emitted in lexical order; Ack renames the consumed file to
// <name>.done so a restart never re-reads it. The .done files double as
// the backfill archive.
type SpoolSource struct {
	dir    string
	logger *log.Logger

	mu      sync.Mutex
	pending map[string]string // cursor → file path
	acked   map[string]bool   // file path → consumed this run
}

func NewSpoolSource(dir string) *SpoolSource {
	return &SpoolSource{
		dir:     dir,
		logger:  log.New(log.Writer(), "[SPOOL] ", log.LstdFlags),
		pending: make(map[string]string),
		acked:   make(map[string]bool),
	}
}

func (s *SpoolSource) Name() string { return "spool:" + s.dir }

func (s *SpoolSource) Read(ctx context.Context, out chan<- envelope.Envelope) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("spool watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}

	// Everything already sitting in the spool goes first.
	if err := s.emitExisting(ctx, out); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("spool watcher closed")
			}
			if event.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !spoolFile(event.Name) {
				continue
			}
			if err := s.emitFile(ctx, event.Name, out); err != nil {
				s.logger.Printf("⚠️ skipping %s: %v", filepath.Base(event.Name), err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("spool watcher closed")
			}
			return fmt.Errorf("spool watcher: %w", err)
		}
	}
}

func (s *SpoolSource) emitExisting(ctx context.Context, out chan<- envelope.Envelope) error {
	files, err := s.listSpool()
	if err != nil {
		return err
	}
	for _, path := range files {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.emitFile(ctx, path, out); err != nil {
			s.logger.Printf("⚠️ skipping %s: %v", filepath.Base(path), err)
		}
	}
	return nil
}

func (s *SpoolSource) emitFile(ctx context.Context, path string, out chan<- envelope.Envelope) error {
	s.mu.Lock()
	if s.acked[path] {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	env, err := readEnvelopeFile(path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[env.Event.ExternalEventID] = path
	s.mu.Unlock()

	select {
	case out <- *env:
	case <-ctx.Done():
	}
	return nil
}

// Ack renames the file behind a cursor to .done. Unknown cursors are
// fine; a resumed checkpoint acks files consumed by an earlier run.
func (s *SpoolSource) Ack(cursor string) {
	s.mu.Lock()
	path, ok := s.pending[cursor]
	if ok {
		delete(s.pending, cursor)
		s.acked[path] = true
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := os.Rename(path, path+doneSuffix); err != nil && !os.IsNotExist(err) {
		s.logger.Printf("⚠️ could not retire %s: %v", filepath.Base(path), err)
	}
}

// ReadRange replays archived .done files whose external event id falls
// in (from, until], lexically ordered.
func (s *SpoolSource) ReadRange(ctx context.Context, from, until string, out chan<- envelope.Envelope) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	var envs []envelope.Envelope
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), doneSuffix) {
			continue
		}
		env, err := readEnvelopeFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.logger.Printf("⚠️ skipping archived %s: %v", e.Name(), err)
			continue
		}
		id := env.Event.ExternalEventID
		if id <= from {
			continue
		}
		if until != "" && id > until {
			continue
		}
		envs = append(envs, *env)
	}
	sort.Slice(envs, func(i, j int) bool {
		return envs[i].Event.ExternalEventID < envs[j].Event.ExternalEventID
	})

	for _, env := range envs {
		select {
		case out <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *SpoolSource) listSpool() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		if spoolFile(path) {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files, nil
}

func spoolFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, doneSuffix) && !strings.HasPrefix(name, ".")
}

func readEnvelopeFile(path string) (*envelope.Envelope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse envelope: %w", err)
	}
	if env.Event.ExternalEventID == "" {
		return nil, fmt.Errorf("envelope has no external_event_id")
	}
	return &env, nil
}

// HTTPPollSource fetches a JSON array of envelopes from a URL on a
// fixed cadence. The endpoint may return the same events repeatedly;
// the ingress dedupes.
type HTTPPollSource struct {
	url      string
	interval time.Duration
	client   *http.Client
	logger   *log.Logger
}

func NewHTTPPollSource(cfg config.SourceConfig) *HTTPPollSource {
	return &HTTPPollSource{
		url:      cfg.URL,
		interval: time.Duration(cfg.PollIntervalS) * time.Second,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   log.New(log.Writer(), "[HTTPPOLL] ", log.LstdFlags),
	}
}

func (p *HTTPPollSource) Name() string { return "httppoll:" + p.url }

func (p *HTTPPollSource) Read(ctx context.Context, out chan<- envelope.Envelope) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	if err := p.poll(ctx, out); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.poll(ctx, out); err != nil {
				return err
			}
		}
	}
}

func (p *HTTPPollSource) poll(ctx context.Context, out chan<- envelope.Envelope) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("poll %s: status %d", p.url, resp.StatusCode)
	}

	var envs []envelope.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&envs); err != nil {
		return fmt.Errorf("poll %s: %w", p.url, err)
	}
	for _, env := range envs {
		if env.Event.ExternalEventID == "" {
			continue
		}
		select {
		case out <- env:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

// Ack is a no-op; the poll endpoint has no consumption protocol.
func (p *HTTPPollSource) Ack(string) {}

// NewSource builds the configured source kind.
func NewSource(cfg *config.ConnectorConfig) (Source, error) {
	switch cfg.Source.Kind {
	case "spool":
		return NewSpoolSource(cfg.Source.Dir), nil
	case "httppoll":
		return NewHTTPPollSource(cfg.Source), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q", cfg.Source.Kind)
	}
}
