package connector

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/manorhq/manor/internal/fault"
)

// Checkpoint is the durable replay position of one connector.
type Checkpoint struct {
	Cursor    string    `json:"cursor"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpointer persists the cursor with write-temp, fsync, rename so a
// crash mid-write can never leave a torn checkpoint. Re-delivery after
// a rollback is safe; the ingress dedupes.
type Checkpointer struct {
	path string

	mu      sync.Mutex
	current Checkpoint
}

func NewCheckpointer(path string) *Checkpointer {
	return &Checkpointer{path: path}
}

// Load reads the checkpoint from disk. A missing file is a fresh start,
// not an error.
func (c *Checkpointer) Load() (Checkpoint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return Checkpoint{}, nil
	}
	if err != nil {
		return Checkpoint{}, fault.Wrap(fault.CodeInternal, "read checkpoint", err)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fault.Wrap(fault.CodeInternal, "parse checkpoint", err)
	}
	c.current = cp
	return cp, nil
}

// Advance persists a new cursor. Called only after the switchboard
// accepted (or deduped) everything up to it.
func (c *Checkpointer) Advance(cursor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := Checkpoint{Cursor: cursor, UpdatedAt: time.Now().UTC()}
	data, err := json.Marshal(cp)
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "encode checkpoint", err)
	}

	dir := filepath.Dir(c.path)
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return fault.Wrap(fault.CodeInternal, "create checkpoint temp", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeInternal, "write checkpoint", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeInternal, "sync checkpoint", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeInternal, "close checkpoint temp", err)
	}
	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fault.Wrap(fault.CodeInternal, "swap checkpoint", err)
	}

	c.current = cp
	return nil
}

// Current returns the last persisted checkpoint.
func (c *Checkpointer) Current() Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}
