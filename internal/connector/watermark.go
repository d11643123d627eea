package connector

import "sync"

// Watermark tracks in-flight cursors in emission order and releases only
// the longest contiguous accepted prefix. Submissions complete in any
// order, but the persisted checkpoint must never move past an envelope
// the ingress has not accepted; a restart resumes after the checkpoint,
// so skipping one would lose it for good.
type Watermark struct {
	mu      sync.Mutex
	entries []*watermarkEntry
}

type watermarkEntry struct {
	cursor   string
	accepted bool
	failed   bool
}

func NewWatermark() *Watermark { return &Watermark{} }

// Track registers a cursor before its submission starts. Cursors must be
// tracked in emission order.
func (w *Watermark) Track(cursor string) *watermarkEntry {
	w.mu.Lock()
	defer w.mu.Unlock()
	e := &watermarkEntry{cursor: cursor}
	w.entries = append(w.entries, e)
	return e
}

// Accept marks an entry accepted and pops the contiguous accepted prefix,
// returning its cursors in order. Empty means an earlier cursor is still
// pending or failed and the watermark stays put.
func (w *Watermark) Accept(e *watermarkEntry) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	e.accepted = true
	var released []string
	for len(w.entries) > 0 && w.entries[0].accepted {
		released = append(released, w.entries[0].cursor)
		w.entries = w.entries[1:]
	}
	return released
}

// Fail marks an entry terminally failed. It stays tracked and pins the
// watermark: no later cursor advances past it, and a restart re-delivers
// everything from it onward.
func (w *Watermark) Fail(e *watermarkEntry) {
	w.mu.Lock()
	e.failed = true
	w.mu.Unlock()
}

// Depth reports the number of tracked cursors. Zero once everything
// emitted so far has been accepted and released.
func (w *Watermark) Depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}
