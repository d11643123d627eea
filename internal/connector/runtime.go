package connector

import (
	"context"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/semaphore"

	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/pkg/sdk"
)

// Runtime states, reported in heartbeats.
const (
	StateStarting     = "starting"
	StateReading      = "reading"
	StateRateLimited  = "rate_limited"
	StateReconnecting = "reconnecting"
	StateDraining     = "draining"
	StateStopped      = "stopped"
)

// Source is one stream of external events normalized into envelopes.
type Source interface {
	Name() string
	// Read blocks, emitting envelopes until ctx ends or the stream
	// breaks. A returned error means reconnect; nil means clean end.
	Read(ctx context.Context, out chan<- envelope.Envelope) error
	// Ack marks everything up to cursor as durably accepted upstream.
	Ack(cursor string)
}

// BackfillSource is optionally implemented by sources that can replay a
// historical cursor range.
type BackfillSource interface {
	ReadRange(ctx context.Context, from, until string, out chan<- envelope.Envelope) error
}

// Ingress is the switchboard surface the runtime submits to. sdk.Client
// implements it.
type Ingress interface {
	Ingest(ctx context.Context, env *envelope.Envelope) (*envelope.AcceptResult, error)
	Heartbeat(ctx context.Context, hb *envelope.Heartbeat) (*sdk.HeartbeatResult, error)
	BackfillPoll(ctx context.Context, connectorType, endpointIdentity string) (*sdk.BackfillJob, error)
	BackfillProgress(ctx context.Context, jobID int64, cursor string, done, failed bool) error
}

// Counters is the connector's local monotone counter set, snapshotted
// into every heartbeat and mirrored to prometheus.
type Counters struct {
	read       atomic.Int64
	submitted  atomic.Int64
	accepted   atomic.Int64
	duplicate  atomic.Int64
	failed     atomic.Int64
	backfilled atomic.Int64

	promRead       prometheus.Counter
	promSubmitted  prometheus.Counter
	promAccepted   prometheus.Counter
	promDuplicate  prometheus.Counter
	promFailed     prometheus.Counter
	promBackfilled prometheus.Counter
}

func NewCounters(reg prometheus.Registerer) *Counters {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	mk := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	return &Counters{
		promRead:       mk("manor_connector_read_total", "Envelopes read from the source"),
		promSubmitted:  mk("manor_connector_submitted_total", "Envelopes submitted to the switchboard"),
		promAccepted:   mk("manor_connector_accepted_total", "Envelopes accepted as fresh"),
		promDuplicate:  mk("manor_connector_duplicate_total", "Envelopes deduplicated by the switchboard"),
		promFailed:     mk("manor_connector_failed_total", "Envelopes that terminally failed submission"),
		promBackfilled: mk("manor_connector_backfilled_total", "Envelopes replayed through backfill"),
	}
}

// Snapshot renders the heartbeat counters map.
func (c *Counters) Snapshot() map[string]int64 {
	return map[string]int64{
		"read":       c.read.Load(),
		"submitted":  c.submitted.Load(),
		"accepted":   c.accepted.Load(),
		"duplicate":  c.duplicate.Load(),
		"failed":     c.failed.Load(),
		"backfilled": c.backfilled.Load(),
	}
}

// Runtime drives one source: read, pace, submit, checkpoint, heartbeat.
type Runtime struct {
	cfg        *config.ConnectorConfig
	source     Source
	ingress    Ingress
	checkpoint *Checkpointer
	watermark  *Watermark
	bucket     *TokenBucket
	inflight   *semaphore.Weighted
	backfill   *semaphore.Weighted
	counters   *Counters
	instanceID string
	startedAt  time.Time
	logger     *log.Logger

	state   atomic.Value // string
	lastErr atomic.Value // string

	wg sync.WaitGroup
}

func NewRuntime(cfg *config.ConnectorConfig, source Source, ingress Ingress, counters *Counters) *Runtime {
	backfillWeight := int64(cfg.MaxInflight - 1)
	if backfillWeight < 1 {
		backfillWeight = 1
	}
	r := &Runtime{
		cfg:        cfg,
		source:     source,
		ingress:    ingress,
		checkpoint: NewCheckpointer(cfg.CheckpointPath),
		watermark:  NewWatermark(),
		bucket:     NewTokenBucket(cfg.RatePerSecond, cfg.RateBurst),
		inflight:   semaphore.NewWeighted(int64(cfg.MaxInflight)),
		backfill:   semaphore.NewWeighted(backfillWeight),
		counters:   counters,
		instanceID: uuid.New().String(),
		startedAt:  time.Now(),
		logger:     log.New(log.Writer(), "[CONNECTOR] ", log.LstdFlags),
	}
	r.state.Store(StateStarting)
	r.lastErr.Store("")
	return r
}

// State reports the current runtime state.
func (r *Runtime) State() string { return r.state.Load().(string) }

func (r *Runtime) setState(s string) {
	if r.state.Swap(s) != s {
		r.logger.Printf("🔀 %s/%s state → %s", r.cfg.ConnectorType, r.cfg.EndpointIdentity, s)
	}
}

// Run blocks until ctx ends, then drains in-flight submissions.
func (r *Runtime) Run(ctx context.Context) error {
	cp, err := r.checkpoint.Load()
	if err != nil {
		return err
	}
	if cp.Cursor != "" {
		r.logger.Printf("▶️ resuming %s from cursor %q", r.source.Name(), cp.Cursor)
		r.source.Ack(cp.Cursor)
	}

	r.wg.Add(1)
	go r.heartbeatLoop(ctx)
	if r.cfg.BackfillEnabled {
		r.wg.Add(1)
		go r.backfillLoop(ctx)
	}

	out := make(chan envelope.Envelope, r.cfg.MaxInflight)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consume(ctx, out)
	}()

	// Read loop with jittered exponential backoff on stream breaks.
	backoff := time.Second
	for ctx.Err() == nil {
		r.setState(StateReading)
		err := r.source.Read(ctx, out)
		if ctx.Err() != nil || err == nil {
			break
		}

		r.lastErr.Store(err.Error())
		r.setState(StateReconnecting)
		wait := backoff + time.Duration(rand.Int63n(int64(backoff/2)+1))
		r.logger.Printf("⚠️ source %s broke (%v), reconnecting in %s", r.source.Name(), err, wait.Round(time.Millisecond))
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
	close(out)

	r.setState(StateDraining)
	r.wg.Wait()
	// every in-flight submission holds a semaphore slot
	_ = r.inflight.Acquire(context.Background(), int64(r.cfg.MaxInflight))
	r.setState(StateStopped)
	r.logger.Printf("🧹 %s/%s stopped", r.cfg.ConnectorType, r.cfg.EndpointIdentity)
	return nil
}

// consume paces and fans out submissions from the read channel.
func (r *Runtime) consume(ctx context.Context, in <-chan envelope.Envelope) {
	for env := range in {
		r.counters.read.Add(1)
		r.counters.promRead.Inc()

		waited, err := r.bucket.Wait(ctx)
		if err != nil {
			return
		}
		if waited > 250*time.Millisecond {
			r.setState(StateRateLimited)
		}
		if r.State() == StateRateLimited {
			r.setState(StateReading)
		}

		if err := r.inflight.Acquire(ctx, 1); err != nil {
			return
		}
		entry := r.watermark.Track(env.Event.ExternalEventID)
		env := env
		go func() {
			defer r.inflight.Release(1)
			r.submit(ctx, &env, entry)
		}()
	}
}

// submit sends one envelope, retrying transient faults. Accepted live
// submissions (duplicates included) feed the watermark, which releases
// the checkpoint only up to the highest contiguous accepted cursor:
// completion order never moves the checkpoint past an envelope the
// ingress has not taken. Backfill submissions pass a nil entry and
// leave the live checkpoint alone.
func (r *Runtime) submit(ctx context.Context, env *envelope.Envelope, entry *watermarkEntry) {
	cursor := env.Event.ExternalEventID

	var result *envelope.AcceptResult
	err := retry.Do(
		func() error {
			callCtx, cancel := context.WithTimeout(ctx, r.cfg.SubmitDeadline())
			defer cancel()
			res, err := r.ingress.Ingest(callCtx, env)
			if err != nil {
				if !fault.Retryable(err) {
					return retry.Unrecoverable(err)
				}
				return err
			}
			result = res
			return nil
		},
		retry.Attempts(4),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)

	r.counters.submitted.Add(1)
	r.counters.promSubmitted.Inc()

	if err != nil {
		r.counters.failed.Add(1)
		r.counters.promFailed.Inc()
		r.lastErr.Store(err.Error())
		if entry != nil {
			r.watermark.Fail(entry)
		}
		r.logger.Printf("❌ submit %s failed: %v", cursor, err)
		return
	}

	if result.Duplicate {
		r.counters.duplicate.Add(1)
		r.counters.promDuplicate.Inc()
	} else {
		r.counters.accepted.Add(1)
		r.counters.promAccepted.Inc()
	}

	if entry == nil {
		r.counters.backfilled.Add(1)
		r.counters.promBackfilled.Inc()
		return
	}

	released := r.watermark.Accept(entry)
	if len(released) == 0 {
		return
	}
	if err := r.checkpoint.Advance(released[len(released)-1]); err != nil {
		// accepted upstream but not persisted locally: leave the source
		// un-acked so a restart re-delivers and the ingress dedupes
		r.logger.Printf("⚠️ checkpoint advance to %q failed: %v", released[len(released)-1], err)
		return
	}
	for _, c := range released {
		r.source.Ack(c)
	}
}

// heartbeatLoop pushes liveness on the clamped cadence. A failed
// heartbeat never touches the read loop.
func (r *Runtime) heartbeatLoop(ctx context.Context) {
	defer r.wg.Done()

	interval := r.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.beat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runtime) beat(ctx context.Context) {
	state := r.State()
	status := envelope.StatusHealthy
	switch state {
	case StateRateLimited:
		status = envelope.StatusDegraded
	case StateReconnecting:
		status = envelope.StatusError
	}

	hb := &envelope.Heartbeat{
		SchemaVersion: envelope.HeartbeatSchemaVersion,
		Connector: envelope.HeartbeatConnector{
			ConnectorType:    r.cfg.ConnectorType,
			EndpointIdentity: r.cfg.EndpointIdentity,
			InstanceID:       r.instanceID,
			Version:          r.cfg.Version,
		},
		Status: envelope.HeartbeatStatus{
			State:        status,
			ErrorMessage: r.lastErr.Load().(string),
			UptimeS:      int64(time.Since(r.startedAt).Seconds()),
		},
		Counters:     r.counters.Snapshot(),
		Capabilities: map[string]bool{"backfill": r.cfg.BackfillEnabled},
		SentAt:       time.Now().UTC(),
	}
	if cp := r.checkpoint.Current(); cp.Cursor != "" {
		hb.Checkpoint = &envelope.HeartbeatCheckpoint{Cursor: cp.Cursor, UpdatedAt: cp.UpdatedAt}
	}

	callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	result, err := r.ingress.Heartbeat(callCtx, hb)
	if err != nil {
		r.logger.Printf("⚠️ heartbeat failed: %v", err)
		return
	}
	if result.RetryAfterS > 0 {
		r.logger.Printf("⏳ switchboard asked for %ds heartbeat backoff", result.RetryAfterS)
	}
}

// backfillLoop polls for replay jobs and streams them through the
// reserved backfill semaphore, leaving one slot for live traffic.
func (r *Runtime) backfillLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := r.ingress.BackfillPoll(ctx, r.cfg.ConnectorType, r.cfg.EndpointIdentity)
			if err != nil {
				r.logger.Printf("⚠️ backfill poll: %v", err)
				continue
			}
			if job != nil {
				r.runBackfill(ctx, job)
			}
		}
	}
}

func (r *Runtime) runBackfill(ctx context.Context, job *sdk.BackfillJob) {
	src, ok := r.source.(BackfillSource)
	if !ok {
		r.logger.Printf("⚠️ backfill job %d: source %s cannot replay ranges", job.ID, r.source.Name())
		if err := r.ingress.BackfillProgress(ctx, job.ID, job.Cursor, false, true); err != nil {
			r.logger.Printf("⚠️ backfill progress: %v", err)
		}
		return
	}

	r.logger.Printf("⏪ backfill job %d: %q → %q", job.ID, job.Cursor, job.UntilCursor)
	out := make(chan envelope.Envelope, 8)
	errCh := make(chan error, 1)
	go func() {
		errCh <- src.ReadRange(ctx, job.Cursor, job.UntilCursor, out)
		close(out)
	}()

	for env := range out {
		if err := r.backfill.Acquire(ctx, 1); err != nil {
			break
		}
		env := env
		r.submit(ctx, &env, nil)
		r.backfill.Release(1)
		if err := r.ingress.BackfillProgress(ctx, job.ID, env.Event.ExternalEventID, false, false); err != nil {
			r.logger.Printf("⚠️ backfill progress: %v", err)
		}
	}

	if err := <-errCh; err != nil && ctx.Err() == nil {
		r.logger.Printf("❌ backfill job %d failed: %v", job.ID, err)
		if err := r.ingress.BackfillProgress(ctx, job.ID, job.Cursor, false, true); err != nil {
			r.logger.Printf("⚠️ backfill progress: %v", err)
		}
		return
	}
	if err := r.ingress.BackfillProgress(ctx, job.ID, job.UntilCursor, true, false); err != nil {
		r.logger.Printf("⚠️ backfill progress: %v", err)
	}
	r.logger.Printf("✅ backfill job %d done", job.ID)
}
