package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/metrics"
)

// Trigger sources recorded on the sessions table.
const (
	TriggerIngress  = "ingress"
	TriggerSchedule = "schedule"
	TriggerTick     = "tick"
	TriggerManual   = "manual"
)

// Request is one unit of work for the spawner.
type Request struct {
	TriggerSource  string
	Prompt         string
	RequestID      string
	RequestContext *envelope.RequestContext

	// OnStart fires on the worker goroutine just before the session runs,
	// OnDone after the session row is finalized. For OnDone, either result
	// or err is set, never both.
	OnStart func()
	OnDone  func(result *RunResult, err error)
}

// Recorder persists session lifecycle rows. The sessions store
// implements it.
type Recorder interface {
	Start(ctx context.Context, butler, triggerSource, prompt, requestID string) (string, error)
	Finish(ctx context.Context, id string, success bool, duration time.Duration, errMsg, model string) error
}

// Options tune one butler's spawner.
type Options struct {
	Workers      int
	QueueSize    int
	Deadline     time.Duration
	SystemPrompt string
	Skills       []string
}

func (o *Options) applyDefaults() {
	if o.Workers <= 0 {
		o.Workers = 3
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
	if o.Deadline <= 0 {
		o.Deadline = 5 * time.Minute
	}
}

// Spawner runs ephemeral CLI sessions for one butler: a bounded FIFO
// queue drained by a fixed worker pool. Sessions hold no state between
// runs; everything durable flows through the MCP tools.
type Spawner struct {
	butler   string
	opts     Options
	runner   Runner
	recorder Recorder
	metrics  *metrics.Metrics
	bus      bus.Emitter
	logger   *log.Logger

	queue chan Request
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewSpawner(butler string, runner Runner, recorder Recorder, m *metrics.Metrics, emitter bus.Emitter, opts Options) *Spawner {
	opts.applyDefaults()
	return &Spawner{
		butler:   butler,
		opts:     opts,
		runner:   runner,
		recorder: recorder,
		metrics:  m,
		bus:      emitter,
		logger:   log.New(log.Writer(), "[SPAWNER] ", log.LstdFlags),
		queue:    make(chan Request, opts.QueueSize),
	}
}

// Start launches the worker pool. Workers drain the queue until
// Shutdown closes it; the parent context bounds in-flight sessions.
func (s *Spawner) Start(ctx context.Context) {
	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
	s.logger.Printf("🚀 %s spawner started (%d workers, queue %d)", s.butler, s.opts.Workers, s.opts.QueueSize)
}

// Shutdown stops intake and waits for in-flight sessions to finish.
func (s *Spawner) Shutdown() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
	s.logger.Printf("🧹 %s spawner drained", s.butler)
}

// Enqueue blocks until the request is queued or the context ends.
func (s *Spawner) Enqueue(ctx context.Context, req Request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fault.New(fault.CodeQueueFull, "spawner is shutting down")
	}
	s.mu.Unlock()

	select {
	case s.queue <- req:
		s.metrics.QueueDepth.WithLabelValues(s.butler).Set(float64(len(s.queue)))
		return nil
	case <-ctx.Done():
		return fault.Wrap(fault.CodeDeadlineExceeded, "enqueue session", ctx.Err())
	}
}

// TryEnqueue never blocks; a full queue is a queue_full fault so the
// caller can apply backpressure upstream.
func (s *Spawner) TryEnqueue(req Request) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fault.New(fault.CodeQueueFull, "spawner is shutting down")
	}
	s.mu.Unlock()

	select {
	case s.queue <- req:
		s.metrics.QueueDepth.WithLabelValues(s.butler).Set(float64(len(s.queue)))
		return nil
	default:
		return fault.Newf(fault.CodeQueueFull, "%s session queue is full (%d)", s.butler, s.opts.QueueSize)
	}
}

// Depth reports the number of queued requests.
func (s *Spawner) Depth() int { return len(s.queue) }

func (s *Spawner) worker(ctx context.Context, n int) {
	defer s.wg.Done()
	for req := range s.queue {
		s.metrics.QueueDepth.WithLabelValues(s.butler).Set(float64(len(s.queue)))
		s.run(ctx, req)
	}
	_ = n
}

func (s *Spawner) run(ctx context.Context, req Request) {
	prompt := s.composePrompt(req)

	if req.OnStart != nil {
		req.OnStart()
	}

	sessionID, err := s.recorder.Start(ctx, s.butler, req.TriggerSource, prompt, req.RequestID)
	if err != nil {
		s.logger.Printf("❌ %s: record session start: %v", s.butler, err)
		s.finish(req, nil, err)
		return
	}

	s.bus.Emit(bus.TypeSessionStarted, "spawner", sessionID, map[string]interface{}{
		"butler":         s.butler,
		"trigger_source": req.TriggerSource,
		"request_id":     req.RequestID,
	})
	s.logger.Printf("▶️ %s session %s (%s): %s", s.butler, sessionID, req.TriggerSource, truncatePrompt(prompt))

	runCtx, cancel := context.WithTimeout(ctx, s.opts.Deadline)
	started := time.Now()
	result, runErr := s.runner.Run(runCtx, prompt)
	elapsed := time.Since(started)
	cancel()

	outcome := "success"
	errMsg := ""
	model := ""
	if runErr != nil {
		outcome = string(fault.CodeOf(runErr))
		errMsg = runErr.Error()
	} else {
		model = result.Model
	}

	if err := s.recorder.Finish(context.WithoutCancel(ctx), sessionID, runErr == nil, elapsed, errMsg, model); err != nil {
		s.logger.Printf("⚠️ %s: record session finish: %v", s.butler, err)
	}
	s.metrics.RecordSession(s.butler, req.TriggerSource, outcome, elapsed.Seconds())
	s.bus.Emit(bus.TypeSessionCompleted, "spawner", sessionID, map[string]interface{}{
		"butler":      s.butler,
		"outcome":     outcome,
		"duration_ms": elapsed.Milliseconds(),
	})

	if runErr != nil {
		s.logger.Printf("❌ %s session %s failed after %s: %v", s.butler, sessionID, elapsed.Round(time.Millisecond), runErr)
	} else {
		s.logger.Printf("✅ %s session %s done in %s", s.butler, sessionID, elapsed.Round(time.Millisecond))
	}
	s.finish(req, result, runErr)
}

func (s *Spawner) finish(req Request, result *RunResult, err error) {
	if req.OnDone != nil {
		req.OnDone(result, err)
	}
}

// composePrompt assembles the full session prompt: butler identity,
// skills, the trigger prompt, and the originating-request block the
// session echoes back through notify(intent="reply").
func (s *Spawner) composePrompt(req Request) string {
	var b strings.Builder
	if s.opts.SystemPrompt != "" {
		b.WriteString(s.opts.SystemPrompt)
		b.WriteString("\n\n")
	}
	if len(s.opts.Skills) > 0 {
		b.WriteString("Skills available to you:\n")
		for _, skill := range s.opts.Skills {
			b.WriteString("- ")
			b.WriteString(skill)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString(req.Prompt)
	if req.RequestContext != nil {
		blob, err := json.Marshal(req.RequestContext)
		if err == nil {
			fmt.Fprintf(&b, "\n\n<request_context>\n%s\n</request_context>\n", blob)
			b.WriteString("When replying to the originating request, pass this request_context to the notify tool with intent \"reply\".")
		}
	}
	return b.String()
}

// truncatePrompt keeps log lines readable; the full prompt still lands
// in the sessions row.
func truncatePrompt(p string) string {
	p = strings.ReplaceAll(p, "\n", " ")
	if len(p) > 200 {
		return p[:200] + "…"
	}
	return p
}
