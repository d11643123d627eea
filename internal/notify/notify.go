package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	retry "github.com/avast/retry-go"

	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/metrics"
	"github.com/manorhq/manor/internal/store"
)

// Intents a butler session can express through the notify tool. Reply
// and react address the sender of an originating request; send and
// proactive address the channel's default recipient.
const (
	IntentReply     = "reply"
	IntentSend      = "send"
	IntentReact     = "react"
	IntentProactive = "proactive"
)

// InboxLookup resolves the originating request for reply intent. The
// inbox store implements it.
type InboxLookup interface {
	Get(ctx context.Context, requestID string) (*store.InboxRow, error)
}

// Service resolves recipients, persists the notification ledger, and
// hands delivery to a background worker pool. Callers get an id back as
// soon as the row is pending; delivery outcome lands asynchronously.
type Service struct {
	egress        config.EgressConfig
	maxRetries    int
	notifications *store.NotificationStore
	inbox         InboxLookup
	metrics       *metrics.Metrics
	bus           bus.Emitter
	httpClient    *http.Client
	logger        *log.Logger

	queue chan deliveryJob
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

type deliveryJob struct {
	id         int64
	channel    string
	recipient  string
	message    string
	intent     string
	webhookURL string
}

func NewService(egress config.EgressConfig, cfg config.NotificationsConfig, notifications *store.NotificationStore, inbox InboxLookup, m *metrics.Metrics, emitter bus.Emitter) *Service {
	s := &Service{
		egress:        egress,
		maxRetries:    cfg.MaxRetries,
		notifications: notifications,
		inbox:         inbox,
		metrics:       m,
		bus:           emitter,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		logger:        log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags),
		queue:         make(chan deliveryJob, 256),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// Shutdown stops intake and drains in-flight deliveries.
func (s *Service) Shutdown() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Send resolves the recipient and queues one notification. Reply and
// react intents need a request context naming the originating message;
// send and proactive go to the channel's configured default recipient.
func (s *Service) Send(ctx context.Context, sourceButler, intent, message string, reqCtx *envelope.RequestContext) (int64, error) {
	if message == "" {
		return 0, fault.New(fault.CodeToolError, "message is required")
	}

	var channel, recipient, requestID string
	switch intent {
	case IntentReply, IntentReact:
		if reqCtx == nil || reqCtx.RequestID == "" {
			return 0, fault.Newf(fault.CodeToolError, "%s intent requires request_context", intent)
		}
		row, err := s.inbox.Get(ctx, reqCtx.RequestID)
		if err != nil {
			return 0, err
		}
		channel = row.Channel
		recipient = row.SenderIdentity
		requestID = row.RequestID
	case IntentSend, IntentProactive:
		channel = channelOf(reqCtx)
		if channel == "" {
			channel = s.defaultChannel()
		}
		eg, ok := s.egress.Channels[channel]
		if !ok || eg.DefaultRecipient == "" {
			return 0, fault.Newf(fault.CodeToolError, "channel %q has no default recipient configured", channel)
		}
		recipient = eg.DefaultRecipient
	default:
		return 0, fault.Newf(fault.CodeToolError, "unknown intent %q", intent)
	}

	eg, ok := s.egress.Channels[channel]
	if !ok || eg.WebhookURL == "" {
		return 0, fault.Newf(fault.CodeUnreachable, "no egress configured for channel %q", channel)
	}

	id, err := s.notifications.Insert(ctx, &store.Notification{
		Channel:      channel,
		Recipient:    recipient,
		Message:      message,
		Intent:       intent,
		SourceButler: sourceButler,
		RequestID:    requestID,
	})
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, fault.New(fault.CodeQueueFull, "notify service is shutting down")
	}

	select {
	case s.queue <- deliveryJob{id: id, channel: channel, recipient: recipient, message: message, intent: intent, webhookURL: eg.WebhookURL}:
	default:
		s.markFailed(id, channel, "delivery queue full")
		return id, fault.New(fault.CodeQueueFull, "notification delivery queue is full")
	}

	s.logger.Printf("📤 notification %d queued: %s → %s via %s", id, sourceButler, recipient, channel)
	return id, nil
}

func (s *Service) worker() {
	defer s.wg.Done()
	for job := range s.queue {
		s.deliver(job)
	}
}

// deliver posts the notification to the channel's egress webhook,
// retrying transient failures with backoff. A 4xx is terminal; the
// provider has rejected the message and retrying cannot help.
func (s *Service) deliver(job deliveryJob) {
	payload, _ := json.Marshal(map[string]interface{}{
		"channel":   job.channel,
		"recipient": job.recipient,
		"message":   job.message,
		"intent":    job.intent,
	})

	err := retry.Do(
		func() error {
			req, err := http.NewRequest(http.MethodPost, job.webhookURL, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("X-Manor-Notification-ID", fmt.Sprintf("%d", job.id))

			resp, err := s.httpClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				return fmt.Errorf("egress returned %d", resp.StatusCode)
			}
			if resp.StatusCode >= 400 {
				return retry.Unrecoverable(fmt.Errorf("egress rejected with %d", resp.StatusCode))
			}
			return nil
		},
		retry.Attempts(uint(s.maxRetries)),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	ctx := context.Background()
	if err != nil {
		s.markFailed(job.id, job.channel, err.Error())
		return
	}

	if err := s.notifications.MarkSent(ctx, job.id); err != nil {
		s.logger.Printf("⚠️ mark notification %d sent: %v", job.id, err)
	}
	s.metrics.NotificationsTotal.WithLabelValues(job.channel, "sent").Inc()
	s.bus.Emit(bus.TypeNotificationSent, "notify", fmt.Sprintf("%d", job.id), map[string]interface{}{
		"channel":   job.channel,
		"recipient": job.recipient,
	})
	s.logger.Printf("✅ notification %d delivered via %s", job.id, job.channel)
}

func (s *Service) markFailed(id int64, channel, reason string) {
	if err := s.notifications.MarkFailed(context.Background(), id, reason); err != nil {
		s.logger.Printf("⚠️ mark notification %d failed: %v", id, err)
	}
	s.metrics.NotificationsTotal.WithLabelValues(channel, "failed").Inc()
	s.bus.Emit(bus.TypeNotificationFailed, "notify", fmt.Sprintf("%d", id), map[string]interface{}{
		"channel": channel,
		"error":   reason,
	})
	s.logger.Printf("❌ notification %d failed: %s", id, reason)
}

func channelOf(reqCtx *envelope.RequestContext) string {
	if reqCtx == nil {
		return ""
	}
	return reqCtx.SourceChannel
}

// defaultChannel picks a deterministic fallback when send intent names
// no channel: the lexically first configured one.
func (s *Service) defaultChannel() string {
	best := ""
	for name := range s.egress.Channels {
		if best == "" || name < best {
			best = name
		}
	}
	return best
}
