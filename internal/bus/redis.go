package bus

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Publisher is the minimal redis surface the mirror needs. go-redis
// satisfies it directly; tests hand in a recorder.
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisMirror republishes every local bus event onto a redis channel so
// dashboards and peer processes outside this daemon see the same stream.
// The mirror is one-way: it never feeds redis traffic back into the
// local bus, which keeps a two-process deployment loop-free without a
// dedup layer.
type RedisMirror struct {
	client Publisher
	prefix string
	bus    *Bus
	cancel context.CancelFunc
}

// NewRedisMirror attaches a mirror to the bus. Call Start to begin
// forwarding; Stop to detach.
func NewRedisMirror(client Publisher, channelPrefix string, b *Bus) *RedisMirror {
	if channelPrefix == "" {
		channelPrefix = "manor:events:"
	}
	return &RedisMirror{client: client, prefix: channelPrefix, bus: b}
}

// Start subscribes to the whole local stream and forwards each event to
// redis on its own channel. Publish failures are logged and dropped; the
// local bus stays authoritative.
func (m *RedisMirror) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	ch := m.bus.Subscribe()

	go func() {
		defer m.bus.Unsubscribe(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-ch:
				if !ok {
					return
				}
				payload, err := event.JSON()
				if err != nil {
					slog.Warn("redis mirror: encode event", "type", event.Type, "error", err)
					continue
				}
				if err := m.client.Publish(ctx, m.prefix+event.Type, payload).Err(); err != nil {
					slog.Warn("redis mirror: publish failed", "type", event.Type, "error", err)
				}
			}
		}
	}()
	slog.Info("redis mirror attached", "prefix", m.prefix)
}

// Stop detaches the mirror.
func (m *RedisMirror) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

// OpenRedis dials redis from a URL like redis://host:6379/0.
func OpenRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}
