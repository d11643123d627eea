package switchboard

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/bus"
	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/mcp"
	"github.com/manorhq/manor/internal/metrics"
	"github.com/manorhq/manor/internal/notify"
	"github.com/manorhq/manor/internal/registry"
	"github.com/manorhq/manor/internal/store"
	"github.com/manorhq/manor/internal/triage"
)

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEmitter) Emit(eventType, source, subject string, data map[string]interface{}) {
	f.mu.Lock()
	f.events = append(f.events, eventType)
	f.mu.Unlock()
}

func (f *fakeEmitter) has(eventType string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range f.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type unresolvableInbox struct{}

func (unresolvableInbox) Get(ctx context.Context, requestID string) (*store.InboxRow, error) {
	return nil, fault.Newf(fault.CodeNotFound, "request %s not in inbox", requestID)
}

func newTestService(t *testing.T) (*Service, sqlmock.Sqlmock, *fakeEmitter) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st := &store.Store{DB: db}
	cfg := &config.Config{}
	cfg.Switchboard.DefaultButler = "general"
	cfg.Switchboard.MaxFanout = 4
	cfg.Switchboard.ClockSkewS = 300
	cfg.Switchboard.RouteDeadlineS = 5

	m := metrics.NewMetrics(prometheus.NewRegistry())
	emitter := &fakeEmitter{}
	routing := store.NewRoutingStore(st)
	butlers := store.NewButlerRegistryStore(st)

	notifySvc := notify.NewService(config.EgressConfig{},
		config.NotificationsConfig{Workers: 1, MaxRetries: 1},
		store.NewNotificationStore(st), unresolvableInbox{}, m, emitter)
	t.Cleanup(notifySvc.Shutdown)

	svc := NewService(Deps{
		Config:   cfg,
		Inbox:    store.NewInboxStore(st, cfg.ClockSkew()),
		Routing:  routing,
		Butlers:  butlers,
		Registry: registry.NewService(registry.Config{}, store.NewConnectorRegistryStore(st), butlers, store.NewStatsStore(st), emitter, m),
		Triage:   triage.NewEngine(nil, routing),
		Clients:  mcp.NewClientPool(time.Minute, 5*time.Second),
		Notify:   notifySvc,
		Metrics:  m,
		Bus:      emitter,
	})
	return svc, mock, emitter
}

func ingestEnvelope(id string) *envelope.Envelope {
	return &envelope.Envelope{
		SchemaVersion: envelope.SchemaVersion,
		Source: envelope.Source{
			Channel:          envelope.ChannelTelegram,
			Provider:         envelope.ProviderTelegram,
			EndpointIdentity: "bot:test",
		},
		Event:   envelope.Event{ExternalEventID: id, ObservedAt: time.Now()},
		Sender:  envelope.Sender{Identity: "tg:42"},
		Payload: envelope.Payload{Raw: map[string]interface{}{"text": "hi"}, NormalizedText: "hi"},
	}
}

func idRow(id int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id"}).AddRow(id)
}

func TestIngestDuplicateShortCircuits(t *testing.T) {
	svc, mock, emitter := newTestService(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM switchboard.message_inbox WHERE dedupe_key").
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "triage_decision", "triage_target"}).
			AddRow("req-orig", "pass_through", ""))
	mock.ExpectCommit()

	result, err := svc.Ingest(context.Background(), ingestEnvelope("e1"))
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "req-orig", result.RequestID)

	// no routing row, no classification: the duplicate stops at the inbox
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.True(t, emitter.has(bus.TypeIngestDuplicate))
	assert.False(t, emitter.has(bus.TypeIngestAccepted))
}

func TestRouteRefusesSelf(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery("INSERT INTO switchboard.routing_log").WillReturnRows(idRow(1))

	_, err := svc.Route(context.Background(), RouteContext{RequestID: "req-1"}, SelfName, "trigger", nil)
	assert.Equal(t, fault.CodeNotPermitted, fault.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRouteUnknownButlerAudited(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery("FROM switchboard.butler_registry WHERE name").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO switchboard.routing_log").
		WithArgs("req-1", "telegram", "tg:42", "cook", sqlmock.AnyArg(), sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnRows(idRow(1))

	rc := RouteContext{RequestID: "req-1", SourceChannel: "telegram", SourceSender: "tg:42"}
	_, err := svc.Route(context.Background(), rc, "cook", "trigger", nil)
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
