package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/config"
	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/metrics"
	"github.com/manorhq/manor/internal/store"
)

type fakeInbox struct {
	row *store.InboxRow
	err error
}

func (f *fakeInbox) Get(ctx context.Context, requestID string) (*store.InboxRow, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.row, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEmitter) Emit(eventType, source, subject string, data map[string]interface{}) {
	f.mu.Lock()
	f.events = append(f.events, eventType)
	f.mu.Unlock()
}

func newTestService(t *testing.T, egress config.EgressConfig, inbox InboxLookup) (*Service, sqlmock.Sqlmock, *fakeEmitter) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	emitter := &fakeEmitter{}
	svc := NewService(egress,
		config.NotificationsConfig{Workers: 1, MaxRetries: 2},
		store.NewNotificationStore(&store.Store{DB: db}),
		inbox,
		metrics.NewMetrics(prometheus.NewRegistry()),
		emitter,
	)
	return svc, mock, emitter
}

func egressTo(url string) config.EgressConfig {
	return config.EgressConfig{Channels: map[string]config.ChannelEgress{
		"telegram": {WebhookURL: url, DefaultRecipient: "tg:owner"},
	}}
}

func TestReplyDeliversToOriginalSender(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
	}))
	defer ts.Close()

	inbox := &fakeInbox{row: &store.InboxRow{RequestID: "req-1", Channel: "telegram", SenderIdentity: "tg:42"}}
	svc, mock, emitter := newTestService(t, egressTo(ts.URL), inbox)

	mock.ExpectQuery("INSERT INTO switchboard.notifications").
		WithArgs("telegram", "tg:42", "on my way", IntentReply, "valet", "req-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec("UPDATE switchboard.notifications").
		WillReturnResult(sqlmock.NewResult(0, 1))

	id, err := svc.Send(context.Background(), "valet", IntentReply, "on my way",
		&envelope.RequestContext{RequestID: "req-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)

	select {
	case body := <-received:
		assert.Equal(t, "tg:42", body["recipient"])
		assert.Equal(t, "on my way", body["message"])
		assert.Equal(t, IntentReply, body["intent"])
	case <-time.After(5 * time.Second):
		t.Fatal("webhook never received the notification")
	}
	svc.Shutdown()

	assert.NoError(t, mock.ExpectationsWereMet())
	emitter.mu.Lock()
	assert.Contains(t, emitter.events, "manor.notification.sent")
	emitter.mu.Unlock()
}

func TestSendUsesDefaultRecipient(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
	}))
	defer ts.Close()

	svc, mock, _ := newTestService(t, egressTo(ts.URL), &fakeInbox{})

	mock.ExpectQuery("INSERT INTO switchboard.notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectExec("UPDATE switchboard.notifications").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.Send(context.Background(), "valet", IntentSend, "dinner is ready", nil)
	require.NoError(t, err)

	body := <-received
	assert.Equal(t, "tg:owner", body["recipient"])
	svc.Shutdown()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReactResolvesLikeReply(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
	}))
	defer ts.Close()

	inbox := &fakeInbox{row: &store.InboxRow{RequestID: "req-1", Channel: "telegram", SenderIdentity: "tg:42"}}
	svc, mock, _ := newTestService(t, egressTo(ts.URL), inbox)

	mock.ExpectQuery("INSERT INTO switchboard.notifications").
		WithArgs("telegram", "tg:42", "👍", IntentReact, "valet", "req-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectExec("UPDATE switchboard.notifications").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.Send(context.Background(), "valet", IntentReact, "👍",
		&envelope.RequestContext{RequestID: "req-1"})
	require.NoError(t, err)

	body := <-received
	assert.Equal(t, "tg:42", body["recipient"])
	assert.Equal(t, IntentReact, body["intent"])
	svc.Shutdown()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProactiveUsesDefaultRecipient(t *testing.T) {
	received := make(chan map[string]interface{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
	}))
	defer ts.Close()

	svc, mock, _ := newTestService(t, egressTo(ts.URL), &fakeInbox{})

	mock.ExpectQuery("INSERT INTO switchboard.notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(12)))
	mock.ExpectExec("UPDATE switchboard.notifications").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.Send(context.Background(), "valet", IntentProactive, "your package arrived", nil)
	require.NoError(t, err)

	body := <-received
	assert.Equal(t, "tg:owner", body["recipient"])
	assert.Equal(t, IntentProactive, body["intent"])
	svc.Shutdown()
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReactRequiresRequestContext(t *testing.T) {
	svc, _, _ := newTestService(t, egressTo("http://unused"), &fakeInbox{})
	defer svc.Shutdown()

	_, err := svc.Send(context.Background(), "valet", IntentReact, "👍", nil)
	assert.Equal(t, fault.CodeToolError, fault.CodeOf(err))
}

func TestReplyRequiresRequestContext(t *testing.T) {
	svc, _, _ := newTestService(t, egressTo("http://unused"), &fakeInbox{})
	defer svc.Shutdown()

	_, err := svc.Send(context.Background(), "valet", IntentReply, "hi", nil)
	assert.Equal(t, fault.CodeToolError, fault.CodeOf(err))
}

func TestUnknownIntentRejected(t *testing.T) {
	svc, _, _ := newTestService(t, egressTo("http://unused"), &fakeInbox{})
	defer svc.Shutdown()

	_, err := svc.Send(context.Background(), "valet", "broadcast", "hi", nil)
	assert.Equal(t, fault.CodeToolError, fault.CodeOf(err))
}

func TestMissingEgressIsUnreachable(t *testing.T) {
	inbox := &fakeInbox{row: &store.InboxRow{RequestID: "req-1", Channel: "email", SenderIdentity: "a@b.c"}}
	svc, _, _ := newTestService(t, egressTo("http://unused"), inbox)
	defer svc.Shutdown()

	_, err := svc.Send(context.Background(), "valet", IntentReply, "hi",
		&envelope.RequestContext{RequestID: "req-1"})
	assert.Equal(t, fault.CodeUnreachable, fault.CodeOf(err))
}

func TestRejectedDeliveryMarksFailed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such chat", http.StatusBadRequest)
	}))
	defer ts.Close()

	svc, mock, emitter := newTestService(t, egressTo(ts.URL), &fakeInbox{})

	mock.ExpectQuery("INSERT INTO switchboard.notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))
	mock.ExpectExec("UPDATE switchboard.notifications").
		WithArgs(int64(9), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.Send(context.Background(), "valet", IntentSend, "hi", nil)
	require.NoError(t, err)
	svc.Shutdown()

	assert.NoError(t, mock.ExpectationsWereMet())
	emitter.mu.Lock()
	assert.Contains(t, emitter.events, "manor.notification.failed")
	emitter.mu.Unlock()
}

func TestTransientFailureIsRetried(t *testing.T) {
	var calls int
	var mu sync.Mutex
	done := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			http.Error(w, "flaky", http.StatusBadGateway)
			return
		}
		close(done)
	}))
	defer ts.Close()

	svc, mock, _ := newTestService(t, egressTo(ts.URL), &fakeInbox{})

	mock.ExpectQuery("INSERT INTO switchboard.notifications").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(4)))
	mock.ExpectExec("UPDATE switchboard.notifications").
		WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := svc.Send(context.Background(), "valet", IntentSend, "hi", nil)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("second attempt never arrived")
	}
	svc.Shutdown()
	assert.NoError(t, mock.ExpectationsWereMet())
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestEmptyMessageRejected(t *testing.T) {
	svc, _, _ := newTestService(t, egressTo("http://unused"), &fakeInbox{})
	defer svc.Shutdown()

	_, err := svc.Send(context.Background(), "valet", IntentSend, "", nil)
	assert.Equal(t, fault.CodeToolError, fault.CodeOf(err))
}
