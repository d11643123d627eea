package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/envelope"
	"github.com/manorhq/manor/internal/fault"
)

func newMockInbox(t *testing.T) (*InboxStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewInboxStore(&Store{DB: db}, time.Minute), mock
}

func inboxEnvelope(eventID string) *envelope.Envelope {
	return &envelope.Envelope{
		SchemaVersion: envelope.SchemaVersion,
		Source: envelope.Source{
			Channel:          envelope.ChannelTelegram,
			Provider:         envelope.ProviderTelegram,
			EndpointIdentity: "bot:house",
		},
		Event:   envelope.Event{ExternalEventID: eventID, ObservedAt: time.Now().Add(-time.Second)},
		Sender:  envelope.Sender{Identity: "tg:42"},
		Payload: envelope.Payload{Raw: map[string]interface{}{"text": "hi"}, NormalizedText: "hi"},
	}
}

func TestAcceptInsertsFreshRow(t *testing.T) {
	s, mock := newMockInbox(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT request_id").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO switchboard.message_inbox").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := s.Accept(context.Background(), inboxEnvelope("evt-1"), Triage{Decision: "route", Target: "valet"})
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.RequestID)
	assert.Equal(t, "route", result.TriageDecision)
	assert.Equal(t, "valet", result.TriageTarget)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptReturnsExistingRowForDuplicate(t *testing.T) {
	s, mock := newMockInbox(t)

	mock.ExpectBegin()
	mock.ExpectExec("pg_advisory_xact_lock").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT request_id").
		WillReturnRows(sqlmock.NewRows([]string{"request_id", "triage_decision", "triage_target"}).
			AddRow("req-original", "route", "valet"))
	mock.ExpectCommit()

	result, err := s.Accept(context.Background(), inboxEnvelope("evt-1"), Triage{})
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.Equal(t, "req-original", result.RequestID, "duplicates answer with the winner's request id")
	assert.Equal(t, "valet", result.TriageTarget)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAcceptRejectsInvalidEnvelopeBeforeTouchingDB(t *testing.T) {
	s, mock := newMockInbox(t)

	env := inboxEnvelope("evt-1")
	env.Source.Provider = "smoke-signal"
	_, err := s.Accept(context.Background(), env, Triage{})
	assert.Equal(t, fault.CodeInvalidEnvelope, fault.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	s, mock := newMockInbox(t)

	mock.ExpectQuery("SELECT request_id, received_at").
		WithArgs("req-missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "req-missing")
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRequestContextFromRow(t *testing.T) {
	row := &InboxRow{
		RequestID:      "req-1",
		Channel:        "email",
		SenderIdentity: "alice@example.com",
		TraceContext:   map[string]string{"trace_id": "t-1"},
	}
	rc := row.RequestContext()
	assert.Equal(t, "req-1", rc.RequestID)
	assert.Equal(t, "email", rc.SourceChannel)
	assert.Equal(t, "alice@example.com", rc.SourceSenderIdentity)
	assert.Equal(t, "t-1", rc.TraceContext["trace_id"])
}
