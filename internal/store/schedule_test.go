package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/fault"
)

func newMockSchedule(t *testing.T) (*ScheduleStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s, err := NewScheduleStore(&Store{DB: db}, "butler_valet")
	require.NoError(t, err)
	return s, mock
}

func taskRows(id int64, name string, nextRun time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "spec", "dispatch_mode", "prompt", "job_name",
		"job_args", "enabled", "next_run_at", "last_run_at", "last_result", "until_at", "created_at",
	}).AddRow(id, name, "0 8 * * *", "session", "morning brief", "",
		nil, true, nextRun, nil, "", nil, time.Now())
}

func TestScheduleStoreRejectsUnsafeSchema(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	_, err = NewScheduleStore(&Store{DB: db}, `butler"; DROP SCHEMA switchboard`)
	assert.Error(t, err)
}

func TestCreateValidatesShape(t *testing.T) {
	s, _ := newMockSchedule(t)
	next := time.Now().Add(time.Hour)

	_, err := s.Create(context.Background(), Task{Name: "x", Spec: "0 8 * * *", Prompt: "p", JobName: "j", Enabled: true, NextRunAt: &next})
	assert.Equal(t, fault.CodeToolError, fault.CodeOf(err), "prompt and job_name are mutually exclusive")

	_, err = s.Create(context.Background(), Task{Name: "x", Spec: "0 8 * * *", Enabled: true, NextRunAt: &next})
	assert.Equal(t, fault.CodeToolError, fault.CodeOf(err), "one of prompt/job_name is required")

	_, err = s.Create(context.Background(), Task{Name: "x", Spec: "0 8 * * *", Prompt: "p", Enabled: true})
	assert.Equal(t, fault.CodeToolError, fault.CodeOf(err), "enabled tasks need next_run_at")

	_, err = s.Create(context.Background(), Task{Name: "x", Spec: "0 8 * * *", Prompt: "p", Enabled: false, NextRunAt: &next})
	assert.Equal(t, fault.CodeToolError, fault.CodeOf(err), "disabled tasks cannot carry next_run_at")
}

func TestAdvanceFiresAndReschedules(t *testing.T) {
	s, mock := newMockSchedule(t)
	now := time.Now()
	next := now.Add(24 * time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WithArgs(int64(5), now).
		WillReturnRows(taskRows(5, "morning-brief", now.Add(-time.Minute)))
	mock.ExpectExec("UPDATE butler_valet.scheduled_tasks").
		WithArgs(int64(5), true, &next, now, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	task, fired, err := s.Advance(context.Background(), 5, now, func(t Task) TaskAdvance {
		return TaskAdvance{Fire: true, NextRunAt: &next}
	})
	require.NoError(t, err)
	assert.True(t, fired)
	assert.Equal(t, "morning-brief", task.Name)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceSkipsWhenPeerHoldsRow(t *testing.T) {
	s, mock := newMockSchedule(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	task, fired, err := s.Advance(context.Background(), 5, now, func(t Task) TaskAdvance {
		return TaskAdvance{Fire: true}
	})
	require.NoError(t, err)
	assert.False(t, fired)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceDisablesExpiredTask(t *testing.T) {
	s, mock := newMockSchedule(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(taskRows(8, "stale", now.Add(-time.Minute)))
	mock.ExpectExec("UPDATE butler_valet.scheduled_tasks").
		WithArgs(int64(8), false, nil, "expired").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, fired, err := s.Advance(context.Background(), 8, now, func(t Task) TaskAdvance {
		return TaskAdvance{Fire: false, Disable: true, LastResult: "expired"}
	})
	require.NoError(t, err)
	assert.False(t, fired)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvanceRefusesToStrandEnabledTask(t *testing.T) {
	s, mock := newMockSchedule(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE SKIP LOCKED").
		WillReturnRows(taskRows(9, "broken", now.Add(-time.Minute)))
	mock.ExpectRollback()

	_, _, err := s.Advance(context.Background(), 9, now, func(t Task) TaskAdvance {
		return TaskAdvance{Fire: true} // enabled but no next occurrence
	})
	assert.Equal(t, fault.CodeInternal, fault.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteMissingTaskIsNotFound(t *testing.T) {
	s, mock := newMockSchedule(t)

	mock.ExpectExec("DELETE FROM butler_valet.scheduled_tasks").
		WithArgs("ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.Delete(context.Background(), "ghost")
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
