package switchboard

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manorhq/manor/internal/fault"
	"github.com/manorhq/manor/internal/session"
)

// captureArg records the driver value sqlmock saw so the test can
// compare values across statements.
type captureArg struct{ v *driver.Value }

func (c captureArg) Match(v driver.Value) bool {
	*c.v = v
	return true
}

func TestDecompositionBackfillsGroupOnFirstRow(t *testing.T) {
	svc, mock, _ := newTestService(t)
	c := &classification{
		requestID:     "req-1",
		sourceChannel: "telegram",
		sourceSender:  "tg:42",
		prompt:        "plan dinner and book a cab",
	}
	svc.setCurrent(c)
	defer svc.setCurrent(nil)

	var firstGroup, backfillGroup, secondGroup driver.Value

	// first route: written before any decomposition is known
	mock.ExpectQuery("FROM switchboard.butler_registry WHERE name").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO switchboard.routing_log").
		WithArgs("req-1", "telegram", "tg:42", "cook", "dinner", sqlmock.AnyArg(), captureArg{&firstGroup}, sqlmock.AnyArg()).
		WillReturnRows(idRow(1))

	// second route: the group is minted and stamped back onto row 1
	mock.ExpectExec("UPDATE switchboard.routing_log SET group_id").
		WithArgs(sqlmock.AnyArg(), captureArg{&backfillGroup}).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("FROM switchboard.butler_registry WHERE name").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO switchboard.routing_log").
		WithArgs("req-1", "telegram", "tg:42", "maid", "cab", sqlmock.AnyArg(), captureArg{&secondGroup}, sqlmock.AnyArg()).
		WillReturnRows(idRow(2))

	ctx := context.Background()
	_, err := svc.RouteForClassification(ctx, "cook", "trigger", map[string]interface{}{"prompt": "dinner"})
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
	_, err = svc.RouteForClassification(ctx, "maid", "trigger", map[string]interface{}{"prompt": "cab"})
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))

	require.NoError(t, mock.ExpectationsWereMet())
	assert.Nil(t, firstGroup, "the first row predates the group")
	require.NotNil(t, backfillGroup)
	assert.Equal(t, backfillGroup, secondGroup, "backfilled group must match the second row's")
}

func TestFanoutCapRejectsExcessRoute(t *testing.T) {
	svc, mock, _ := newTestService(t)
	svc.cfg.Switchboard.MaxFanout = 1
	c := &classification{requestID: "req-1", sourceChannel: "telegram", sourceSender: "tg:42", prompt: "hi"}
	svc.setCurrent(c)
	defer svc.setCurrent(nil)

	mock.ExpectQuery("FROM switchboard.butler_registry WHERE name").WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO switchboard.routing_log").WillReturnRows(idRow(1))
	mock.ExpectExec("UPDATE switchboard.routing_log SET group_id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("INSERT INTO switchboard.routing_log").WillReturnRows(idRow(2))

	ctx := context.Background()
	_, err := svc.RouteForClassification(ctx, "cook", "trigger", map[string]interface{}{"prompt": "a"})
	assert.Equal(t, fault.CodeNotFound, fault.CodeOf(err))
	_, err = svc.RouteForClassification(ctx, "maid", "trigger", map[string]interface{}{"prompt": "b"})
	assert.Equal(t, fault.CodeNotPermitted, fault.CodeOf(err))

	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Contains(t, c.failed, "maid (not_permitted)")
}

func TestAggregateReply(t *testing.T) {
	cases := []struct {
		name      string
		result    *session.RunResult
		err       error
		succeeded []string
		failed    []string
		contains  []string
	}{
		{
			name:      "summary with full success",
			result:    &session.RunResult{Output: "All sorted."},
			succeeded: []string{"cook", "maid"},
			contains:  []string{"All sorted.", "Handled by: cook, maid."},
		},
		{
			name:      "partial failure is itemized",
			result:    &session.RunResult{Output: "Done what I could."},
			succeeded: []string{"cook"},
			failed:    []string{"maid (unreachable)"},
			contains:  []string{"Handled by: cook.", "Could not reach: maid (unreachable)."},
		},
		{
			name:     "session error still reports",
			err:      fault.New(fault.CodeDeadlineExceeded, "too slow"),
			failed:   []string{"cook (deadline_exceeded)"},
			contains: []string{"deadline_exceeded", "Could not reach: cook (deadline_exceeded)."},
		},
		{
			name:      "empty output falls back to a stock line",
			result:    &session.RunResult{},
			succeeded: []string{"general"},
			contains:  []string{"Your message has been passed along.", "Handled by: general."},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reply := aggregateReply(tc.result, tc.err, tc.succeeded, tc.failed)
			for _, want := range tc.contains {
				assert.Contains(t, reply, want)
			}
		})
	}
}

type recordingRunner struct {
	svc *Service

	mu   sync.Mutex
	seen []string
}

func (r *recordingRunner) Run(ctx context.Context, prompt string) (*session.RunResult, error) {
	r.svc.mu.Lock()
	cur := ""
	if r.svc.current != nil {
		cur = r.svc.current.requestID
	}
	r.svc.mu.Unlock()

	r.mu.Lock()
	r.seen = append(r.seen, cur)
	r.mu.Unlock()
	return &session.RunResult{Output: "done"}, nil
}

type countingRecorder struct{ n atomic.Int64 }

func (c *countingRecorder) Start(ctx context.Context, butler, triggerSource, prompt, requestID string) (string, error) {
	return fmt.Sprintf("sess-%d", c.n.Add(1)), nil
}

func (c *countingRecorder) Finish(ctx context.Context, id string, success bool, d time.Duration, errMsg, model string) error {
	return nil
}

func TestClassificationRecordPairsWithItsSession(t *testing.T) {
	svc, mock, _ := newTestService(t)
	mock.MatchExpectationsInOrder(false)

	// one registry snapshot; the second classification reads the cache
	mock.ExpectQuery("FROM switchboard.butler_registry ORDER BY name").
		WillReturnRows(sqlmock.NewRows([]string{"name", "endpoint_url", "description", "modules", "last_seen_at", "registered_at"}).
			AddRow("valet", "http://valet", "errands", []byte(`["email"]`), time.Now(), time.Now()))

	// each classification falls back to the default butler when its
	// session routes nothing; the butler is unregistered here
	for i := 0; i < 2; i++ {
		mock.ExpectQuery("FROM switchboard.butler_registry WHERE name").WillReturnError(sql.ErrNoRows)
		mock.ExpectQuery("INSERT INTO switchboard.routing_log").WillReturnRows(idRow(int64(10 + i)))
	}

	runner := &recordingRunner{svc: svc}
	sp := session.NewSpawner(SelfName, runner, &countingRecorder{}, svc.metrics, svc.bus,
		session.Options{Workers: 1, Deadline: time.Minute})
	svc.AttachClassifier(sp)

	ctx := context.Background()
	svc.enqueueClassification(ctx, &classification{requestID: "req-a", sourceChannel: "telegram", sourceSender: "tg:1", prompt: "first"})
	// an unrelated session queued between two classifications must not
	// steal either record
	require.NoError(t, sp.TryEnqueue(session.Request{TriggerSource: session.TriggerTick, Prompt: "sweep"}))
	svc.enqueueClassification(ctx, &classification{requestID: "req-b", sourceChannel: "telegram", sourceSender: "tg:2", prompt: "second"})

	sp.Start(ctx)
	sp.Shutdown()

	runner.mu.Lock()
	seen := append([]string(nil), runner.seen...)
	runner.mu.Unlock()
	assert.Equal(t, []string{"req-a", "", "req-b"}, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}
