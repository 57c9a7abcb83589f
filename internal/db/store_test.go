package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/concierge-ai/concierge/internal/agents"
	"github.com/concierge-ai/concierge/internal/trajectory"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	return NewStoreWithDB(sqlx.NewDb(mockDB, "sqlmock"), zap.NewNop()), mock
}

func TestSaveTrajectory(t *testing.T) {
	store, mock := newMockStore(t)

	traj := trajectory.New("s1", "flights", "book_flight")
	require.NoError(t, traj.Append(trajectory.Entry{StepID: "search", Tool: "search_flights"}))
	traj.Finalize(trajectory.OutcomeCompleted, "")

	mock.ExpectExec(`INSERT INTO trajectories`).
		WithArgs(traj.ID, "s1", "flights", "book_flight", "completed", "",
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.SaveTrajectory(context.Background(), traj))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveTrajectoryRefusesUnfinalized(t *testing.T) {
	store, _ := newMockStore(t)
	err := store.SaveTrajectory(context.Background(), trajectory.New("s1", "flights", "book_flight"))
	assert.Error(t, err)
}

func TestGetTrajectory(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "session_id", "domain", "intent", "outcome", "abort_reason", "entries", "started_at", "finalized_at",
	}).AddRow("t1", "s1", "flights", "book_flight", "completed", "",
		`[{"step_id":"search","tool":"search_flights","timestamp":"2026-01-01T00:00:00Z"}]`, now, now)

	mock.ExpectQuery(`SELECT .+ FROM trajectories WHERE session_id`).
		WithArgs("s1").
		WillReturnRows(rows)

	rec, err := store.GetTrajectory(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Outcome)
	require.Len(t, rec.Entries, 1)
	assert.Equal(t, "search_flights", rec.Entries[0].Tool)
}

func TestGetTrajectoryNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT .+ FROM trajectories WHERE session_id`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetTrajectory(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRecordVerification(t *testing.T) {
	store, mock := newMockStore(t)

	rec := agents.AuditRecord{
		ID:        "a1",
		SessionID: "s1",
		UserID:    "cust-42",
		Outcome:   "failed",
		Reason:    "otp_mismatch",
		CreatedAt: time.Now(),
	}
	mock.ExpectExec(`INSERT INTO verification_audit`).
		WithArgs("a1", "s1", "cust-42", "failed", "otp_mismatch", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	require.NoError(t, store.RecordVerification(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}
