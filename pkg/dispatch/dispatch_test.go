package dispatch

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/dispider/dispider/pkg/errdefs"
)

func newMockEngine(t *testing.T) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewEngine(sqlx.NewDb(db, "sqlmock"), 3), mock
}

func TestAddTasks(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO project_7_tasks \("depth", "url"\)`)
	prep.ExpectExec().WithArgs("1", "http://a").WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("2", "http://b").WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	n, err := engine.AddTasks(context.Background(), 7, map[string][]any{
		"url":   {"http://a", "http://b"},
		"depth": {"1", "2"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddTasksEmpty(t *testing.T) {
	engine, mock := newMockEngine(t)

	n, err := engine.AddTasks(context.Background(), 7, map[string][]any{})
	require.NoError(t, err)
	require.Equal(t, 0, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddTasksMismatchedLengths(t *testing.T) {
	engine, _ := newMockEngine(t)

	_, err := engine.AddTasks(context.Background(), 7, map[string][]any{
		"url":   {"http://a", "http://b"},
		"depth": {"1"},
	})
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestAddTasksReservedColumn(t *testing.T) {
	engine, _ := newMockEngine(t)

	_, err := engine.AddTasks(context.Background(), 7, map[string][]any{
		"status": {"x"},
	})
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestClaimNext(t *testing.T) {
	engine, mock := newMockEngine(t)

	rows := sqlmock.NewRows([]string{"id", "status", "worker_id", "claimed_at", "retry_count", "url"}).
		AddRow(int64(42), "in_progress", "worker-1", nil, int64(0), []byte("http://a"))
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("worker-1").
		WillReturnRows(rows)

	task, err := engine.ClaimNext(context.Background(), 7, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Equal(t, int64(42), task.ID)
	require.Equal(t, "http://a", task.Data["url"])
	require.Equal(t, "in_progress", task.Data["status"])

	// id lives in its own field, never in the data map
	_, hasID := task.Data["id"]
	require.False(t, hasID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextNothingAvailable(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs("worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	task, err := engine.ClaimNext(context.Background(), 7, "worker-1")
	require.NoError(t, err)
	require.Nil(t, task)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitResultFlat(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO project_7_results \("title", "task_id"\)`)
	prep.ExpectExec().WithArgs("hello", int64(42)).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE project_7_tasks SET status = 'completed'`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := engine.SubmitResult(context.Background(), 7, 42, map[string]any{"title": "hello"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitResultColumnar(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO project_7_results \("title", "task_id"\)`)
	prep.ExpectExec().WithArgs("a", int64(42)).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs("b", int64(42)).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectExec(`UPDATE project_7_tasks SET status = 'completed'`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := engine.SubmitResult(context.Background(), 7, 42, map[string]any{
		"title": []any{"a", "b"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitResultEmptyOnlyUpdatesStatus(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE project_7_tasks SET status = 'completed'`).
		WithArgs(int64(42)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := engine.SubmitResult(context.Background(), 7, 42, map[string]any{"title": ""})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSubmitResultMismatchedColumnar(t *testing.T) {
	engine, _ := newMockEngine(t)

	err := engine.SubmitResult(context.Background(), 7, 42, map[string]any{
		"title": []any{"a", "b"},
		"url":   []any{"x"},
	})
	require.True(t, errdefs.IsInvalidArgument(err))
}

func TestReportFailureRetries(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`UPDATE project_7_tasks`).
		WithArgs(int64(42), 2).
		WillReturnRows(sqlmock.NewRows([]string{"status", "retry_count"}).AddRow("pending", 1))

	status, err := engine.ReportFailure(context.Background(), 7, 42, "timeout")
	require.NoError(t, err)
	require.Equal(t, StatusPending, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportFailurePermanent(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`UPDATE project_7_tasks`).
		WithArgs(int64(42), 2).
		WillReturnRows(sqlmock.NewRows([]string{"status", "retry_count"}).AddRow("failed", 3))

	status, err := engine.ReportFailure(context.Background(), 7, 42, "")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReportFailureNotInProgress(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`UPDATE project_7_tasks`).
		WithArgs(int64(42), 2).
		WillReturnError(sql.ErrNoRows)

	status, err := engine.ReportFailure(context.Background(), 7, 42, "late report")
	require.NoError(t, err)
	require.Empty(t, status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgress(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`information_schema.tables`).
		WithArgs("project_7_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"total_tasks", "completed_tasks"}).AddRow(3, 1))

	progress, err := engine.Progress(context.Background(), 7)
	require.NoError(t, err)
	require.InDelta(t, 0.3333, progress, 1e-9)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressTableMissing(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`information_schema.tables`).
		WithArgs("project_7_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	progress, err := engine.Progress(context.Background(), 7)
	require.NoError(t, err)
	require.Zero(t, progress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestProgressNoTasks(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`information_schema.tables`).
		WithArgs("project_7_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`COUNT\(\*\) FILTER`).
		WillReturnRows(sqlmock.NewRows([]string{"total_tasks", "completed_tasks"}).AddRow(0, 0))

	progress, err := engine.Progress(context.Background(), 7)
	require.NoError(t, err)
	require.Zero(t, progress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultsCount(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`information_schema.tables`).
		WithArgs("project_7_results").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM project_7_results`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(128))

	count, err := engine.ResultsCount(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, int64(128), count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestResultsCountTableMissing(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`information_schema.tables`).
		WithArgs("project_7_results").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	count, err := engine.ResultsCount(context.Background(), 7)
	require.NoError(t, err)
	require.Zero(t, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStructure(t *testing.T) {
	engine, mock := newMockEngine(t)

	mock.ExpectQuery(`information_schema.tables`).
		WithArgs("project_7_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`information_schema.columns`).
		WithArgs("project_7_tasks").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("status").AddRow("worker_id").
			AddRow("claimed_at").AddRow("retry_count").AddRow("url"))
	mock.ExpectQuery(`information_schema.tables`).
		WithArgs("project_7_results").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(`information_schema.columns`).
		WithArgs("project_7_results").
		WillReturnRows(sqlmock.NewRows([]string{"column_name"}).
			AddRow("id").AddRow("task_id").AddRow("title").AddRow("note"))

	structure, err := engine.Structure(context.Background(), 7)
	require.NoError(t, err)
	require.Equal(t, []string{"url"}, structure.TaskColumns)
	require.Equal(t, []string{"title"}, structure.ResultColumns)
	require.NoError(t, mock.ExpectationsWereMet())
}
