package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/jmoiron/sqlx"

	"github.com/dispider/dispider/pkg/dyntable"
	"github.com/dispider/dispider/pkg/errdefs"
	"github.com/dispider/dispider/pkg/log"
	"github.com/dispider/dispider/pkg/metrics"
)

// Task statuses as stored in the per-project task tables.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// DefaultMaxRetries is the failure ceiling when no override is configured.
const DefaultMaxRetries = 3

// Task is a claimed task row. Data carries every column except id,
// system columns included, keyed by column name.
type Task struct {
	ID   int64          `json:"id"`
	Data map[string]any `json:"data"`
}

// TablesStructure lists the user-declared columns of both per-project
// tables.
type TablesStructure struct {
	TaskColumns   []string `json:"task_columns"`
	ResultColumns []string `json:"result_columns"`
}

// Engine dispatches tasks out of the per-project tables. All claim and
// completion paths are single round trips so that concurrent workers
// never need application-level locking.
type Engine struct {
	db         *sqlx.DB
	maxRetries int
}

// NewEngine creates an Engine. maxRetries <= 0 selects DefaultMaxRetries.
func NewEngine(db *sqlx.DB, maxRetries int) *Engine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Engine{db: db, maxRetries: maxRetries}
}

// InitTaskTable recreates the project's task table with the given user
// columns. Any existing tasks are dropped.
func (e *Engine) InitTaskTable(ctx context.Context, projectID int64, columns []string) error {
	if err := dyntable.CreateTaskTable(ctx, e.db, projectID, columns); err != nil {
		return err
	}
	plog1 := log.WithProjectID(projectID)
	plog1.Info().Msg("Task table initialized")
	return nil
}

// InitResultTable recreates the project's result table with the given
// user columns.
func (e *Engine) InitResultTable(ctx context.Context, projectID int64, columns []string) error {
	if err := dyntable.CreateResultTable(ctx, e.db, projectID, columns); err != nil {
		return err
	}
	plog2 := log.WithProjectID(projectID)
	plog2.Info().Msg("Result table initialized")
	return nil
}

// AddTasks bulk-inserts tasks given as a columnar mapping
// {column -> values}. Returns the number of rows inserted. An empty
// mapping inserts nothing.
func (e *Engine) AddTasks(ctx context.Context, projectID int64, data map[string][]any) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	columns, rows, err := dyntable.ColumnarRows(data)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	table := dyntable.TaskTableName(projectID)
	query := dyntable.InsertStatement(table, columns)

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, errdefs.Internal(err, "begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, query)
	if err != nil {
		return 0, errdefs.Internal(err, "prepare task insert")
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, errdefs.Internal(err, "insert task row")
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errdefs.Internal(err, "commit task insert")
	}

	metrics.TasksAdded.WithLabelValues(strconv.FormatInt(projectID, 10)).Add(float64(len(rows)))
	plog3 := log.WithProjectID(projectID)
	plog3.Info().Int("count", len(rows)).Msg("Tasks added")
	return len(rows), nil
}

// ClaimNext atomically hands the next available task to a worker.
//
// A worker that already holds an in_progress task gets that same task
// back, so a crashed-and-restarted worker resumes instead of hoarding
// claims. Otherwise the lowest-id pending row is locked with SKIP
// LOCKED and flipped to in_progress. Returns nil when the project has
// nothing to hand out.
func (e *Engine) ClaimNext(ctx context.Context, projectID int64, workerID string) (*Task, error) {
	table := dyntable.TaskTableName(projectID)

	query := fmt.Sprintf(`
		WITH existing_task AS (
			SELECT *
			FROM %[1]s
			WHERE worker_id = $1 AND status = 'in_progress'
			ORDER BY id
			LIMIT 1
		),
		locked_task AS (
			SELECT id
			FROM %[1]s
			WHERE status = 'pending'
			  AND NOT EXISTS (SELECT 1 FROM existing_task)
			ORDER BY id
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		),
		updated_task AS (
			UPDATE %[1]s
			SET status = 'in_progress', worker_id = $1, claimed_at = NOW()
			WHERE id = (SELECT id FROM locked_task)
			RETURNING *
		)
		SELECT * FROM existing_task
		UNION ALL
		SELECT * FROM updated_task`, table)

	rows, err := e.db.QueryxContext(ctx, query, workerID)
	if err != nil {
		return nil, errdefs.Internal(err, "claim next task")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, errdefs.Internal(err, "claim next task")
		}
		plog4 := log.WithProjectID(projectID)
		plog4.Debug().Str("worker_id", workerID).Msg("No tasks available")
		return nil, nil
	}

	raw := map[string]any{}
	if err := rows.MapScan(raw); err != nil {
		return nil, errdefs.Internal(err, "scan claimed task")
	}

	task, err := taskFromRow(raw)
	if err != nil {
		return nil, err
	}

	metrics.TasksClaimed.Inc()
	plog5 := log.WithProjectID(projectID)
	plog5.Info().
		Str("worker_id", workerID).
		Int64("task_id", task.ID).
		Msg("Task claimed")
	return task, nil
}

// taskFromRow splits a scanned row into id and the remaining columns.
// Text columns come back from the driver as []byte and are normalized
// to strings.
func taskFromRow(raw map[string]any) (*Task, error) {
	idVal, ok := raw["id"]
	if !ok {
		return nil, errdefs.Internal(errors.New("claimed row has no id column"), "scan claimed task")
	}
	id, ok := idVal.(int64)
	if !ok {
		return nil, errdefs.Internal(fmt.Errorf("unexpected id type %T", idVal), "scan claimed task")
	}
	delete(raw, "id")

	for k, v := range raw {
		if b, ok := v.([]byte); ok {
			raw[k] = string(b)
		}
	}
	return &Task{ID: id, Data: raw}, nil
}

// SubmitResult records a task's results and marks the task completed in
// one transaction. The data mapping is either flat {column -> value}
// for a single result row, or columnar {column -> [values]} for many.
// Empty data (or data whose values are all empty) only flips the task
// status.
func (e *Engine) SubmitResult(ctx context.Context, projectID, taskID int64, data map[string]any) error {
	tasksTable := dyntable.TaskTableName(projectID)
	updateQuery := fmt.Sprintf("UPDATE %s SET status = 'completed' WHERE id = $1", tasksTable)

	columns, rows, err := resultRows(data)
	if err != nil {
		return err
	}

	tx, err := e.db.BeginTxx(ctx, nil)
	if err != nil {
		return errdefs.Internal(err, "begin transaction")
	}
	defer tx.Rollback()

	if len(rows) > 0 {
		insertColumns := append(append([]string{}, columns...), "task_id")
		query := dyntable.InsertStatement(dyntable.ResultTableName(projectID), insertColumns)

		stmt, err := tx.PreparexContext(ctx, query)
		if err != nil {
			return errdefs.Internal(err, "prepare result insert")
		}
		defer stmt.Close()

		for _, row := range rows {
			args := append(append([]any{}, row...), taskID)
			if _, err := stmt.ExecContext(ctx, args...); err != nil {
				return errdefs.Internal(err, "insert result row")
			}
		}
	} else {
		plog6 := log.WithProjectID(projectID)
		plog6.Warn().
			Int64("task_id", taskID).
			Msg("Empty result set submitted, only updating task status")
	}

	if _, err := tx.ExecContext(ctx, updateQuery, taskID); err != nil {
		return errdefs.Internal(err, "mark task completed")
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Internal(err, "commit result submission")
	}

	metrics.TasksCompleted.Inc()
	plog7 := log.WithProjectID(projectID)
	plog7.Info().
		Int64("task_id", taskID).
		Int("rows", len(rows)).
		Msg("Task results submitted")
	return nil
}

// resultRows normalizes submitted result data into an ordered column
// list and row-major values. The shape is columnar when the first value
// is a list; flat data becomes a single row. Empty data yields no rows.
func resultRows(data map[string]any) ([]string, [][]any, error) {
	if len(data) == 0 || allEmpty(data) {
		return nil, nil, nil
	}

	columns := make([]string, 0, len(data))
	columnar := false
	for col, v := range data {
		columns = append(columns, col)
		if _, ok := v.([]any); ok {
			columnar = true
		}
	}
	if err := dyntable.ValidateColumns(columns); err != nil {
		return nil, nil, err
	}

	if !columnar {
		row := make([]any, len(columns))
		for i, col := range columns {
			row[i] = data[col]
		}
		return columns, [][]any{row}, nil
	}

	lists := make(map[string][]any, len(data))
	for col, v := range data {
		list, ok := v.([]any)
		if !ok {
			return nil, nil, errdefs.InvalidArgument("all column value lists must have the same length")
		}
		lists[col] = list
	}
	cols, rows, err := dyntable.ColumnarRows(lists)
	if err != nil {
		return nil, nil, err
	}
	return cols, rows, nil
}

func allEmpty(data map[string]any) bool {
	for _, v := range data {
		switch val := v.(type) {
		case nil:
		case string:
			if val != "" {
				return false
			}
		case []any:
			if len(val) != 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// ReportFailure records a failed attempt. The task goes back to pending
// until the retry ceiling is hit, at which point it is marked failed
// permanently. Only in_progress rows are touched; reporting a task in
// any other state is a logged no-op. Returns the task's new status, or
// an empty string for the no-op case.
func (e *Engine) ReportFailure(ctx context.Context, projectID, taskID int64, errorMessage string) (string, error) {
	table := dyntable.TaskTableName(projectID)

	query := fmt.Sprintf(`
		UPDATE %s
		SET
			status = CASE
				WHEN retry_count >= $2 THEN 'failed'
				ELSE 'pending'
			END,
			retry_count = retry_count + 1,
			worker_id = NULL,
			claimed_at = NULL
		WHERE id = $1 AND status = 'in_progress'
		RETURNING status, retry_count`, table)

	logger := log.WithProjectID(projectID)
	if errorMessage != "" {
		logger.Warn().Int64("task_id", taskID).Str("error", errorMessage).Msg("Task failure reported")
	} else {
		logger.Warn().Int64("task_id", taskID).Msg("Task failure reported")
	}

	var newStatus string
	var retryCount int
	err := e.db.QueryRowxContext(ctx, query, taskID, e.maxRetries-1).Scan(&newStatus, &retryCount)
	if errors.Is(err, sql.ErrNoRows) {
		logger.Warn().
			Int64("task_id", taskID).
			Msg("Failure report skipped: task missing or not in progress")
		return "", nil
	}
	if err != nil {
		return "", errdefs.Internal(err, "report task failure")
	}

	outcome := "retry"
	if newStatus == StatusFailed {
		outcome = "permanent"
	}
	metrics.TasksFailed.WithLabelValues(outcome).Inc()
	logger.Info().
		Int64("task_id", taskID).
		Str("status", newStatus).
		Int("retry_count", retryCount).
		Msg("Task failure recorded")
	return newStatus, nil
}

// Progress returns the completed fraction of the project's tasks,
// rounded to four decimals. A missing or empty task table reads as 0.
func (e *Engine) Progress(ctx context.Context, projectID int64) (float64, error) {
	table := dyntable.TaskTableName(projectID)

	exists, err := dyntable.TableExists(ctx, e.db, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		plog8 := log.WithProjectID(projectID)
		plog8.Warn().Msg("Task table missing, progress is 0")
		return 0, nil
	}

	query := fmt.Sprintf(`
		SELECT
			COUNT(*) AS total_tasks,
			COUNT(*) FILTER (WHERE status = 'completed') AS completed_tasks
		FROM %s`, table)

	var total, completed int64
	if err := e.db.QueryRowxContext(ctx, query).Scan(&total, &completed); err != nil {
		return 0, errdefs.Internal(err, "query task progress")
	}
	if total == 0 {
		return 0, nil
	}
	return math.Round(float64(completed)/float64(total)*10000) / 10000, nil
}

// ResultsCount returns the number of rows in the project's result
// table, or 0 when the table does not exist.
func (e *Engine) ResultsCount(ctx context.Context, projectID int64) (int64, error) {
	table := dyntable.ResultTableName(projectID)

	exists, err := dyntable.TableExists(ctx, e.db, table)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var count int64
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", table)
	if err := e.db.QueryRowxContext(ctx, query).Scan(&count); err != nil {
		return 0, errdefs.Internal(err, "count results")
	}
	return count, nil
}

// TaskColumns returns the user-declared columns of the task table.
func (e *Engine) TaskColumns(ctx context.Context, projectID int64) ([]string, error) {
	return dyntable.UserColumns(ctx, e.db, dyntable.TaskTableName(projectID), dyntable.TaskSystemColumns)
}

// ResultColumns returns the user-declared columns of the result table.
func (e *Engine) ResultColumns(ctx context.Context, projectID int64) ([]string, error) {
	return dyntable.UserColumns(ctx, e.db, dyntable.ResultTableName(projectID), dyntable.ResultSystemColumns)
}

// Structure returns the user-declared columns of both tables.
func (e *Engine) Structure(ctx context.Context, projectID int64) (*TablesStructure, error) {
	taskCols, err := e.TaskColumns(ctx, projectID)
	if err != nil {
		return nil, err
	}
	resultCols, err := e.ResultColumns(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &TablesStructure{TaskColumns: taskCols, ResultColumns: resultCols}, nil
}
