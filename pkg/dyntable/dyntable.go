package dyntable

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/dispider/dispider/pkg/errdefs"
)

// Fixed system columns. These are created by the helper itself and are
// rejected in user column declarations.
var (
	TaskSystemColumns   = []string{"id", "status", "worker_id", "claimed_at", "retry_count"}
	ResultSystemColumns = []string{"id", "task_id", "note"}

	reservedColumns = map[string]struct{}{
		"id":          {},
		"status":      {},
		"worker_id":   {},
		"claimed_at":  {},
		"retry_count": {},
		"task_id":     {},
		"note":        {},
	}
)

// columnPattern accepts identifiers that begin with a letter (any script,
// CJK included) or underscore and continue with letters, digits, or
// underscores. Everything else, including a leading digit, is rejected.
var columnPattern = regexp.MustCompile(`^[\p{L}_][\p{L}\p{N}_]*$`)

// TaskTableName returns the per-project task table name.
func TaskTableName(projectID int64) string {
	return fmt.Sprintf("project_%d_tasks", projectID)
}

// ResultTableName returns the per-project result table name.
func ResultTableName(projectID int64) string {
	return fmt.Sprintf("project_%d_results", projectID)
}

// ValidateColumns checks user-declared column names. All user-supplied
// identifiers must pass through here before being interpolated into SQL.
func ValidateColumns(columns []string) error {
	for _, name := range columns {
		if !columnPattern.MatchString(name) {
			return errdefs.InvalidArgument("column name %q contains invalid characters or begins with a digit", name)
		}
		if _, ok := reservedColumns[strings.ToLower(name)]; ok {
			return errdefs.InvalidArgument("column name %q is reserved", name)
		}
	}
	return nil
}

// QuoteIdent double-quotes an identifier that has already been validated.
func QuoteIdent(name string) string {
	return `"` + name + `"`
}

// CreateTaskTable drops any existing task table for the project and
// creates a fresh one with the system columns followed by the user
// columns as TEXT. Destructive by design; the caller enforces privilege.
func CreateTaskTable(ctx context.Context, db *sqlx.DB, projectID int64, columns []string) error {
	if err := ValidateColumns(columns); err != nil {
		return err
	}
	table := TaskTableName(projectID)

	defs := []string{
		"id SERIAL PRIMARY KEY",
		"status VARCHAR(50) DEFAULT 'pending'",
		"worker_id VARCHAR(255)",
		"claimed_at TIMESTAMPTZ",
		"retry_count INTEGER DEFAULT 0",
	}
	for _, col := range columns {
		defs = append(defs, QuoteIdent(col)+" TEXT")
	}

	return recreate(ctx, db, table, defs)
}

// CreateResultTable drops any existing result table for the project and
// creates a fresh one. User columns sit between task_id and note.
func CreateResultTable(ctx context.Context, db *sqlx.DB, projectID int64, columns []string) error {
	if err := ValidateColumns(columns); err != nil {
		return err
	}
	table := ResultTableName(projectID)

	defs := []string{
		"id SERIAL PRIMARY KEY",
		"task_id INTEGER",
	}
	for _, col := range columns {
		defs = append(defs, QuoteIdent(col)+" TEXT")
	}
	defs = append(defs, "note TEXT")

	return recreate(ctx, db, table, defs)
}

func recreate(ctx context.Context, db *sqlx.DB, table string, defs []string) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return errdefs.Internal(err, "begin transaction")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", table)); err != nil {
		return errdefs.Internal(err, "drop table "+table)
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", table, strings.Join(defs, ", "))
	if _, err := tx.ExecContext(ctx, create); err != nil {
		return errdefs.Internal(err, "create table "+table)
	}
	if err := tx.Commit(); err != nil {
		return errdefs.Internal(err, "commit table creation")
	}
	return nil
}

// TableExists consults the relational catalog.
func TableExists(ctx context.Context, q sqlx.QueryerContext, table string) (bool, error) {
	const query = `SELECT EXISTS (
		SELECT FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name = $1
	)`
	var exists bool
	if err := sqlx.GetContext(ctx, q, &exists, query, table); err != nil {
		return false, errdefs.Internal(err, "check table existence")
	}
	return exists, nil
}

// UserColumns returns the user-declared columns of a table in catalog
// order, filtering out the given system columns. A missing table yields
// an empty slice.
func UserColumns(ctx context.Context, q sqlx.QueryerContext, table string, system []string) ([]string, error) {
	exists, err := TableExists(ctx, q, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		return []string{}, nil
	}

	const query = `SELECT column_name FROM information_schema.columns
		WHERE table_schema = 'public' AND table_name = $1
		ORDER BY ordinal_position`
	var all []string
	if err := sqlx.SelectContext(ctx, q, &all, query, table); err != nil {
		return nil, errdefs.Internal(err, "list table columns")
	}

	excluded := make(map[string]struct{}, len(system))
	for _, c := range system {
		excluded[c] = struct{}{}
	}
	user := []string{}
	for _, c := range all {
		if _, ok := excluded[c]; !ok {
			user = append(user, c)
		}
	}
	return user, nil
}

// ColumnarRows validates a columnar mapping {column -> values} and
// flattens it into an ordered column list plus row-major value slices.
// All value lists must have equal, non-zero length.
func ColumnarRows(data map[string][]any) ([]string, [][]any, error) {
	if len(data) == 0 {
		return nil, nil, errdefs.InvalidArgument("task data must not be empty")
	}

	columns := make([]string, 0, len(data))
	for col := range data {
		columns = append(columns, col)
	}
	// Deterministic order for the generated statement.
	sort.Strings(columns)

	if err := ValidateColumns(columns); err != nil {
		return nil, nil, err
	}

	n := len(data[columns[0]])
	for _, col := range columns {
		if len(data[col]) != n {
			return nil, nil, errdefs.InvalidArgument("all column value lists must have the same length")
		}
	}

	rows := make([][]any, n)
	for i := 0; i < n; i++ {
		row := make([]any, len(columns))
		for j, col := range columns {
			row[j] = data[col][i]
		}
		rows[i] = row
	}
	return columns, rows, nil
}

// InsertStatement builds a parameterized INSERT for one row of the given
// (validated) columns, with placeholders starting at $1.
func InsertStatement(table string, columns []string) string {
	quoted := make([]string, len(columns))
	placeholders := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = QuoteIdent(col)
		placeholders[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), strings.Join(placeholders, ", "))
}
