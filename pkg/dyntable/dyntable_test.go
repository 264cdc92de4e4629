package dyntable

import (
	"testing"

	"github.com/dispider/dispider/pkg/errdefs"
)

func TestValidateColumns(t *testing.T) {
	tests := []struct {
		name    string
		columns []string
		wantErr bool
	}{
		{"simple names", []string{"url", "title"}, false},
		{"underscore prefix", []string{"_raw"}, false},
		{"cjk name", []string{"标题"}, false},
		{"mixed cjk and ascii", []string{"page_标题2"}, false},
		{"leading digit", []string{"1col"}, true},
		{"dash", []string{"page-title"}, true},
		{"sql injection attempt", []string{`url" TEXT); DROP TABLE x; --`}, true},
		{"space", []string{"page title"}, true},
		{"empty name", []string{""}, true},
		{"reserved id", []string{"id"}, true},
		{"reserved mixed case", []string{"Worker_ID"}, true},
		{"reserved task_id", []string{"task_id"}, true},
		{"reserved note", []string{"note"}, true},
		{"reserved retry_count", []string{"retry_count"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateColumns(tt.columns)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateColumns(%v) error = %v, wantErr %v", tt.columns, err, tt.wantErr)
			}
			if err != nil && !errdefs.IsInvalidArgument(err) {
				t.Errorf("validation failure should be InvalidArgument, got %v", err)
			}
		})
	}
}

func TestTableNames(t *testing.T) {
	if got := TaskTableName(7); got != "project_7_tasks" {
		t.Errorf("TaskTableName(7) = %q", got)
	}
	if got := ResultTableName(42); got != "project_42_results" {
		t.Errorf("ResultTableName(42) = %q", got)
	}
}

func TestColumnarRows(t *testing.T) {
	cols, rows, err := ColumnarRows(map[string][]any{
		"url":   {"http://a", "http://b"},
		"depth": {"1", "2"},
	})
	if err != nil {
		t.Fatalf("ColumnarRows error: %v", err)
	}
	if len(cols) != 2 || cols[0] != "depth" || cols[1] != "url" {
		t.Errorf("columns = %v, want sorted [depth url]", cols)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0][0] != "1" || rows[0][1] != "http://a" {
		t.Errorf("row 0 = %v", rows[0])
	}
}

func TestColumnarRowsMismatchedLengths(t *testing.T) {
	_, _, err := ColumnarRows(map[string][]any{
		"url":   {"http://a", "http://b"},
		"depth": {"1"},
	})
	if !errdefs.IsInvalidArgument(err) {
		t.Errorf("want InvalidArgument, got %v", err)
	}
}

func TestColumnarRowsEmpty(t *testing.T) {
	_, _, err := ColumnarRows(map[string][]any{})
	if !errdefs.IsInvalidArgument(err) {
		t.Errorf("want InvalidArgument, got %v", err)
	}
}

func TestInsertStatement(t *testing.T) {
	got := InsertStatement("project_7_results", []string{"url", "title"})
	want := `INSERT INTO project_7_results ("url", "title") VALUES ($1, $2)`
	if got != want {
		t.Errorf("InsertStatement = %q, want %q", got, want)
	}
}
