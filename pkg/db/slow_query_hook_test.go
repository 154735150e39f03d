package db

import (
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestDescribe(t *testing.T) {
	cases := []struct {
		sql       string
		operation string
		table     string
	}{
		{"SELECT id, name FROM stages WHERE project_id = $1", "select", "stages"},
		{"INSERT INTO project_tasks (stage_id) VALUES ($1) RETURNING id", "insert", "project_tasks"},
		{"UPDATE projects SET name = $1 WHERE id = $2", "update", "projects"},
		{`DELETE FROM "stages" WHERE id = $1`, "delete", "stages"},
		{"select 1", "select", "unknown"},
		{"   ", "unknown", "unknown"},
	}
	for _, tc := range cases {
		op, table := describe(tc.sql)
		assert.Equal(t, tc.operation, op)
		assert.Equal(t, tc.table, table)
	}
}
