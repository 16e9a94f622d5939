package workflow

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS workflows (
	id         TEXT PRIMARY KEY,
	team_id    TEXT NOT NULL DEFAULT '',
	enabled    INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER NOT NULL,
	doc        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workflows_team ON workflows(team_id);

CREATE TABLE IF NOT EXISTS work_items (
	id               TEXT PRIMARY KEY,
	workflow_id      TEXT NOT NULL,
	team_id          TEXT NOT NULL DEFAULT '',
	current_stage_id TEXT NOT NULL,
	status           TEXT NOT NULL,
	claimed_by       TEXT NOT NULL DEFAULT '',
	version          INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	doc              TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_work_items_workflow ON work_items(workflow_id, status);
CREATE INDEX IF NOT EXISTS idx_work_items_claimed ON work_items(claimed_by);

CREATE TABLE IF NOT EXISTS stage_transitions (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	work_item_id TEXT NOT NULL,
	doc          TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_item ON stage_transitions(work_item_id);
`

// SQLiteStore is the device-local store: a single file holding the full copy
// of the peer's workflow state.
type SQLiteStore struct {
	db *sqlx.DB
}

type docRow struct {
	Doc string `db:"doc"`
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer keeps the version check and the update in the same serialized view.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *Workflow) error {
	if wf == nil || wf.ID == "" {
		return fmt.Errorf("workflow id required")
	}
	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	if wf.UpdatedAt.IsZero() {
		wf.UpdatedAt = now
	}
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, team_id, enabled, updated_at, doc) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET team_id = excluded.team_id, enabled = excluded.enabled,
			updated_at = excluded.updated_at, doc = excluded.doc`,
		wf.ID, wf.TeamID, wf.Enabled, wf.UpdatedAt.UnixNano(), string(doc))
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var row docRow
	err := s.db.GetContext(ctx, &row, `SELECT doc FROM workflows WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	var wf Workflow
	if err := json.Unmarshal([]byte(row.Doc), &wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM stage_transitions WHERE work_item_id IN (SELECT id FROM work_items WHERE workflow_id = ?)`, id); err != nil {
		return fmt.Errorf("delete transitions: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM work_items WHERE workflow_id = ?`, id); err != nil {
		return fmt.Errorf("delete work items: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	query := `SELECT doc FROM workflows WHERE 1=1`
	var args []any
	if filter.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, filter.TeamID)
	}
	if !filter.IncludeDisabled {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY updated_at DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	out := make([]*Workflow, 0, len(rows))
	for _, row := range rows {
		var wf Workflow
		if err := json.Unmarshal([]byte(row.Doc), &wf); err != nil {
			continue
		}
		out = append(out, &wf)
	}
	return out, nil
}

func (s *SQLiteStore) LoadWorkItem(ctx context.Context, id string) (*WorkItem, error) {
	var row docRow
	err := s.db.GetContext(ctx, &row, `SELECT doc FROM work_items WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("work item %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load work item: %w", err)
	}
	var wi WorkItem
	if err := json.Unmarshal([]byte(row.Doc), &wi); err != nil {
		return nil, fmt.Errorf("unmarshal work item: %w", err)
	}
	return &wi, nil
}

func (s *SQLiteStore) SaveWorkItem(ctx context.Context, wi *WorkItem, expectedVersion int64) error {
	if wi == nil || wi.ID == "" || wi.WorkflowID == "" {
		return fmt.Errorf("work item id and workflow id required")
	}
	doc, err := json.Marshal(wi)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	var res sql.Result
	if expectedVersion == 0 {
		res, err = s.db.ExecContext(ctx, `
			INSERT INTO work_items (id, workflow_id, team_id, current_stage_id, status, claimed_by, version, created_at, doc)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
			wi.ID, wi.WorkflowID, wi.TeamID, wi.CurrentStageID, string(wi.Status), wi.ClaimedBy, wi.Version, wi.CreatedAt.UnixNano(), string(doc))
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE work_items SET current_stage_id = ?, status = ?, claimed_by = ?, version = ?, doc = ?
			WHERE id = ? AND version = ?`,
			wi.CurrentStageID, string(wi.Status), wi.ClaimedBy, wi.Version, string(doc), wi.ID, expectedVersion)
	}
	if err != nil {
		return fmt.Errorf("save work item: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save work item: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("work item %s not at version %d: %w", wi.ID, expectedVersion, ErrVersionConflict)
	}
	return nil
}

func (s *SQLiteStore) QueryWorkItems(ctx context.Context, filter WorkItemFilter) ([]*WorkItem, error) {
	query := `SELECT doc FROM work_items WHERE 1=1`
	var args []any
	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.TeamID != "" {
		query += ` AND team_id = ?`
		args = append(args, filter.TeamID)
	}
	if filter.StageID != "" {
		query += ` AND current_stage_id = ?`
		args = append(args, filter.StageID)
	}
	if filter.ClaimedBy != "" {
		query += ` AND claimed_by = ?`
		args = append(args, filter.ClaimedBy)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		in, inArgs, err := sqlx.In(` AND status IN (?)`, statuses)
		if err != nil {
			return nil, err
		}
		query += in
		args = append(args, inArgs...)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}
	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query work items: %w", err)
	}
	out := make([]*WorkItem, 0, len(rows))
	for _, row := range rows {
		var wi WorkItem
		if err := json.Unmarshal([]byte(row.Doc), &wi); err != nil {
			continue
		}
		out = append(out, &wi)
	}
	return out, nil
}

func (s *SQLiteStore) AppendTransition(ctx context.Context, t *StageTransition) error {
	if t == nil || t.WorkItemID == "" || t.ID == "" {
		return fmt.Errorf("transition id and work item id required")
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_transitions (id, work_item_id, doc) VALUES (?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		t.ID, t.WorkItemID, string(doc))
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTransitions(ctx context.Context, workItemID string) ([]StageTransition, error) {
	var rows []docRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT doc FROM stage_transitions WHERE work_item_id = ? ORDER BY seq ASC`, workItemID); err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	out := make([]StageTransition, 0, len(rows))
	for _, row := range rows {
		var t StageTransition
		if err := json.Unmarshal([]byte(row.Doc), &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
