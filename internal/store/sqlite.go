package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/gantry/internal/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS orgs (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS workflows (
    id             TEXT PRIMARY KEY,
    org_id         TEXT NOT NULL REFERENCES orgs(id) ON DELETE CASCADE,
    name           TEXT NOT NULL DEFAULT '',
    prompt         TEXT NOT NULL,
    spec_key       TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    callback_token TEXT NOT NULL UNIQUE,
    created_at     DATETIME NOT NULL,
    updated_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_workflows_org ON workflows(org_id, created_at);

CREATE TABLE IF NOT EXISTS runs (
    id                TEXT PRIMARY KEY,
    workflow_id       TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    kfp_run_id        TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL,
    spec_snapshot_key TEXT NOT NULL DEFAULT '',
    ui_url            TEXT NOT NULL DEFAULT '',
    artifact_key      TEXT NOT NULL DEFAULT '',
    artifact_store    TEXT NOT NULL DEFAULT '',
    created_at        DATETIME NOT NULL,
    started_at        DATETIME,
    finished_at       DATETIME
);

CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
`

const (
	workflowColumns = `id, org_id, name, prompt, spec_key, status, callback_token, created_at, updated_at`
	runColumns      = `id, workflow_id, kfp_run_id, status, spec_snapshot_key, ui_url,
		artifact_key, artifact_store, created_at, started_at, finished_at`
)

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Pragmas are per connection and ":memory:" databases are per connection,
	// so the pool is pinned to one.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*model.Workflow, error) {
	w := &model.Workflow{}
	err := row.Scan(
		&w.ID, &w.OrgID, &w.Name, &w.Prompt, &w.SpecKey, &w.Status,
		&w.CallbackToken, &w.CreatedAt, &w.UpdatedAt,
	)
	return w, err
}

func scanRun(row rowScanner) (*model.Run, error) {
	r := &model.Run{}
	err := row.Scan(
		&r.ID, &r.WorkflowID, &r.KFPRunID, &r.Status, &r.SpecSnapshotKey, &r.UIURL,
		&r.ArtifactKey, &r.ArtifactStore, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	return r, err
}

// CreateOrg inserts a new org record.
func (s *SQLiteStore) CreateOrg(ctx context.Context, o *model.Org) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO orgs (id, name, created_at) VALUES (?, ?, ?)`,
		o.ID, o.Name, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert org: %w", err)
	}
	return nil
}

// GetOrg retrieves an org by ID.
func (s *SQLiteStore) GetOrg(ctx context.Context, id string) (*model.Org, error) {
	o := &model.Org{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM orgs WHERE id = ?`, id,
	).Scan(&o.ID, &o.Name, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get org: %w", err)
	}
	return o, nil
}

// CreateWorkflow inserts a new workflow record.
func (s *SQLiteStore) CreateWorkflow(ctx context.Context, w *model.Workflow) error {
	if w.Status == model.WorkflowReady && w.SpecKey == "" {
		return ErrMissingSpecKey
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (`+workflowColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.OrgID, w.Name, w.Prompt, w.SpecKey, w.Status,
		w.CallbackToken, w.CreatedAt, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert workflow: %w", err)
	}
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	w, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return w, nil
}

// GetWorkflowByCallbackToken retrieves the workflow a composer callback refers to.
func (s *SQLiteStore) GetWorkflowByCallbackToken(ctx context.Context, token string) (*model.Workflow, error) {
	w, err := scanWorkflow(s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE callback_token = ?`, token,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow by token: %w", err)
	}
	return w, nil
}

// ListWorkflows returns a paginated list of workflows ordered by created_at
// DESC, along with the total count.
func (s *SQLiteStore) ListWorkflows(ctx context.Context, orgID string, limit, offset int) ([]*model.Workflow, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM workflows WHERE (? = '' OR org_id = ?)", orgID, orgID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count workflows: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows
		WHERE (? = '' OR org_id = ?)
		ORDER BY created_at DESC LIMIT ? OFFSET ?`, orgID, orgID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*model.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan workflow: %w", err)
		}
		workflows = append(workflows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate workflows: %w", err)
	}

	return workflows, total, nil
}

// UpdateWorkflowStatus moves a workflow to status. The spec key is written in
// the same statement and only when the workflow becomes READY.
func (s *SQLiteStore) UpdateWorkflowStatus(ctx context.Context, id, status, specKey string) error {
	if status == model.WorkflowReady && specKey == "" {
		return ErrMissingSpecKey
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM workflows WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read workflow status: %w", err)
	}

	if !model.ValidWorkflowTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	if status != model.WorkflowReady {
		specKey = ""
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE workflows SET status = ?, spec_key = ?, updated_at = ? WHERE id = ?",
		status, specKey, time.Now().UTC(), id,
	); err != nil {
		return fmt.Errorf("update workflow status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit workflow status: %w", err)
	}
	return nil
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (`+runColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.WorkflowID, r.KFPRunID, r.Status, r.SpecSnapshotKey, r.UIURL,
		r.ArtifactKey, r.ArtifactStore, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns all runs of a workflow, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, workflowID string) ([]*model.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE workflow_id = ? ORDER BY created_at DESC`, workflowID)
}

// ListRunsByStatus returns all runs currently in status, oldest first.
func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, status string) ([]*model.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY created_at ASC`, status)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// MarkRunSubmitted records a successful engine submission: PENDING -> RUNNING
// together with the remote run id, UI URL and start time.
func (s *SQLiteStore) MarkRunSubmitted(ctx context.Context, id, kfpRunID, uiURL string, startedAt time.Time) error {
	if kfpRunID == "" {
		return ErrMissingRunID
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, kfp_run_id = ?, ui_url = ?, started_at = ?
		WHERE id = ? AND status = ?`,
		model.RunRunning, kfpRunID, uiURL, startedAt, id, model.RunPending,
	)
	if err != nil {
		return fmt.Errorf("mark run submitted: %w", err)
	}
	return s.checkRunUpdated(ctx, result, id, model.RunPending, model.RunRunning)
}

// UpdateRunStatus moves a run from -> to with compare-and-set semantics.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, from, to string, finishedAt *time.Time) error {
	if !model.ValidRunTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, finished_at = COALESCE(finished_at, ?)
		WHERE id = ? AND status = ?`,
		to, finishedAt, id, from,
	)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return s.checkRunUpdated(ctx, result, id, from, to)
}

// checkRunUpdated distinguishes a missing run from a lost compare-and-set.
func (s *SQLiteStore) checkRunUpdated(ctx context.Context, result sql.Result, id, from, to string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s no longer %s (wanted %s)", ErrConflict, id, from, to)
}

// SetRunArtifact records where a run's archived artifact lives.
func (s *SQLiteStore) SetRunArtifact(ctx context.Context, id, key, storeName string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE runs SET artifact_key = ?, artifact_store = ? WHERE id = ?",
		key, storeName, id,
	)
	if err != nil {
		return fmt.Errorf("set run artifact: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStats counts workflows and runs by status.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	st := &Stats{
		WorkflowsByStatus: map[string]int{},
		RunsByStatus:      map[string]int{},
	}

	var err error
	st.Workflows, err = s.countByStatus(ctx, "workflows", st.WorkflowsByStatus)
	if err != nil {
		return nil, err
	}
	st.Runs, err = s.countByStatus(ctx, "runs", st.RunsByStatus)
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteStore) countByStatus(ctx context.Context, table string, into map[string]int) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM "+table+" GROUP BY status")
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	defer rows.Close()

	total := 0
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, fmt.Errorf("scan %s count: %w", table, err)
		}
		into[status] = n
		total += n
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate %s counts: %w", table, err)
	}
	return total, nil
}
