package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"afo-engine/internal/domain"
)

// SQLiteStore implements the registry, execution history and integration
// table on a single SQLite file.
type SQLiteStore struct {
	db            *sql.DB
	maxExecutions int
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path and migrates it.
// maxExecutions <= 0 selects the default history bound.
func OpenSQLite(path string, maxExecutions int) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite has a single writer; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite store: %w", err)
	}
	if maxExecutions <= 0 {
		maxExecutions = defaultMaxExecutions
	}
	return &SQLiteStore{db: db, maxExecutions: maxExecutions}, nil
}

func migrateSQLite(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT NOT NULL,
			name            TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			trigger_tag     TEXT NOT NULL DEFAULT '',
			nodes           TEXT NOT NULL DEFAULT '[]',
			is_active       INTEGER NOT NULL DEFAULT 1,
			execution_count INTEGER NOT NULL DEFAULT 0,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflows_agent ON workflows(agent_id);

		CREATE TABLE IF NOT EXISTS executions (
			id           TEXT PRIMARY KEY,
			workflow_id  TEXT NOT NULL,
			agent_id     TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL,
			started_at   INTEGER NOT NULL,
			completed_at INTEGER,
			failed_at    INTEGER,
			cancelled_at INTEGER,
			context      TEXT NOT NULL DEFAULT '{}',
			current_node TEXT NOT NULL DEFAULT '',
			results      TEXT NOT NULL DEFAULT '{}',
			errors       TEXT NOT NULL DEFAULT '[]'
		);
		CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id, started_at);

		CREATE TABLE IF NOT EXISTS integrations (
			user_id    TEXT NOT NULL,
			type       TEXT NOT NULL,
			provider   TEXT NOT NULL DEFAULT '',
			active     INTEGER NOT NULL DEFAULT 1,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, type)
		);
	`)
	return err
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const workflowColumns = "id, agent_id, name, description, trigger_tag, nodes, is_active, execution_count, created_at, updated_at"

func (s *SQLiteStore) CreateWorkflow(ctx context.Context, def domain.WorkflowDefinition) error {
	nodes, err := encodeNodes(def.Nodes)
	if err != nil {
		return storeErr("sqlite.CreateWorkflow", err)
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO workflows ("+workflowColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT(id) DO NOTHING",
		def.ID, def.AgentID, def.Name, def.Description, def.Trigger, nodes,
		def.IsActive, def.ExecutionCount, toNanos(def.CreatedAt), toNanos(def.UpdatedAt),
	)
	if err != nil {
		return storeErr("sqlite.CreateWorkflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.NewSubSystemError("workflow", "sqlite.CreateWorkflow", domain.ErrDuplicate, def.ID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteWorkflow(row rowScanner) (*domain.WorkflowDefinition, error) {
	var (
		def              domain.WorkflowDefinition
		nodes            []byte
		created, updated int64
	)
	if err := row.Scan(&def.ID, &def.AgentID, &def.Name, &def.Description, &def.Trigger,
		&nodes, &def.IsActive, &def.ExecutionCount, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if def.Nodes, err = decodeNodes(nodes); err != nil {
		return nil, err
	}
	def.CreatedAt = fromNanos(created)
	def.UpdatedAt = fromNanos(updated)
	return &def, nil
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	return s.getWorkflow(ctx, s.db, id, "sqlite.GetWorkflow")
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getWorkflow(ctx context.Context, q querier, id, op string) (*domain.WorkflowDefinition, error) {
	def, err := scanSQLiteWorkflow(q.QueryRowContext(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("workflow", op, id)
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	return def, nil
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context, agentID string) ([]domain.WorkflowDefinition, error) {
	query := "SELECT " + workflowColumns + " FROM workflows"
	var args []any
	if agentID != "" {
		query += " WHERE agent_id = ?"
		args = append(args, agentID)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("sqlite.ListWorkflows", err)
	}
	defer rows.Close()

	out := []domain.WorkflowDefinition{}
	for rows.Next() {
		def, err := scanSQLiteWorkflow(rows)
		if err != nil {
			return nil, storeErr("sqlite.ListWorkflows", err)
		}
		out = append(out, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("sqlite.ListWorkflows", err)
	}
	return out, nil
}

func (s *SQLiteStore) UpdateWorkflow(ctx context.Context, id string, patch domain.WorkflowPatch) (*domain.WorkflowDefinition, error) {
	const op = "sqlite.UpdateWorkflow"
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer tx.Rollback()

	def, err := s.getWorkflow(ctx, tx, id, op)
	if err != nil {
		return nil, err
	}
	patch.Apply(def)
	def.UpdatedAt = time.Now().UTC()

	nodes, err := encodeNodes(def.Nodes)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE workflows SET name = ?, description = ?, trigger_tag = ?, nodes = ?, is_active = ?, updated_at = ? WHERE id = ?",
		def.Name, def.Description, def.Trigger, nodes, def.IsActive, toNanos(def.UpdatedAt), id,
	); err != nil {
		return nil, storeErr(op, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storeErr(op, err)
	}
	return def, nil
}

func (s *SQLiteStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM workflows WHERE id = ?", id)
	if err != nil {
		return storeErr("sqlite.DeleteWorkflow", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("workflow", "sqlite.DeleteWorkflow", id)
	}
	return nil
}

func (s *SQLiteStore) IncrementExecutionCount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE workflows SET execution_count = execution_count + 1 WHERE id = ?", id)
	if err != nil {
		return storeErr("sqlite.IncrementExecutionCount", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("workflow", "sqlite.IncrementExecutionCount", id)
	}
	return nil
}

const executionColumns = "id, workflow_id, agent_id, status, started_at, completed_at, failed_at, cancelled_at, context, current_node, results, errors"

func (s *SQLiteStore) SaveExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	const op = "sqlite.SaveExecution"
	row, err := encodeExecution(rec)
	if err != nil {
		return storeErr(op, err)
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO executions ("+executionColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		rec.ID, rec.WorkflowID, rec.AgentID, string(rec.Status), toNanos(rec.StartedAt),
		optNanos(rec.CompletedAt), optNanos(rec.FailedAt), optNanos(rec.CancelledAt),
		row.context, rec.CurrentNode, row.results, row.errors,
	); err != nil {
		return storeErr(op, err)
	}
	// Running records are never evicted.
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM executions WHERE id IN (
			SELECT id FROM executions WHERE status != 'running'
			ORDER BY started_at ASC
			LIMIT max(0, (SELECT COUNT(*) FROM executions) - ?)
		)`, s.maxExecutions,
	); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func scanSQLiteExecution(row rowScanner) (*domain.ExecutionRecord, error) {
	var (
		rec                          domain.ExecutionRecord
		status                       string
		started                      int64
		completed, failed, cancelled *int64
		ctxData, results, errs       []byte
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.AgentID, &status, &started,
		&completed, &failed, &cancelled, &ctxData, &rec.CurrentNode, &results, &errs); err != nil {
		return nil, err
	}
	rec.Status = domain.ExecutionStatus(status)
	rec.StartedAt = fromNanos(started)
	rec.CompletedAt = fromOptNanos(completed)
	rec.FailedAt = fromOptNanos(failed)
	rec.CancelledAt = fromOptNanos(cancelled)
	if err := decodeExecution(&rec, ctxData, results, errs); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) GetExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	rec, err := scanSQLiteExecution(s.db.QueryRowContext(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("execution", "sqlite.GetExecution", id)
	}
	if err != nil {
		return nil, storeErr("sqlite.GetExecution", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]domain.ExecutionRecord, error) {
	query := "SELECT " + executionColumns + " FROM executions"
	var args []any
	if workflowID != "" {
		query += " WHERE workflow_id = ?"
		args = append(args, workflowID)
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("sqlite.ListExecutions", err)
	}
	defer rows.Close()

	out := []domain.ExecutionRecord{}
	for rows.Next() {
		rec, err := scanSQLiteExecution(rows)
		if err != nil {
			return nil, storeErr("sqlite.ListExecutions", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("sqlite.ListExecutions", err)
	}
	return out, nil
}

func (s *SQLiteStore) DeleteExecution(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM executions WHERE id = ?", id)
	if err != nil {
		return storeErr("sqlite.DeleteExecution", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("execution", "sqlite.DeleteExecution", id)
	}
	return nil
}

// ListIntegrations implements domain.IntegrationStatusProvider.
func (s *SQLiteStore) ListIntegrations(ctx context.Context, userID string) ([]domain.Integration, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT user_id, type, provider, active, updated_at FROM integrations WHERE user_id = ? ORDER BY type", userID)
	if err != nil {
		return nil, domain.NewSubSystemError("integration", "sqlite.ListIntegrations", domain.ErrProviderError, err.Error())
	}
	defer rows.Close()

	out := []domain.Integration{}
	for rows.Next() {
		var (
			in      domain.Integration
			typ     string
			updated int64
		)
		if err := rows.Scan(&in.UserID, &typ, &in.Provider, &in.Active, &updated); err != nil {
			return nil, domain.NewSubSystemError("integration", "sqlite.ListIntegrations", domain.ErrProviderError, err.Error())
		}
		in.Type = domain.IntegrationType(typ)
		in.UpdatedAt = fromNanos(updated)
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewSubSystemError("integration", "sqlite.ListIntegrations", domain.ErrProviderError, err.Error())
	}
	return out, nil
}

// UpsertIntegration creates or replaces a user's integration of one type.
func (s *SQLiteStore) UpsertIntegration(ctx context.Context, in domain.Integration) error {
	if in.UserID == "" || in.Type == "" {
		return domain.NewDomainError("sqlite.UpsertIntegration", domain.ErrInvalidInput, "user_id and type are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO integrations (user_id, type, provider, active, updated_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id, type) DO UPDATE SET provider = excluded.provider, active = excluded.active, updated_at = excluded.updated_at`,
		in.UserID, string(in.Type), in.Provider, in.Active, toNanos(time.Now()),
	)
	if err != nil {
		return storeErr("sqlite.UpsertIntegration", err)
	}
	return nil
}

// DeleteIntegration removes one integration.
func (s *SQLiteStore) DeleteIntegration(ctx context.Context, userID string, typ domain.IntegrationType) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM integrations WHERE user_id = ? AND type = ?", userID, string(typ))
	if err != nil {
		return storeErr("sqlite.DeleteIntegration", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("integration", "sqlite.DeleteIntegration", userID+"/"+string(typ))
	}
	return nil
}
