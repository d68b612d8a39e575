package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"afo-engine/internal/domain"
)

// PostgresStore implements the registry, execution history and integration
// table on PostgreSQL. Definitions use JSONB; results use JSON so node order
// survives the round trip.
type PostgresStore struct {
	db            *pgxpool.Pool
	maxExecutions int
}

var _ Store = (*PostgresStore)(nil)

// OpenPostgres connects to dsn, verifies the connection and migrates.
func OpenPostgres(ctx context.Context, dsn string, maxExecutions int) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres store: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres store: %w", err)
	}
	s, err := NewPostgresStore(ctx, pool, maxExecutions)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an existing pool and migrates the schema.
func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool, maxExecutions int) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return nil, fmt.Errorf("migrate postgres store: %w", err)
	}
	if maxExecutions <= 0 {
		maxExecutions = defaultMaxExecutions
	}
	return &PostgresStore{db: pool, maxExecutions: maxExecutions}, nil
}

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS workflows (
		id              TEXT PRIMARY KEY,
		agent_id        TEXT NOT NULL,
		name            TEXT NOT NULL,
		description     TEXT NOT NULL DEFAULT '',
		trigger_tag     TEXT NOT NULL DEFAULT '',
		nodes           JSONB NOT NULL DEFAULT '[]',
		is_active       BOOLEAN NOT NULL DEFAULT TRUE,
		execution_count BIGINT NOT NULL DEFAULT 0,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_workflows_agent ON workflows(agent_id);

	CREATE TABLE IF NOT EXISTS executions (
		id           TEXT PRIMARY KEY,
		workflow_id  TEXT NOT NULL,
		agent_id     TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL,
		started_at   TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ,
		failed_at    TIMESTAMPTZ,
		cancelled_at TIMESTAMPTZ,
		context      JSONB NOT NULL DEFAULT '{}',
		current_node TEXT NOT NULL DEFAULT '',
		results      JSON NOT NULL DEFAULT '{}',
		errors       JSONB NOT NULL DEFAULT '[]'
	);
	CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id, started_at);

	CREATE TABLE IF NOT EXISTS integrations (
		user_id    TEXT NOT NULL,
		type       TEXT NOT NULL,
		provider   TEXT NOT NULL DEFAULT '',
		active     BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, type)
	);
`

// Close releases the pool.
func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func (s *PostgresStore) CreateWorkflow(ctx context.Context, def domain.WorkflowDefinition) error {
	nodes, err := encodeNodes(def.Nodes)
	if err != nil {
		return storeErr("postgres.CreateWorkflow", err)
	}
	tag, err := s.db.Exec(ctx,
		"INSERT INTO workflows ("+workflowColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) ON CONFLICT (id) DO NOTHING",
		def.ID, def.AgentID, def.Name, def.Description, def.Trigger, nodes,
		def.IsActive, def.ExecutionCount, def.CreatedAt.UTC(), def.UpdatedAt.UTC(),
	)
	if err != nil {
		return storeErr("postgres.CreateWorkflow", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.NewSubSystemError("workflow", "postgres.CreateWorkflow", domain.ErrDuplicate, def.ID)
	}
	return nil
}

func scanPostgresWorkflow(row pgx.Row) (*domain.WorkflowDefinition, error) {
	var (
		def   domain.WorkflowDefinition
		nodes []byte
	)
	if err := row.Scan(&def.ID, &def.AgentID, &def.Name, &def.Description, &def.Trigger,
		&nodes, &def.IsActive, &def.ExecutionCount, &def.CreatedAt, &def.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if def.Nodes, err = decodeNodes(nodes); err != nil {
		return nil, err
	}
	def.CreatedAt = def.CreatedAt.UTC()
	def.UpdatedAt = def.UpdatedAt.UTC()
	return &def, nil
}

func (s *PostgresStore) GetWorkflow(ctx context.Context, id string) (*domain.WorkflowDefinition, error) {
	def, err := scanPostgresWorkflow(s.db.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("workflow", "postgres.GetWorkflow", id)
	}
	if err != nil {
		return nil, storeErr("postgres.GetWorkflow", err)
	}
	return def, nil
}

func (s *PostgresStore) ListWorkflows(ctx context.Context, agentID string) ([]domain.WorkflowDefinition, error) {
	query := "SELECT " + workflowColumns + " FROM workflows"
	var args []any
	if agentID != "" {
		query += " WHERE agent_id = $1"
		args = append(args, agentID)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("postgres.ListWorkflows", err)
	}
	defer rows.Close()

	out := []domain.WorkflowDefinition{}
	for rows.Next() {
		def, err := scanPostgresWorkflow(rows)
		if err != nil {
			return nil, storeErr("postgres.ListWorkflows", err)
		}
		out = append(out, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("postgres.ListWorkflows", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateWorkflow(ctx context.Context, id string, patch domain.WorkflowPatch) (*domain.WorkflowDefinition, error) {
	const op = "postgres.UpdateWorkflow"
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storeErr(op, err)
	}
	defer tx.Rollback(ctx)

	def, err := scanPostgresWorkflow(tx.QueryRow(ctx, "SELECT "+workflowColumns+" FROM workflows WHERE id = $1 FOR UPDATE", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("workflow", op, id)
	}
	if err != nil {
		return nil, storeErr(op, err)
	}
	patch.Apply(def)
	def.UpdatedAt = time.Now().UTC()

	nodes, err := encodeNodes(def.Nodes)
	if err != nil {
		return nil, storeErr(op, err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE workflows SET name = $1, description = $2, trigger_tag = $3, nodes = $4, is_active = $5, updated_at = $6 WHERE id = $7",
		def.Name, def.Description, def.Trigger, nodes, def.IsActive, def.UpdatedAt, id,
	); err != nil {
		return nil, storeErr(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr(op, err)
	}
	return def, nil
}

func (s *PostgresStore) DeleteWorkflow(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM workflows WHERE id = $1", id)
	if err != nil {
		return storeErr("postgres.DeleteWorkflow", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("workflow", "postgres.DeleteWorkflow", id)
	}
	return nil
}

func (s *PostgresStore) IncrementExecutionCount(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "UPDATE workflows SET execution_count = execution_count + 1 WHERE id = $1", id)
	if err != nil {
		return storeErr("postgres.IncrementExecutionCount", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("workflow", "postgres.IncrementExecutionCount", id)
	}
	return nil
}

func (s *PostgresStore) SaveExecution(ctx context.Context, rec domain.ExecutionRecord) error {
	const op = "postgres.SaveExecution"
	row, err := encodeExecution(rec)
	if err != nil {
		return storeErr(op, err)
	}
	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO executions (`+executionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			completed_at = EXCLUDED.completed_at,
			failed_at = EXCLUDED.failed_at,
			cancelled_at = EXCLUDED.cancelled_at,
			context = EXCLUDED.context,
			current_node = EXCLUDED.current_node,
			results = EXCLUDED.results,
			errors = EXCLUDED.errors`,
		rec.ID, rec.WorkflowID, rec.AgentID, string(rec.Status), rec.StartedAt.UTC(),
		utcPtr(rec.CompletedAt), utcPtr(rec.FailedAt), utcPtr(rec.CancelledAt),
		row.context, rec.CurrentNode, row.results, row.errors,
	)
	batch.Queue(`
		DELETE FROM executions WHERE id IN (
			SELECT id FROM executions WHERE status <> 'running'
			ORDER BY started_at ASC
			LIMIT GREATEST(0, (SELECT COUNT(*) FROM executions) - $1::bigint)
		)`, int64(s.maxExecutions),
	)
	if err := s.db.SendBatch(ctx, batch).Close(); err != nil {
		return storeErr(op, err)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func scanPostgresExecution(row pgx.Row) (*domain.ExecutionRecord, error) {
	var (
		rec                    domain.ExecutionRecord
		status                 string
		ctxData, results, errs []byte
	)
	if err := row.Scan(&rec.ID, &rec.WorkflowID, &rec.AgentID, &status, &rec.StartedAt,
		&rec.CompletedAt, &rec.FailedAt, &rec.CancelledAt, &ctxData, &rec.CurrentNode, &results, &errs); err != nil {
		return nil, err
	}
	rec.Status = domain.ExecutionStatus(status)
	rec.StartedAt = rec.StartedAt.UTC()
	rec.CompletedAt = utcPtr(rec.CompletedAt)
	rec.FailedAt = utcPtr(rec.FailedAt)
	rec.CancelledAt = utcPtr(rec.CancelledAt)
	if err := decodeExecution(&rec, ctxData, results, errs); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *PostgresStore) GetExecution(ctx context.Context, id string) (*domain.ExecutionRecord, error) {
	rec, err := scanPostgresExecution(s.db.QueryRow(ctx, "SELECT "+executionColumns+" FROM executions WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("execution", "postgres.GetExecution", id)
	}
	if err != nil {
		return nil, storeErr("postgres.GetExecution", err)
	}
	return rec, nil
}

func (s *PostgresStore) ListExecutions(ctx context.Context, workflowID string, limit int) ([]domain.ExecutionRecord, error) {
	query := "SELECT " + executionColumns + " FROM executions"
	var args []any
	if workflowID != "" {
		args = append(args, workflowID)
		query += fmt.Sprintf(" WHERE workflow_id = $%d", len(args))
	}
	query += " ORDER BY started_at DESC, id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("postgres.ListExecutions", err)
	}
	defer rows.Close()

	out := []domain.ExecutionRecord{}
	for rows.Next() {
		rec, err := scanPostgresExecution(rows)
		if err != nil {
			return nil, storeErr("postgres.ListExecutions", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("postgres.ListExecutions", err)
	}
	return out, nil
}

func (s *PostgresStore) DeleteExecution(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM executions WHERE id = $1", id)
	if err != nil {
		return storeErr("postgres.DeleteExecution", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("execution", "postgres.DeleteExecution", id)
	}
	return nil
}

// ListIntegrations implements domain.IntegrationStatusProvider.
func (s *PostgresStore) ListIntegrations(ctx context.Context, userID string) ([]domain.Integration, error) {
	const op = "postgres.ListIntegrations"
	rows, err := s.db.Query(ctx,
		"SELECT user_id, type, provider, active, updated_at FROM integrations WHERE user_id = $1 ORDER BY type", userID)
	if err != nil {
		return nil, domain.NewSubSystemError("integration", op, domain.ErrProviderError, err.Error())
	}
	defer rows.Close()

	out := []domain.Integration{}
	for rows.Next() {
		var (
			in  domain.Integration
			typ string
		)
		if err := rows.Scan(&in.UserID, &typ, &in.Provider, &in.Active, &in.UpdatedAt); err != nil {
			return nil, domain.NewSubSystemError("integration", op, domain.ErrProviderError, err.Error())
		}
		in.Type = domain.IntegrationType(typ)
		in.UpdatedAt = in.UpdatedAt.UTC()
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewSubSystemError("integration", op, domain.ErrProviderError, err.Error())
	}
	return out, nil
}

// UpsertIntegration creates or replaces a user's integration of one type.
func (s *PostgresStore) UpsertIntegration(ctx context.Context, in domain.Integration) error {
	if in.UserID == "" || in.Type == "" {
		return domain.NewDomainError("postgres.UpsertIntegration", domain.ErrInvalidInput, "user_id and type are required")
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO integrations (user_id, type, provider, active, updated_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, type) DO UPDATE SET provider = EXCLUDED.provider, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at`,
		in.UserID, string(in.Type), in.Provider, in.Active, time.Now().UTC(),
	)
	if err != nil {
		return storeErr("postgres.UpsertIntegration", err)
	}
	return nil
}

// DeleteIntegration removes one integration.
func (s *PostgresStore) DeleteIntegration(ctx context.Context, userID string, typ domain.IntegrationType) error {
	tag, err := s.db.Exec(ctx, "DELETE FROM integrations WHERE user_id = $1 AND type = $2", userID, string(typ))
	if err != nil {
		return storeErr("postgres.DeleteIntegration", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("integration", "postgres.DeleteIntegration", userID+"/"+string(typ))
	}
	return nil
}
