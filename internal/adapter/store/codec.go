// Package store holds the SQL-backed workflow registry, execution history
// and integration table.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"afo-engine/internal/domain"
)

const defaultMaxExecutions = 1000

// Store is the full surface implemented by every SQL backend.
type Store interface {
	domain.WorkflowStore
	domain.ExecutionStore
	domain.IntegrationStatusProvider
	UpsertIntegration(ctx context.Context, in domain.Integration) error
	DeleteIntegration(ctx context.Context, userID string, typ domain.IntegrationType) error
	Close() error
}

func notFound(subsystem, op, id string) error {
	return domain.NewSubSystemError(subsystem, op, domain.ErrNotFound, fmt.Sprintf("%s %q", subsystem, id))
}

func storeErr(op string, err error) error {
	return domain.NewSubSystemError("store", op, domain.ErrStore, err.Error())
}

func encodeNodes(nodes []domain.Node) (string, error) {
	if nodes == nil {
		nodes = []domain.Node{}
	}
	data, err := json.Marshal(nodes)
	if err != nil {
		return "", fmt.Errorf("marshal nodes: %w", err)
	}
	return string(data), nil
}

func decodeNodes(data []byte) ([]domain.Node, error) {
	var nodes []domain.Node
	if len(data) == 0 {
		return []domain.Node{}, nil
	}
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("unmarshal nodes: %w", err)
	}
	if nodes == nil {
		nodes = []domain.Node{}
	}
	return nodes, nil
}

// executionRow is the column form of a record's JSON parts.
type executionRow struct {
	context string
	results string
	errors  string
}

func encodeExecution(rec domain.ExecutionRecord) (executionRow, error) {
	ctxMap := rec.Context
	if ctxMap == nil {
		ctxMap = map[string]any{}
	}
	c, err := json.Marshal(ctxMap)
	if err != nil {
		return executionRow{}, fmt.Errorf("marshal context: %w", err)
	}
	r, err := json.Marshal(rec.Results)
	if err != nil {
		return executionRow{}, fmt.Errorf("marshal results: %w", err)
	}
	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}
	e, err := json.Marshal(errs)
	if err != nil {
		return executionRow{}, fmt.Errorf("marshal errors: %w", err)
	}
	return executionRow{context: string(c), results: string(r), errors: string(e)}, nil
}

func decodeExecution(rec *domain.ExecutionRecord, ctxData, results, errs []byte) error {
	if len(ctxData) > 0 {
		if err := json.Unmarshal(ctxData, &rec.Context); err != nil {
			return fmt.Errorf("unmarshal context: %w", err)
		}
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &rec.Results); err != nil {
			return fmt.Errorf("unmarshal results: %w", err)
		}
	}
	if len(errs) > 0 {
		if err := json.Unmarshal(errs, &rec.Errors); err != nil {
			return fmt.Errorf("unmarshal errors: %w", err)
		}
	}
	if rec.Errors == nil {
		rec.Errors = []string{}
	}
	return nil
}

// SQLite keeps timestamps as UTC unix nanoseconds so ORDER BY is exact.
func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func optNanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return toNanos(*t)
}

func fromOptNanos(n *int64) *time.Time {
	if n == nil {
		return nil
	}
	t := fromNanos(*n)
	return &t
}
