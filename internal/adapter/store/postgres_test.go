package store

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"afo-engine/internal/domain"
	"afo-engine/internal/usecase/workflow/storetest"
)

func startPostgres(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres container test skipped in -short mode")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("afo"),
		postgres.WithUsername("afo"),
		postgres.WithPassword("afo"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Errorf("terminate container: %v", err)
		}
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	return connStr
}

// resetTables gives each conformance subtest an empty schema.
func resetTables(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	_, err := pool.Exec(ctx, "TRUNCATE workflows, executions, integrations")
	require.NoError(t, err)
}

func TestPostgresStore(t *testing.T) {
	dsn := startPostgres(t)
	ctx := context.Background()

	s, err := OpenPostgres(ctx, dsn, 0)
	require.NoError(t, err)
	defer s.Close()

	t.Run("Conformance", func(t *testing.T) {
		storetest.Run(t, func(t *testing.T) storetest.Store {
			resetTables(t, ctx, s.db)
			return s
		})
	})

	t.Run("ResultOrderSurvives", func(t *testing.T) {
		resetTables(t, ctx, s.db)
		rec := storetest.NewExecution("ex-order", "wf", time.Now().UTC())
		rec.Results.Set("z-last", map[string]any{"n": float64(3)})
		require.NoError(t, s.SaveExecution(ctx, rec))

		got, err := s.GetExecution(ctx, "ex-order")
		require.NoError(t, err)
		assert.Equal(t, []string{"t", "m", "z-last"}, got.Results.Keys())
	})

	t.Run("Eviction", func(t *testing.T) {
		resetTables(t, ctx, s.db)
		bounded, err := NewPostgresStore(ctx, s.db, 3)
		require.NoError(t, err)
		base := time.Now().UTC()
		for i, id := range []string{"a", "b", "c", "d"} {
			require.NoError(t, bounded.SaveExecution(ctx, storetest.NewExecution(id, "wf", base.Add(time.Duration(i)*time.Second))))
		}
		list, err := bounded.ListExecutions(ctx, "wf", 0)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, "d", list[0].ID)
		_, err = s.GetExecution(ctx, "a")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Integrations", func(t *testing.T) {
		resetTables(t, ctx, s.db)
		require.NoError(t, s.UpsertIntegration(ctx, domain.Integration{UserID: "u1", Type: domain.IntegrationEmail, Provider: "smtp", Active: true}))
		require.NoError(t, s.UpsertIntegration(ctx, domain.Integration{UserID: "u1", Type: domain.IntegrationEmail, Provider: "ses", Active: true}))

		list, err := s.ListIntegrations(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "ses", list[0].Provider)

		require.NoError(t, s.DeleteIntegration(ctx, "u1", domain.IntegrationEmail))
		assert.ErrorIs(t, s.DeleteIntegration(ctx, "u1", domain.IntegrationEmail), domain.ErrNotFound)
	})
}
