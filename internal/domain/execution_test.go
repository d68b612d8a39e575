package domain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultSetPreservesOrder(t *testing.T) {
	var rs ResultSet
	rs.Set("zeta", map[string]any{"n": 1})
	rs.Set("alpha", map[string]any{"n": 2})
	rs.Set("mid", map[string]any{"n": 3})

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, rs.Keys())

	data, err := json.Marshal(rs)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":{"n":1},"alpha":{"n":2},"mid":{"n":3}}`, string(data))

	var back ResultSet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, back.Keys())
	got, ok := back.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, float64(2), got["n"])
}

func TestResultSetEmpty(t *testing.T) {
	data, err := json.Marshal(ResultSet{})
	require.NoError(t, err)
	assert.Equal(t, `{}`, string(data))

	var rs ResultSet
	require.NoError(t, json.Unmarshal([]byte(`null`), &rs))
	assert.Equal(t, 0, rs.Len())

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &rs))
}

func TestResultSetSetExistingKeepsPosition(t *testing.T) {
	var rs ResultSet
	rs.Set("a", map[string]any{"v": 1})
	rs.Set("b", map[string]any{"v": 2})
	rs.Set("a", map[string]any{"v": 3})
	assert.Equal(t, []string{"a", "b"}, rs.Keys())
	got, _ := rs.Get("a")
	assert.Equal(t, 3, got["v"])
}

func TestExecutionRecordClone(t *testing.T) {
	now := time.Now()
	rec := ExecutionRecord{
		ID:          "ex",
		Status:      ExecutionCompleted,
		Context:     map[string]any{"name": "Ada"},
		Errors:      []string{"boom"},
		CompletedAt: &now,
	}
	rec.Results.Set("a", map[string]any{"x": "y"})

	cp := rec.Clone()
	cp.Context["name"] = "Bob"
	cp.Errors[0] = "changed"
	res, _ := cp.Results.Get("a")
	res["x"] = "z"
	cp.Results.Set("b", nil)

	assert.Equal(t, "Ada", rec.Context["name"])
	assert.Equal(t, "boom", rec.Errors[0])
	orig, _ := rec.Results.Get("a")
	assert.Equal(t, "y", orig["x"])
	assert.Equal(t, 1, rec.Results.Len())
	assert.NotSame(t, rec.CompletedAt, cp.CompletedAt)
	assert.Equal(t, rec.CompletedAt, rec.FinishedAt())
}

func TestExecutionStatusTerminal(t *testing.T) {
	assert.False(t, ExecutionRunning.Terminal())
	assert.True(t, ExecutionCompleted.Terminal())
	assert.True(t, ExecutionFailed.Terminal())
	assert.True(t, ExecutionCancelled.Terminal())
}

type stubProvider struct {
	list []Integration
	err  error
}

func (s stubProvider) ListIntegrations(context.Context, string) ([]Integration, error) {
	return s.list, s.err
}

func TestActiveIntegrationTypes(t *testing.T) {
	p := stubProvider{list: []Integration{
		{Type: IntegrationCRM, Provider: "hubspot", Active: true},
		{Type: IntegrationEmail, Provider: "smtp", Active: false},
	}}
	active, err := ActiveIntegrationTypes(context.Background(), p, "u1")
	require.NoError(t, err)
	assert.True(t, active[IntegrationCRM])
	assert.False(t, active[IntegrationEmail])

	active, err = ActiveIntegrationTypes(context.Background(), nil, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = ActiveIntegrationTypes(context.Background(), stubProvider{err: errors.New("down")}, "u1")
	assert.Error(t, err)
}
