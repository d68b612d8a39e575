package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomainErrorFormat(t *testing.T) {
	err := NewDomainError("Engine.Execute", ErrCycleDetected, "node 'a'")
	want := "Engine.Execute: node 'a': cycle detected"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorFormatNoDetail(t *testing.T) {
	err := NewDomainError("Engine.Execute", ErrMaxSteps, "")
	want := "Engine.Execute: execution step limit exceeded"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}

func TestDomainErrorUnwrap(t *testing.T) {
	err := NewDomainError("Outbound.Do", ErrSSRFBlocked, "10.0.0.1")
	if !errors.Is(err, ErrSSRFBlocked) {
		t.Error("errors.Is should match ErrSSRFBlocked")
	}
}

func TestDomainErrorAs(t *testing.T) {
	err := NewDomainError("Store.Get", ErrStore, "closed")
	var de *DomainError
	if !errors.As(err, &de) {
		t.Fatal("errors.As should match *DomainError")
	}
	if de.Op != "Store.Get" {
		t.Errorf("Op = %q, want %q", de.Op, "Store.Get")
	}
}

func TestErrorCodeOf_DirectSentinel(t *testing.T) {
	assert.Equal(t, CodeWorkflowCycle, ErrorCodeOf(ErrCycleDetected))
	assert.Equal(t, CodeRateLimit, ErrorCodeOf(ErrRateLimit))
	assert.Equal(t, CodeGatewayAuth, ErrorCodeOf(ErrGatewayAuthFailed))
}

func TestErrorCodeOf_WrappedError(t *testing.T) {
	wrapped := fmt.Errorf("run: %w", ErrMaxSteps)
	assert.Equal(t, CodeMaxSteps, ErrorCodeOf(wrapped))
}

func TestErrorCodeOf_UnknownError(t *testing.T) {
	assert.Equal(t, CodeUnknown, ErrorCodeOf(fmt.Errorf("some random error")))
	assert.Equal(t, CodeUnknown, ErrorCodeOf(nil))
}

func TestAllSentinelsHaveCodes(t *testing.T) {
	require.NotEmpty(t, errorCodeMap)
	for sentinel, code := range errorCodeMap {
		assert.NotEmpty(t, code, "sentinel %v has empty code", sentinel)
		assert.NotEqual(t, CodeUnknown, code, "sentinel %v maps to UNKNOWN", sentinel)
	}
}

func TestErrorCodeOf_SubSystem(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"workflow not found", NewSubSystemError("workflow", "Get", ErrNotFound, "wf-1"), CodeWorkflowNotFound},
		{"execution not found", NewSubSystemError("execution", "Get", ErrNotFound, "ex-1"), CodeExecutionNotFound},
		{"workflow inactive", NewSubSystemError("workflow", "Execute", ErrDisabled, ""), CodeWorkflowInactive},
		{"workflow max running", NewSubSystemError("workflow", "Start", ErrLimitReached, ""), CodeWorkflowMaxRunning},
		{"outbound timeout", NewSubSystemError("outbound", "Do", ErrTimeout, ""), CodeOutboundTimeout},
		{"unknown subsystem", NewSubSystemError("other", "Op", ErrNotFound, ""), CodeNotFound},
		{"wrapped", WrapOp("Service.Get", NewSubSystemError("workflow", "Get", ErrNotFound, "")), CodeWorkflowNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCodeOf(tt.err))
		})
	}
}

func TestNewSubSystemError_Format(t *testing.T) {
	err := NewSubSystemError("workflow", "Get", ErrNotFound, "wf-123")
	assert.Equal(t, "Get: wf-123: not found", err.Error())
	assert.Equal(t, "workflow", err.SubSystem)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestWrapOp(t *testing.T) {
	assert.Nil(t, WrapOp("anything", nil))

	inner := WrapOp("inner", ErrStore)
	outer := WrapOp("outer", inner)
	assert.Equal(t, "outer: inner: store operation failed", outer.Error())
	assert.True(t, errors.Is(outer, ErrStore))
}

func TestIsEngineFault(t *testing.T) {
	assert.True(t, IsEngineFault(ErrEngineFault))
	assert.True(t, IsEngineFault(NewDomainError("Engine.run", ErrCycleDetected, "a")))
	assert.True(t, IsEngineFault(fmt.Errorf("x: %w", ErrMaxSteps)))
	assert.False(t, IsEngineFault(ErrNotFound))
	assert.False(t, IsEngineFault(nil))
}
