package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEngineErrorWrapping(t *testing.T) {
	inner := &EngineError{Op: "store.Get", Kind: KindTransient, Err: ErrStoreUnavailable}
	outer := fmt.Errorf("loading state: %w", inner)

	assert.True(t, errors.Is(outer, ErrStoreUnavailable))

	var ee *EngineError
	assert.True(t, errors.As(outer, &ee))
	assert.Equal(t, KindTransient, ee.Kind)
}

func TestEngineErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *EngineError
		want string
	}{
		{
			name: "op_and_id",
			err:  &EngineError{Op: "registry.Execute", ID: "agent-1", Err: ErrAgentNotFound},
			want: "registry.Execute [agent-1]: agent not found",
		},
		{
			name: "op_only",
			err:  &EngineError{Op: "workflow.Submit", Err: ErrQueueFull},
			want: "workflow.Submit: queue is full",
		},
		{
			name: "message_only",
			err:  &EngineError{Kind: KindValidation, Message: "step id missing"},
			want: "step id missing",
		},
		{
			name: "op_message_and_err",
			err:  &EngineError{Op: "prompt.Validate", Message: `variable "tone" is required`, Err: ErrInvalidConfiguration},
			want: `prompt.Validate: variable "tone" is required: invalid configuration`,
		},
		{
			name: "op_id_message_and_err",
			err:  &EngineError{Op: "registry.Execute", ID: "agent-1", Message: "agent is unhealthy", Err: ErrAgentUnavailable},
			want: "registry.Execute [agent-1]: agent is unhealthy: agent unavailable",
		},
		{
			name: "op_and_message",
			err:  &EngineError{Op: "critique.Run", ID: "c-1", Message: "model offline"},
			want: "critique.Run [c-1]: model offline",
		},
		{
			name: "kind_fallback",
			err:  &EngineError{Kind: KindInternal},
			want: "internal error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"engine_error", &EngineError{Kind: KindCapacity, Err: ErrQueueFull}, KindCapacity},
		{"wrapped_engine_error", fmt.Errorf("x: %w", &EngineError{Kind: KindPermission}), KindPermission},
		{"not_found_sentinel", fmt.Errorf("y: %w", ErrProcessNotFound), KindNotFound},
		{"transient_sentinel", ErrConnectionFailed, KindTransient},
		{"validation_sentinel", ErrInvalidConfiguration, KindValidation},
		{"capacity_sentinel", ErrRateLimitExceeded, KindCapacity},
		{"plain_error", errors.New("boom"), KindInternal},
		{"nil_like_unknown", errors.New(""), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestErrorClassifiers(t *testing.T) {
	assert.True(t, IsNotFound(ErrSnapshotNotFound))
	assert.False(t, IsNotFound(ErrQueueFull))

	assert.True(t, IsRetryable(ErrTimeout))
	assert.False(t, IsRetryable(ErrAgentNotFound))

	assert.True(t, IsCapacity(ErrContextDepthLimit))
	assert.False(t, IsCapacity(ErrTimeout))
}
