package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	r := New()
	r.Register(domain.StepTypeSQL, ports.StepExecutorFunc(func(ctx context.Context, req ports.ExecuteRequest) (*ports.ExecuteResult, error) {
		return &ports.ExecuteResult{InfoMessage: "ok"}, nil
	}))

	executor, err := r.Resolve(domain.StepTypeSQL)
	require.NoError(t, err)
	res, err := executor.Execute(context.Background(), ports.ExecuteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", res.InfoMessage)

	_, err = r.Resolve(domain.StepTypeEmail)
	assert.True(t, errors.Is(err, domain.ErrNoExecutor))
	assert.Equal(t, []domain.StepType{domain.StepTypeSQL}, r.Types())
}
