package process

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func shellStep(script string) *domain.Step {
	return &domain.Step{
		ID:     "sh",
		Config: &domain.ExecConfig{Path: "/bin/sh", Args: []string{"-c", script}, Env: map[string]string{"GREETING": "hello"}},
	}
}

func TestExecuteSuccessKeepsOutput(t *testing.T) {
	e := New(zap.NewNop())
	res, err := e.Execute(context.Background(), ports.ExecuteRequest{
		ExecutionID: "e1",
		Step:        shellStep(`echo "$GREETING from $DAPO_EXECUTION_ID attempt $DAPO_ATTEMPT"`),
		Attempt:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello from e1 attempt 2", strings.TrimSpace(res.InfoMessage))
}

func TestExecuteExitCode(t *testing.T) {
	e := New(zap.NewNop())
	res, err := e.Execute(context.Background(), ports.ExecuteRequest{Step: shellStep("echo boom >&2; exit 3")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exited with code 3")
	assert.Contains(t, res.InfoMessage, "boom")
}

func TestExecuteCancelled(t *testing.T) {
	e := New(zap.NewNop(), WithGracePeriod(100*time.Millisecond))
	ctx, cancel := context.WithCancelCause(context.Background())
	time.AfterFunc(50*time.Millisecond, func() { cancel(&domain.StopRequest{RequestedBy: "ops"}) })

	start := time.Now()
	_, err := e.Execute(ctx, ports.ExecuteRequest{Step: shellStep("sleep 30")})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	var stop *domain.StopRequest
	assert.True(t, errors.As(err, &stop))
	assert.Equal(t, "ops", stop.RequestedBy)
}

func TestExecuteRejectsOtherStepTypes(t *testing.T) {
	e := New(zap.NewNop())
	_, err := e.Execute(context.Background(), ports.ExecuteRequest{
		Step: &domain.Step{ID: "q", Config: &domain.SQLConfig{ConnectionID: "dw", Statement: "select 1"}},
	})
	assert.Error(t, err)
}

func TestTailKeepsLastBytes(t *testing.T) {
	tl := newTail(5)
	_, _ = tl.Write([]byte("abc"))
	_, _ = tl.Write([]byte("defgh"))
	assert.Equal(t, "defgh", tl.String())
}
