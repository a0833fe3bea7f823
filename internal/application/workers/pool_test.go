package workers

import (
	"context"
	"testing"
	"time"

	"github.com/aescanero/dapo/pkg/adapters/metrics/noop"
	"github.com/aescanero/dapo/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestPoolReportsPanickingWorker(t *testing.T) {
	pool := NewPool(2, zap.NewNop())
	require.NoError(t, pool.Launch(context.Background(), "boom", func(ctx context.Context) domain.ExecutionStatus {
		panic("unexpected")
	}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	c, err := pool.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, "boom", c.StepID)
	assert.Equal(t, domain.ExecutionStatusFailed, c.Status)
	assert.Equal(t, 0, pool.InFlight())
}

func TestPoolRejectsRelaunchAndOverflow(t *testing.T) {
	pool := NewPool(1, zap.NewNop())
	block := make(chan struct{})
	require.NoError(t, pool.Launch(context.Background(), "a", func(ctx context.Context) domain.ExecutionStatus {
		<-block
		return domain.ExecutionStatusSucceeded
	}))

	assert.Error(t, pool.Launch(context.Background(), "a", nil))
	assert.Error(t, pool.Launch(context.Background(), "b", nil))

	tasks := pool.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "a", tasks[0].StepID)

	close(block)
	pool.Wait()
	assert.Equal(t, 0, pool.InFlight())
}

func TestPoolNextHonoursContext(t *testing.T) {
	pool := NewPool(1, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := pool.Next(ctx)
	assert.Error(t, err)
}

type staticLoads []Load

func (s staticLoads) Loads() []Load { return s }

func TestMonitorAggregatesLoads(t *testing.T) {
	m := NewMonitor(staticLoads{
		{ExecutionID: "e1", Tasks: []Task{{StepID: "a"}, {StepID: "b"}}, RunningSteps: 2, SlotsInUse: 2, SlotsCapacity: 2,
			TypeSlots: []TypeSlot{{Type: domain.StepTypeSQL, InUse: 1, Capacity: 1}}},
		{ExecutionID: "e2", Tasks: []Task{{StepID: "c"}}, RunningSteps: 1, SlotsInUse: 1, SlotsCapacity: 4,
			TypeSlots: []TypeSlot{{Type: domain.StepTypeSQL, Capacity: 2}, {Type: domain.StepTypeEmail, InUse: 1, Capacity: 1}}},
	}, noop.Collector{}, time.Minute, zap.NewNop())

	status := m.Check()
	assert.Equal(t, 2, status.ActiveExecutions)
	assert.Equal(t, 3, status.RunningSteps)
	assert.Equal(t, 3, status.SlotsInUse)
	assert.Equal(t, 6, status.SlotsCapacity)
	assert.False(t, status.Saturated)
	assert.Equal(t, []TypeSlot{
		{Type: domain.StepTypeEmail, InUse: 1, Capacity: 1},
		{Type: domain.StepTypeSQL, InUse: 1, Capacity: 3},
	}, status.TypeSlots)

	m.Start()
	m.Start()
	m.Stop()
	m.Stop()
}
