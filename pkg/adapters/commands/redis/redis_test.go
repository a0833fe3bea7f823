package redis

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	_ ports.CommandSource = (*Source)(nil)
	_ ports.CommandSender = (*Sender)(nil)
)

type handlerFunc func(ctx context.Context, cmd domain.Command) domain.CommandResult

func (f handlerFunc) HandleCommand(ctx context.Context, cmd domain.Command) domain.CommandResult {
	return f(ctx, cmd)
}

func newClient(t *testing.T) *redis.Client {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func listen(t *testing.T, client *redis.Client, name string, handler ports.CommandHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewSource(client, name, zap.NewNop()).Listen(ctx, handler)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	group := "dapo:orchestrator:" + name
	require.Eventually(t, func() bool {
		groups, err := client.XInfoGroups(context.Background(), StreamKey).Result()
		if err != nil {
			return false
		}
		for _, g := range groups {
			if g.Name == group {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendReachesOwningProcess(t *testing.T) {
	client := newClient(t)

	var mu sync.Mutex
	var owner, other []domain.Command
	listen(t, client, "owner", handlerFunc(func(ctx context.Context, cmd domain.Command) domain.CommandResult {
		mu.Lock()
		owner = append(owner, cmd)
		mu.Unlock()
		return domain.CommandResult{CommandID: cmd.ID, ExecutionID: cmd.ExecutionID, Outcome: domain.CommandAccepted}
	}))
	listen(t, client, "other", handlerFunc(func(ctx context.Context, cmd domain.Command) domain.CommandResult {
		mu.Lock()
		other = append(other, cmd)
		mu.Unlock()
		return domain.CommandResult{CommandID: cmd.ID, ExecutionID: cmd.ExecutionID, Outcome: domain.CommandNotFound}
	}))

	sender := NewSender(client, 2*time.Second, zap.NewNop())
	res, err := sender.Send(context.Background(), domain.Command{ExecutionID: "e1", RequestedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, domain.CommandAccepted, res.Outcome)
	assert.Equal(t, "e1", res.ExecutionID)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(owner) == 1 && len(other) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSendWithoutOwner(t *testing.T) {
	client := newClient(t)
	listen(t, client, "bystander", handlerFunc(func(ctx context.Context, cmd domain.Command) domain.CommandResult {
		return domain.CommandResult{Outcome: domain.CommandNotFound}
	}))

	sender := NewSender(client, time.Second, zap.NewNop())
	res, err := sender.Send(context.Background(), domain.Command{ExecutionID: "gone"})
	require.NoError(t, err)
	assert.Equal(t, domain.CommandNotFound, res.Outcome)
	assert.NotEmpty(t, res.CommandID)
}

func TestRedeliveryIsIgnored(t *testing.T) {
	client := newClient(t)

	var mu sync.Mutex
	calls := 0
	listen(t, client, "owner", handlerFunc(func(ctx context.Context, cmd domain.Command) domain.CommandResult {
		mu.Lock()
		calls++
		mu.Unlock()
		return domain.CommandResult{CommandID: cmd.ID, Outcome: domain.CommandAccepted}
	}))

	data, err := json.Marshal(domain.Command{ID: "cmd-1", ExecutionID: "e1"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
			Stream: StreamKey,
			Values: map[string]interface{}{"data": string(data)},
		}).Err())
	}

	require.Eventually(t, func() bool {
		n, err := client.LLen(context.Background(), resultKey("cmd-1")).Result()
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
}

func TestSeenCacheIsBounded(t *testing.T) {
	s := NewSource(nil, "p", zap.NewNop())
	assert.True(t, s.markSeen("first"))
	assert.False(t, s.markSeen("first"))

	for i := 0; i < seenCapacity; i++ {
		s.markSeen(time.Duration(i).String())
	}
	assert.Len(t, s.seen, seenCapacity)
	assert.True(t, s.markSeen("first"))
}

func TestSendRejectsInvalidCommand(t *testing.T) {
	sender := NewSender(newClient(t), time.Second, zap.NewNop())
	_, err := sender.Send(context.Background(), domain.Command{})
	assert.Error(t, err)
}
