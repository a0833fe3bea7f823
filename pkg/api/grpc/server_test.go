package grpc

import (
	"context"
	"net"
	"sync"
	"testing"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type recordingHandler struct {
	mu   sync.Mutex
	cmds []domain.Command
}

func (h *recordingHandler) HandleCommand(ctx context.Context, cmd domain.Command) domain.CommandResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cmds = append(h.cmds, cmd)
	return domain.CommandResult{CommandID: cmd.ID, ExecutionID: cmd.ExecutionID, Outcome: domain.CommandAlreadyFinished}
}

func startServer(t *testing.T, handler *recordingHandler) *grpc.ClientConn {
	lis := bufconn.Listen(1 << 20)
	srv, err := NewServer(&Config{Listener: lis, Commands: handler, Logger: zap.NewNop()})
	require.NoError(t, err)
	go func() { _ = srv.Start() }()
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStop(t *testing.T) {
	handler := &recordingHandler{}
	client := NewControlClient(startServer(t, handler))

	res, err := client.Stop(context.Background(), &domain.Command{ExecutionID: "e1", RequestedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, domain.CommandAlreadyFinished, res.Outcome)
	assert.Equal(t, "e1", res.ExecutionID)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Len(t, handler.cmds, 1)
	assert.NotEmpty(t, handler.cmds[0].ID)
	assert.Equal(t, "ops", handler.cmds[0].RequestedBy)
}

func TestStopRequiresExecution(t *testing.T) {
	client := NewControlClient(startServer(t, &recordingHandler{}))

	_, err := client.Stop(context.Background(), &domain.Command{})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestHealth(t *testing.T) {
	conn := startServer(t, &recordingHandler{})

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(),
		&healthpb.HealthCheckRequest{Service: ControlServiceName})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}
