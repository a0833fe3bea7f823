package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// ControlServiceName is the full name of the control service
	ControlServiceName = "dapo.v1.Control"
	// StopMethod is the full method name of Stop
	StopMethod = "/" + ControlServiceName + "/Stop"
)

// ControlServer is the server side of the control service
type ControlServer interface {
	Stop(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ControlServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Stop", Handler: stopHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dapo/v1/control",
}

func stopHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(domain.Command)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ControlServer).Stop(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: StopMethod}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ControlServer).Stop(ctx, req.(*domain.Command))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterControlServer registers the control service on s
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

// controlService routes Stop calls to a command handler
type controlService struct {
	handler ports.CommandHandler
}

func (c *controlService) Stop(ctx context.Context, cmd *domain.Command) (*domain.CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}
	result := c.handler.HandleCommand(ctx, *cmd)
	return &result, nil
}

// ControlClient calls the control service
type ControlClient struct {
	conn grpc.ClientConnInterface
}

// NewControlClient creates a client over an established connection
func NewControlClient(conn grpc.ClientConnInterface) *ControlClient {
	return &ControlClient{conn: conn}
}

// Stop sends a stop command
func (c *ControlClient) Stop(ctx context.Context, cmd *domain.Command, opts ...grpc.CallOption) (*domain.CommandResult, error) {
	out := new(domain.CommandResult)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(codecName)}, opts...)
	if err := c.conn.Invoke(ctx, StopMethod, cmd, out, opts...); err != nil {
		return nil, fmt.Errorf("failed to call %s: %w", StopMethod, err)
	}
	return out, nil
}
