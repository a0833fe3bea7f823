package grpc

import (
	"context"
	"fmt"

	grpcapi "github.com/aescanero/dapo/pkg/api/grpc"
	"github.com/aescanero/dapo/pkg/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Sender implements ports.CommandSender against the control service of an
// orchestrating process
type Sender struct {
	conn   *grpc.ClientConn
	client *grpcapi.ControlClient
}

// NewSender connects to addr (host:port) without transport security
func NewSender(addr string, opts ...grpc.DialOption) (*Sender, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client: %w", err)
	}
	return &Sender{conn: conn, client: grpcapi.NewControlClient(conn)}, nil
}

// Send delivers cmd and returns the outcome reported by the orchestrator
func (s *Sender) Send(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	return s.client.Stop(ctx, &cmd)
}

// Close releases the connection
func (s *Sender) Close() error {
	return s.conn.Close()
}
