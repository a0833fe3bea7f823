package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNoListener is returned by Send when nothing listens on the channel
var ErrNoListener = errors.New("no command listener")

type request struct {
	cmd   domain.Command
	reply chan domain.CommandResult
}

// Channel is an in-process command transport implementing both
// ports.CommandSource and ports.CommandSender. Commands are handled one at a
// time by the listening goroutine; the sender waits for the result.
type Channel struct {
	requests  chan request
	listening chan struct{}
	logger    *zap.Logger
}

// NewChannel creates a channel queueing up to buffer commands
func NewChannel(buffer int, logger *zap.Logger) *Channel {
	return &Channel{
		requests:  make(chan request, buffer),
		listening: make(chan struct{}, 1),
		logger:    logger,
	}
}

// Listen handles commands until ctx is done. Only one listener may be active.
func (c *Channel) Listen(ctx context.Context, handler ports.CommandHandler) error {
	select {
	case c.listening <- struct{}{}:
	default:
		return fmt.Errorf("channel already has a listener")
	}
	defer func() { <-c.listening }()

	c.logger.Info("listening for in-process commands")
	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-c.requests:
			r.reply <- handler.HandleCommand(ctx, r.cmd)
		}
	}
}

// Send delivers cmd to the listener and waits for its result
func (c *Channel) Send(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	if len(c.listening) == 0 {
		return nil, ErrNoListener
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}

	r := request{cmd: cmd, reply: make(chan domain.CommandResult, 1)}
	select {
	case c.requests <- r:
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to send command: %w", ctx.Err())
	}

	select {
	case res := <-r.reply:
		return &res, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to wait for command result: %w", ctx.Err())
	}
}
