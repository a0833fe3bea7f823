package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// StreamKey is the stream every orchestrating process reads commands from
	StreamKey = "dapo:commands"

	streamMaxLen = 1000
	seenCapacity = 1024
	resultTTL    = time.Minute
)

func resultKey(commandID string) string {
	return fmt.Sprintf("dapo:command-results:%s", commandID)
}

// Source implements ports.CommandSource over a Redis stream. Every process
// reads through its own consumer group, so each command reaches every
// process; the one running the execution answers on the result list of the
// command and the others ignore it.
type Source struct {
	client       *redis.Client
	group        string
	consumerName string
	logger       *zap.Logger

	mu   sync.Mutex
	seen map[string]struct{}
	ring []string
	next int
}

// NewSource creates a command source. consumerName must be unique per process.
func NewSource(client *redis.Client, consumerName string, logger *zap.Logger) *Source {
	return &Source{
		client:       client,
		group:        fmt.Sprintf("dapo:orchestrator:%s", consumerName),
		consumerName: consumerName,
		logger:       logger,
		seen:         make(map[string]struct{}, seenCapacity),
		ring:         make([]string, seenCapacity),
	}
}

// Listen reads commands until ctx is done. Commands published before Listen
// was called are not delivered.
func (s *Source) Listen(ctx context.Context, handler ports.CommandHandler) error {
	err := s.client.XGroupCreateMkStream(ctx, StreamKey, s.group, "$").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	defer func() {
		cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.client.XGroupDestroy(cleanup, StreamKey, s.group).Err(); err != nil {
			s.logger.Debug("failed to destroy consumer group",
				zap.String("consumer_group", s.group),
				zap.Error(err))
		}
	}()

	s.logger.Info("listening for commands",
		zap.String("stream", StreamKey),
		zap.String("consumer_group", s.group))

	for {
		if ctx.Err() != nil {
			return nil
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumerName,
			Streams:  []string{StreamKey, ">"},
			Count:    10,
			Block:    time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			s.logger.Error("failed to read commands", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				s.process(ctx, message, handler)
			}
		}
	}
}

func (s *Source) process(ctx context.Context, message redis.XMessage, handler ports.CommandHandler) {
	defer func() {
		if err := s.client.XAck(context.WithoutCancel(ctx), StreamKey, s.group, message.ID).Err(); err != nil {
			s.logger.Error("failed to acknowledge command",
				zap.String("message_id", message.ID),
				zap.Error(err))
		}
	}()

	data, ok := message.Values["data"].(string)
	if !ok {
		s.logger.Error("invalid command format", zap.String("message_id", message.ID))
		return
	}
	var cmd domain.Command
	if err := json.Unmarshal([]byte(data), &cmd); err != nil {
		s.logger.Error("failed to unmarshal command",
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if !s.markSeen(cmd.ID) {
		s.logger.Debug("duplicate command delivery ignored", zap.String("command_id", cmd.ID))
		return
	}

	result := handler.HandleCommand(ctx, cmd)
	if result.Outcome == domain.CommandNotFound {
		s.logger.Debug("command addressed to another process",
			zap.String("command_id", cmd.ID),
			zap.String("execution_id", cmd.ExecutionID))
		return
	}

	if err := s.reply(context.WithoutCancel(ctx), cmd.ID, result); err != nil {
		s.logger.Warn("failed to publish command result",
			zap.String("command_id", cmd.ID),
			zap.Error(err))
	}
}

// markSeen records a command id and reports whether it was new. The cache
// keeps the most recent ids only.
func (s *Source) markSeen(id string) bool {
	if id == "" {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.seen, old)
	}
	s.ring[s.next] = id
	s.next = (s.next + 1) % len(s.ring)
	s.seen[id] = struct{}{}
	return true
}

func (s *Source) reply(ctx context.Context, commandID string, result domain.CommandResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	key := resultKey(commandID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, resultTTL)
		return nil
	})
	return err
}

// Sender implements ports.CommandSender by appending to the command stream
// and waiting for the owning process to answer.
type Sender struct {
	client       *redis.Client
	replyTimeout time.Duration
	logger       *zap.Logger
}

// NewSender creates a sender waiting up to replyTimeout for a result
func NewSender(client *redis.Client, replyTimeout time.Duration, logger *zap.Logger) *Sender {
	return &Sender{client: client, replyTimeout: replyTimeout, logger: logger}
}

// Send publishes cmd. When no process answers in time the result is
// not_found.
func (s *Sender) Send(ctx context.Context, cmd domain.Command) (*domain.CommandResult, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = time.Now()
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	if err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return nil, fmt.Errorf("failed to add command to stream: %w", err)
	}

	s.logger.Debug("command published",
		zap.String("command_id", cmd.ID),
		zap.String("execution_id", cmd.ExecutionID),
		zap.String("step_id", cmd.StepID))

	reply, err := s.client.BLPop(ctx, s.replyTimeout, resultKey(cmd.ID)).Result()
	if errors.Is(err, redis.Nil) {
		return &domain.CommandResult{
			CommandID:   cmd.ID,
			ExecutionID: cmd.ExecutionID,
			StepID:      cmd.StepID,
			Outcome:     domain.CommandNotFound,
			Message:     "no orchestrating process answered",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to wait for command result: %w", err)
	}

	var result domain.CommandResult
	if err := json.Unmarshal([]byte(reply[1]), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal command result: %w", err)
	}
	return &result, nil
}
