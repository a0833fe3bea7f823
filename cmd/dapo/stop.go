package main

import (
	"fmt"
	"os"

	"github.com/aescanero/dapo/internal/config"
	grpccommands "github.com/aescanero/dapo/pkg/adapters/commands/grpc"
	rediscommands "github.com/aescanero/dapo/pkg/adapters/commands/redis"
	"github.com/aescanero/dapo/pkg/domain"
	"github.com/aescanero/dapo/pkg/ports"

	"github.com/spf13/cobra"
)

func newStopCmd() *cobra.Command {
	var (
		stepID      string
		requestedBy string
		transport   string
		addr        string
	)

	cmd := &cobra.Command{
		Use:   "stop <execution-id>",
		Short: "Stop a running execution or one of its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if transport == "" {
				transport = cfg.CommandTransport
			}
			if requestedBy == "" {
				requestedBy = os.Getenv("USER")
			}

			var sender ports.CommandSender
			switch transport {
			case config.BackendGRPC:
				if addr == "" {
					addr = fmt.Sprintf("localhost:%d", cfg.GRPCPort)
				}
				s, err := grpccommands.NewSender(addr)
				if err != nil {
					return err
				}
				defer s.Close()
				sender = s
			case config.BackendRedis:
				client, err := connectRedis(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer client.Close()
				sender = rediscommands.NewSender(client, cfg.Orchestration.CommandReplyTimeout, logger)
			default:
				return fmt.Errorf("unsupported command transport: %s", transport)
			}

			result, err := sender.Send(cmd.Context(), domain.Command{
				ExecutionID: args[0],
				StepID:      stepID,
				RequestedBy: requestedBy,
			})
			if err != nil {
				return fmt.Errorf("failed to send stop command: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", result.Outcome)
			if result.Message != "" {
				fmt.Fprintln(cmd.OutOrStdout(), result.Message)
			}
			if result.Outcome == domain.CommandNotFound {
				return fmt.Errorf("execution %s is not running", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&stepID, "step", "", "stop only this step")
	cmd.Flags().StringVar(&requestedBy, "by", "", "user recorded as the stop requester (defaults to $USER)")
	cmd.Flags().StringVar(&transport, "transport", "", "grpc or redis (defaults to DAPO_COMMAND_TRANSPORT)")
	cmd.Flags().StringVar(&addr, "addr", "", "gRPC address of the orchestrator (defaults to localhost:DAPO_GRPC_PORT)")
	return cmd
}
