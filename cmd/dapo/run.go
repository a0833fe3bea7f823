package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/aescanero/dapo/internal/config"
	"github.com/aescanero/dapo/pkg/adapters/commands/memory"
	"github.com/aescanero/dapo/pkg/domain"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRunCmd() *cobra.Command {
	var (
		stepIDs     []string
		requestedBy string
	)

	cmd := &cobra.Command{
		Use:   "run <job-id>",
		Short: "Run one job and exit when its execution ends",
		Long: `Run one job in this process. The first interrupt stops the execution
and waits for its steps to end; a second interrupt exits immediately.
The exit status is non-zero unless the execution ends Succeeded or Warning.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			if requestedBy == "" {
				requestedBy = os.Getenv("USER")
			}
			exec, err := runJob(cmd.Context(), cfg, logger, args[0], domain.RunOptions{
				StepIDs:     stepIDs,
				RequestedBy: requestedBy,
			})
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "execution %s of job %s ended %s\n", exec.ID, exec.JobID, exec.Status)
			ids := make([]string, 0, len(exec.Steps))
			for id := range exec.Steps {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "  %-24s %s\n", id, exec.Steps[id].Status)
			}
			if exec.Status != domain.ExecutionStatusSucceeded && exec.Status != domain.ExecutionStatusWarning {
				return fmt.Errorf("execution %s ended %s", exec.ID, exec.Status)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&stepIDs, "steps", nil, "run only these steps of the job")
	cmd.Flags().StringVar(&requestedBy, "by", "", "user recorded on the execution (defaults to $USER)")
	return cmd
}

// runJob launches jobID and waits for it. Interrupts are turned into a stop
// command delivered through the in-process channel.
func runJob(ctx context.Context, cfg *config.Config, logger *zap.Logger, jobID string, opts domain.RunOptions) (*domain.Execution, error) {
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeouts.ShutdownTimeout)
		defer cancel()
		if err := a.shutdown(shutdownCtx); err != nil {
			logger.Error("orchestrator shutdown error", zap.Error(err))
		}
	}()

	listenCtx, stopListening := context.WithCancel(ctx)
	defer stopListening()
	commands := memory.NewChannel(1, logger)
	go func() {
		if err := commands.Listen(listenCtx, a.manager); err != nil {
			logger.Error("command listener failed", zap.Error(err))
		}
	}()

	executionID, err := a.manager.Launch(ctx, jobID, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to start job %s: %w", jobID, err)
	}
	logger.Info("execution started",
		zap.String("execution_id", executionID),
		zap.String("job_id", jobID))

	waitCtx, abort := context.WithCancel(ctx)
	defer abort()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
		case <-waitCtx.Done():
			return
		}
		logger.Info("interrupt received, stopping execution", zap.String("execution_id", executionID))
		sendCtx, cancel := context.WithTimeout(waitCtx, 5*time.Second)
		result, err := commands.Send(sendCtx, domain.Command{
			ExecutionID: executionID,
			RequestedBy: opts.RequestedBy,
		})
		cancel()
		if err != nil {
			logger.Error("failed to stop execution", zap.Error(err))
		} else {
			logger.Info("stop requested", zap.String("outcome", string(result.Outcome)))
		}

		select {
		case <-sigCh:
			abort()
		case <-waitCtx.Done():
		}
	}()

	exec, err := a.manager.Wait(waitCtx, executionID)
	if err != nil {
		return nil, fmt.Errorf("execution %s did not end: %w", executionID, err)
	}
	return exec, nil
}
