package orchestrator

import (
	"context"
	"fmt"

	"github.com/aescanero/dapo/pkg/domain"
	"go.uber.org/zap"
)

type decision int

const (
	decisionWait decision = iota
	decisionRun
	decisionSkip
)

// classify decides the fate of a not-started step from one status snapshot.
// Dependencies on steps outside the run count as satisfied.
func (r *executionRun) classify(step *domain.Step, statuses map[string]domain.ExecutionStatus) (decision, string) {
	for _, d := range r.job.DependenciesOf(step.ID) {
		if !r.selected[d.DependsOn] {
			continue
		}
		st := statuses[d.DependsOn]
		if !st.IsTerminal() {
			return decisionWait, ""
		}
		if d.Strict && st.IsFailureClass() {
			return decisionSkip, fmt.Sprintf("skipped: required step %s finished with status %s", d.DependsOn, st)
		}
	}
	return decisionRun, ""
}

// runDependency drives rounds: skip what can no longer run, launch what is
// eligible, then wait for a worker before looking again. A step failure
// never aborts the rounds.
func (r *executionRun) runDependency(ctx context.Context) error {
	pending := make(map[string]*domain.Step, len(r.steps))
	for _, s := range r.steps {
		pending[s.ID] = s
	}
	defer r.drain()

	for round := 1; len(pending) > 0; round++ {
		if r.ctl.stopping() {
			r.logger.Info("execution stop requested, not launching remaining steps",
				zap.Int("remaining", len(pending)))
			return r.stopRemaining(ctx, sortedIDs(pending))
		}

		statuses, err := r.store.StepStatuses(ctx, r.executionID)
		if err != nil {
			return fmt.Errorf("failed to read step statuses: %w", err)
		}

		var launched, skipped int
		for _, id := range sortedIDs(pending) {
			step := pending[id]
			d, reason := r.classify(step, statuses)
			switch d {
			case decisionSkip:
				if err := r.end(ctx, id, domain.AttemptOutcome{
					Status:       domain.ExecutionStatusSkipped,
					ErrorMessage: reason,
				}); err != nil {
					return err
				}
				delete(pending, id)
				skipped++
			case decisionRun:
				if err := r.launch(step); err != nil {
					return err
				}
				delete(pending, id)
				launched++
			}
		}

		r.logger.Debug("round evaluated",
			zap.Int("round", round),
			zap.Int("launched", launched),
			zap.Int("skipped", skipped),
			zap.Int("waiting", len(pending)),
			zap.Int("in_flight", r.outstanding))

		if len(pending) == 0 {
			break
		}
		// skips may unblock dependents; look again before waiting
		if launched == 0 && skipped > 0 {
			continue
		}
		if r.outstanding == 0 {
			ids := sortedIDs(pending)
			for _, id := range ids {
				if err := r.end(ctx, id, domain.AttemptOutcome{
					Status:       domain.ExecutionStatusFailed,
					Reason:       domain.FailureReasonError,
					ErrorMessage: "unresolvable dependencies",
				}); err != nil {
					return err
				}
			}
			return fmt.Errorf("no step can make progress: %v", ids)
		}

		r.next(r.ctl.ctx)
	}
	return nil
}
