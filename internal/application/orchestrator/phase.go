package orchestrator

import (
	"context"
	"fmt"
	"sort"

	"github.com/aescanero/dapo/pkg/domain"
	"go.uber.org/zap"
)

// runPhase runs the phases in ascending order. Every step of a phase is
// launched at once, subject to the limiter, and the whole phase finishes
// before the next starts. Dependencies and predecessor outcomes are ignored.
func (r *executionRun) runPhase(ctx context.Context) error {
	phases := make(map[int][]*domain.Step)
	for _, s := range r.steps {
		phases[s.Phase] = append(phases[s.Phase], s)
	}
	order := make([]int, 0, len(phases))
	for p := range phases {
		order = append(order, p)
	}
	sort.Ints(order)
	defer r.drain()

	for i, phase := range order {
		if r.ctl.stopping() {
			var remaining []string
			for _, p := range order[i:] {
				for _, s := range phases[p] {
					remaining = append(remaining, s.ID)
				}
			}
			sort.Strings(remaining)
			r.logger.Info("execution stop requested, not starting remaining phases",
				zap.Int("phase", phase),
				zap.Int("remaining", len(remaining)))
			return r.stopRemaining(ctx, remaining)
		}

		steps := phases[phase]
		sort.Slice(steps, func(a, b int) bool { return steps[a].ID < steps[b].ID })
		r.logger.Info("starting phase",
			zap.Int("phase", phase),
			zap.Int("steps", len(steps)))

		for _, s := range steps {
			if err := r.launch(s); err != nil {
				return fmt.Errorf("phase %d: %w", phase, err)
			}
		}
		for r.outstanding > 0 {
			r.next(context.Background())
		}
	}
	return nil
}
