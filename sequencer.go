package eolstation

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

// sequencer drives one TestCycle from its first step to a final verdict.
type sequencer struct {
	retry        *retryController
	registry     *Registry
	maxGlobal    int
	stepInterval time.Duration
	clock        clock.Clock
	logger       logging.Logger
	metrics      *stationMetrics
	instruct     func(string)
}

// run executes passes over the step list until one passes completely or the
// cycle fails for good, and sets the cycle's verdict exactly once.
//
// A pass ends at the first permanent step failure. Only families with
// GlobalRetry start another pass, and at most maxGlobal passes run in total.
func (s *sequencer) run(ctx context.Context, c *TestCycle) CycleVerdict {
	for {
		pass := c.beginPass()
		err := s.runPass(ctx, c)
		if err == nil {
			s.complete(c, VerdictOK, nil)
			return VerdictOK
		}

		if c.Family.GlobalRetry && pass < s.maxGlobal && ctx.Err() == nil {
			s.metrics.globalRestart(c.Family.Name)
			s.logger.Infow("restarting step sequence",
				"cycle_id", c.ID,
				"family", c.Family.Name,
				"global_attempt", pass+1,
				"error", err,
			)
			s.instruct(fmt.Sprintf("Restarting %s sequence (global attempt %d/%d)", c.Family.Name, pass+1, s.maxGlobal))
			continue
		}

		s.complete(c, VerdictNOK, err)
		return VerdictNOK
	}
}

func (s *sequencer) runPass(ctx context.Context, c *TestCycle) error {
	total := len(c.Steps)
	if total == 0 {
		return fmt.Errorf("%w: cycle %s has no steps", ErrStepListMissing, c.ID)
	}
	for {
		idx := c.Index()
		step := c.Steps[idx]

		exe, err := s.registry.Lookup(step.ID)
		if err != nil {
			lookupErr := err
			exe = Executable{Run: func(context.Context, StepInput) (any, error) { return nil, lookupErr }}
		}

		if _, err := s.retry.runStep(ctx, c, idx, exe, c.Family.RuleFor(step.ID)); err != nil {
			return err
		}
		c.setProgress(float64(idx+1) / float64(total))

		if !c.advance() {
			return nil
		}
		if s.stepInterval > 0 && !goutils.SelectContextOrWait(ctx, s.stepInterval) {
			return fmt.Errorf("cycle interrupted before %s: %w", c.Steps[idx+1].ID, ctx.Err())
		}
	}
}

func (s *sequencer) complete(c *TestCycle, v CycleVerdict, failure error) {
	if err := c.finish(v, failure, s.clock.Now()); err != nil {
		s.logger.Errorw("cycle verdict set twice", "cycle_id", c.ID, "error", err)
		return
	}
	s.logger.Infow("cycle finished",
		"cycle_id", c.ID,
		"identifier", c.Identifier,
		"family", c.Family.Name,
		"verdict", string(v),
		"global_attempts", c.GlobalAttempt(),
		"cumulative", c.Cumulative(),
	)
	if v == VerdictOK {
		s.instruct("All tests passed successfully!")
	}
}
