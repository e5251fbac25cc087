package eolstation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"
)

type retryController struct {
	maxAttempts int
	backoff     time.Duration
	exec        *executor
	logger      logging.Logger
	metrics     *stationMetrics
	instruct    func(string)
}

// runStep executes the step at idx until it passes or maxAttempts are spent.
// Every failure reason takes the same path: record, update the row, back off,
// try again. Exhaustion yields a *PermanentStepFailure.
func (rc *retryController) runStep(ctx context.Context, c *TestCycle, idx int, exe Executable, rule Rule) (Verdict, error) {
	step := c.Steps[idx]
	var (
		verdict Verdict
		last    *AttemptError
	)
	for {
		attempt := c.nextAttempt(idx)
		rc.instruct(fmt.Sprintf("Running %s...", step.ID))

		out := rc.exec.execute(ctx, exe, step, attempt, c.args())
		verdict, last = rc.judge(c, step, rule, out)
		if last != nil {
			out.Reason = last.Reason
		}
		rec := c.recordAttempt(out)
		rc.metrics.observeAttempt(c.Family.Name, out)
		c.updateRow(idx, verdict, last != nil)
		if last == nil {
			c.addCaptures(verdict.Captures)
			rc.instruct(fmt.Sprintf("%s passed on attempt %d", step.ID, attempt))
			return verdict, nil
		}

		rc.logger.Infow("step attempt failed",
			"cycle_id", c.ID,
			"step", step.ID,
			"attempt", attempt,
			"reason", string(last.Reason),
			"duration", rec.Duration,
			"error", last.Err,
		)
		if attempt >= rc.maxAttempts || last.Reason == ReasonCancelled {
			break
		}
		if !rule.QuietRetries {
			rc.instruct(fmt.Sprintf("%s failed on attempt %d", step.ID, attempt))
		}
		if rc.backoff > 0 && !goutils.SelectContextOrWait(ctx, rc.backoff) {
			break
		}
	}

	rc.instruct(fmt.Sprintf("%s failed after %d attempts. Process stopped.", step.ID, last.Attempt))
	return verdict, &PermanentStepFailure{Step: step.ID, Attempts: last.Attempt, Last: last}
}

// judge turns an outcome into a verdict, or into the attempt error explaining
// why the attempt failed.
func (rc *retryController) judge(c *TestCycle, step StepDescriptor, rule Rule, out StepOutcome) (Verdict, *AttemptError) {
	fail := func(reason Reason, err error) *AttemptError {
		return &AttemptError{Step: step.ID, Attempt: out.Attempt, Reason: reason, Err: err}
	}
	if out.Reason != ReasonNone {
		return Verdict{Actual: "Timeout/Error"}, fail(out.Reason, out.Err)
	}
	v, err := classify(rule, step, out.Raw, c.capturesSnapshot())
	if err != nil {
		if !errors.Is(err, ErrStepClassification) {
			err = fmt.Errorf("%w: %v", ErrStepClassification, err)
		}
		return v, fail(ReasonClassification, err)
	}
	if !v.Pass {
		return v, fail(ReasonRejected, nil)
	}
	return v, nil
}
