package eolstation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// StepOutcome is the result of one executed attempt.
type StepOutcome struct {
	Step       string
	Attempt    int
	Raw        any
	Reason     Reason
	Err        error
	Duration   time.Duration
	Diagnostic string
}

// stepArgs is the cycle context an executable may draw its arguments from.
type stepArgs struct {
	identifier string
	endpoint   string
	captures   map[string]string
}

type diagnosticBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (d *diagnosticBuffer) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.buf.Write(p)
}

func (d *diagnosticBuffer) String() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return strings.TrimSpace(d.buf.String())
}

type executor struct {
	family  string
	clock   clock.Clock
	timeout time.Duration
}

// execute runs one attempt under a deadline. Errors and panics from the step are
// folded into the outcome instead of being returned.
func (e *executor) execute(ctx context.Context, exe Executable, step StepDescriptor, attempt int, args stepArgs) (out StepOutcome) {
	out = StepOutcome{Step: step.ID, Attempt: attempt}
	diag := &diagnosticBuffer{}
	in := StepInput{Log: diag}
	switch exe.Args {
	case ArgsIdentity:
		in.Identifier = args.identifier
		in.Endpoint = args.endpoint
	case ArgsCapture:
		in.Capture = args.captures[exe.CaptureKey]
	}

	attemptCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := e.clock.Now()
	defer func() {
		out.Duration = e.clock.Since(start)
		out.Reason = e.reason(ctx, attemptCtx, out)
		if out.Reason == ReasonTimeout && !errors.Is(out.Err, ErrStepTimeout) {
			out.Err = fmt.Errorf("%w: %s took %v, bound is %v", ErrStepTimeout, step.ID, out.Duration.Round(time.Millisecond), e.timeout)
		}
		if out.Err != nil {
			fmt.Fprintf(diag, "\nError in %s.%s: %v", e.family, step.ID, out.Err)
		}
		out.Diagnostic = diag.String()
	}()

	if exe.Run == nil {
		out.Err = fmt.Errorf("%w: %s has no executable", ErrUnknownStep, step.ID)
		return out
	}
	r := e.run(attemptCtx, exe, in)
	out.Raw, out.Err = r.raw, r.err
	return out
}

type runResult struct {
	raw any
	err error
}

// run calls the step on its own goroutine so a step that ignores its context
// still cannot hold the cycle past the attempt deadline. An abandoned step
// keeps running until it returns; its result is dropped.
func (e *executor) run(ctx context.Context, exe Executable, in StepInput) runResult {
	done := make(chan runResult, 1)
	go func() {
		var r runResult
		defer func() {
			if p := recover(); p != nil {
				r = runResult{err: fmt.Errorf("%w: panic: %v", ErrStepExecution, p)}
			}
			done <- r
		}()
		r.raw, r.err = exe.Run(ctx, in)
	}()

	select {
	case r := <-done:
		return r
	case <-ctx.Done():
		select {
		case r := <-done:
			return r
		default:
			return runResult{err: fmt.Errorf("step abandoned: %w", ctx.Err())}
		}
	}
}

func (e *executor) reason(parent, attemptCtx context.Context, out StepOutcome) Reason {
	switch {
	case parent.Err() != nil:
		return ReasonCancelled
	case out.Duration > e.timeout:
		return ReasonTimeout
	case out.Err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded):
		return ReasonTimeout
	case out.Err != nil:
		return ReasonExecution
	}
	return ReasonNone
}
