package eolstation

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.viam.com/rdk/resource"
)

// StepInput carries the arguments a step's ArgKind asks for.
type StepInput struct {
	Identifier string
	Endpoint   string
	Capture    string
	// Log receives diagnostic text kept verbatim in the cycle record.
	Log io.Writer
}

// StepFunc performs one test action against the vehicle and returns its raw
// output: a bool, a single value, or a Tuple.
type StepFunc func(ctx context.Context, in StepInput) (any, error)

// Executable is an invocable step and the arguments it needs.
type Executable struct {
	Args       ArgKind
	CaptureKey string
	Run        StepFunc
}

type stepKey struct {
	family string
	step   string
}

var (
	registeredMu    sync.RWMutex
	registeredSteps = map[stepKey]Executable{}
)

// RegisterStep makes a compiled-in step executable available to a family.
// Bindings in the families file take precedence over registered steps.
func RegisterStep(family, step string, exe Executable) {
	registeredMu.Lock()
	defer registeredMu.Unlock()
	if exe.Args == "" {
		exe.Args = ArgsNone
	}
	registeredSteps[stepKey{family, step}] = exe
}

// Registry resolves step ids of one family to executables. It is built fresh
// at every cycle start so no binding outlives a family or ruleset change.
type Registry struct {
	family string
	steps  map[string]Executable
}

func buildRegistry(fam *Family, deps resource.Dependencies) (*Registry, error) {
	r := &Registry{family: fam.Name, steps: map[string]Executable{}}

	registeredMu.RLock()
	for k, exe := range registeredSteps {
		if k.family == fam.Name {
			r.steps[k.step] = exe
		}
	}
	registeredMu.RUnlock()

	for id, b := range fam.Bindings {
		exe, err := bindingExecutable(id, b, deps)
		if err != nil {
			return nil, fmt.Errorf("binding %s.%s: %w", fam.Name, id, err)
		}
		r.steps[id] = exe
	}
	return r, nil
}

// Lookup returns the executable bound to step.
func (r *Registry) Lookup(step string) (Executable, error) {
	exe, ok := r.steps[step]
	if !ok {
		return Executable{}, fmt.Errorf("%w: %s.%s", ErrUnknownStep, r.family, step)
	}
	return exe, nil
}
