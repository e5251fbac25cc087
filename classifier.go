package eolstation

import (
	"fmt"
	"math"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cast"
)

// Tuple is a multi-valued step result such as (ok, value) or (ok, a, b).
type Tuple []any

// Verdict is the normalized result of one classified attempt.
type Verdict struct {
	Pass   bool
	Actual string
	// Expected replaces the row's displayed expected value when ExpectedSet.
	Expected    string
	ExpectedSet bool
	// Captures are cycle-scoped values published for later steps.
	Captures map[string]string
}

const errorActual = "Error"

// classify interprets a step's raw output under rule. captures is the cycle's
// current cross-step state and is never modified here.
func classify(rule Rule, step StepDescriptor, raw any, captures map[string]string) (Verdict, error) {
	switch rule.Kind {
	case RuleExact:
		ok, value, shaped := pair(raw)
		if !shaped {
			return shapeError(step, rule, raw)
		}
		actual := cast.ToString(value)
		return Verdict{Pass: ok && actual == step.Expected, Actual: actual}, nil

	case RuleRange:
		ok, value, shaped := pair(raw)
		if !shaped {
			return shapeError(step, rule, raw)
		}
		v, err := cast.ToFloat64E(value)
		if err != nil {
			return Verdict{Actual: errorActual}, fmt.Errorf("%w: %s value %v is not numeric", ErrStepClassification, step.ID, value)
		}
		lsl, usl, err := limits(step)
		if err != nil {
			return Verdict{Actual: errorActual}, err
		}
		return Verdict{Pass: ok && lsl <= v && v <= usl, Actual: cast.ToString(value)}, nil

	case RuleCarryForward:
		t, ok := raw.(Tuple)
		if !ok || len(t) != 3 {
			return shapeError(step, rule, raw)
		}
		return Verdict{
			Pass:        truthy(t[0]),
			Actual:      cast.ToString(t[2]),
			Expected:    cast.ToString(t[1]),
			ExpectedSet: true,
		}, nil

	case RuleBoolean:
		var pass bool
		switch r := raw.(type) {
		case bool:
			pass = r
		case Tuple:
			// (ok, detail) results pass on ok alone
			if len(r) == 0 {
				return shapeError(step, rule, raw)
			}
			b, isBool := r[0].(bool)
			if !isBool {
				return shapeError(step, rule, raw)
			}
			pass = b
		default:
			pass = truthy(raw)
		}
		actual := lo.Ternary(pass, "True", "False")
		if rule.DisplayCapture != "" {
			actual = lo.ValueOr(captures, rule.DisplayCapture, "N/A")
		}
		return Verdict{Pass: pass, Actual: actual}, nil

	case RuleCapture:
		t, ok := raw.(Tuple)
		if !ok || len(t) < 3 {
			return shapeError(step, rule, raw)
		}
		v := Verdict{Pass: truthy(t[0]), Actual: lo.Ternary(rule.Label != "", rule.Label, "TRUE")}
		if v.Pass {
			v.Captures = map[string]string{
				rule.Capture[0]: cast.ToString(t[1]),
				rule.Capture[1]: cast.ToString(t[2]),
			}
		}
		return v, nil

	default:
		switch r := raw.(type) {
		case bool:
			return Verdict{Pass: r, Actual: lo.Ternary(r, "True", "False")}, nil
		case Tuple:
			if len(r) >= 2 {
				actual := cast.ToString(r[1])
				pass := truthy(r[0]) && (step.Expected == "" || actual == step.Expected)
				return Verdict{Pass: pass, Actual: actual}, nil
			}
		}
		return Verdict{Pass: truthy(raw), Actual: cast.ToString(raw)}, nil
	}
}

func shapeError(step StepDescriptor, rule Rule, raw any) (Verdict, error) {
	return Verdict{Actual: errorActual}, fmt.Errorf("%w: %s rule %s got %T", ErrStepClassification, step.ID, rule.Kind, raw)
}

// pair splits (ok, value) results. A bare non-boolean value counts as a
// successful single value.
func pair(raw any) (ok bool, value any, shaped bool) {
	switch r := raw.(type) {
	case nil, bool:
		return false, nil, false
	case Tuple:
		if len(r) != 2 {
			return false, nil, false
		}
		return truthy(r[0]), r[1], true
	default:
		return true, raw, true
	}
}

// limits parses LSL/USL. Empty or "N/A" leaves that side open.
func limits(step StepDescriptor) (float64, float64, error) {
	parse := func(s string, open float64) (float64, error) {
		s = strings.TrimSpace(s)
		if s == "" || strings.EqualFold(s, "N/A") {
			return open, nil
		}
		v, err := cast.ToFloat64E(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %s limit %q is not numeric", ErrStepClassification, step.ID, s)
		}
		return v, nil
	}
	lsl, err := parse(step.LSL, math.Inf(-1))
	if err != nil {
		return 0, 0, err
	}
	usl, err := parse(step.USL, math.Inf(1))
	if err != nil {
		return 0, 0, err
	}
	return lsl, usl, nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case Tuple:
		return len(t) > 0 && truthy(t[0])
	case []interface{}:
		return len(t) > 0
	case map[string]interface{}:
		return len(t) > 0
	}
	if f, err := cast.ToFloat64E(v); err == nil {
		return f != 0
	}
	return true
}
