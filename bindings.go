package eolstation

import (
	"context"
	"fmt"

	"github.com/spf13/cast"
	"go.viam.com/rdk/components/sensor"
	toggleswitch "go.viam.com/rdk/components/switch"
	"go.viam.com/rdk/resource"
)

func bindingExecutable(id string, b Binding, deps resource.Dependencies) (Executable, error) {
	args := b.Args
	if args == "" {
		args = ArgsNone
	}
	exe := Executable{Args: args, CaptureKey: b.Capture}

	switch b.Kind {
	case BindSensorValue, BindSensorFlag:
		s, err := sensor.FromDependencies(deps, b.Resource)
		if err != nil {
			return Executable{}, fmt.Errorf("getting sensor %q: %w", b.Resource, err)
		}
		r := &sensorReader{sensor: s, key: b.Key}
		if b.Kind == BindSensorFlag {
			exe.Run = r.flag
		} else {
			exe.Run = r.value
		}
	case BindSwitchPosition:
		sw, err := toggleswitch.FromDependencies(deps, b.Resource)
		if err != nil {
			return Executable{}, fmt.Errorf("getting switch %q: %w", b.Resource, err)
		}
		position := b.Position
		exe.Run = func(ctx context.Context, in StepInput) (any, error) {
			if err := sw.SetPosition(ctx, position, nil); err != nil {
				return false, fmt.Errorf("moving %s to position %d: %w", b.Resource, position, err)
			}
			fmt.Fprintf(in.Log, "%s set to position %d\n", b.Resource, position)
			return true, nil
		}
	case BindDoCommand:
		res, err := namedDependency(deps, b.Resource)
		if err != nil {
			return Executable{}, err
		}
		c := &commandStep{res: res, step: id, base: b.Command}
		exe.Run = c.run
	default:
		return Executable{}, fmt.Errorf("unknown binding kind %q", b.Kind)
	}
	return exe, nil
}

func namedDependency(deps resource.Dependencies, name string) (resource.Resource, error) {
	for n, r := range deps {
		if n.Name == name || n.ShortName() == name {
			return r, nil
		}
	}
	return nil, fmt.Errorf("resource %q not found in dependencies", name)
}

// sensorReader reads one key out of a sensor's readings.
type sensorReader struct {
	sensor sensor.Sensor
	key    string
}

func (r *sensorReader) read(ctx context.Context) (interface{}, error) {
	readings, err := r.sensor.Readings(ctx, nil)
	if err != nil {
		return nil, err
	}
	val, ok := readings[r.key]
	if !ok {
		return nil, fmt.Errorf("sensor readings missing %q key", r.key)
	}
	return val, nil
}

func (r *sensorReader) value(ctx context.Context, in StepInput) (any, error) {
	val, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	fmt.Fprintf(in.Log, "%s: %v\n", r.key, val)
	return Tuple{true, val}, nil
}

func (r *sensorReader) flag(ctx context.Context, in StepInput) (any, error) {
	val, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	present, err := cast.ToBoolE(val)
	if err != nil {
		return nil, fmt.Errorf("sensor reading %q is not boolean: %T", r.key, val)
	}
	fmt.Fprintf(in.Log, "%s: %t\n", r.key, present)
	return present, nil
}

// commandStep delegates a step to a resource's DoCommand. The response's
// "result" is the raw output (a list becomes a Tuple) and "log" is appended to
// the diagnostic text.
type commandStep struct {
	res  resource.Resource
	step string
	base map[string]interface{}
}

func (c *commandStep) run(ctx context.Context, in StepInput) (any, error) {
	cmd := make(map[string]interface{}, len(c.base)+4)
	for k, v := range c.base {
		cmd[k] = v
	}
	if _, ok := cmd["command"]; !ok {
		cmd["command"] = c.step
	}
	if in.Identifier != "" {
		cmd["identifier"] = in.Identifier
		cmd["endpoint"] = in.Endpoint
	}
	if in.Capture != "" {
		cmd["capture"] = in.Capture
	}

	resp, err := c.res.DoCommand(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if text, ok := resp["log"].(string); ok && text != "" {
		fmt.Fprintln(in.Log, text)
	}
	switch result := resp["result"].(type) {
	case []interface{}:
		return Tuple(result), nil
	default:
		return result, nil
	}
}
