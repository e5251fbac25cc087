package eolstation

import (
	"context"
	"errors"
	"fmt"

	"github.com/samber/lo"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

var CycleSensor = resource.NewModel("factory", "eol-station", "cycle-sensor")

func init() {
	resource.RegisterComponent(sensor.API, CycleSensor,
		resource.Registration[sensor.Sensor, *SensorConfig]{
			Constructor: newCycleSensor,
		},
	)
}

type SensorConfig struct {
	Controller string `json:"controller"`
	// Summary drops the row table and instruction history, which keeps
	// captured readings small.
	Summary bool `json:"summary,omitempty"`
}

func (cfg *SensorConfig) Validate(path string) ([]string, []string, error) {
	if cfg.Controller == "" {
		return nil, nil, fmt.Errorf("%s: controller is required", path)
	}
	return []string{resource.NewName(generic.API, cfg.Controller).String()}, nil, nil
}

type stateProvider interface {
	GetState() map[string]interface{}
}

// cycleSensor publishes the station controller's live state as readings.
type cycleSensor struct {
	resource.AlwaysRebuild
	resource.TriviallyCloseable

	name    resource.Name
	logger  logging.Logger
	station stateProvider
	summary bool
}

func newCycleSensor(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SensorConfig](rawConf)
	if err != nil {
		return nil, err
	}

	dep, err := deps.Lookup(resource.NewName(generic.API, conf.Controller))
	if err != nil {
		return nil, fmt.Errorf("station controller %q: %w", conf.Controller, err)
	}
	station, ok := dep.(stateProvider)
	if !ok {
		return nil, fmt.Errorf("%q is not an eol-station controller", conf.Controller)
	}

	return &cycleSensor{
		name:    rawConf.ResourceName(),
		logger:  logger,
		station: station,
		summary: conf.Summary,
	}, nil
}

func (s *cycleSensor) Name() resource.Name {
	return s.name
}

// Readings returns the station state plus "instruction", the newest operator
// message. Passing {"summary": true} in extra overrides the configured mode.
func (s *cycleSensor) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	state := s.station.GetState()
	if msgs, ok := state["instructions"].([]interface{}); ok && len(msgs) > 0 {
		state["instruction"] = msgs[len(msgs)-1]
	}

	summary := s.summary
	if v, ok := extra["summary"].(bool); ok {
		summary = v
	}
	if !summary {
		return state, nil
	}

	out := lo.OmitByKeys(state, []string{"instructions", "cycle"})
	if cycle, ok := state["cycle"].(map[string]interface{}); ok {
		for _, k := range []string{"cycle_id", "identifier", "step_index", "step_count", "global_attempt", "progress", "cumulative_s"} {
			if v, ok := cycle[k]; ok {
				out[k] = v
			}
		}
	}
	return out, nil
}

func (s *cycleSensor) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	return nil, errors.ErrUnsupported
}
