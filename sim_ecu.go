package eolstation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
)

var SimulatedECU = resource.NewModel("factory", "eol-station", "simulated-ecu")

func init() {
	resource.RegisterComponent(sensor.API, SimulatedECU,
		resource.Registration[sensor.Sensor, *SimulatedECUConfig]{
			Constructor: newSimulatedECU,
		},
	)
}

// SimulatedECUConfig describes a bench stand-in for the vehicle under test.
// Results map a step command to its raw output; the strings "$identifier" and
// "$capture" echo the matching command argument back.
type SimulatedECUConfig struct {
	Readings  map[string]interface{} `json:"readings,omitempty"`
	Results   map[string]interface{} `json:"results,omitempty"`
	FailFirst map[string]int         `json:"fail_first,omitempty"` // calls that error before a command succeeds
	LatencyMs int                    `json:"latency_ms,omitempty"`
}

func (cfg *SimulatedECUConfig) Validate(path string) ([]string, []string, error) {
	if cfg.LatencyMs < 0 {
		return nil, nil, fmt.Errorf("%s: latency_ms must not be negative", path)
	}
	for cmd, n := range cfg.FailFirst {
		if n < 0 {
			return nil, nil, fmt.Errorf("%s: fail_first.%s must not be negative", path, cmd)
		}
	}
	return nil, nil, nil
}

type simulatedECU struct {
	resource.AlwaysRebuild

	name    resource.Name
	logger  logging.Logger
	cfg     *SimulatedECUConfig
	latency time.Duration

	mu    sync.Mutex
	calls map[string]int
}

func newSimulatedECU(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (sensor.Sensor, error) {
	conf, err := resource.NativeConfig[*SimulatedECUConfig](rawConf)
	if err != nil {
		return nil, err
	}
	logger.Infof("simulated ecu with %d readings and %d step results", len(conf.Readings), len(conf.Results))
	return newSimulatedECUFromConfig(rawConf.ResourceName(), conf, logger), nil
}

func newSimulatedECUFromConfig(name resource.Name, conf *SimulatedECUConfig, logger logging.Logger) *simulatedECU {
	return &simulatedECU{
		name:    name,
		logger:  logger,
		cfg:     conf,
		latency: time.Duration(conf.LatencyMs) * time.Millisecond,
		calls:   map[string]int{},
	}
}

func (e *simulatedECU) Name() resource.Name {
	return e.name
}

func (e *simulatedECU) Readings(ctx context.Context, extra map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(e.cfg.Readings))
	for k, v := range e.cfg.Readings {
		out[k] = v
	}
	return out, nil
}

func (e *simulatedECU) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	if e.latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.latency):
		}
	}

	e.mu.Lock()
	e.calls[command]++
	call := e.calls[command]
	e.mu.Unlock()

	if call <= e.cfg.FailFirst[command] {
		return nil, fmt.Errorf("%s: simulated failure %d of %d", command, call, e.cfg.FailFirst[command])
	}

	result, ok := e.cfg.Results[command]
	if !ok {
		return nil, fmt.Errorf("unknown command: %s", command)
	}
	switch result {
	case "$identifier":
		result = cmd["identifier"]
	case "$capture":
		result = cmd["capture"]
	}

	return map[string]interface{}{
		"result": result,
		"log":    fmt.Sprintf("%s -> %v", command, result),
	}, nil
}

func (e *simulatedECU) Close(context.Context) error {
	return nil
}
