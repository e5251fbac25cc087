package eolstation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
	goutils "go.viam.com/utils"
)

var Controller = resource.NewModel("factory", "eol-station", "controller")

func init() {
	resource.RegisterService(generic.API, Controller,
		resource.Registration[resource.Resource, *Config]{
			Constructor: newStationController,
		},
	)
}

const (
	defaultAPIMode    = "PRD"
	defaultAPIURL     = "http://10.121.2.107:3000/vehicles/flashFile/prd"
	defaultStatusURL  = "http://10.121.2.107:3000/vehicles/processParams/updateProcessParams"
	defaultDefaultSKU = "GE190510"
	maxInstructions   = 50
)

type Config struct {
	FamiliesFile string            `json:"families_file"`
	StepsDir     string            `json:"steps_dir"`
	LogDir       string            `json:"log_dir"`
	ActiveFamily string            `json:"active_family,omitempty"`
	APIMode      string            `json:"api_mode,omitempty"`
	APIURLs      map[string]string `json:"api_urls,omitempty"`
	StatusURL    string            `json:"status_url,omitempty"`
	JournalPath  string            `json:"journal_path,omitempty"`

	IdentifierPrefix string `json:"identifier_prefix,omitempty"` // default: MD6
	IdentifierLength int    `json:"identifier_length,omitempty"` // default: 17

	DefaultSKU           string `json:"default_sku,omitempty"`
	FallbackToDefaultSKU *bool  `json:"fallback_to_default_sku,omitempty"` // default: true
	ResolveAttempts      int    `json:"resolve_attempts,omitempty"`
	ResolveTimeoutMs     int    `json:"resolve_timeout_ms,omitempty"`
	ResolveDelayMs       int    `json:"resolve_delay_ms,omitempty"`

	MaxStepRetries   int `json:"max_step_retries,omitempty"`
	MaxGlobalRetries int `json:"max_global_retries,omitempty"`
	StepTimeoutMs    int `json:"step_timeout_ms,omitempty"`
	RetryBackoffMs   int `json:"retry_backoff_ms,omitempty"`
	StepIntervalMs   int `json:"step_interval_ms,omitempty"`
	ResetDelayOKMs   int `json:"reset_delay_ok_ms,omitempty"`
	ResetDelayNOKMs  int `json:"reset_delay_nok_ms,omitempty"`

	MetricsAddr   string   `json:"metrics_addr,omitempty"`
	WatchFamilies bool     `json:"watch_families,omitempty"`
	Resources     []string `json:"resources,omitempty"` // hardware used by step bindings
}

func (cfg *Config) Validate(path string) ([]string, []string, error) {
	if cfg.FamiliesFile == "" {
		return nil, nil, fmt.Errorf("%s: families_file is required", path)
	}
	if cfg.StepsDir == "" {
		return nil, nil, fmt.Errorf("%s: steps_dir is required", path)
	}
	if cfg.LogDir == "" {
		return nil, nil, fmt.Errorf("%s: log_dir is required", path)
	}
	if _, ok := cfg.apiURLs()[cfg.apiMode()]; !ok {
		return nil, nil, fmt.Errorf("%s: api_mode %q has no entry in api_urls", path, cfg.apiMode())
	}
	return cfg.Resources, nil, nil
}

func (cfg *Config) apiMode() string {
	return lo.Ternary(cfg.APIMode != "", cfg.APIMode, defaultAPIMode)
}

func (cfg *Config) apiURLs() map[string]string {
	if len(cfg.APIURLs) == 0 {
		return map[string]string{defaultAPIMode: defaultAPIURL}
	}
	return cfg.APIURLs
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func millis(v, def int) time.Duration {
	return time.Duration(orDefault(v, def)) * time.Millisecond
}

// tuning holds the resolved timing and retry budgets of a station.
type tuning struct {
	maxStepAttempts int
	maxGlobalPasses int
	stepTimeout     time.Duration
	backoff         time.Duration
	stepInterval    time.Duration
	resetOK         time.Duration
	resetNOK        time.Duration
	resolveTimeout  time.Duration
	resolveDelay    time.Duration
	resolveAttempts int
}

func (cfg *Config) tuning() tuning {
	return tuning{
		maxStepAttempts: orDefault(cfg.MaxStepRetries, 3),
		maxGlobalPasses: orDefault(cfg.MaxGlobalRetries, 3),
		stepTimeout:     millis(cfg.StepTimeoutMs, 5000),
		backoff:         millis(cfg.RetryBackoffMs, 2000),
		stepInterval:    millis(cfg.StepIntervalMs, 1000),
		resetOK:         millis(cfg.ResetDelayOKMs, 10000),
		resetNOK:        millis(cfg.ResetDelayNOKMs, 15000),
		resolveTimeout:  millis(cfg.ResolveTimeoutMs, 5000),
		resolveDelay:    millis(cfg.ResolveDelayMs, 1000),
		resolveAttempts: orDefault(cfg.ResolveAttempts, 3),
	}
}

type stationState string

const (
	stateIdle      stationState = "idle"
	stateResolving stationState = "resolving"
	stateRunning   stationState = "running"
	stateReporting stationState = "reporting"
	stateResetting stationState = "resetting"
)

type stationController struct {
	resource.AlwaysRebuild

	name   resource.Name
	logger logging.Logger
	cfg    *Config
	deps   resource.Dependencies
	clock  clock.Clock
	tune   tuning
	ids    identifierRule

	metrics    *stationMetrics
	resolver   *resolver
	reporter   *reporter
	watcher    *familiesWatcher
	metricsSrv *http.Server

	mu           sync.Mutex
	state        stationState
	closed       bool
	ruleset      *Ruleset
	activeFamily string
	apiMode      string
	cycle        *TestCycle
	last         *CycleSnapshot
	cycleCount   int
	instructions []string

	workers    sync.WaitGroup
	cancelCtx  context.Context
	cancelFunc func()
}

func newStationController(ctx context.Context, deps resource.Dependencies, rawConf resource.Config, logger logging.Logger) (resource.Resource, error) {
	conf, err := resource.NativeConfig[*Config](rawConf)
	if err != nil {
		return nil, err
	}

	return NewController(ctx, deps, rawConf.ResourceName(), conf, logger)
}

func NewController(ctx context.Context, deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger) (resource.Resource, error) {
	return newController(deps, name, conf, logger, clock.New())
}

func newController(deps resource.Dependencies, name resource.Name, conf *Config, logger logging.Logger, clk clock.Clock) (*stationController, error) {
	rs, err := LoadRuleset(conf.FamiliesFile)
	if err != nil {
		return nil, err
	}
	active := lo.Ternary(conf.ActiveFamily != "", conf.ActiveFamily, rs.Families[0].Name)
	if _, ok := rs.Family(active); !ok {
		return nil, fmt.Errorf("active_family %q is not defined in %s", active, conf.FamiliesFile)
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	s := &stationController{
		name:   name,
		logger: logger,
		cfg:    conf,
		deps:   deps,
		clock:  clk,
		tune:   conf.tuning(),
		ids: identifierRule{
			prefix: lo.Ternary(conf.IdentifierPrefix != "", conf.IdentifierPrefix, "MD6"),
			length: orDefault(conf.IdentifierLength, 17),
		},
		metrics:      newStationMetrics(),
		state:        stateIdle,
		ruleset:      rs,
		activeFamily: active,
		apiMode:      conf.apiMode(),
		cancelCtx:    cancelCtx,
		cancelFunc:   cancelFunc,
	}

	s.resolver = newResolver(s.tune.resolveTimeout, s.tune.resolveDelay, s.tune.resolveAttempts,
		lo.Ternary(conf.DefaultSKU != "", conf.DefaultSKU, defaultDefaultSKU),
		lo.FromPtrOr(conf.FallbackToDefaultSKU, true),
		logger.Sublogger("resolver"), s.metrics, s.instruct)

	statusURL := lo.Ternary(conf.StatusURL != "", conf.StatusURL, defaultStatusURL)
	s.reporter = newReporter(conf.LogDir, conf.JournalPath, newStatusClient(statusURL, s.tune.resolveTimeout),
		logger.Sublogger("reporter"), s.metrics)

	if conf.WatchFamilies {
		w, err := watchFamilies(conf.FamiliesFile, s.reloadFromWatcher, logger.Sublogger("watcher"))
		if err != nil {
			cancelFunc()
			return nil, fmt.Errorf("watching families file: %w", err)
		}
		s.watcher = w
	}

	if conf.MetricsAddr != "" {
		if err := s.serveMetrics(conf.MetricsAddr); err != nil {
			cancelFunc()
			if s.watcher != nil {
				_ = s.watcher.Close()
			}
			return nil, err
		}
	}

	s.instruct("Scan VIN to start next test cycle...")
	logger.Infof("station ready: family %s, api mode %s", active, s.apiMode)
	return s, nil
}

func (s *stationController) serveMetrics(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics.handler())
	s.metricsSrv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	goutils.PanicCapturingGo(func() {
		if err := s.metricsSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("metrics server stopped: %v", err)
		}
	})
	s.logger.Infof("serving metrics on %s/metrics", ln.Addr())
	return nil
}

func (s *stationController) Name() resource.Name {
	return s.name
}

func (s *stationController) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	command, ok := cmd["command"].(string)
	if !ok {
		return nil, fmt.Errorf("missing or invalid 'command' field")
	}

	switch command {
	case "scan":
		return s.handleScan(cmd)
	case "status":
		return s.GetState(), nil
	case "select_family":
		return s.handleSelectFamily(cmd)
	case "select_mode":
		return s.handleSelectMode(cmd)
	case "reload_families":
		return s.handleReload()
	default:
		return nil, fmt.Errorf("unknown command: %s", command)
	}
}

// instruct appends an operator message to the bounded instruction stream.
func (s *stationController) instruct(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instructLocked(msg)
}

func (s *stationController) instructLocked(msg string) {
	s.instructions = append(s.instructions, msg)
	if len(s.instructions) > maxInstructions {
		s.instructions = s.instructions[len(s.instructions)-maxInstructions:]
	}
}

func (s *stationController) setState(st stationState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

func (s *stationController) handleScan(cmd map[string]interface{}) (map[string]interface{}, error) {
	raw, _ := cmd["identifier"].(string)
	identifier, err := s.ids.validate(raw)
	if err != nil {
		s.instruct("Invalid VIN number. Please scan a valid VIN.")
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("station is closed")
	}
	if s.state != stateIdle {
		state := s.state
		s.mu.Unlock()
		return nil, fmt.Errorf("%w (state: %s)", ErrCycleInProgress, state)
	}
	s.state = stateResolving
	rs, family, mode := s.ruleset, s.activeFamily, s.apiMode
	cycleID := uuid.NewString()
	s.workers.Add(1)
	s.mu.Unlock()

	s.logger.Infow("cycle accepted", "cycle_id", cycleID, "identifier", identifier, "family", family, "api_mode", mode)
	goutils.PanicCapturingGo(func() {
		defer s.workers.Done()
		s.runCycle(s.cancelCtx, cycleID, identifier, rs, family, mode)
	})

	return map[string]interface{}{
		"status":     "accepted",
		"cycle_id":   cycleID,
		"identifier": identifier,
	}, nil
}

// runCycle takes one identifier from resolution to reset. It always leaves the
// station idle.
func (s *stationController) runCycle(ctx context.Context, cycleID, identifier string, rs *Ruleset, family, mode string) {
	defer func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cycle = nil
		s.state = stateIdle
		s.instructLocked("Scan VIN to start next test cycle...")
	}()

	fam, ok := rs.Family(family)
	if !ok {
		s.abort(cycleID, identifier, fmt.Errorf("active family %s is no longer defined", family))
		return
	}

	s.instruct(fmt.Sprintf("Fetching SKU for %s (%s)...", identifier, mode))
	res, err := s.resolver.resolve(ctx, identifier, s.cfg.apiURLs()[mode], rs, family)
	if err != nil {
		s.abort(cycleID, identifier, err)
		switch {
		case errors.Is(err, ErrSKUNotInMode):
			s.instruct(fmt.Sprintf("Scanned VIN number is not in Selected API Mode: (%s).", mode))
		case errors.Is(err, ErrSKUWrongFamily):
			s.instruct(fmt.Sprintf("Scanned VIN number is not in Selected Active Library (%s).", family))
		case errors.Is(err, ErrSKUUnknown):
			s.instruct(fmt.Sprintf("No valid test file for SKU of %s.", identifier))
		default:
			s.instruct(fmt.Sprintf("Could not resolve %s: %v", identifier, err))
		}
		return
	}

	steps, err := LoadStepList(s.cfg.StepsDir, res.StepFile, fam)
	if err != nil {
		s.abort(cycleID, identifier, err)
		s.instruct(fmt.Sprintf("Test file for SKU '%s' not found.", res.SKU))
		return
	}
	reg, err := buildRegistry(fam, s.deps)
	if err != nil {
		s.abort(cycleID, identifier, err)
		s.instruct(fmt.Sprintf("Step bindings for %s are not usable: %v", fam.Name, err))
		return
	}

	c := newTestCycle(cycleID, identifier, fam, steps, res, s.clock.Now())
	s.mu.Lock()
	s.cycle = c
	s.state = stateRunning
	s.cycleCount++
	s.mu.Unlock()

	verdict := s.newSequencer(fam, reg).run(ctx, c)
	s.metrics.cycleFinished(fam.Name, verdict)

	s.setState(stateReporting)
	reportCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		reportCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	snap := c.Snapshot()
	if err := s.reporter.finalize(reportCtx, snap); err != nil {
		s.instruct(fmt.Sprintf("Cycle record incomplete: %v", err))
	}

	s.mu.Lock()
	s.last = &snap
	s.state = stateResetting
	s.mu.Unlock()

	delay := lo.Ternary(verdict == VerdictOK, s.tune.resetOK, s.tune.resetNOK)
	if delay > 0 {
		goutils.SelectContextOrWait(ctx, delay)
	}
}

func (s *stationController) abort(cycleID, identifier string, err error) {
	s.logger.Warnw("cycle not started", "cycle_id", cycleID, "identifier", identifier, "error", err)
}

func (s *stationController) newSequencer(fam *Family, reg *Registry) *sequencer {
	exec := &executor{family: fam.Name, clock: s.clock, timeout: s.tune.stepTimeout}
	return &sequencer{
		retry: &retryController{
			maxAttempts: s.tune.maxStepAttempts,
			backoff:     s.tune.backoff,
			exec:        exec,
			logger:      s.logger,
			metrics:     s.metrics,
			instruct:    s.instruct,
		},
		registry:     reg,
		maxGlobal:    s.tune.maxGlobalPasses,
		stepInterval: s.tune.stepInterval,
		clock:        s.clock,
		logger:       s.logger,
		metrics:      s.metrics,
		instruct:     s.instruct,
	}
}

func (s *stationController) handleSelectFamily(cmd map[string]interface{}) (map[string]interface{}, error) {
	family, _ := cmd["family"].(string)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return nil, fmt.Errorf("%w: cannot change family", ErrCycleInProgress)
	}
	if _, ok := s.ruleset.Family(family); !ok {
		return nil, fmt.Errorf("unknown family %q", family)
	}
	s.activeFamily = family
	s.logger.Infof("active family set to %s", family)
	return map[string]interface{}{"active_family": family}, nil
}

func (s *stationController) handleSelectMode(cmd map[string]interface{}) (map[string]interface{}, error) {
	mode, _ := cmd["mode"].(string)
	if _, ok := s.cfg.apiURLs()[mode]; !ok {
		return nil, fmt.Errorf("unknown api mode %q", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return nil, fmt.Errorf("%w: cannot change api mode", ErrCycleInProgress)
	}
	s.apiMode = mode
	s.logger.Infof("api mode set to %s", mode)
	return map[string]interface{}{"api_mode": mode}, nil
}

func (s *stationController) handleReload() (map[string]interface{}, error) {
	if err := s.reloadFamilies(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return map[string]interface{}{
		"families":      len(s.ruleset.Families),
		"active_family": s.activeFamily,
	}, nil
}

// reloadFamilies swaps in a freshly parsed ruleset. A running cycle keeps the
// ruleset it started with.
func (s *stationController) reloadFamilies() error {
	rs, err := LoadRuleset(s.cfg.FamiliesFile)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := rs.Family(s.activeFamily); !ok {
		return fmt.Errorf("reloaded families file no longer defines active family %s", s.activeFamily)
	}
	s.ruleset = rs
	s.logger.Infof("families reloaded from %s (%d families, %d skus)", s.cfg.FamiliesFile, len(rs.Families), len(rs.SKUs))
	return nil
}

func (s *stationController) reloadFromWatcher() {
	if err := s.reloadFamilies(); err != nil {
		s.logger.Warnw("families file changed but could not be loaded", "error", err)
	}
}

func (s *stationController) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancelFunc()
	s.workers.Wait()
	s.resolver.client.CloseIdleConnections()
	if sc, ok := s.reporter.status.(*statusClient); ok {
		sc.client.CloseIdleConnections()
	}

	var err error
	if s.watcher != nil {
		err = multierr.Append(err, s.watcher.Close())
	}
	if s.metricsSrv != nil {
		err = multierr.Append(err, s.metricsSrv.Shutdown(ctx))
	}
	return multierr.Append(err, s.reporter.Close())
}
