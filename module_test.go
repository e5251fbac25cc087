package eolstation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/goleak"
	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

const stationFamilies = `
families:
  - name: TPMS
    param_id: CZ14104
    opn_no: "0022"
    global_retry: true
    default_rule: boolean
    rules:
      - {pattern: API_CALL, rule: capture, capture: [Front_Mac_ID, Rear_Mac_ID]}
    bindings:
      API_CALL: {kind: do_command, resource: tpms, args: identity}
      WRITE_TPMS_FRONT: {kind: do_command, resource: tpms, args: capture, capture: Front_Mac_ID}
  - name: Horn
    default_rule: boolean
    bindings:
      Horn_Check: {kind: do_command, resource: tpms}
skus:
  - {sku: TP100, file: TP100.yaml, family: TPMS}
  - {sku: HN200, file: HN200.yaml, family: Horn}
`

const tp100Steps = `
steps:
  - {name: API CALL}
  - {name: WRITE TPMS FRONT}
`

func skuJSON(sku string) string {
	return `{"data":{"modules":[{"configs":[{"refname":"VCU_SKU_WRITE","messages":[{"refname":"SKU_WRITE","txbytes":"` + sku + `"}]}]}]}}`
}

type stationFixture struct {
	ctrl   *stationController
	status *fakeStatus
	logDir string
	server *httptest.Server
}

// newStation builds a controller around a simulated TPMS ECU and a fake
// vehicle API. Delays are zeroed so cycles finish as fast as the steps run.
func newStation(t *testing.T, ecu *SimulatedECUConfig) *stationFixture {
	t.Helper()
	dir := t.TempDir()
	familiesFile := filepath.Join(dir, "families.yaml")
	stepsDir := filepath.Join(dir, "steps")
	logDir := filepath.Join(dir, "logs")
	if err := os.WriteFile(familiesFile, []byte(stationFamilies), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(stepsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stepsDir, "TP100.yaml"), []byte(tp100Steps), 0o644); err != nil {
		t.Fatal(err)
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/dev/") {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(skuJSON("TP100")))
	}))
	t.Cleanup(server.Close)

	ecuName := resource.NewName(sensor.API, "tpms")
	deps := resource.Dependencies{
		ecuName: newSimulatedECUFromConfig(ecuName, ecu, logging.NewTestLogger(t)),
	}
	cfg := &Config{
		FamiliesFile:   familiesFile,
		StepsDir:       stepsDir,
		LogDir:         logDir,
		APIURLs:        map[string]string{"PRD": server.URL + "/prd", "DEV": server.URL + "/dev"},
		ResolveDelayMs: 1,
		Resources:      []string{"tpms"},
	}

	name := resource.NewName(generic.API, "station")
	ctrl, err := newController(deps, name, cfg, logging.NewTestLogger(t), clock.New())
	if err != nil {
		t.Fatalf("newController failed: %v", err)
	}
	ctrl.tune.backoff = 0
	ctrl.tune.stepInterval = 0
	ctrl.tune.resetOK = 0
	ctrl.tune.resetNOK = 0
	status := &fakeStatus{}
	ctrl.reporter.status = status

	return &stationFixture{ctrl: ctrl, status: status, logDir: logDir, server: server}
}

func tpmsECU() *SimulatedECUConfig {
	return &SimulatedECUConfig{Results: map[string]interface{}{
		"API_CALL":         []interface{}{true, "AA:01", "BB:02"},
		"WRITE_TPMS_FRONT": true,
	}}
}

func (f *stationFixture) scan(identifier string) (map[string]interface{}, error) {
	return f.ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "scan", "identifier": identifier})
}

// waitFor polls the station state until cond holds.
func (f *stationFixture) waitFor(t *testing.T, what string, cond func(map[string]interface{}) bool) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state := f.ctrl.GetState()
		if cond(state) {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s, last state %v", what, f.ctrl.GetState())
	return nil
}

func finished(state map[string]interface{}) bool {
	return state["state"] == "idle" && state["last_verdict"] != nil
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{FamiliesFile: "families.yaml", StepsDir: "steps", LogDir: "logs", Resources: []string{"tpms", "bms"}}
	}

	t.Run("returns step resources as dependencies", func(t *testing.T) {
		deps, _, err := valid().Validate("test")
		if err != nil {
			t.Fatalf("Validate failed: %v", err)
		}
		if len(deps) != 2 || deps[0] != "tpms" || deps[1] != "bms" {
			t.Errorf("expected [tpms bms], got %v", deps)
		}
	})

	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"families_file missing", func(c *Config) { c.FamiliesFile = "" }},
		{"steps_dir missing", func(c *Config) { c.StepsDir = "" }},
		{"log_dir missing", func(c *Config) { c.LogDir = "" }},
		{"api_mode without url", func(c *Config) { c.APIMode = "DEV" }},
	} {
		t.Run("errors when "+tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if _, _, err := cfg.Validate("test"); err == nil {
				t.Errorf("expected error when %s", tc.name)
			}
		})
	}

	t.Run("tuning defaults", func(t *testing.T) {
		tune := valid().tuning()
		if tune.maxStepAttempts != 3 || tune.maxGlobalPasses != 3 {
			t.Errorf("retry budgets: got %d/%d", tune.maxStepAttempts, tune.maxGlobalPasses)
		}
		if tune.stepTimeout != 5*time.Second || tune.backoff != 2*time.Second {
			t.Errorf("timing: got timeout %v backoff %v", tune.stepTimeout, tune.backoff)
		}
		if tune.resetOK != 10*time.Second || tune.resetNOK != 15*time.Second {
			t.Errorf("reset delays: got %v/%v", tune.resetOK, tune.resetNOK)
		}
	})
}

func TestNewController(t *testing.T) {
	f := newStation(t, tpmsECU())
	defer f.ctrl.Close(context.Background())

	if f.ctrl.Name() != resource.NewName(generic.API, "station") {
		t.Errorf("Name() = %v", f.ctrl.Name())
	}
	state := f.ctrl.GetState()
	if state["state"] != "idle" {
		t.Errorf("expected state=idle, got %v", state["state"])
	}
	if state["active_family"] != "TPMS" {
		t.Errorf("expected first family to be active, got %v", state["active_family"])
	}
	if state["api_mode"] != "PRD" {
		t.Errorf("expected api_mode=PRD, got %v", state["api_mode"])
	}

	t.Run("unknown active family", func(t *testing.T) {
		cfg := *f.ctrl.cfg
		cfg.ActiveFamily = "Wipers"
		if _, err := newController(nil, f.ctrl.name, &cfg, logging.NewTestLogger(t), clock.New()); err == nil {
			t.Error("expected error for undefined active family")
		}
	})

	t.Run("sku fallback is on unless disabled", func(t *testing.T) {
		if !f.ctrl.resolver.fallback {
			t.Error("expected fallback when fallback_to_default_sku is omitted")
		}
		cfg := *f.ctrl.cfg
		off := false
		cfg.FallbackToDefaultSKU = &off
		ctrl, err := newController(nil, f.ctrl.name, &cfg, logging.NewTestLogger(t), clock.New())
		if err != nil {
			t.Fatalf("newController failed: %v", err)
		}
		defer ctrl.Close(context.Background())
		if ctrl.resolver.fallback {
			t.Error("fallback_to_default_sku: false should disable the fallback")
		}
	})
}

func TestDoCommand(t *testing.T) {
	f := newStation(t, tpmsECU())
	defer f.ctrl.Close(context.Background())

	if _, err := f.ctrl.DoCommand(context.Background(), map[string]interface{}{}); err == nil {
		t.Error("DoCommand should return error for missing command")
	}
	if _, err := f.ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "dance"}); err == nil {
		t.Error("DoCommand should return error for unknown command")
	}
	status, err := f.ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "status"})
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status["state"] != "idle" {
		t.Errorf("expected state=idle, got %v", status["state"])
	}
}

func TestScanRunsCycle(t *testing.T) {
	f := newStation(t, tpmsECU())
	defer f.ctrl.Close(context.Background())

	result, err := f.scan(" MD6TEST0000000001\n")
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if result["status"] != "accepted" || result["identifier"] != "MD6TEST0000000001" {
		t.Errorf("unexpected scan result %v", result)
	}

	state := f.waitFor(t, "cycle to finish", finished)
	if state["last_verdict"] != "OK" {
		t.Errorf("expected OK verdict, got %v (instructions %v)", state["last_verdict"], state["instructions"])
	}
	if state["last_cycle_id"] != result["cycle_id"] {
		t.Errorf("last_cycle_id %v does not match accepted cycle %v", state["last_cycle_id"], result["cycle_id"])
	}
	if state["cycle_count"] != 1 {
		t.Errorf("expected cycle_count=1, got %v", state["cycle_count"])
	}
	if len(f.status.calls) != 1 {
		t.Fatalf("expected one status update, got %d", len(f.status.calls))
	}
	snap := f.status.calls[0]
	if snap.Captures["Front_Mac_ID"] != "AA:01" || snap.Resolution.SKU != "TP100" {
		t.Errorf("unexpected reported cycle: captures %v sku %s", snap.Captures, snap.Resolution.SKU)
	}

	entries, err := os.ReadDir(f.logDir)
	if err != nil {
		t.Fatalf("reading log dir: %v", err)
	}
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Name(), "MD6TEST0000000001_") {
		t.Errorf("expected one cycle record, got %v", entries)
	}

	rec := httptest.NewRecorder()
	f.ctrl.metrics.handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `eol_cycles_total{family="TPMS",verdict="OK"} 1`) {
		t.Errorf("metrics missing finished cycle:\n%s", rec.Body.String())
	}

	instructions := state["instructions"].([]interface{})
	if instructions[len(instructions)-1] != "Scan VIN to start next test cycle..." {
		t.Errorf("station should prompt for the next scan, got %v", instructions[len(instructions)-1])
	}
}

func TestScanRejections(t *testing.T) {
	t.Run("invalid identifier", func(t *testing.T) {
		f := newStation(t, tpmsECU())
		defer f.ctrl.Close(context.Background())

		_, err := f.scan("XYZ123")
		if !errors.Is(err, ErrInvalidIdentifier) {
			t.Errorf("expected ErrInvalidIdentifier, got %v", err)
		}
		instructions := f.ctrl.GetState()["instructions"].([]interface{})
		if instructions[len(instructions)-1] != "Invalid VIN number. Please scan a valid VIN." {
			t.Errorf("unexpected instruction %v", instructions[len(instructions)-1])
		}
		if f.ctrl.GetState()["cycle_count"] != 0 {
			t.Error("invalid scan must not start a cycle")
		}
	})

	t.Run("second scan while running", func(t *testing.T) {
		ecu := tpmsECU()
		ecu.LatencyMs = 60000
		f := newStation(t, ecu)
		defer f.ctrl.Close(context.Background())

		if _, err := f.scan("MD6TEST0000000001"); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		_, err := f.scan("MD6TEST0000000002")
		if !errors.Is(err, ErrCycleInProgress) {
			t.Errorf("expected ErrCycleInProgress, got %v", err)
		}
	})

	t.Run("identifier not in api mode", func(t *testing.T) {
		f := newStation(t, tpmsECU())
		defer f.ctrl.Close(context.Background())

		if _, err := f.ctrl.DoCommand(context.Background(), map[string]interface{}{"command": "select_mode", "mode": "DEV"}); err != nil {
			t.Fatalf("select_mode failed: %v", err)
		}
		if _, err := f.scan("MD6TEST0000000001"); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		state := f.waitFor(t, "station to return to idle", func(s map[string]interface{}) bool {
			for _, m := range s["instructions"].([]interface{}) {
				if m == "Scanned VIN number is not in Selected API Mode: (DEV)." {
					return s["state"] == "idle"
				}
			}
			return false
		})
		if state["cycle_count"] != 0 {
			t.Error("unresolved identifier must not start a cycle")
		}
		if len(f.status.calls) != 0 {
			t.Error("unresolved identifier must not be reported")
		}
	})
}

func TestSelections(t *testing.T) {
	f := newStation(t, tpmsECU())
	defer f.ctrl.Close(context.Background())
	do := func(cmd map[string]interface{}) (map[string]interface{}, error) {
		return f.ctrl.DoCommand(context.Background(), cmd)
	}

	if _, err := do(map[string]interface{}{"command": "select_family", "family": "Horn"}); err != nil {
		t.Fatalf("select_family failed: %v", err)
	}
	if f.ctrl.GetState()["active_family"] != "Horn" {
		t.Error("active family not switched")
	}
	if _, err := do(map[string]interface{}{"command": "select_family", "family": "Wipers"}); err == nil {
		t.Error("expected error for unknown family")
	}
	if _, err := do(map[string]interface{}{"command": "select_mode", "mode": "QA"}); err == nil {
		t.Error("expected error for api mode without url")
	}

	t.Run("reload keeps the old ruleset when the active family disappears", func(t *testing.T) {
		only := strings.Replace(stationFamilies, "name: Horn", "name: Horn2", 1)
		only = strings.Replace(only, "family: Horn}", "family: Horn2}", 1)
		if err := os.WriteFile(f.ctrl.cfg.FamiliesFile, []byte(only), 0o644); err != nil {
			t.Fatal(err)
		}
		if _, err := do(map[string]interface{}{"command": "reload_families"}); err == nil {
			t.Error("expected reload to fail")
		}
		if _, ok := f.ctrl.ruleset.Family("Horn"); !ok {
			t.Error("old ruleset should still be active")
		}
	})

	t.Run("reload swaps the ruleset", func(t *testing.T) {
		more := stationFamilies + "  - {sku: HN300, file: HN300.yaml, family: Horn}\n"
		if err := os.WriteFile(f.ctrl.cfg.FamiliesFile, []byte(more), 0o644); err != nil {
			t.Fatal(err)
		}
		result, err := do(map[string]interface{}{"command": "reload_families"})
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if result["families"] != 2 || result["active_family"] != "Horn" {
			t.Errorf("unexpected reload result %v", result)
		}
		if len(f.ctrl.ruleset.SKUs) != 3 {
			t.Errorf("expected 3 skus after reload, got %d", len(f.ctrl.ruleset.SKUs))
		}
	})
}

func TestClose(t *testing.T) {
	t.Run("idle station", func(t *testing.T) {
		f := newStation(t, tpmsECU())
		if err := f.ctrl.Close(context.Background()); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		if _, err := f.scan("MD6TEST0000000001"); err == nil {
			t.Error("closed station should refuse scans")
		}
	})

	t.Run("running cycle is cut short and reported", func(t *testing.T) {
		defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

		ecu := tpmsECU()
		ecu.LatencyMs = 60000
		f := newStation(t, ecu)

		if _, err := f.scan("MD6TEST0000000001"); err != nil {
			t.Fatalf("scan failed: %v", err)
		}
		f.waitFor(t, "cycle to start running", func(s map[string]interface{}) bool { return s["state"] == "running" })

		if err := f.ctrl.Close(context.Background()); err != nil {
			t.Errorf("Close failed: %v", err)
		}
		state := f.ctrl.GetState()
		if state["last_verdict"] != "NOK" {
			t.Errorf("expected NOK for a cancelled cycle, got %v", state["last_verdict"])
		}
		if len(f.status.calls) != 1 {
			t.Errorf("cancelled cycle should still be reported, got %d status updates", len(f.status.calls))
		}
		f.server.Close()
	})
}
