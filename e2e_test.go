//go:build e2e

package eolstation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.viam.com/rdk/components/sensor"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	generic "go.viam.com/rdk/services/generic"
)

// TestE2E_ScanToRecord wires the registered controller, cycle sensor and
// simulated ECU constructors together the way viam-server would, runs one
// cycle with real delays and checks it through the sensor and the record.
func TestE2E_ScanToRecord(t *testing.T) {
	logger := logging.NewTestLogger(t)
	ctx := context.Background()
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

	statuses := make(chan string, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			statuses <- r.URL.Path
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte(skuJSON("TP100")))
	}))
	defer server.Close()

	ecuConf := resource.Config{
		Name:  "tpms",
		API:   sensor.API,
		Model: SimulatedECU,
		ConvertedAttributes: &SimulatedECUConfig{
			Results: map[string]interface{}{
				"API_CALL":         []interface{}{true, "AA:01", "BB:02"},
				"WRITE_TPMS_FRONT": true,
			},
			FailFirst: map[string]int{"WRITE_TPMS_FRONT": 1},
			LatencyMs: 50,
		},
	}
	ecu, err := newSimulatedECU(ctx, nil, ecuConf, logger)
	if err != nil {
		t.Fatalf("creating simulated ecu: %v", err)
	}

	ctrlConf := resource.Config{
		Name:  "station",
		API:   generic.API,
		Model: Controller,
		ConvertedAttributes: &Config{
			FamiliesFile:    familiesFile,
			StepsDir:        stepsDir,
			LogDir:          logDir,
			JournalPath:     filepath.Join(dir, "journal.jsonl"),
			APIURLs:         map[string]string{"PRD": server.URL + "/vehicles/flashFile/prd"},
			StatusURL:       server.URL + "/vehicles/processParams/updateProcessParams",
			RetryBackoffMs:  100,
			StepIntervalMs:  50,
			ResetDelayOKMs:  200,
			ResetDelayNOKMs: 200,
			Resources:       []string{"tpms"},
		},
	}
	ctrl, err := newStationController(ctx, resource.Dependencies{ecu.Name(): ecu}, ctrlConf, logger)
	if err != nil {
		t.Fatalf("creating controller: %v", err)
	}
	defer ctrl.Close(ctx)

	sensorConf := resource.Config{
		Name:                "cycle",
		API:                 sensor.API,
		Model:               CycleSensor,
		ConvertedAttributes: &SensorConfig{Controller: "station"},
	}
	cycle, err := newCycleSensor(ctx, resource.Dependencies{ctrl.Name(): ctrl}, sensorConf, logger)
	if err != nil {
		t.Fatalf("creating cycle sensor: %v", err)
	}

	if _, err := ctrl.DoCommand(ctx, map[string]interface{}{"command": "scan", "identifier": "MD6TEST0000000001"}); err != nil {
		t.Fatalf("scan failed: %v", err)
	}

	select {
	case path := <-statuses:
		if path != "/vehicles/processParams/updateProcessParams" {
			t.Errorf("status posted to %s", path)
		}
	case <-time.After(30 * time.Second):
		t.Fatal("no status update within 30s")
	}

	deadline := time.Now().Add(10 * time.Second)
	var readings map[string]interface{}
	for time.Now().Before(deadline) {
		readings, err = cycle.Readings(ctx, nil)
		if err != nil {
			t.Fatalf("Readings failed: %v", err)
		}
		if readings["state"] == "idle" && readings["last_verdict"] != nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if readings["last_verdict"] != "OK" {
		t.Fatalf("expected OK verdict, got %v", readings["last_verdict"])
	}

	entries, err := os.ReadDir(logDir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one cycle record, got %v (%v)", entries, err)
	}
	record, err := os.ReadFile(filepath.Join(logDir, entries[0].Name()))
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("cycle record:\n%s", record)
}
