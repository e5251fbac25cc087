package eolstation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/multierr"
	"go.viam.com/rdk/logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

const recordTimeLayout = "2006-01-02 15:04:05"

// reporter writes the outcome of a finished cycle to every configured sink.
// Sinks are independent; one failing never stops the others.
type reporter struct {
	logDir  string
	status  statusSender
	logger  logging.Logger
	metrics *stationMetrics

	journalMu sync.Mutex
	journal   io.WriteCloser
}

func newReporter(logDir, journalPath string, status statusSender, logger logging.Logger, m *stationMetrics) *reporter {
	r := &reporter{logDir: logDir, status: status, logger: logger, metrics: m}
	if journalPath != "" {
		r.journal = &lumberjack.Logger{
			Filename:   journalPath,
			MaxSize:    20,
			MaxBackups: 10,
			MaxAge:     90,
			Compress:   true,
		}
	}
	return r
}

// finalize reports a finished cycle. The returned error is a *ReportingError and
// is informational only; the cycle's verdict is already fixed.
func (r *reporter) finalize(ctx context.Context, snap CycleSnapshot) error {
	var errs error
	sink := func(name string, fn func() error) {
		if err := fn(); err != nil {
			r.metrics.reportFailed(name)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	sink("record", func() error {
		p, err := r.writeRecord(snap)
		if err == nil {
			r.logger.Infof("cycle record written to %s", p)
		}
		return err
	})
	sink("journal", func() error { return r.appendJournal(snap) })
	if r.status != nil {
		sink("status", func() error { return r.status.send(ctx, snap) })
	}

	if errs != nil {
		r.logger.Warnw("cycle report incomplete", "cycle_id", snap.ID, "identifier", snap.Identifier, "error", errs)
		return &ReportingError{Err: errs}
	}
	return nil
}

func recordFileName(identifier string, at time.Time) string {
	stamp := strings.Replace(at.Format("20060102_150405.000000"), ".", "_", 1)
	return fmt.Sprintf("%s_%s.txt", identifier, stamp)
}

func (r *reporter) writeRecord(snap CycleSnapshot) (string, error) {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return "", fmt.Errorf("creating log dir: %w", err)
	}
	p := filepath.Join(r.logDir, recordFileName(snap.Identifier, snap.EndedAt))
	if rel, err := filepath.Rel(r.logDir, p); err != nil || rel == ".." || rel != filepath.Base(rel) {
		return "", fmt.Errorf("%w: record for %q would be written outside %s", ErrInvalidIdentifier, snap.Identifier, r.logDir)
	}
	if err := os.WriteFile(p, renderRecord(snap), 0o644); err != nil {
		return "", fmt.Errorf("writing record: %w", err)
	}
	return p, nil
}

func renderRecord(snap CycleSnapshot) []byte {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)

	fmt.Fprintf(w, "VIN NUMBER      : %s\n", snap.Identifier)
	fmt.Fprintf(w, "TEST STATUS     : %s\n", snap.Verdict)
	fmt.Fprintf(w, "DATE            : %s\n", snap.EndedAt.Format(recordTimeLayout))
	fmt.Fprintf(w, "FAMILY          : %s\n", snap.Family)

	request, response := "No request sent", "No response available"
	if res := snap.Resolution; res != nil {
		fmt.Fprintf(w, "SKU             : %s%s\n", res.SKU, lo.Ternary(res.FellBack, " (default)", ""))
		request = lo.Ternary(res.RequestURL != "", res.RequestURL, request)
		if len(res.Response) > 0 {
			var indented bytes.Buffer
			if err := json.Indent(&indented, res.Response, "", "    "); err == nil {
				response = indented.String()
			} else {
				response = string(res.Response)
			}
		}
	}
	fmt.Fprintf(w, "GLOBAL ATTEMPTS : %d\n", snap.GlobalAttempt)
	if snap.Failure != "" {
		fmt.Fprintf(w, "FAILURE         : %s\n", snap.Failure)
	}
	fmt.Fprintf(w, "API Request:\n%s\n", request)
	fmt.Fprintf(w, "API Response:\n\n%s\n", response)

	for _, rec := range snap.Records {
		fmt.Fprintf(w, "[pass %d] %s attempt %d%s\n", rec.Pass, rec.Step, rec.Attempt,
			lo.Ternary(rec.Reason == ReasonNone, "", " ("+string(rec.Reason)+")"))
		if rec.Diagnostic != "" {
			for _, line := range strings.Split(rec.Diagnostic, "\n") {
				fmt.Fprintln(w, line)
			}
		}
		fmt.Fprintf(w, "Cycle Time: %.2f sec\n\n", rec.Cumulative.Seconds())
	}

	fmt.Fprintf(w, "START CYCLE TIME: %s\n", snap.StartedAt.Format(recordTimeLayout))
	fmt.Fprintf(w, "TOTAL CYCLE TIME: %s\n", snap.EndedAt.Format(recordTimeLayout))
	_ = w.Flush()
	return buf.Bytes()
}

type journalEntry struct {
	ID             string    `json:"id"`
	Identifier     string    `json:"identifier"`
	Family         string    `json:"family"`
	SKU            string    `json:"sku,omitempty"`
	Verdict        string    `json:"verdict"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Cumulative     float64   `json:"cumulative_seconds"`
	GlobalAttempts int       `json:"global_attempts"`
	Attempts       int       `json:"attempts"`
	FailedAttempts int       `json:"failed_attempts"`
	Failure        string    `json:"failure,omitempty"`
}

func (r *reporter) appendJournal(snap CycleSnapshot) error {
	if r.journal == nil {
		return nil
	}
	entry := journalEntry{
		ID:             snap.ID,
		Identifier:     snap.Identifier,
		Family:         snap.Family,
		Verdict:        string(snap.Verdict),
		Start:          snap.StartedAt,
		End:            snap.EndedAt,
		Cumulative:     snap.Cumulative.Seconds(),
		GlobalAttempts: snap.GlobalAttempt,
		Attempts:       len(snap.Records),
		FailedAttempts: lo.CountBy(snap.Records, func(rec AttemptRecord) bool { return rec.Reason != ReasonNone }),
		Failure:        snap.Failure,
	}
	if snap.Resolution != nil {
		entry.SKU = snap.Resolution.SKU
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	r.journalMu.Lock()
	defer r.journalMu.Unlock()
	_, err = r.journal.Write(append(line, '\n'))
	return err
}

func (r *reporter) Close() error {
	r.journalMu.Lock()
	defer r.journalMu.Unlock()
	if r.journal == nil {
		return nil
	}
	return r.journal.Close()
}
