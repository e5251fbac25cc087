package eolstation

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// CycleVerdict is the final result of a cycle.
type CycleVerdict string

const (
	VerdictOK  CycleVerdict = "OK"
	VerdictNOK CycleVerdict = "NOK"
)

const (
	resultPending = "Pending"
	resultPass    = "PASS"
	resultFail    = "FAIL"
)

// Row is the displayed state of one step.
type Row struct {
	Index     int
	Name      string
	ID        string
	Parameter string
	Expected  string
	LSL       string
	USL       string
	Actual    string
	Result    string
}

// AttemptRecord is the retained part of one StepOutcome.
type AttemptRecord struct {
	Step       string
	Pass       int
	Attempt    int
	Duration   time.Duration
	Cumulative time.Duration
	Reason     Reason
	Diagnostic string
}

// Resolution is what the family resolver learned about an identifier.
type Resolution struct {
	SKU        string
	Family     string
	StepFile   string
	RequestURL string
	Response   json.RawMessage
	FellBack   bool
}

// TestCycle is one run for a single identifier. Only the sequencing goroutine
// mutates it; readers take a Snapshot.
type TestCycle struct {
	ID         string
	Identifier string
	Family     *Family
	Steps      []StepDescriptor
	Resolution *Resolution
	StartedAt  time.Time

	mu            sync.Mutex
	index         int
	globalAttempt int
	stepAttempts  []int
	cumulative    time.Duration
	rows          []Row
	records       []AttemptRecord
	captures      map[string]string
	progress      float64
	verdict       CycleVerdict
	finalized     bool
	failure       error
	endedAt       time.Time
}

func newTestCycle(id, identifier string, fam *Family, steps []StepDescriptor, res *Resolution, now time.Time) *TestCycle {
	c := &TestCycle{
		ID:         id,
		Identifier: identifier,
		Family:     fam,
		Steps:      steps,
		Resolution: res,
		StartedAt:  now,
		verdict:    VerdictOK,
	}
	c.resetPass()
	return c
}

// beginPass rewinds to index 0 for a new pass and returns its number. Rows,
// per-step attempt counters and captures are cleared; cumulative time and
// attempt records are kept.
func (c *TestCycle) beginPass() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetPassLocked()
	c.globalAttempt++
	return c.globalAttempt
}

func (c *TestCycle) resetPass() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetPassLocked()
}

func (c *TestCycle) resetPassLocked() {
	c.index = 0
	c.progress = 0
	c.stepAttempts = make([]int, len(c.Steps))
	c.captures = map[string]string{}
	c.rows = make([]Row, len(c.Steps))
	for i, s := range c.Steps {
		c.rows[i] = Row{
			Index:     i + 1,
			Name:      s.Name,
			ID:        s.ID,
			Parameter: s.Parameter,
			Expected:  s.Expected,
			LSL:       s.LSL,
			USL:       s.USL,
			Result:    resultPending,
		}
	}
}

// Index is the current step cursor.
func (c *TestCycle) Index() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.index
}

// GlobalAttempt is the number of passes started so far.
func (c *TestCycle) GlobalAttempt() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.globalAttempt
}

// Cumulative is the summed duration of every attempt in the cycle.
func (c *TestCycle) Cumulative() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cumulative
}

// advance moves past the current step. It reports whether steps remain.
func (c *TestCycle) advance() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index++
	return c.index < len(c.Steps)
}

func (c *TestCycle) nextAttempt(idx int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepAttempts[idx]++
	return c.stepAttempts[idx]
}

func (c *TestCycle) args() stepArgs {
	c.mu.Lock()
	defer c.mu.Unlock()
	args := stepArgs{identifier: c.Identifier, captures: c.copyCaptures()}
	if c.Resolution != nil {
		args.endpoint = c.Resolution.RequestURL
	}
	return args
}

func (c *TestCycle) capturesSnapshot() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.copyCaptures()
}

func (c *TestCycle) copyCaptures() map[string]string {
	out := make(map[string]string, len(c.captures))
	for k, v := range c.captures {
		out[k] = v
	}
	return out
}

// recordAttempt appends an attempt and adds its duration to cumulative time.
func (c *TestCycle) recordAttempt(out StepOutcome) AttemptRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cumulative += out.Duration
	rec := AttemptRecord{
		Step:       out.Step,
		Pass:       c.globalAttempt,
		Attempt:    out.Attempt,
		Duration:   out.Duration,
		Cumulative: c.cumulative,
		Reason:     out.Reason,
		Diagnostic: out.Diagnostic,
	}
	c.records = append(c.records, rec)
	return rec
}

func (c *TestCycle) updateRow(idx int, v Verdict, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row := &c.rows[idx]
	row.Actual = v.Actual
	if v.ExpectedSet {
		row.Expected = v.Expected
	}
	if failed {
		row.Result = resultFail
	} else {
		row.Result = resultPass
	}
}

func (c *TestCycle) addCaptures(m map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range m {
		c.captures[k] = v
	}
}

func (c *TestCycle) setProgress(p float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progress = p
}

var errAlreadyFinalized = errors.New("cycle verdict already set")

// finish sets the final verdict. It may only succeed once.
func (c *TestCycle) finish(v CycleVerdict, failure error, now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return errAlreadyFinalized
	}
	c.finalized = true
	c.verdict = v
	c.failure = failure
	c.endedAt = now
	if v == VerdictNOK {
		c.progress = 1
	}
	return nil
}

// CycleSnapshot is a consistent copy of a cycle's state.
type CycleSnapshot struct {
	ID            string
	Identifier    string
	Family        string
	ParamID       string
	OpnNo         string
	Columns       []string
	Resolution    *Resolution
	StartedAt     time.Time
	EndedAt       time.Time
	Index         int
	Total         int
	GlobalAttempt int
	Cumulative    time.Duration
	Progress      float64
	Rows          []Row
	Records       []AttemptRecord
	Captures      map[string]string
	Verdict       CycleVerdict
	Finalized     bool
	Failure       string
}

func (c *TestCycle) Snapshot() CycleSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := CycleSnapshot{
		ID:            c.ID,
		Identifier:    c.Identifier,
		Family:        c.Family.Name,
		ParamID:       c.Family.ParamID,
		OpnNo:         c.Family.OpnNo,
		Columns:       c.Family.ColumnSchema(),
		Resolution:    c.Resolution,
		StartedAt:     c.StartedAt,
		EndedAt:       c.endedAt,
		Index:         c.index,
		Total:         len(c.Steps),
		GlobalAttempt: c.globalAttempt,
		Cumulative:    c.cumulative,
		Progress:      c.progress,
		Rows:          append([]Row(nil), c.rows...),
		Records:       append([]AttemptRecord(nil), c.records...),
		Captures:      c.copyCaptures(),
		Verdict:       c.verdict,
		Finalized:     c.finalized,
	}
	if c.failure != nil {
		s.Failure = c.failure.Error()
	}
	return s
}
