package eolstation

import (
	"time"

	"github.com/samber/lo"
)

// GetState reports the station for the cycle sensor and the status command.
// Values are limited to types that convert to protobuf structs.
func (s *stationController) GetState() map[string]interface{} {
	s.mu.Lock()
	state := map[string]interface{}{
		"state":         string(s.state),
		"active_family": s.activeFamily,
		"api_mode":      s.apiMode,
		"cycle_count":   s.cycleCount,
		"instructions":  lo.Map(s.instructions, func(m string, _ int) interface{} { return m }),
	}
	cycle, last := s.cycle, s.last
	s.mu.Unlock()

	if cycle != nil {
		state["cycle"] = snapshotState(cycle.Snapshot())
	}
	if last != nil {
		state["last_cycle_id"] = last.ID
		state["last_identifier"] = last.Identifier
		state["last_verdict"] = string(last.Verdict)
		state["last_cycle_at"] = last.EndedAt.Format(time.RFC3339)
	}
	return state
}

func snapshotState(snap CycleSnapshot) map[string]interface{} {
	out := map[string]interface{}{
		"cycle_id":       snap.ID,
		"identifier":     snap.Identifier,
		"family":         snap.Family,
		"step_index":     snap.Index,
		"step_count":     snap.Total,
		"global_attempt": snap.GlobalAttempt,
		"cumulative_s":   snap.Cumulative.Seconds(),
		"progress":       snap.Progress,
		"columns":        lo.Map(snap.Columns, func(c string, _ int) interface{} { return c }),
		"rows":           lo.Map(snap.Rows, func(r Row, _ int) interface{} { return rowState(r) }),
		"captures":       lo.MapValues(snap.Captures, func(v string, _ string) interface{} { return v }),
		"started_at":     snap.StartedAt.Format(time.RFC3339),
	}
	if snap.Resolution != nil {
		out["sku"] = snap.Resolution.SKU
		out["default_sku_used"] = snap.Resolution.FellBack
	}
	if snap.Finalized {
		out["verdict"] = string(snap.Verdict)
	}
	return out
}

func rowState(r Row) map[string]interface{} {
	return map[string]interface{}{
		"index":     r.Index,
		"name":      r.Name,
		"parameter": r.Parameter,
		"expected":  r.Expected,
		"lsl":       r.LSL,
		"usl":       r.USL,
		"actual":    r.Actual,
		"result":    r.Result,
	}
}
