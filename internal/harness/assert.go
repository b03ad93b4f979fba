package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/keel/internal/chain"
)

// Check evaluates every assertion against a result and returns one
// error per failed assertion.
func Check(result *Result) []error {
	var errs []error
	state := FinalState(result.World)

	for i, a := range result.Scenario.Assertions {
		var err error
		switch a.Type {
		case AssertTraceContains:
			err = checkTraceContains(result.Trace, a)
		case AssertTraceOrder:
			err = checkTraceOrder(result.Trace, a.Events)
		case AssertTraceCount:
			err = checkTraceCount(result.Trace, a)
		case AssertFinalState:
			err = checkFinalState(state, a.Expect)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("assertions[%d] (%s): %w", i, a.Type, err))
		}
	}
	return errs
}

func checkTraceContains(trace []TraceEvent, a Assertion) error {
	for _, ev := range trace {
		if ev.Type != a.Event {
			continue
		}
		if payloadMatches(ev.Payload, a.Payload) {
			return nil
		}
	}
	if a.Payload == nil {
		return fmt.Errorf("event %q not found in trace", a.Event)
	}
	return fmt.Errorf("event %q with payload %v not found in trace", a.Event, a.Payload)
}

func checkTraceOrder(trace []TraceEvent, expected []string) error {
	next := 0
	for _, ev := range trace {
		if next < len(expected) && ev.Type == expected[next] {
			next++
		}
	}
	if next != len(expected) {
		return fmt.Errorf("expected order %v; stalled at %q", expected, expected[next])
	}
	return nil
}

func checkTraceCount(trace []TraceEvent, a Assertion) error {
	count := 0
	for _, ev := range trace {
		if ev.Type == a.Event {
			count++
		}
	}
	if count != a.Count {
		return fmt.Errorf("event %q occurred %d times, expected %d", a.Event, count, a.Count)
	}
	return nil
}

func checkFinalState(state map[string]any, expect map[string]any) error {
	for key, want := range expect {
		got, ok := state[key]
		if !ok {
			return fmt.Errorf("no final-state key %q", key)
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return fmt.Errorf("%s = %v, expected %v", key, got, want)
		}
	}
	return nil
}

// payloadMatches is a subset match: every expected key must be present
// with an equal (stringified) value.
func payloadMatches(got, want map[string]any) bool {
	for k, v := range want {
		actual, ok := got[k]
		if !ok || fmt.Sprint(actual) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// FinalState flattens the world into dotted-path keys for final_state
// assertions, e.g. "chain.geometry.depth" or "phase.mission".
func FinalState(w *World) map[string]any {
	state := map[string]any{
		"queue_length":       len(w.Clarify.Active()),
		"active_transaction": w.Txn.ActiveID(),
		"focus":              string(w.Focus.Current()),
		"lock_holder":        w.Focus.Snapshot().LockHolder,
		"active_phase":       string(w.PRS.ActivePhase()),
		"progress":           w.PRS.Progress(),
	}

	if cur := w.Clarify.Current(); cur != nil {
		state["current_clarification"] = cur.RequestID
	} else {
		state["current_clarification"] = ""
	}

	for _, d := range chain.AllDomains() {
		cs := w.Chain.State(d)
		state[fmt.Sprintf("chain.%s.depth", d)] = cs.Depth
		state[fmt.Sprintf("chain.%s.last_update_id", d)] = cs.LastUpdateID
		state[fmt.Sprintf("chain.%s.last_acked_id", d)] = cs.LastAckedID
	}

	for _, p := range w.PRS.AllStatuses() {
		state[fmt.Sprintf("phase.%s", p.Name)] = string(p.Status)
	}

	for store, kv := range w.Stores.Dump() {
		for k, v := range kv {
			state[fmt.Sprintf("store.%s.%s", store, k)] = v
		}
	}
	return state
}

// FormatErrors joins assertion failures for test output.
func FormatErrors(errs []error) string {
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return strings.Join(parts, "\n")
}
