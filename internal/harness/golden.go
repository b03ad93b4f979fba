package harness

import (
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/keel/internal/canon"
)

// snapshotMap converts a result's trace to the canonical map shape
// golden files are built from. Empty domains and nil payloads are
// omitted so the files stay readable.
func snapshotMap(result *Result) map[string]any {
	traceList := make([]any, len(result.Trace))
	for i, ev := range result.Trace {
		eventMap := map[string]any{
			"seq":    ev.Seq,
			"type":   ev.Type,
			"source": ev.Source,
		}
		if ev.Domain != "" {
			eventMap["domain"] = ev.Domain
		}
		if ev.Payload != nil {
			eventMap["payload"] = widenPayload(ev.Payload)
		}
		traceList[i] = eventMap
	}
	return map[string]any{
		"scenario_name": result.Scenario.Name,
		"trace":         traceList,
	}
}

// widenPayload converts payload values into the canon-supported set.
func widenPayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch x := v.(type) {
		case int:
			out[k] = int64(x)
		case int32:
			out[k] = int64(x)
		case float32:
			out[k] = float64(x)
		case map[string]any:
			out[k] = widenPayload(x)
		default:
			out[k] = v
		}
	}
	return out
}

// RunWithGolden executes a scenario, checks its assertions, and
// compares the canonical trace against testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		t.Fatalf("scenario %s: %v", scenario.Name, err)
	}
	if errs := Check(result); len(errs) > 0 {
		t.Fatalf("scenario %s assertions failed:\n%s", scenario.Name, FormatErrors(errs))
	}

	traceJSON, err := canon.Marshal(snapshotMap(result))
	if err != nil {
		t.Fatalf("scenario %s: marshal trace: %v", scenario.Name, err)
	}

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenario.Name, traceJSON)
}
