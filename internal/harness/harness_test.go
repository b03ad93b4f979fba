package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadTestScenario(t *testing.T, name string) *Scenario {
	t.Helper()
	s, err := LoadScenario(filepath.Join("testdata", "scenarios", name+".yaml"))
	require.NoError(t, err)
	return s
}

func TestAllScenariosPass(t *testing.T) {
	matches, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, matches)

	for _, path := range matches {
		path := path
		t.Run(filepath.Base(path), func(t *testing.T) {
			s, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := Run(s)
			require.NoError(t, err)

			errs := Check(result)
			assert.Empty(t, errs, FormatErrors(errs))
		})
	}
}

func TestGoldenTraces(t *testing.T) {
	for _, name := range []string{
		"clarification-priority-flow",
		"chain-gap-buffering",
	} {
		name := name
		t.Run(name, func(t *testing.T) {
			RunWithGolden(t, loadTestScenario(t, name))
		})
	}
}

func TestRunIsDeterministic(t *testing.T) {
	s := loadTestScenario(t, "clarification-priority-flow")

	first, err := Run(s)
	require.NoError(t, err)
	second, err := Run(s)
	require.NoError(t, err)

	require.Equal(t, len(first.Trace), len(second.Trace))
	for i := range first.Trace {
		assert.Equal(t, first.Trace[i].Type, second.Trace[i].Type)
		assert.Equal(t, first.Trace[i].Payload, second.Trace[i].Payload)
	}
}

func TestExpectErrorMismatchFailsRun(t *testing.T) {
	s := &Scenario{
		Name:        "bad-expectation",
		Description: "responding with nothing presented must fail",
		Steps: []Step{
			{Op: OpRespond, Value: "answer", ExpectError: "some other message"},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Expect: map[string]any{"queue_length": 0}},
		},
	}
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not contain")
}

func TestExpectErrorOnSucceedingStepFailsRun(t *testing.T) {
	s := &Scenario{
		Name:        "phantom-error",
		Description: "a succeeding step with expect_error fails the run",
		Steps: []Step{
			{Op: OpAddClarification, RequestID: "r1", Priority: 2, ExpectError: "boom"},
		},
		Assertions: []Assertion{
			{Type: AssertFinalState, Expect: map[string]any{"queue_length": 1}},
		},
	}
	_, err := Run(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected error")
}

func TestLoadScenarioRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "typo.yaml")
	src := `
name: typo
description: assertion vs assertions
steps:
  - op: respond
assertion:
  - type: trace_count
    event: x
    count: 0
`
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	_, err := LoadScenario(path)
	require.Error(t, err)
}

func TestLoadScenarioRejectsMissingFields(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"no steps": `
name: empty
description: no steps
steps: []
assertions:
  - type: trace_count
    event: x
    count: 0
`,
		"unknown op": `
name: bad-op
description: unknown op
steps:
  - op: frobnicate
assertions:
  - type: trace_count
    event: x
    count: 0
`,
		"bad assertion type": `
name: bad-assert
description: bad assertion
steps:
  - op: respond
assertions:
  - type: trace_matches
`,
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".yaml")
			require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
			_, err := LoadScenario(path)
			require.Error(t, err)
		})
	}
}

func TestFinalStateSnapshot(t *testing.T) {
	w := NewWorld()
	state := FinalState(w)

	assert.Equal(t, 0, state["queue_length"])
	assert.Equal(t, "", state["active_transaction"])
	assert.Equal(t, "default", state["focus"])
	assert.Equal(t, "pending", state["phase.mission"])
	assert.Equal(t, 0, state["chain.geometry.depth"])
}
