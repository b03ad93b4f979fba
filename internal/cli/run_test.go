package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/journal"
	"github.com/roach88/keel/internal/token"
)

const passingScenario = `
name: smoke
description: single applied update
steps:
  - op: chain_event
    domain: geometry
    update_id: update_001
assertions:
  - type: trace_count
    event: chain:applied
    count: 1
`

const failingScenario = `
name: wrong-count
description: assertion that cannot hold
steps:
  - op: chain_event
    domain: geometry
    update_id: update_001
assertions:
  - type: trace_count
    event: chain:applied
    count: 7
`

func writeScenario(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestRunPassingScenario(t *testing.T) {
	path := writeScenario(t, "smoke.yaml", passingScenario)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{path})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, buf.String(), "PASS  smoke")
}

func TestRunFailingScenario(t *testing.T) {
	path := writeScenario(t, "wrong-count.yaml", failingScenario)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{path})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, buf.String(), "FAIL  wrong-count")
}

func TestRunJSONOutput(t *testing.T) {
	path := writeScenario(t, "smoke.yaml", passingScenario)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{path})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestRunUnreadableScenario(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"/nonexistent/scenario.yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "E202")
}

func TestRunRecordsJournal(t *testing.T) {
	path := writeScenario(t, "smoke.yaml", passingScenario)
	dbPath := filepath.Join(t.TempDir(), "trace.db")

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewRunCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--journal", dbPath, path})

	require.NoError(t, cmd.Execute())

	jnl, err := journal.Open(dbPath, token.UUIDv7Generator{})
	require.NoError(t, err)
	defer jnl.Close()

	entries, err := jnl.Events(context.Background(), "chain:applied")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "smoke", entries[0].Payload["scenario"])
	assert.Equal(t, "update_001", entries[0].Payload["update_id"])
}
