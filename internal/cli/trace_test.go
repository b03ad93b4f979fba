package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/keel/internal/bus"
	"github.com/roach88/keel/internal/journal"
	"github.com/roach88/keel/internal/token"
)

func seedJournal(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.db")
	jnl, err := journal.Open(path, token.NewSequenceGenerator("ev"))
	require.NoError(t, err)
	defer jnl.Close()

	ctx := context.Background()
	events := []bus.Event{
		{Type: "chain:applied", Domain: "geometry", Source: "reconciler",
			Payload: map[string]any{"update_id": "update_001"}},
		{Type: "clarification:presented", Source: "clarify",
			Payload: map[string]any{"request_id": "r1"}},
		{Type: "chain:applied", Domain: "routing", Source: "reconciler",
			Payload: map[string]any{"update_id": "update_002"}},
	}
	for _, ev := range events {
		require.NoError(t, jnl.Append(ctx, ev))
	}
	return path
}

func TestTraceDumpsAllEvents(t *testing.T) {
	dbPath := seedJournal(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTraceCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	assert.Contains(t, output, "chain:applied")
	assert.Contains(t, output, "clarification:presented")
	assert.Contains(t, output, "3 event(s)")
}

func TestTraceTypeFilter(t *testing.T) {
	dbPath := seedJournal(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewTraceCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--type", "chain:applied"})

	require.NoError(t, cmd.Execute())

	var resp CLIResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	entries := resp.Data.([]any)
	require.Len(t, entries, 2)
	first := entries[0].(map[string]any)
	assert.Equal(t, "chain:applied", first["type"])
	assert.Equal(t, "geometry", first["domain"])
}

func TestTraceMissingDatabase(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTraceCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--db", "/nonexistent/trace.db"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, buf.String(), "E301")
}

func TestTraceRequiresDBFlag(t *testing.T) {
	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewTraceCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db")
}
